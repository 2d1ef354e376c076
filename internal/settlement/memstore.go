package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

// MemStore is an in-memory Store. A single mutex serialises transitions,
// which gives the same one-winner guarantee the Postgres store gets from
// row locks.
type MemStore struct {
	mu          sync.Mutex
	settlements map[string]*Settlement
	transitions map[string][]Transition
	batches     map[string]*Batch
}

// NewMemStore builds an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		settlements: make(map[string]*Settlement),
		transitions: make(map[string][]Transition),
		batches:     make(map[string]*Batch),
	}
}

func memKey(tenant, id string) string {
	return tenant + "/" + id
}

// Create implements Store.
func (m *MemStore) Create(ctx context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(s.Tenant, s.ID)
	if _, ok := m.settlements[k]; ok {
		return fmt.Errorf("settlement %s already exists", s.ID)
	}
	cp := *s
	m.settlements[k] = &cp
	return nil
}

// Get implements Store.
func (m *MemStore) Get(ctx context.Context, tenant, id string) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(tenant, id)
}

func (m *MemStore) get(tenant, id string) (*Settlement, error) {
	s, ok := m.settlements[memKey(tenant, id)]
	if !ok {
		return nil, fmt.Errorf("settlement %s not found", id)
	}
	cp := *s
	return &cp, nil
}

// Transition implements Store. The status is re-read under the lock so
// two racing callers cannot both win the same flip, and a UTR set by
// update is checked for tenant uniqueness under the same lock, matching
// the partial unique index in Postgres.
func (m *MemStore) Transition(ctx context.Context, tenant, id string, next Status, tr Transition, update func(*Settlement)) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[memKey(tenant, id)]
	if !ok {
		return nil, fmt.Errorf("settlement %s not found", id)
	}
	if s.Status != tr.FromStatus {
		return nil, errs.ErrSettlementState(id, string(s.Status), string(next))
	}
	cp := *s
	cp.Status = next
	cp.UpdatedAt = tr.OccurredAt
	if update != nil {
		update(&cp)
	}
	if cp.UTR != "" && cp.UTR != s.UTR {
		for k, other := range m.settlements {
			if k != memKey(tenant, id) && other.Tenant == tenant && other.UTR == cp.UTR {
				return nil, errs.ErrDuplicateUTR(cp.UTR)
			}
		}
	}
	*s = cp
	m.transitions[memKey(tenant, id)] = append(m.transitions[memKey(tenant, id)], tr)
	out := cp
	return &out, nil
}

// Transitions implements Store.
func (m *MemStore) Transitions(ctx context.Context, tenant, id string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.transitions[memKey(tenant, id)]
	out := make([]Transition, len(log))
	copy(out, log)
	return out, nil
}

// UTRExists implements Store.
func (m *MemStore) UTRExists(ctx context.Context, tenant, utr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.settlements {
		if s.Tenant == tenant && s.UTR != "" && s.UTR == utr {
			return true, nil
		}
	}
	return false, nil
}

// CreateBatch implements Store.
func (m *MemStore) CreateBatch(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

// ListDue implements Store.
func (m *MemStore) ListDue(ctx context.Context, tenant string, now time.Time) ([]*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Settlement
	for _, s := range m.settlements {
		if s.Tenant != tenant || s.Status != StatusFailed {
			continue
		}
		if s.RetryCount >= s.MaxRetries {
			continue
		}
		if s.NextRetryAt != nil && now.Before(*s.NextRetryAt) {
			continue
		}
		cp := *s
		due = append(due, &cp)
	}
	return due, nil
}
