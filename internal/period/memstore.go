package period

import (
	"context"
	"sync"
	"time"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

// MemStore is the in-memory Store used by tests and single-process rigs.
type MemStore struct {
	mu      sync.Mutex
	periods map[string]Period
	locks   map[string]Lock
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		periods: make(map[string]Period),
		locks:   make(map[string]Lock),
	}
}

// FindPeriod implements Store.
func (m *MemStore) FindPeriod(_ context.Context, tenant string, typ Type, ts time.Time) (*Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.periods {
		if p.Tenant == tenant && p.Type == typ && p.Covers(ts) {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

// CreatePeriod implements Store.
func (m *MemStore) CreatePeriod(_ context.Context, p Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods[p.ID] = p
	return nil
}

// UpdatePeriod implements Store.
func (m *MemStore) UpdatePeriod(_ context.Context, p Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.periods[p.ID]; !ok {
		return errs.ErrValidation("period " + p.ID + " not found")
	}
	m.periods[p.ID] = p
	return nil
}

// GetPeriod implements Store.
func (m *MemStore) GetPeriod(_ context.Context, id string) (*Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// CreateLock implements Store. The overlap check and insert are atomic
// under the store mutex.
func (m *MemStore) CreateLock(_ context.Context, l Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.locks {
		if existing.Tenant != l.Tenant || existing.Type != l.Type || existing.Status != LockActive {
			continue
		}
		if l.Start.Before(existing.End) && existing.Start.Before(l.End) {
			return errs.ErrLedgerLocked(existing.ID, string(existing.Type))
		}
	}
	m.locks[l.ID] = l
	return nil
}

// UpdateLock implements Store.
func (m *MemStore) UpdateLock(_ context.Context, l Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[l.ID]; !ok {
		return errs.ErrValidation("lock " + l.ID + " not found")
	}
	m.locks[l.ID] = l
	return nil
}

// GetLock implements Store.
func (m *MemStore) GetLock(_ context.Context, id string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

// ActiveLocks implements Store.
func (m *MemStore) ActiveLocks(_ context.Context, tenant string, ts time.Time) ([]Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Lock
	for _, l := range m.locks {
		if l.Tenant == tenant && l.Status == LockActive && l.Overlaps(ts) {
			out = append(out, l)
		}
	}
	return out, nil
}
