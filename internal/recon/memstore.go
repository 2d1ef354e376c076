package recon

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and single-node runs.
type MemStore struct {
	mu      sync.Mutex
	batches map[string]*Batch
	items   map[string][]Item
}

// NewMemStore builds an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		batches: make(map[string]*Batch),
		items:   make(map[string][]Item),
	}
}

// CreateBatch implements Store.
func (m *MemStore) CreateBatch(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; ok {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

// UpdateBatch implements Store.
func (m *MemStore) UpdateBatch(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; !ok {
		return fmt.Errorf("batch %s not found", b.ID)
	}
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

// GetBatch implements Store.
func (m *MemStore) GetBatch(ctx context.Context, tenant, id string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.Tenant != tenant {
		return nil, fmt.Errorf("batch %s not found", id)
	}
	cp := *b
	return &cp, nil
}

// InsertItems implements Store.
func (m *MemStore) InsertItems(ctx context.Context, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.BatchID] = append(m.items[it.BatchID], it)
	}
	return nil
}

// ListItems implements Store.
func (m *MemStore) ListItems(ctx context.Context, tenant, batchID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.Tenant != tenant {
		return nil, fmt.Errorf("batch %s not found", batchID)
	}
	items := m.items[batchID]
	out := make([]Item, len(items))
	copy(out, items)
	return out, nil
}

// CompletedCovering implements Store.
func (m *MemStore) CompletedCovering(ctx context.Context, tenant string, from, to time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if b.Tenant != tenant || b.Status != BatchCompleted {
			continue
		}
		if !b.WindowStart.After(from) && !b.WindowEnd.Before(to) {
			return true, nil
		}
	}
	return false, nil
}
