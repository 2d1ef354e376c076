package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

// MemStore is the in-memory Store used by tests and single-process rigs.
// WithinTx stages all writes and applies them atomically under the store
// mutex, mirroring the serialisable guarantee of the Postgres store.
// Entries are write-once: update and delete always fail, matching the
// database trigger.
type MemStore struct {
	mu           sync.Mutex
	accounts     map[string]Account // tenant/code
	transactions map[string]Transaction
	entries      map[string][]Entry // transaction id -> ordered entries
	byKey        map[string]string  // tenant/idempotency key -> transaction id
	overrideLog  []OverrideRecord
	auditLog     []AuditRecord
}

// NewMemStore builds an empty in-memory ledger store.
func NewMemStore() *MemStore {
	return &MemStore{
		accounts:     make(map[string]Account),
		transactions: make(map[string]Transaction),
		entries:      make(map[string][]Entry),
		byKey:        make(map[string]string),
	}
}

func acctKey(tenant, code string) string { return tenant + "/" + code }

// CreateAccount implements Store.
func (m *MemStore) CreateAccount(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := acctKey(a.Tenant, a.Code)
	if _, ok := m.accounts[key]; ok {
		return errs.ErrValidation("account " + a.Code + " already exists for tenant " + a.Tenant)
	}
	m.accounts[key] = a
	return nil
}

// GetAccount implements Store.
func (m *MemStore) GetAccount(_ context.Context, tenant, code string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[acctKey(tenant, code)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// SetAccountStatus implements Store.
func (m *MemStore) SetAccountStatus(_ context.Context, tenant, code string, status AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := acctKey(tenant, code)
	a, ok := m.accounts[key]
	if !ok {
		return errs.ErrValidation("account " + code + " not found for tenant " + tenant)
	}
	a.Status = status
	m.accounts[key] = a
	return nil
}

// memTx stages writes until WithinTx commits.
type memTx struct {
	store *MemStore

	newTransactions map[string]Transaction
	newEntries      map[string][]Entry
	newKeys         map[string]string
	posted          map[string]time.Time
	reversed        map[string]string // original id -> reversal id
	overrides       []OverrideRecord
	audits          []AuditRecord
}

// WithinTx implements Store. The store mutex is held for the duration of
// fn, so concurrent transactions serialise.
func (m *MemStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:           m,
		newTransactions: make(map[string]Transaction),
		newEntries:      make(map[string][]Entry),
		newKeys:         make(map[string]string),
		posted:          make(map[string]time.Time),
		reversed:        make(map[string]string),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged writes.
	for id, t := range tx.newTransactions {
		m.transactions[id] = t
	}
	for id, list := range tx.newEntries {
		m.entries[id] = list
	}
	for key, id := range tx.newKeys {
		m.byKey[key] = id
	}
	for id, at := range tx.posted {
		t := m.transactions[id]
		t.Status = TxPosted
		t.PostedAt = at
		m.transactions[id] = t
	}
	for originalID, reversalID := range tx.reversed {
		original := m.transactions[originalID]
		original.Status = TxReversed
		original.ReversedBy = reversalID
		m.transactions[originalID] = original
		reversal := m.transactions[reversalID]
		reversal.ReversalOf = originalID
		m.transactions[reversalID] = reversal
	}
	m.overrideLog = append(m.overrideLog, tx.overrides...)
	m.auditLog = append(m.auditLog, tx.audits...)
	return nil
}

func (tx *memTx) GetAccount(_ context.Context, tenant, code string) (*Account, error) {
	a, ok := tx.store.accounts[acctKey(tenant, code)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (tx *memTx) FindByIdempotencyKey(_ context.Context, tenant, key string) (*Transaction, []Entry, error) {
	return tx.store.findByKeyLocked(tenant, key)
}

func (tx *memTx) InsertTransaction(_ context.Context, t *Transaction) error {
	if t.IdempotencyKey != "" {
		key := acctKey(t.Tenant, t.IdempotencyKey)
		if _, ok := tx.store.byKey[key]; ok {
			return errs.ErrIdempotencyConflict(t.IdempotencyKey)
		}
		if _, ok := tx.newKeys[key]; ok {
			return errs.ErrIdempotencyConflict(t.IdempotencyKey)
		}
		tx.newKeys[key] = t.ID
	}
	tx.newTransactions[t.ID] = *t
	return nil
}

func (tx *memTx) InsertEntries(_ context.Context, entries []Entry) error {
	for _, entry := range entries {
		if entry.Amount <= 0 {
			return errs.ErrValidation("entry amount must be positive")
		}
		tx.newEntries[entry.TransactionID] = append(tx.newEntries[entry.TransactionID], entry)
	}
	return nil
}

func (tx *memTx) MarkPosted(_ context.Context, id string, at time.Time) error {
	t, staged := tx.newTransactions[id]
	if !staged {
		var ok bool
		t, ok = tx.store.transactions[id]
		if !ok {
			return errs.ErrValidation("transaction " + id + " not found")
		}
	}
	if t.Status != TxPending {
		return errs.ErrValidation("transaction " + id + " is not pending")
	}
	// Re-verify balance at flip time, as the database trigger does.
	var debits, credits int64
	entries := tx.newEntries[id]
	if len(entries) == 0 {
		entries = tx.store.entries[id]
	}
	for _, entry := range entries {
		if entry.Side == SideDebit {
			debits += entry.Amount
		} else {
			credits += entry.Amount
		}
	}
	if debits != credits || debits == 0 {
		return errs.ErrUnbalancedTransaction(debits, credits)
	}
	tx.posted[id] = at
	return nil
}

func (tx *memTx) MarkReversed(_ context.Context, originalID, reversalID string) error {
	if _, ok := tx.store.transactions[originalID]; !ok {
		if _, staged := tx.newTransactions[originalID]; !staged {
			return errs.ErrValidation("transaction " + originalID + " not found")
		}
	}
	tx.reversed[originalID] = reversalID
	return nil
}

func (tx *memTx) AppendOverrideLog(_ context.Context, rec OverrideRecord) error {
	tx.overrides = append(tx.overrides, rec)
	return nil
}

func (tx *memTx) AppendAuditLog(_ context.Context, rec AuditRecord) error {
	tx.audits = append(tx.audits, rec)
	return nil
}

// GetTransaction implements Store.
func (m *MemStore) GetTransaction(_ context.Context, id string) (*Transaction, []Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, nil, nil
	}
	entries := make([]Entry, len(m.entries[id]))
	copy(entries, m.entries[id])
	return &t, entries, nil
}

// FindByIdempotencyKey implements Store.
func (m *MemStore) FindByIdempotencyKey(_ context.Context, tenant, key string) (*Transaction, []Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByKeyLocked(tenant, key)
}

func (m *MemStore) findByKeyLocked(tenant, key string) (*Transaction, []Entry, error) {
	id, ok := m.byKey[acctKey(tenant, key)]
	if !ok {
		return nil, nil, nil
	}
	t := m.transactions[id]
	entries := make([]Entry, len(m.entries[id]))
	copy(entries, m.entries[id])
	return &t, entries, nil
}

// GetAccountBalance implements Store. The projection is computed from
// entries on every call; it is never stored.
func (m *MemStore) GetAccountBalance(_ context.Context, tenant, code string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[acctKey(tenant, code)]
	if !ok {
		return nil, errs.ErrValidation("account " + code + " not found for tenant " + tenant)
	}

	balance := &Balance{Tenant: tenant, AccountCode: code}
	for txID, list := range m.entries {
		t := m.transactions[txID]
		if t.Tenant != tenant || t.Status == TxPending {
			continue
		}
		for _, entry := range list {
			if entry.AccountCode != code {
				continue
			}
			balance.EntryCount++
			if entry.Side == SideDebit {
				balance.TotalDebits += entry.Amount
			} else {
				balance.TotalCredits += entry.Amount
			}
		}
	}
	net := balance.TotalDebits - balance.TotalCredits
	if account.NormalBalance == SideCredit {
		net = -net
	}
	balance.Balance = net
	return balance, nil
}

// ListGatewayPostings implements Store.
func (m *MemStore) ListGatewayPostings(_ context.Context, tenant, gateway string, from, to time.Time) ([]GatewayPosting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []GatewayPosting
	for _, t := range m.transactions {
		if t.Tenant != tenant || t.Status == TxPending {
			continue
		}
		gw := t.Metadata["gateway"]
		if gw == "" || (gateway != "" && gw != gateway) {
			continue
		}
		if t.TransactionDate.Before(from) || !t.TransactionDate.Before(to) {
			continue
		}
		out = append(out, GatewayPosting{
			TransactionID:   t.ID,
			SourceRef:       t.SourceRef,
			Amount:          t.Amount,
			Currency:        t.Currency,
			Gateway:         gw,
			TransactionDate: t.TransactionDate,
		})
	}
	return out, nil
}

// UpdateEntry always fails: entries are write-once.
func (m *MemStore) UpdateEntry(_ context.Context, _ Entry) error {
	return errs.ErrValidation("ledger entries are immutable")
}

// DeleteEntry always fails: entries are write-once.
func (m *MemStore) DeleteEntry(_ context.Context, _ string) error {
	return errs.ErrValidation("ledger entries are immutable")
}

// OverrideLog returns a copy of the override audit log.
func (m *MemStore) OverrideLog() []OverrideRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OverrideRecord, len(m.overrideLog))
	copy(out, m.overrideLog)
	return out
}

// AuditLog returns a copy of the ledger audit log.
func (m *MemStore) AuditLog() []AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditRecord, len(m.auditLog))
	copy(out, m.auditLog)
	return out
}
