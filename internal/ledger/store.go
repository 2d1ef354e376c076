package ledger

import (
	"context"
	"time"
)

// Store persists the ledger. WithinTx must provide serialisable semantics:
// either every write inside fn becomes visible atomically or none does.
// Entry immutability is a storage-level guarantee, not an application
// convention.
type Store interface {
	CreateAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, tenant, code string) (*Account, error)
	SetAccountStatus(ctx context.Context, tenant, code string, status AccountStatus) error

	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetTransaction(ctx context.Context, id string) (*Transaction, []Entry, error)
	FindByIdempotencyKey(ctx context.Context, tenant, key string) (*Transaction, []Entry, error)
	GetAccountBalance(ctx context.Context, tenant, code string) (*Balance, error)

	// ListGatewayPostings serves the reconciliation engine's internal view.
	ListGatewayPostings(ctx context.Context, tenant, gateway string, from, to time.Time) ([]GatewayPosting, error)
}

// Tx is the write surface available inside one storage transaction.
type Tx interface {
	GetAccount(ctx context.Context, tenant, code string) (*Account, error)
	FindByIdempotencyKey(ctx context.Context, tenant, key string) (*Transaction, []Entry, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
	InsertEntries(ctx context.Context, entries []Entry) error
	// MarkPosted flips pending -> posted, re-verifying entry balance at
	// flip time.
	MarkPosted(ctx context.Context, id string, at time.Time) error
	// MarkReversed flips the original to reversed and links both headers.
	MarkReversed(ctx context.Context, originalID, reversalID string) error
	AppendOverrideLog(ctx context.Context, rec OverrideRecord) error
	AppendAuditLog(ctx context.Context, rec AuditRecord) error
}
