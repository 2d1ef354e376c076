package period

import (
	"context"
	"time"
)

// Store persists periods and locks. Implementations must make
// CreateLock's overlap check atomic with the insert.
type Store interface {
	// FindPeriod returns the period of the given type covering ts, if any.
	FindPeriod(ctx context.Context, tenant string, typ Type, ts time.Time) (*Period, error)
	CreatePeriod(ctx context.Context, p Period) error
	UpdatePeriod(ctx context.Context, p Period) error
	GetPeriod(ctx context.Context, id string) (*Period, error)

	// CreateLock inserts the lock, failing if an ACTIVE lock of the same
	// type overlaps its range.
	CreateLock(ctx context.Context, l Lock) error
	UpdateLock(ctx context.Context, l Lock) error
	GetLock(ctx context.Context, id string) (*Lock, error)
	// ActiveLocks returns all ACTIVE locks covering ts for the tenant.
	ActiveLocks(ctx context.Context, tenant string, ts time.Time) ([]Lock, error)
}

// ReconciliationChecker reports whether a completed reconciliation covers a
// period; hard close requires one. Implemented by the recon engine.
type ReconciliationChecker interface {
	ReconciliationComplete(ctx context.Context, tenant string, from, to time.Time) (bool, error)
}
