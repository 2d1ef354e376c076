package settlement

import (
	"context"
	"time"
)

// Store persists settlements, their transition logs, and batches.
// Transition must apply the status flip and append the log row
// atomically, and must serialise concurrent flips on the same
// settlement so exactly one of two racing transitions wins.
type Store interface {
	Create(ctx context.Context, s *Settlement) error
	Get(ctx context.Context, tenant, id string) (*Settlement, error)

	// Transition atomically moves the settlement into next, applies
	// update to mutate dependent fields (UTR, retry bookkeeping), and
	// appends the transition row. It returns the stored settlement as of
	// after the flip. A UTR set by update that another settlement of the
	// tenant already carries fails the whole transition.
	Transition(ctx context.Context, tenant, id string, next Status, tr Transition, update func(*Settlement)) (*Settlement, error)

	Transitions(ctx context.Context, tenant, id string) ([]Transition, error)

	// UTRExists reports whether any settlement for the tenant already
	// carries the given bank reference.
	UTRExists(ctx context.Context, tenant, utr string) (bool, error)

	CreateBatch(ctx context.Context, b *Batch) error

	// ListDue returns FAILED settlements whose NextRetryAt has passed and
	// whose retry budget is not exhausted.
	ListDue(ctx context.Context, tenant string, now time.Time) ([]*Settlement, error)
}
