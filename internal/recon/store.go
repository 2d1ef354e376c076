package recon

import (
	"context"
	"time"
)

// Store persists reconciliation batches and their items.
type Store interface {
	CreateBatch(ctx context.Context, b *Batch) error
	UpdateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, tenant, id string) (*Batch, error)
	InsertItems(ctx context.Context, items []Item) error
	ListItems(ctx context.Context, tenant, batchID string) ([]Item, error)

	// CompletedCovering reports whether a COMPLETED batch covers the whole
	// window. Hard close of a period asks this question.
	CompletedCovering(ctx context.Context, tenant string, from, to time.Time) (bool, error)
}
