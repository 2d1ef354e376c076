package recon

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/ledger"
)

// LedgerView is the slice of the ledger the engine reads. The engine
// never writes ledger entries; discrepancies become adjustment proposals
// for an operator, not automatic postings.
type LedgerView interface {
	ListGatewayPostings(ctx context.Context, tenant, gateway string, from, to time.Time) ([]ledger.GatewayPosting, error)
}

// Engine runs three-way matches and records the outcome.
type Engine struct {
	ledger LedgerView
	store  Store
	logger *zap.Logger
	clock  func() time.Time
}

// NewEngine builds a reconciliation engine.
func NewEngine(lv LedgerView, store Store, logger *zap.Logger) *Engine {
	return &Engine{ledger: lv, store: store, logger: logger, clock: time.Now}
}

// WithClock replaces the time source. Test hook.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// RunParams describes one reconciliation run.
type RunParams struct {
	Tenant      string
	Gateway     string
	WindowStart time.Time
	WindowEnd   time.Time
	Report      []ReportItem
	Statement   []StatementItem
	StartedBy   string
}

// Run executes a three-way match for the window. Each reference present
// in any of the three sources yields exactly one item:
//
//	matched           present everywhere with exactly equal amounts
//	missing_internal  external row with no ledger posting
//	missing_external  ledger posting absent from the gateway report
//	amount_mismatch   present on both sides with differing amounts
//
// The batch's difference amount sums the absolute deltas of
// amount_mismatch items only; missing items surface through their
// counters, with the full amount on the item itself.
func (e *Engine) Run(ctx context.Context, params RunParams) (*Batch, []Item, error) {
	postings, err := e.ledger.ListGatewayPostings(ctx, params.Tenant, params.Gateway, params.WindowStart, params.WindowEnd)
	if err != nil {
		return nil, nil, fmt.Errorf("load internal postings: %w", err)
	}

	batch := &Batch{
		ID:          uuid.NewString(),
		Tenant:      params.Tenant,
		Gateway:     params.Gateway,
		WindowStart: params.WindowStart,
		WindowEnd:   params.WindowEnd,
		Status:      BatchRunning,
		StartedBy:   params.StartedBy,
		StartedAt:   e.clock(),
	}
	if err := e.store.CreateBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("record batch: %w", err)
	}

	internal := make(map[string]decimal.Decimal, len(postings))
	for _, p := range postings {
		internal[p.SourceRef] = internal[p.SourceRef].Add(minorUnits(p.Amount))
	}
	external := make(map[string]decimal.Decimal, len(params.Report))
	for _, r := range params.Report {
		external[r.Reference] = external[r.Reference].Add(r.Amount)
	}
	bank := make(map[string]decimal.Decimal, len(params.Statement))
	for _, b := range params.Statement {
		bank[b.Reference] = bank[b.Reference].Add(b.Amount)
	}

	refs := make(map[string]struct{})
	for r := range internal {
		refs[r] = struct{}{}
	}
	for r := range external {
		refs[r] = struct{}{}
	}
	for r := range bank {
		refs[r] = struct{}{}
	}
	ordered := make([]string, 0, len(refs))
	for r := range refs {
		ordered = append(ordered, r)
	}
	sort.Strings(ordered)

	items := make([]Item, 0, len(ordered))
	totalDiff := decimal.Zero
	for _, ref := range ordered {
		in, hasInternal := internal[ref]
		ex, hasExternal := external[ref]
		bk, hasBank := bank[ref]

		item := Item{
			ID:        uuid.NewString(),
			BatchID:   batch.ID,
			Reference: ref,
		}
		if hasInternal {
			item.InternalAmount = in
		}
		if hasExternal {
			item.ExternalAmount = ex
		}
		if hasBank {
			item.BankAmount = bk
		}

		switch {
		case !hasInternal:
			item.Status = MissingInternal
			item.Difference = ex
			if !hasExternal {
				item.Difference = bk
			}
			item.Detail = "no ledger posting for external reference"
		case !hasExternal:
			item.Status = MissingExternal
			item.Difference = in
			item.Detail = "ledger posting absent from gateway report"
		case !in.Equal(ex):
			item.Status = AmountMismatch
			item.Difference = in.Sub(ex).Abs()
			item.Detail = fmt.Sprintf("internal %s vs external %s", in.String(), ex.String())
		case hasBank && !ex.Equal(bk):
			item.Status = AmountMismatch
			item.Difference = ex.Sub(bk).Abs()
			item.Detail = fmt.Sprintf("external %s vs bank %s", ex.String(), bk.String())
		default:
			item.Status = Matched
			item.Difference = decimal.Zero
		}

		switch item.Status {
		case Matched:
			batch.MatchedCount++
		case MissingInternal:
			batch.MissingInternal++
		case MissingExternal:
			batch.MissingExternal++
		case AmountMismatch:
			batch.AmountMismatches++
		}
		if item.Status == AmountMismatch {
			totalDiff = totalDiff.Add(item.Difference.Abs())
		}
		items = append(items, item)
	}

	batch.TotalItems = len(items)
	batch.DifferenceAmount = totalDiff
	batch.Status = BatchCompleted
	batch.CompletedAt = e.clock()

	if err := e.store.InsertItems(ctx, items); err != nil {
		batch.Status = BatchFailed
		_ = e.store.UpdateBatch(ctx, batch)
		return nil, nil, fmt.Errorf("record items: %w", err)
	}
	if err := e.store.UpdateBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("complete batch: %w", err)
	}

	e.logger.Info("reconciliation completed",
		zap.String("batch_id", batch.ID),
		zap.String("tenant", batch.Tenant),
		zap.String("gateway", batch.Gateway),
		zap.Int("total_items", batch.TotalItems),
		zap.Int("matched", batch.MatchedCount),
		zap.Int("missing_internal", batch.MissingInternal),
		zap.Int("missing_external", batch.MissingExternal),
		zap.Int("amount_mismatches", batch.AmountMismatches),
		zap.String("difference_amount", batch.DifferenceAmount.String()))

	return batch, items, nil
}

// ReconciliationComplete reports whether a completed batch covers the
// window. Satisfies the period controller's hard-close check.
func (e *Engine) ReconciliationComplete(ctx context.Context, tenant string, from, to time.Time) (bool, error) {
	return e.store.CompletedCovering(ctx, tenant, from, to)
}
