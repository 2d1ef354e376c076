package recon

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/ledger"
)

var (
	windowStart = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
)

// fakeLedger serves gateway postings keyed by reference.
type fakeLedger struct {
	postings []ledger.GatewayPosting
}

func (f *fakeLedger) ListGatewayPostings(_ context.Context, tenant, gateway string, from, to time.Time) ([]ledger.GatewayPosting, error) {
	var out []ledger.GatewayPosting
	for _, p := range f.postings {
		if p.Gateway != gateway || p.TransactionDate.Before(from) || !p.TransactionDate.Before(to) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func posting(ref string, paise int64) ledger.GatewayPosting {
	return ledger.GatewayPosting{
		TransactionID:   "tx_" + ref,
		SourceRef:       ref,
		Amount:          paise,
		Currency:        "INR",
		Gateway:         "alpha",
		TransactionDate: windowStart.Add(6 * time.Hour),
	}
}

func report(ref, amount string) ReportItem {
	return ReportItem{
		Reference: ref,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "INR",
		Date:      windowStart.Add(6 * time.Hour),
	}
}

func statement(ref, amount string) StatementItem {
	return StatementItem{
		Reference: ref,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "INR",
		Date:      windowStart.Add(6 * time.Hour),
	}
}

func TestThreeWayMatchVerdicts(t *testing.T) {
	lv := &fakeLedger{postings: []ledger.GatewayPosting{
		posting("A", 150_050), // 1500.50
		posting("B", 20_000),  // 200.00
		posting("C", 100_000), // 1000.00, report says 999.50
		posting("D", 5_000),   // ledger only
	}}
	store := NewMemStore()
	engine := NewEngine(lv, store, zap.NewNop())

	batch, items, err := engine.Run(context.Background(), RunParams{
		Tenant:      "t1",
		Gateway:     "alpha",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Report: []ReportItem{
			report("A", "1500.50"),
			report("B", "200.00"),
			report("C", "999.50"),
			report("E", "75.25"), // external only
		},
		Statement: []StatementItem{
			statement("A", "1500.50"),
			statement("B", "200.00"),
		},
		StartedBy: "ops_1",
	})
	require.NoError(t, err)
	require.Len(t, items, 5)

	byRef := map[string]Item{}
	for _, item := range items {
		byRef[item.Reference] = item
	}
	assert.Equal(t, Matched, byRef["A"].Status)
	assert.Equal(t, Matched, byRef["B"].Status)
	assert.Equal(t, AmountMismatch, byRef["C"].Status)
	assert.True(t, byRef["C"].Difference.Equal(decimal.RequireFromString("0.50")))
	assert.Equal(t, MissingExternal, byRef["D"].Status)
	assert.Equal(t, MissingInternal, byRef["E"].Status)

	assert.Equal(t, BatchCompleted, batch.Status)
	assert.Equal(t, 5, batch.TotalItems)
	assert.Equal(t, 2, batch.MatchedCount)
	assert.Equal(t, 1, batch.MissingInternal)
	assert.Equal(t, 1, batch.MissingExternal)
	assert.Equal(t, 1, batch.AmountMismatches)
	// Only the 0.50 mismatch contributes; D and E are reported through
	// the missing counters and their item amounts.
	assert.True(t, batch.DifferenceAmount.Equal(decimal.RequireFromString("0.50")),
		"got %s", batch.DifferenceAmount)
	assert.False(t, batch.Clean())
}

func TestGapSummaryExcludesMissingFromDifference(t *testing.T) {
	// One mismatched paisa amount and one gap on each side: the summary
	// counts the gaps but the difference amount carries only the 0.50.
	lv := &fakeLedger{postings: []ledger.GatewayPosting{
		posting("A", 100_000),
		posting("B", 200_000),
		posting("C", 150_000),
		posting("D", 80_000),
	}}
	engine := NewEngine(lv, NewMemStore(), zap.NewNop())

	batch, _, err := engine.Run(context.Background(), RunParams{
		Tenant:      "t1",
		Gateway:     "alpha",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Report: []ReportItem{
			report("A", "1000.00"),
			report("B", "2000.00"),
			report("C", "1500.50"),
			report("E", "500.00"),
		},
		StartedBy: "ops_1",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, batch.MatchedCount)
	assert.Equal(t, 1, batch.MissingExternal)
	assert.Equal(t, 1, batch.MissingInternal)
	assert.Equal(t, 1, batch.AmountMismatches)
	assert.True(t, batch.DifferenceAmount.Equal(decimal.RequireFromString("0.50")),
		"got %s", batch.DifferenceAmount)
}

func TestExactDecimalEquality(t *testing.T) {
	// 1500.50 in paise vs "1500.5" in the report: equal values, different
	// exponents. Equality is on value, never string form or epsilon.
	lv := &fakeLedger{postings: []ledger.GatewayPosting{posting("A", 150_050)}}
	engine := NewEngine(lv, NewMemStore(), zap.NewNop())

	batch, items, err := engine.Run(context.Background(), RunParams{
		Tenant:      "t1",
		Gateway:     "alpha",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Report:      []ReportItem{report("A", "1500.5")},
		StartedBy:   "ops_1",
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, Matched, items[0].Status)
	assert.True(t, batch.Clean())

	// A one paisa difference is a mismatch, not a rounding artifact.
	lv.postings[0].Amount = 150_051
	batch, items, err = engine.Run(context.Background(), RunParams{
		Tenant:      "t1",
		Gateway:     "alpha",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Report:      []ReportItem{report("A", "1500.50")},
		StartedBy:   "ops_1",
	})
	require.NoError(t, err)
	assert.Equal(t, AmountMismatch, items[0].Status)
	assert.True(t, items[0].Difference.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 1, batch.AmountMismatches)
}

func TestBankMismatchFlagged(t *testing.T) {
	lv := &fakeLedger{postings: []ledger.GatewayPosting{posting("A", 150_050)}}
	engine := NewEngine(lv, NewMemStore(), zap.NewNop())

	_, items, err := engine.Run(context.Background(), RunParams{
		Tenant:      "t1",
		Gateway:     "alpha",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Report:      []ReportItem{report("A", "1500.50")},
		Statement:   []StatementItem{statement("A", "1500.00")},
		StartedBy:   "ops_1",
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, AmountMismatch, items[0].Status)
	assert.True(t, items[0].Difference.Equal(decimal.RequireFromString("0.50")))
}

func TestDuplicateReferencesSumBeforeMatching(t *testing.T) {
	// Two partial captures under one order reference sum to the report row.
	lv := &fakeLedger{postings: []ledger.GatewayPosting{
		posting("A", 60_000),
		posting("A", 40_000),
	}}
	engine := NewEngine(lv, NewMemStore(), zap.NewNop())

	_, items, err := engine.Run(context.Background(), RunParams{
		Tenant:      "t1",
		Gateway:     "alpha",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Report:      []ReportItem{report("A", "1000.00")},
		StartedBy:   "ops_1",
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, Matched, items[0].Status)
}

func TestEmptyRunCompletesClean(t *testing.T) {
	engine := NewEngine(&fakeLedger{}, NewMemStore(), zap.NewNop())

	batch, items, err := engine.Run(context.Background(), RunParams{
		Tenant:      "t1",
		Gateway:     "alpha",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		StartedBy:   "ops_1",
	})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, BatchCompleted, batch.Status)
	assert.True(t, batch.Clean())
}

func TestReconciliationCompleteCoversWindow(t *testing.T) {
	engine := NewEngine(&fakeLedger{}, NewMemStore(), zap.NewNop())
	ctx := context.Background()

	done, err := engine.ReconciliationComplete(ctx, "t1", windowStart, windowEnd)
	require.NoError(t, err)
	assert.False(t, done)

	_, _, err = engine.Run(ctx, RunParams{
		Tenant:      "t1",
		Gateway:     "alpha",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		StartedBy:   "ops_1",
	})
	require.NoError(t, err)

	done, err = engine.ReconciliationComplete(ctx, "t1", windowStart, windowEnd)
	require.NoError(t, err)
	assert.True(t, done)

	// A wider window than any completed batch is not covered.
	done, err = engine.ReconciliationComplete(ctx, "t1", windowStart.AddDate(0, 0, -1), windowEnd)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestBatchPersistedWithItems(t *testing.T) {
	lv := &fakeLedger{postings: []ledger.GatewayPosting{posting("A", 150_050)}}
	store := NewMemStore()
	engine := NewEngine(lv, store, zap.NewNop())
	ctx := context.Background()

	batch, _, err := engine.Run(ctx, RunParams{
		Tenant:      "t1",
		Gateway:     "alpha",
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Report:      []ReportItem{report("A", "1500.50")},
		StartedBy:   "ops_1",
	})
	require.NoError(t, err)

	stored, err := store.GetBatch(ctx, "t1", batch.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, BatchCompleted, stored.Status)

	items, err := store.ListItems(ctx, "t1", batch.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
