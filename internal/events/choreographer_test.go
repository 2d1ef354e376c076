package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/errs"
	"github.com/nitra-1/PG-sub002/internal/ledger"
	"github.com/nitra-1/PG-sub002/internal/period"
)

const overrideThreshold = 1_000_000

func newTestChoreographer(t *testing.T) (*Choreographer, *ledger.MemStore) {
	t.Helper()
	store := ledger.NewMemStore()
	require.NoError(t, ledger.ProvisionDefaultChart(context.Background(), store, "t1"))
	periods := period.NewController(period.NewMemStore(), nil, zap.NewNop())
	engine := ledger.NewEngine(store, periods, nil, zap.NewNop())
	return NewChoreographer(engine, overrideThreshold, zap.NewNop()), store
}

func paymentEvent() Event {
	return Event{
		Type:       TypePaymentSuccess,
		Tenant:     "t1",
		SourceRef:  "ord_1001",
		Actor:      "system",
		OccurredAt: time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
		Payment: &PaymentSuccess{
			Merchant:    "m_77",
			Gateway:     "alpha",
			Amount:      100_000,
			Currency:    "INR",
			PlatformFee: 2_000,
			GatewayFee:  1_500,
		},
	}
}

func balance(t *testing.T, store *ledger.MemStore, code string) int64 {
	t.Helper()
	b, err := store.GetAccountBalance(context.Background(), "t1", code)
	require.NoError(t, err)
	return b.Balance
}

func TestPaymentSuccessPostsEightLegs(t *testing.T) {
	c, store := newTestChoreographer(t)

	res, err := c.Handle(context.Background(), paymentEvent())
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	require.Len(t, res.Entries, 8)
	assert.EqualValues(t, 200_000, res.Validation.TotalDebits, "gross + net + both fees on each side")

	// 100000 gross, 2000 platform fee, 1500 gateway fee, 96500 net.
	assert.EqualValues(t, 96_500, balance(t, store, AcctMerchantReceivable))
	assert.EqualValues(t, 96_500, balance(t, store, AcctEscrowLiability))
	assert.EqualValues(t, 2_000, balance(t, store, AcctPlatformRevenue))
	assert.EqualValues(t, 1_500, balance(t, store, AcctGatewayPayable))
	assert.EqualValues(t, 100_000, balance(t, store, AcctEscrowAsset))

	assert.Equal(t, "alpha", res.Transaction.Metadata["gateway"])
	assert.Equal(t, "payment_success:ord_1001", res.Transaction.IdempotencyKey)
}

func TestZeroFeePaymentDropsFeeLegs(t *testing.T) {
	c, store := newTestChoreographer(t)

	ev := paymentEvent()
	ev.Payment.PlatformFee = 0
	ev.Payment.GatewayFee = 0
	res, err := c.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, res.Entries, 4, "waived fees leave no zero-amount legs")

	assert.EqualValues(t, 100_000, balance(t, store, AcctEscrowAsset))
	assert.EqualValues(t, 100_000, balance(t, store, AcctMerchantReceivable))
	assert.Zero(t, balance(t, store, AcctPlatformRevenue))
	assert.Zero(t, balance(t, store, AcctGatewayPayable))
}

func TestPaymentFeesExceedingAmountRejected(t *testing.T) {
	c, _ := newTestChoreographer(t)

	ev := paymentEvent()
	ev.Payment.PlatformFee = 60_000
	ev.Payment.GatewayFee = 50_000
	_, err := c.Handle(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, errs.CategoryValidation, errs.Classify(err).Category)
}

func TestEventReplayIsAbsorbed(t *testing.T) {
	c, store := newTestChoreographer(t)

	first, err := c.Handle(context.Background(), paymentEvent())
	require.NoError(t, err)

	replay, err := c.Handle(context.Background(), paymentEvent())
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.Transaction.ID, replay.Transaction.ID)
	assert.EqualValues(t, 96_500, balance(t, store, AcctMerchantReceivable), "replay posts nothing")
}

func TestRefundMirrorsPaymentLegs(t *testing.T) {
	c, store := newTestChoreographer(t)

	_, err := c.Handle(context.Background(), paymentEvent())
	require.NoError(t, err)

	res, err := c.Handle(context.Background(), Event{
		Type:       TypeRefundCompleted,
		Tenant:     "t1",
		SourceRef:  "ref_2001",
		Actor:      "system",
		OccurredAt: time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC),
		Refund: &RefundCompleted{
			Merchant:  "m_77",
			OrderRef:  "ord_1001",
			Amount:    40_000,
			Currency:  "INR",
			FeeRefund: 800,
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 6)

	assert.EqualValues(t, 60_000, balance(t, store, AcctEscrowAsset))
	assert.EqualValues(t, 96_500-39_200, balance(t, store, AcctMerchantReceivable))
	assert.EqualValues(t, 2_000-800, balance(t, store, AcctPlatformRevenue))
	assert.EqualValues(t, 1_500, balance(t, store, AcctGatewayPayable), "gateway fees are never refunded")
}

func TestFullFeeLessRefundDropsZeroLegs(t *testing.T) {
	c, _ := newTestChoreographer(t)

	_, err := c.Handle(context.Background(), paymentEvent())
	require.NoError(t, err)

	res, err := c.Handle(context.Background(), Event{
		Type:      TypeRefundCompleted,
		Tenant:    "t1",
		SourceRef: "ref_2002",
		Actor:     "system",
		Refund: &RefundCompleted{
			Merchant: "m_77",
			OrderRef: "ord_1001",
			Amount:   10_000,
			Currency: "INR",
		},
	})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 4, "zero fee refund legs are dropped")
}

func TestSettlementPostsTwoLegs(t *testing.T) {
	c, store := newTestChoreographer(t)

	_, err := c.Handle(context.Background(), paymentEvent())
	require.NoError(t, err)

	res, err := c.Handle(context.Background(), Event{
		Type:      TypeSettlement,
		Tenant:    "t1",
		SourceRef: "stl_3001",
		Actor:     "system",
		Settlement: &SettlementDispatched{
			Merchant:  "m_77",
			NetAmount: 96_500,
			Currency:  "INR",
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.EqualValues(t, 100_000-96_500, balance(t, store, AcctEscrowAsset))
}

func TestChargebackPostsTwoLegs(t *testing.T) {
	c, store := newTestChoreographer(t)

	_, err := c.Handle(context.Background(), paymentEvent())
	require.NoError(t, err)

	res, err := c.Handle(context.Background(), Event{
		Type:      TypeChargebackDebit,
		Tenant:    "t1",
		SourceRef: "cb_4001",
		Actor:     "system",
		Chargeback: &ChargebackDebit{
			Merchant: "m_77",
			Amount:   25_000,
			Currency: "INR",
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.EqualValues(t, 75_000, balance(t, store, AcctEscrowAsset))
}

func TestManualAdjustmentThreshold(t *testing.T) {
	c, _ := newTestChoreographer(t)

	adjustment := func(amount int64, override bool, role string) Event {
		return Event{
			Type:      TypeManualAdjustment,
			Tenant:    "t1",
			SourceRef: "adj_5001",
			Actor:     "fa_1",
			Adjustment: &ManualAdjustment{
				Entries: []AdjustmentEntry{
					{AccountCode: AcctEscrowAsset, Side: "debit", Amount: amount, Description: "correction"},
					{AccountCode: AcctEscrowLiability, Side: "credit", Amount: amount, Description: "correction"},
				},
				Amount:        amount,
				Currency:      "INR",
				Override:      override,
				Justification: "correcting a mispost per ticket 88",
				ActorRole:     role,
			},
		}
	}

	// Below threshold: no override needed.
	_, err := c.Handle(context.Background(), adjustment(overrideThreshold, false, "ops_admin"))
	require.NoError(t, err)

	// Above threshold without override.
	over := adjustment(overrideThreshold+1, false, "finance_admin")
	over.SourceRef = "adj_5002"
	_, err = c.Handle(context.Background(), over)
	require.Error(t, err)
	assert.Equal(t, "admin_override_required", errs.Classify(err).Code)

	// Above threshold, override by a non finance admin.
	over = adjustment(overrideThreshold+1, true, "ops_admin")
	over.SourceRef = "adj_5003"
	_, err = c.Handle(context.Background(), over)
	require.Error(t, err)
	assert.Equal(t, "insufficient_override_privileges", errs.Classify(err).Code)

	// Above threshold with a proper override.
	over = adjustment(overrideThreshold+1, true, "finance_admin")
	over.SourceRef = "adj_5004"
	res, err := c.Handle(context.Background(), over)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestTenantThresholdOverridesDefault(t *testing.T) {
	c, _ := newTestChoreographer(t)
	c.SetTenantAdjustmentThreshold("t1", 500)

	ev := Event{
		Type:      TypeManualAdjustment,
		Tenant:    "t1",
		SourceRef: "adj_6001",
		Actor:     "ops_1",
		Adjustment: &ManualAdjustment{
			Entries: []AdjustmentEntry{
				{AccountCode: AcctEscrowAsset, Side: "debit", Amount: 600},
				{AccountCode: AcctEscrowLiability, Side: "credit", Amount: 600},
			},
			Amount:   600,
			Currency: "INR",
		},
	}
	_, err := c.Handle(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, "admin_override_required", errs.Classify(err).Code)
}

func TestUnknownEventTypeRejected(t *testing.T) {
	c, _ := newTestChoreographer(t)
	_, err := c.Handle(context.Background(), Event{Type: "order_shipped", Tenant: "t1", SourceRef: "x"})
	require.Error(t, err)
	assert.Equal(t, errs.CategoryValidation, errs.Classify(err).Category)
}

func TestEventEncodeDecodeRoundTrip(t *testing.T) {
	ev := paymentEvent()
	data, err := ev.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Type, decoded.Type)
	assert.Equal(t, ev.IdempotencyKey(), decoded.IdempotencyKey())
	require.NotNil(t, decoded.Payment)
	assert.Equal(t, ev.Payment.Amount, decoded.Payment.Amount)
}
