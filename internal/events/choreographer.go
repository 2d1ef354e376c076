package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/errs"
	"github.com/nitra-1/PG-sub002/internal/ledger"
)

// Canonical account codes in a tenant's chart of accounts.
const (
	AcctEscrowAsset        = "escrow_asset"
	AcctEscrowLiability    = "escrow_liability"
	AcctCustomerClearing   = "customer_clearing"
	AcctMerchantReceivable = "merchant_receivable"
	AcctMerchantPayable    = "merchant_payable"
	AcctPlatformRevenue    = "platform_revenue"
	AcctPlatformFeeExpense = "platform_fee_expense"
	AcctGatewayPayable     = "gateway_payable"
	AcctGatewayFeeExpense  = "gateway_fee_expense"
	AcctChargeback         = "chargeback"
)

// Poster is the slice of the ledger engine the choreographer writes
// through.
type Poster interface {
	PostTransaction(ctx context.Context, req ledger.PostRequest) (*ledger.PostResult, error)
}

// Choreographer owns the event-to-posting translation table. It is the
// only component that turns domain events into ledger entries.
type Choreographer struct {
	poster Poster
	logger *zap.Logger

	// adjustmentOverrideThreshold is the per-tenant amount above which a
	// manual adjustment requires an override even on an OPEN period.
	adjustmentOverrideThreshold map[string]int64
	defaultAdjustmentThreshold  int64
}

// NewChoreographer builds a choreographer over a ledger poster.
func NewChoreographer(poster Poster, defaultAdjustmentThreshold int64, logger *zap.Logger) *Choreographer {
	return &Choreographer{
		poster:                      poster,
		logger:                      logger,
		adjustmentOverrideThreshold: make(map[string]int64),
		defaultAdjustmentThreshold:  defaultAdjustmentThreshold,
	}
}

// SetTenantAdjustmentThreshold overrides the manual-adjustment override
// threshold for one tenant.
func (c *Choreographer) SetTenantAdjustmentThreshold(tenant string, threshold int64) {
	c.adjustmentOverrideThreshold[tenant] = threshold
}

// Handle translates one event into exactly one balanced posting. Replays
// are safe: the idempotency key is derived from (event_type, source_ref).
func (c *Choreographer) Handle(ctx context.Context, ev Event) (*ledger.PostResult, error) {
	var (
		entries []ledger.EntryRequest
		amount  int64
		currency string
		meta    map[string]string
		req     ledger.PostRequest
	)

	switch ev.Type {
	case TypePaymentSuccess:
		if ev.Payment == nil {
			return nil, errs.ErrValidation("payment_success event missing payload")
		}
		p := ev.Payment
		net := p.Amount - p.PlatformFee - p.GatewayFee
		if net < 0 {
			return nil, errs.ErrValidation("fees exceed payment amount")
		}
		entries = []ledger.EntryRequest{
			{AccountCode: AcctEscrowAsset, Side: ledger.SideDebit, Amount: p.Amount, Description: "funds received into escrow"},
			{AccountCode: AcctCustomerClearing, Side: ledger.SideCredit, Amount: p.Amount, Description: "customer payment cleared"},
			{AccountCode: AcctMerchantReceivable, Side: ledger.SideDebit, Amount: net, Description: "merchant share earned"},
			{AccountCode: AcctEscrowLiability, Side: ledger.SideCredit, Amount: net, Description: "owed to merchant from escrow"},
			{AccountCode: AcctPlatformFeeExpense, Side: ledger.SideDebit, Amount: p.PlatformFee, Description: "platform fee charged"},
			{AccountCode: AcctPlatformRevenue, Side: ledger.SideCredit, Amount: p.PlatformFee, Description: "platform fee recognised"},
			{AccountCode: AcctGatewayFeeExpense, Side: ledger.SideDebit, Amount: p.GatewayFee, Description: "gateway fee charged"},
			{AccountCode: AcctGatewayPayable, Side: ledger.SideCredit, Amount: p.GatewayFee, Description: "owed to gateway"},
		}
		// A waived fee leaves its legs at zero; drop them.
		entries = dropZeroAmounts(entries)
		amount = p.Amount
		currency = p.Currency
		meta = map[string]string{"gateway": p.Gateway, "merchant": p.Merchant}

	case TypeRefundCompleted:
		if ev.Refund == nil {
			return nil, errs.ErrValidation("refund_completed event missing payload")
		}
		r := ev.Refund
		net := r.Amount - r.FeeRefund
		if net < 0 {
			return nil, errs.ErrValidation("fee refund exceeds refund amount")
		}
		// Mirror of the payment legs; gateway fees are not refunded.
		entries = []ledger.EntryRequest{
			{AccountCode: AcctCustomerClearing, Side: ledger.SideDebit, Amount: r.Amount, Description: "refund returned to customer"},
			{AccountCode: AcctEscrowAsset, Side: ledger.SideCredit, Amount: r.Amount, Description: "funds released from escrow"},
			{AccountCode: AcctEscrowLiability, Side: ledger.SideDebit, Amount: net, Description: "merchant obligation reduced"},
			{AccountCode: AcctMerchantReceivable, Side: ledger.SideCredit, Amount: net, Description: "merchant share reduced"},
			{AccountCode: AcctPlatformRevenue, Side: ledger.SideDebit, Amount: r.FeeRefund, Description: "platform fee refunded"},
			{AccountCode: AcctPlatformFeeExpense, Side: ledger.SideCredit, Amount: r.FeeRefund, Description: "platform fee expense reversed"},
		}
		entries = dropZeroAmounts(entries)
		amount = r.Amount
		currency = r.Currency
		meta = map[string]string{"merchant": r.Merchant, "order_ref": r.OrderRef}

	case TypeSettlement:
		if ev.Settlement == nil {
			return nil, errs.ErrValidation("settlement event missing payload")
		}
		s := ev.Settlement
		entries = []ledger.EntryRequest{
			{AccountCode: AcctMerchantPayable, Side: ledger.SideDebit, Amount: s.NetAmount, Description: "settlement dispatched to merchant bank"},
			{AccountCode: AcctEscrowAsset, Side: ledger.SideCredit, Amount: s.NetAmount, Description: "escrow released for settlement"},
		}
		amount = s.NetAmount
		currency = s.Currency
		meta = map[string]string{"merchant": s.Merchant}

	case TypeChargebackDebit:
		if ev.Chargeback == nil {
			return nil, errs.ErrValidation("chargeback_debit event missing payload")
		}
		cb := ev.Chargeback
		entries = []ledger.EntryRequest{
			{AccountCode: AcctMerchantPayable, Side: ledger.SideDebit, Amount: cb.Amount, Description: "chargeback debited from merchant"},
			{AccountCode: AcctEscrowAsset, Side: ledger.SideCredit, Amount: cb.Amount, Description: "escrow reduced by chargeback"},
		}
		amount = cb.Amount
		currency = cb.Currency
		meta = map[string]string{"merchant": cb.Merchant}

	case TypeManualAdjustment:
		if ev.Adjustment == nil {
			return nil, errs.ErrValidation("manual_adjustment event missing payload")
		}
		adj := ev.Adjustment
		threshold := c.defaultAdjustmentThreshold
		if t, ok := c.adjustmentOverrideThreshold[ev.Tenant]; ok {
			threshold = t
		}
		if adj.Amount > threshold {
			if !adj.Override {
				return nil, errs.ErrAdminOverrideRequired("")
			}
			if adj.ActorRole != "finance_admin" {
				return nil, errs.ErrInsufficientOverridePrivileges(adj.ActorRole)
			}
		}
		for _, ae := range adj.Entries {
			entries = append(entries, ledger.EntryRequest{
				AccountCode: ae.AccountCode,
				Side:        ledger.Side(ae.Side),
				Amount:      ae.Amount,
				Description: ae.Description,
			})
		}
		amount = adj.Amount
		currency = adj.Currency
		req.Override = adj.Override
		req.OverrideJustification = adj.Justification
		req.UserRole = adj.ActorRole

	default:
		return nil, errs.ErrValidation("unknown event type " + ev.Type)
	}

	req.Tenant = ev.Tenant
	req.TransactionRef = ev.IdempotencyKey()
	req.IdempotencyKey = ev.IdempotencyKey()
	req.EventType = ev.Type
	req.SourceRef = ev.SourceRef
	req.Amount = amount
	req.Currency = currency
	req.Description = fmt.Sprintf("%s for %s", ev.Type, ev.SourceRef)
	req.Entries = entries
	req.TransactionDate = ev.OccurredAt
	req.CreatedBy = ev.Actor
	req.Metadata = meta

	result, err := c.poster.PostTransaction(ctx, req)
	if err != nil {
		c.logger.Error("event posting failed",
			zap.String("event_type", ev.Type),
			zap.String("tenant", ev.Tenant),
			zap.String("source_ref", ev.SourceRef),
			zap.Error(err))
		return nil, err
	}
	if result.Duplicate {
		c.logger.Info("event replay absorbed by idempotency key",
			zap.String("event_type", ev.Type),
			zap.String("source_ref", ev.SourceRef),
			zap.String("transaction_id", result.Transaction.ID))
	}
	return result, nil
}

func dropZeroAmounts(entries []ledger.EntryRequest) []ledger.EntryRequest {
	out := entries[:0]
	for _, e := range entries {
		if e.Amount > 0 {
			out = append(out, e)
		}
	}
	return out
}
