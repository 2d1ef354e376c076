// Package events translates business events into balanced ledger postings.
// Handlers are the only code path by which an event type may produce
// entries; every handler derives a stable idempotency key from
// (event_type, source_ref) so at-least-once delivery stays safe.
package events

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Event type names. These double as ledger event_type values.
const (
	TypePaymentSuccess   = "payment_success"
	TypeRefundCompleted  = "refund_completed"
	TypeSettlement       = "settlement"
	TypeChargebackDebit  = "chargeback_debit"
	TypeManualAdjustment = "manual_adjustment"
)

// PaymentSuccess carries a captured payment. Fees are computed upstream
// and passed in explicitly; the same inputs always yield the same entries.
type PaymentSuccess struct {
	Merchant    string `msgpack:"merchant"`
	Gateway     string `msgpack:"gateway"`
	Amount      int64  `msgpack:"amount"`
	Currency    string `msgpack:"currency"`
	PlatformFee int64  `msgpack:"platform_fee"`
	GatewayFee  int64  `msgpack:"gateway_fee"`
}

// RefundCompleted carries a processed refund. Partial refunds are allowed;
// FeeRefund is the platform fee portion returned to the merchant.
type RefundCompleted struct {
	Merchant  string `msgpack:"merchant"`
	OrderRef  string `msgpack:"order_ref"`
	Amount    int64  `msgpack:"amount"`
	Currency  string `msgpack:"currency"`
	FeeRefund int64  `msgpack:"fee_refund"`
}

// SettlementDispatched moves a merchant's earned balance into the paid
// state. Posted exactly once, when the settlement is created.
type SettlementDispatched struct {
	Merchant  string `msgpack:"merchant"`
	NetAmount int64  `msgpack:"net_amount"`
	Currency  string `msgpack:"currency"`
}

// ChargebackDebit claws back a disputed amount. Reversible if the dispute
// is won.
type ChargebackDebit struct {
	Merchant string `msgpack:"merchant"`
	Amount   int64  `msgpack:"amount"`
	Currency string `msgpack:"currency"`
}

// AdjustmentEntry is one requested line of a manual adjustment.
type AdjustmentEntry struct {
	AccountCode string `msgpack:"account_code"`
	Side        string `msgpack:"side"`
	Amount      int64  `msgpack:"amount"`
	Description string `msgpack:"description"`
}

// ManualAdjustment posts operator-specified entries. Amounts above the
// tenant threshold require an override even inside an OPEN period.
type ManualAdjustment struct {
	Entries       []AdjustmentEntry `msgpack:"entries"`
	Amount        int64             `msgpack:"amount"`
	Currency      string            `msgpack:"currency"`
	Override      bool              `msgpack:"override"`
	Justification string            `msgpack:"justification"`
	ActorRole     string            `msgpack:"actor_role"`
}

// Event is the transport envelope. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type       string    `msgpack:"type"`
	Tenant     string    `msgpack:"tenant"`
	SourceRef  string    `msgpack:"source_ref"`
	Actor      string    `msgpack:"actor"`
	OccurredAt time.Time `msgpack:"occurred_at"`

	Payment    *PaymentSuccess       `msgpack:"payment,omitempty"`
	Refund     *RefundCompleted      `msgpack:"refund,omitempty"`
	Settlement *SettlementDispatched `msgpack:"settlement,omitempty"`
	Chargeback *ChargebackDebit      `msgpack:"chargeback,omitempty"`
	Adjustment *ManualAdjustment     `msgpack:"adjustment,omitempty"`
}

// IdempotencyKey derives the stable ledger key for this event.
func (e Event) IdempotencyKey() string {
	return e.Type + ":" + e.SourceRef
}

// Encode serialises the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

// Decode deserialises a wire payload.
func Decode(data []byte) (Event, error) {
	var e Event
	err := msgpack.Unmarshal(data, &e)
	return e, err
}
