// Package gateway defines the adapter contract the orchestrator consumes.
// Per-provider codecs live outside the core; an adapter only needs to charge
// an envelope and classify its failures.
package gateway

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

// InstrumentKind enumerates the payment instruments the platform accepts.
type InstrumentKind string

const (
	InstrumentCard        InstrumentKind = "card"
	InstrumentNetBanking  InstrumentKind = "netbanking"
	InstrumentWallet      InstrumentKind = "wallet"
	InstrumentCollectUPI  InstrumentKind = "upi_collect"
	InstrumentQR          InstrumentKind = "qr"
	InstrumentInstallment InstrumentKind = "installment"
	InstrumentRecurring   InstrumentKind = "recurring"
)

// Instrument is the normalized instrument descriptor inside an envelope.
type Instrument struct {
	Kind InstrumentKind `json:"kind" validate:"required"`
	// Handle carries the instrument-specific reference (VPA, token, mandate
	// id). Opaque to the core.
	Handle string `json:"handle,omitempty"`
}

// Envelope is the normalized payment request the orchestrator processes.
// Amounts are integer minor units (paise); any non-integer amount is an
// input validation failure upstream of this type.
type Envelope struct {
	Tenant         string     `json:"tenant" validate:"required"`
	Amount         int64      `json:"amount" validate:"required,gt=0"`
	Currency       string     `json:"currency" validate:"required,iso4217"`
	MerchantRef    string     `json:"merchant_ref" validate:"required"`
	CustomerRef    string     `json:"customer_ref" validate:"required"`
	OrderRef       string     `json:"order_ref" validate:"required"`
	IdempotencyKey string     `json:"idempotency_key" validate:"required"`
	Instrument     Instrument `json:"instrument" validate:"required"`
}

var validate = validator.New()

// Validate checks the envelope at the boundary.
func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return errs.ErrValidation("invalid payment envelope: " + err.Error())
	}
	return nil
}

// Result is a successful charge outcome.
type Result struct {
	ExternalTxnID string
	Status        string
	ResponseTime  time.Duration
}

// Adapter is the minimal capability set a gateway provider must expose.
// Charge must be idempotent on (tenant, envelope idempotency key) and must
// return errors classified per the errs taxonomy.
type Adapter interface {
	Name() string
	Charge(ctx context.Context, env Envelope) (Result, error)
}

// FeeSchedule prices a gateway for cost-based routing.
type FeeSchedule struct {
	FixedFee      int64   // minor units per transaction
	PercentageFee float64 // fraction of amount, e.g. 0.018
}

// EffectiveCost computes the routing cost of an amount in minor units.
func (f FeeSchedule) EffectiveCost(amount int64) int64 {
	return f.FixedFee + int64(f.PercentageFee*float64(amount))
}
