// Package recon runs three-way reconciliation between the internal
// ledger, gateway settlement reports, and bank statements. External
// reports may carry fractional amounts, so all comparison happens in
// exact decimal arithmetic; a match requires exact equality, never an
// epsilon.
package recon

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus classifies one reconciled item.
type MatchStatus string

const (
	Matched         MatchStatus = "matched"
	MissingInternal MatchStatus = "missing_internal"
	MissingExternal MatchStatus = "missing_external"
	AmountMismatch  MatchStatus = "amount_mismatch"
)

// BatchStatus is the lifecycle of a reconciliation run.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchFailed    BatchStatus = "FAILED"
)

// ReportItem is one row of a gateway settlement report.
type ReportItem struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Date      time.Time
}

// StatementItem is one row of a bank statement.
type StatementItem struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Date      time.Time
}

// Item is the reconciliation verdict for one reference.
type Item struct {
	ID             string
	BatchID        string
	Reference      string
	Status         MatchStatus
	InternalAmount decimal.Decimal
	ExternalAmount decimal.Decimal
	BankAmount     decimal.Decimal
	Difference     decimal.Decimal
	Detail         string
}

// Batch summarises one reconciliation run over a gateway and window.
type Batch struct {
	ID               string
	Tenant           string
	Gateway          string
	WindowStart      time.Time
	WindowEnd        time.Time
	Status           BatchStatus
	TotalItems       int
	MatchedCount     int
	MissingInternal  int
	MissingExternal  int
	AmountMismatches int
	DifferenceAmount decimal.Decimal
	StartedBy        string
	StartedAt        time.Time
	CompletedAt      time.Time
}

// Clean reports whether every item matched.
func (b Batch) Clean() bool {
	return b.TotalItems == b.MatchedCount
}

// minorUnits converts an int64 paise amount to its decimal rupee value.
func minorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
