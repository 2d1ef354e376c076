// Package settlement runs merchant payouts through an explicit state
// machine. Every status change is appended to a transition log, and the
// machine never writes ledger entries itself; the single settlement
// posting is emitted as an event when the payout is created.
package settlement

import (
	"time"
)

// Status is a settlement lifecycle state.
type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusFundsReserved Status = "FUNDS_RESERVED"
	StatusSentToBank    Status = "SENT_TO_BANK"
	StatusBankConfirmed Status = "BANK_CONFIRMED"
	StatusSettled       Status = "SETTLED"
	StatusFailed        Status = "FAILED"
	StatusRetried       Status = "RETRIED"
)

// transitions is the full adjacency table. Anything absent is invalid.
var transitions = map[Status][]Status{
	StatusCreated:       {StatusFundsReserved, StatusFailed},
	StatusFundsReserved: {StatusSentToBank, StatusFailed},
	StatusSentToBank:    {StatusBankConfirmed, StatusFailed},
	StatusBankConfirmed: {StatusSettled, StatusFailed},
	StatusRetried:       {StatusFundsReserved, StatusFailed},
	StatusFailed:        {StatusRetried},
	StatusSettled:       nil,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further moves at all.
// FAILED is not terminal while retry budget remains.
func Terminal(s Status) bool {
	return s == StatusSettled
}

// pastSendPoint reports whether funds may already have left the platform.
// Transitions out of these states require a finance admin.
func pastSendPoint(s Status) bool {
	switch s {
	case StatusSentToBank, StatusBankConfirmed, StatusSettled:
		return true
	}
	return false
}

// Settlement is one merchant payout.
type Settlement struct {
	ID          string
	Tenant      string
	Merchant    string
	GrossAmount int64
	Fees        int64
	NetAmount   int64
	Currency    string
	Status      Status
	UTR         string
	FailureCode string
	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time
	BatchID     string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transition is one appended log row. The log is write-once.
type Transition struct {
	ID           string
	SettlementID string
	FromStatus   Status
	ToStatus     Status
	Reason       string
	Actor        string
	ActorRole    string
	OccurredAt   time.Time
}

// Batch groups settlements dispatched together in one payout run.
type Batch struct {
	ID          string
	Tenant      string
	Count       int
	TotalAmount int64
	Currency    string
	CreatedBy   string
	CreatedAt   time.Time
}
