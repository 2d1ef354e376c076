// Package period owns the accounting period and ledger lock state machines.
// The ledger engine consults CheckPeriodForPosting before every post; the
// controller is the only writer of period and lock state.
package period

import (
	"time"

	"github.com/google/uuid"
)

// Type is the period granularity. Exactly one period of each type covers
// any timestamp.
type Type string

const (
	TypeDaily   Type = "DAILY"
	TypeMonthly Type = "MONTHLY"
	TypeYearly  Type = "YEARLY"
)

// Status is the period lifecycle state. Transitions are forward-only:
// OPEN -> SOFT_CLOSED -> HARD_CLOSED. Reopening is disallowed.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusSoftClosed Status = "SOFT_CLOSED"
	StatusHardClosed Status = "HARD_CLOSED"
)

// Period is one accounting period for a tenant.
type Period struct {
	ID           string
	Tenant       string
	Type         Type
	Start        time.Time
	End          time.Time
	Status       Status
	ClosedBy     string
	ClosedAt     time.Time
	ClosureNotes string
}

// Covers reports whether ts falls inside the period [Start, End).
func (p Period) Covers(ts time.Time) bool {
	return !ts.Before(p.Start) && ts.Before(p.End)
}

// LockType classifies ledger locks.
type LockType string

const (
	LockPeriod         LockType = "PERIOD_LOCK"
	LockAudit          LockType = "AUDIT_LOCK"
	LockReconciliation LockType = "RECONCILIATION_LOCK"
)

// LockStatus is the lock lifecycle state.
type LockStatus string

const (
	LockActive   LockStatus = "ACTIVE"
	LockReleased LockStatus = "RELEASED"
)

// Lock freezes a date range against postings. At most one ACTIVE lock of
// each type may overlap a given date.
type Lock struct {
	ID         string
	Tenant     string
	Type       LockType
	Start      time.Time
	End        time.Time
	Status     LockStatus
	Reason     string
	Reference  string
	LockedBy   string
	LockedAt   time.Time
	ReleasedBy string
	ReleasedAt time.Time
	Notes      string
}

// Overlaps reports whether the lock's range covers ts.
func (l Lock) Overlaps(ts time.Time) bool {
	return !ts.Before(l.Start) && ts.Before(l.End)
}

// newPeriod builds an OPEN period covering ts at the given granularity.
func newPeriod(tenant string, typ Type, ts time.Time) Period {
	var start, end time.Time
	switch typ {
	case TypeDaily:
		start = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case TypeMonthly:
		start = time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		start = time.Date(ts.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	}
	return Period{
		ID:     uuid.NewString(),
		Tenant: tenant,
		Type:   typ,
		Start:  start,
		End:    end,
		Status: StatusOpen,
	}
}
