// Package errs defines the failure taxonomy shared by every core component.
//
// Every failure that crosses a component boundary is an *Error carrying a
// category, a severity and a retryable flag. The retry handler and the
// router reason on these tags, never on error strings.
package errs

import (
	"errors"
	"fmt"
)

// Category identifies the broad failure class of an error.
type Category string

const (
	CategoryNetwork           Category = "network"
	CategoryTimeout           Category = "timeout"
	CategoryAuthentication    Category = "authentication"
	CategoryValidation        Category = "validation"
	CategoryRateLimit         Category = "rate_limit"
	CategoryInsufficientFunds Category = "insufficient_funds"
	CategoryProcessing        Category = "processing"
	CategoryConfiguration     Category = "configuration"
	CategoryGateway           Category = "gateway"

	// Domain categories surfaced by the ledger, period and settlement cores.
	CategoryBalance             Category = "balance"
	CategoryPeriod              Category = "period"
	CategoryLock                Category = "lock"
	CategoryState               Category = "state"
	CategoryRetryExhausted      Category = "retry_exhausted"
	CategoryIdempotencyConflict Category = "idempotency_conflict"
	CategoryAccountInactive     Category = "account_inactive"
	CategoryDuplicateUTR        Category = "duplicate_utr"
	CategoryCancelled           Category = "cancelled"
)

// Severity grades operator urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the tagged failure value used across the core.
type Error struct {
	Category  Category
	Severity  Severity
	Retryable bool
	Code      string

	// Gateway names the upstream provider when the failure originated there.
	Gateway      string
	UpstreamCode string

	// Entity carries the conflicting entity id for ledger/settlement errors
	// so operators can investigate.
	Entity string

	// Permanent marks a gateway-category failure as not re-driveable even
	// though the category defaults to retryable.
	Permanent bool

	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithGateway returns a copy tagged with the originating gateway.
func (e *Error) WithGateway(name string) *Error {
	c := *e
	c.Gateway = name
	return &c
}

// WithEntity returns a copy tagged with the conflicting entity id.
func (e *Error) WithEntity(id string) *Error {
	c := *e
	c.Entity = id
	return &c
}

// New builds a tagged error with retryability derived from the category.
func New(cat Category, sev Severity, msg string) *Error {
	return &Error{
		Category:  cat,
		Severity:  sev,
		Retryable: categoryRetryable(cat, false),
		Message:   msg,
	}
}

// Wrap tags an underlying error. Wrapping an already tagged error is
// identity: the existing classification wins.
func Wrap(cat Category, sev Severity, msg string, cause error) *Error {
	var tagged *Error
	if errors.As(cause, &tagged) {
		return tagged
	}
	return &Error{
		Category:  cat,
		Severity:  sev,
		Retryable: categoryRetryable(cat, false),
		Message:   msg,
		cause:     cause,
	}
}

// Classify maps an arbitrary error onto the taxonomy. Already classified
// errors pass through unchanged, so re-classification is idempotent.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	return &Error{
		Category:  CategoryProcessing,
		Severity:  SeverityMedium,
		Retryable: true,
		Message:   err.Error(),
		cause:     err,
	}
}

// IsRetryable reports whether the error is safely re-driveable. Untagged
// errors classify as processing failures, which are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	e := Classify(err)
	if e.Category == CategoryGateway {
		return !e.Permanent
	}
	return e.Retryable
}

func categoryRetryable(cat Category, permanent bool) bool {
	switch cat {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryProcessing:
		return true
	case CategoryGateway:
		return !permanent
	default:
		return false
	}
}

// GatewayError builds a gateway-category failure. Permanent gateway failures
// (declined cards, closed merchant accounts) are non-retryable.
func GatewayError(gateway, upstreamCode, msg string, permanent bool) *Error {
	return &Error{
		Category:     CategoryGateway,
		Severity:     SeverityMedium,
		Retryable:    !permanent,
		Gateway:      gateway,
		UpstreamCode: upstreamCode,
		Permanent:    permanent,
		Message:      msg,
	}
}
