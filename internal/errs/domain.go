package errs

import "fmt"

// Domain error constructors. The ledger, period controller and settlement
// machine surface these to callers; none of them is retryable from outside.

// ErrUnbalancedTransaction is returned when entry debits and credits differ.
func ErrUnbalancedTransaction(debits, credits int64) *Error {
	e := New(CategoryBalance, SeverityHigh, "transaction debits and credits are not equal")
	e.Code = "unbalanced_transaction"
	e.Message = e.Message + ": " + formatAmounts(debits, credits)
	return e
}

// ErrPeriodClosed rejects postings into HARD_CLOSED periods.
func ErrPeriodClosed(periodID string) *Error {
	e := New(CategoryPeriod, SeverityHigh, "accounting period is hard closed")
	e.Code = "period_closed"
	e.Entity = periodID
	return e
}

// ErrAdminOverrideRequired rejects SOFT_CLOSED postings without an override.
func ErrAdminOverrideRequired(periodID string) *Error {
	e := New(CategoryPeriod, SeverityMedium, "posting to a soft closed period requires an admin override")
	e.Code = "admin_override_required"
	e.Entity = periodID
	return e
}

// ErrInsufficientOverridePrivileges rejects overrides from non finance admins.
func ErrInsufficientOverridePrivileges(role string) *Error {
	e := New(CategoryPeriod, SeverityMedium, "override requires finance admin authority, got role "+role)
	e.Code = "insufficient_override_privileges"
	return e
}

// ErrLedgerLocked rejects postings whose date is covered by an active lock.
func ErrLedgerLocked(lockID, lockType string) *Error {
	e := New(CategoryLock, SeverityHigh, "ledger is locked by an active "+lockType)
	e.Code = "ledger_locked"
	e.Entity = lockID
	return e
}

// ErrAccountInactive rejects entries against missing or non-active accounts.
func ErrAccountInactive(accountCode string) *Error {
	e := New(CategoryAccountInactive, SeverityHigh, "account "+accountCode+" is missing or not active")
	e.Code = "account_inactive"
	e.Entity = accountCode
	return e
}

// ErrIdempotencyConflict signals a key reused with different content.
func ErrIdempotencyConflict(key string) *Error {
	e := New(CategoryIdempotencyConflict, SeverityHigh, "idempotency key already used by a different transaction")
	e.Code = "idempotency_conflict"
	e.Entity = key
	return e
}

// ErrSettlementState rejects transitions outside the settlement DAG.
func ErrSettlementState(settlementID, from, to string) *Error {
	e := New(CategoryState, SeverityHigh, "settlement transition "+from+" -> "+to+" is not permitted")
	e.Code = "settlement_state"
	e.Entity = settlementID
	return e
}

// ErrSettlementRetryExhausted rejects retries past max_retries.
func ErrSettlementRetryExhausted(settlementID string) *Error {
	e := New(CategoryRetryExhausted, SeverityHigh, "settlement retry budget exhausted")
	e.Code = "settlement_retry_exhausted"
	e.Entity = settlementID
	return e
}

// ErrDuplicateUTR rejects bank confirmations reusing a UTR within a tenant.
func ErrDuplicateUTR(utr string) *Error {
	e := New(CategoryDuplicateUTR, SeverityCritical, "UTR already recorded for this tenant")
	e.Code = "duplicate_utr"
	e.Entity = utr
	return e
}

// ErrCircuitOpen is returned by the breaker while it is OPEN. It is
// non-retryable from outside; the router must pick a different gateway.
func ErrCircuitOpen(gateway string) *Error {
	return &Error{
		Category:  CategoryGateway,
		Severity:  SeverityMedium,
		Retryable: false,
		Permanent: true,
		Gateway:   gateway,
		Code:      "circuit_open",
		Message:   "circuit breaker open for gateway " + gateway,
	}
}

// ErrRequestTimeout is returned when a gateway call exceeds its budget.
func ErrRequestTimeout(gateway string) *Error {
	e := New(CategoryTimeout, SeverityMedium, "gateway call exceeded request timeout")
	e.Gateway = gateway
	e.Code = "request_timeout"
	return e
}

// ErrCancelled is returned when the caller's context was cancelled.
func ErrCancelled(cause error) *Error {
	return &Error{
		Category:  CategoryCancelled,
		Severity:  SeverityLow,
		Retryable: false,
		Code:      "cancelled",
		Message:   "operation cancelled by caller",
		cause:     cause,
	}
}

// ErrNoGatewayAvailable is returned when the routing plan is empty.
func ErrNoGatewayAvailable() *Error {
	e := New(CategoryConfiguration, SeverityHigh, "no gateway available for request")
	e.Code = "no_gateway_available"
	return e
}

// ErrValidation reports a malformed request envelope or posting request.
func ErrValidation(msg string) *Error {
	e := New(CategoryValidation, SeverityLow, msg)
	e.Code = "validation"
	return e
}

func formatAmounts(debits, credits int64) string {
	return fmt.Sprintf("debits=%d credits=%d", debits, credits)
}
