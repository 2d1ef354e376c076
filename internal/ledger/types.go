// Package ledger is the double-entry system of record. The Engine is the
// sole writer of transactions and entries; every other component feeds it
// posting requests or reads its projections.
package ledger

import (
	"time"
)

// AccountType classifies the platform's chart of accounts.
type AccountType string

const (
	AccountEscrowAsset        AccountType = "escrow_asset"
	AccountEscrowLiability    AccountType = "escrow_liability"
	AccountMerchantReceivable AccountType = "merchant_receivable"
	AccountMerchantPayable    AccountType = "merchant_payable"
	AccountGatewayClearing    AccountType = "gateway_clearing"
	AccountGatewayFee         AccountType = "gateway_fee"
	AccountPlatformRevenue    AccountType = "platform_revenue"
	AccountChargeback         AccountType = "chargeback"
)

// Side is the posting side of an entry.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// AccountStatus is the account lifecycle state. Accounts are never deleted.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

// Account is one bucket in a tenant's chart of accounts, identified by
// (tenant, code).
type Account struct {
	ID            string
	Tenant        string
	Code          string
	Name          string
	Type          AccountType
	NormalBalance Side
	Status        AccountStatus
	CreatedAt     time.Time
}

// TransactionStatus is the ledger transaction lifecycle state.
type TransactionStatus string

const (
	TxPending  TransactionStatus = "pending"
	TxPosted   TransactionStatus = "posted"
	TxReversed TransactionStatus = "reversed"
)

// Transaction is the header of one atomic economic event. Once posted the
// header is immutable except for reversal linkage.
type Transaction struct {
	ID              string
	Tenant          string
	TransactionRef  string
	IdempotencyKey  string
	EventType       string
	SourceRef       string
	Amount          int64
	Currency        string
	Status          TransactionStatus
	Description     string
	TransactionDate time.Time
	CreatedBy       string
	CreatedAt       time.Time
	PostedAt        time.Time

	OverrideUsed          bool
	OverrideJustification string
	PeriodID              string

	// ReversalOf / ReversedBy link reversal pairs bidirectionally.
	ReversalOf string
	ReversedBy string

	// Metadata carries adapter-facing tags such as the charging gateway.
	Metadata map[string]string
}

// Entry is one debit or credit line. Strictly immutable after insertion;
// corrections happen only via reversing transactions.
type Entry struct {
	ID            string
	TransactionID string
	AccountID     string
	AccountCode   string
	Side          Side
	Amount        int64 // minor units, always > 0
	Ordinal       int
	Description   string
}

// Balance is the derived projection for one account: a pure function of
// its entries, never stored as source of truth.
type Balance struct {
	Tenant       string
	AccountCode  string
	TotalDebits  int64
	TotalCredits int64
	EntryCount   int
	// Balance is the normal-side balance: abs(debits - credits), signed by
	// the account's normal balance side.
	Balance int64
}

// EntryRequest is one requested posting line.
type EntryRequest struct {
	AccountCode string
	Side        Side
	Amount      int64
	Description string
}

// PostRequest is the input of Engine.PostTransaction.
type PostRequest struct {
	Tenant          string
	TransactionRef  string
	IdempotencyKey  string
	EventType       string
	SourceRef       string
	Amount          int64
	Currency        string
	Description     string
	Entries         []EntryRequest
	TransactionDate time.Time
	CreatedBy       string

	Override              bool
	OverrideJustification string
	UserRole              string

	Metadata map[string]string
}

// Validation summarises the balance check of a post.
type Validation struct {
	Balanced     bool
	TotalDebits  int64
	TotalCredits int64
}

// PostResult is the output of Engine.PostTransaction.
type PostResult struct {
	Transaction  *Transaction
	Entries      []Entry
	Duplicate    bool
	OverrideUsed bool
	Validation   Validation
}

// OverrideRecord is one entry in the override audit log.
type OverrideRecord struct {
	ID               string
	Tenant           string
	Actor            string
	Role             string
	Justification    string
	AffectedEntities []string
	At               time.Time
}

// AuditRecord is one entry in the ledger audit log.
type AuditRecord struct {
	ID            string
	Tenant        string
	Operation     string
	TransactionID string
	Actor         string
	Detail        string
	At            time.Time
}

// GatewayPosting is the reconciliation view of one gateway-mediated
// transaction.
type GatewayPosting struct {
	TransactionID   string
	SourceRef       string
	Amount          int64
	Currency        string
	Gateway         string
	TransactionDate time.Time
}
