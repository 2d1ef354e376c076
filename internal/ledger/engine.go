package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/errs"
	"github.com/nitra-1/PG-sub002/internal/period"
)

// minOverrideJustification is the minimum justification length accepted
// with a soft-close override.
const minOverrideJustification = 10

// PeriodGate is the period/lock check consulted before every post.
// Implemented by *period.Controller.
type PeriodGate interface {
	CheckPeriodForPosting(ctx context.Context, tenant string, ts time.Time) (period.PostingCheck, error)
}

// KeyCache is an optional fast path in front of the idempotency uniqueness
// constraint. The constraint remains the authority; the cache only short
// circuits obvious replays.
type KeyCache interface {
	GetTransactionID(ctx context.Context, tenant, key string) (string, bool)
	PutTransactionID(ctx context.Context, tenant, key, transactionID string)
}

// Engine posts balanced transactions under period and lock gating. It is
// the only writer of transactions and entries.
type Engine struct {
	store  Store
	gate   PeriodGate
	cache  KeyCache
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewEngine builds a ledger engine. cache may be nil.
func NewEngine(store Store, gate PeriodGate, cache KeyCache, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		gate:   gate,
		cache:  cache,
		logger: logger,
		tracer: otel.Tracer("ledger"),
		now:    time.Now,
	}
}

// WithClock injects a clock for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// PostTransaction validates, gates and atomically persists one balanced
// transaction. Replays with a known idempotency key return the original
// transaction with Duplicate set and no side effects.
func (e *Engine) PostTransaction(ctx context.Context, req PostRequest) (*PostResult, error) {
	return e.post(ctx, req, nil)
}

// post runs the full gate-validate-persist pipeline. The period and lock
// gate is evaluated inside the storage transaction, so a close or lock
// committing after validation cannot admit this posting. after, when set,
// runs in the same transaction once the new transaction is posted.
func (e *Engine) post(ctx context.Context, req PostRequest, after func(tx Tx, txnID string) error) (*PostResult, error) {
	ctx, span := e.tracer.Start(ctx, "ledger.PostTransaction",
		trace.WithAttributes(
			attribute.String("tenant", req.Tenant),
			attribute.String("event_type", req.EventType),
		))
	defer span.End()

	if req.Tenant == "" || len(req.Entries) == 0 {
		return nil, errs.ErrValidation("posting requires a tenant and at least one entry")
	}
	if req.TransactionDate.IsZero() {
		req.TransactionDate = e.now()
	}

	// Idempotency fast path. The store check inside the transaction is
	// authoritative; this only avoids opening a transaction on replays.
	if req.IdempotencyKey != "" {
		if e.cache != nil {
			if id, ok := e.cache.GetTransactionID(ctx, req.Tenant, req.IdempotencyKey); ok {
				if t, entries, err := e.store.GetTransaction(ctx, id); err == nil && t != nil {
					return duplicateResult(t, entries), nil
				}
			}
		}
		if t, entries, err := e.store.FindByIdempotencyKey(ctx, req.Tenant, req.IdempotencyKey); err != nil {
			return nil, err
		} else if t != nil {
			return duplicateResult(t, entries), nil
		}
	}

	validation, err := validateEntries(req.Entries)
	if err != nil {
		return nil, err
	}

	var (
		duplicate    *PostResult
		txn          *Transaction
		entries      []Entry
		overrideUsed bool
	)
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		// Concurrent posts with the same key serialise on the uniqueness
		// constraint; re-check inside the transaction.
		if req.IdempotencyKey != "" {
			prior, priorEntries, err := tx.FindByIdempotencyKey(ctx, req.Tenant, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				duplicate = duplicateResult(prior, priorEntries)
				return nil
			}
		}

		check, err := e.gate.CheckPeriodForPosting(ctx, req.Tenant, req.TransactionDate)
		if err != nil {
			return fmt.Errorf("period check: %w", err)
		}
		for _, p := range check.Periods {
			if p.Status == period.StatusHardClosed {
				return errs.ErrPeriodClosed(p.ID)
			}
		}
		if check.OverrideRequired {
			softID := softClosedPeriodID(check.Periods)
			if !req.Override {
				return errs.ErrAdminOverrideRequired(softID)
			}
			if req.UserRole != "finance_admin" {
				return errs.ErrInsufficientOverridePrivileges(req.UserRole)
			}
			if len(req.OverrideJustification) < minOverrideJustification {
				return errs.ErrValidation(fmt.Sprintf(
					"override justification must be at least %d characters", minOverrideJustification))
			}
			overrideUsed = true
		}
		if check.Locked {
			return errs.ErrLedgerLocked(check.LockInfo.ID, string(check.LockInfo.Type))
		}

		txn = &Transaction{
			ID:              uuid.NewString(),
			Tenant:          req.Tenant,
			TransactionRef:  req.TransactionRef,
			IdempotencyKey:  req.IdempotencyKey,
			EventType:       req.EventType,
			SourceRef:       req.SourceRef,
			Amount:          req.Amount,
			Currency:        req.Currency,
			Status:          TxPending,
			Description:     req.Description,
			TransactionDate: req.TransactionDate,
			CreatedBy:       req.CreatedBy,
			CreatedAt:       e.now(),
			OverrideUsed:    overrideUsed,
			PeriodID:        dailyPeriodID(check.Periods),
			Metadata:        req.Metadata,
		}
		if overrideUsed {
			txn.OverrideJustification = req.OverrideJustification
		}

		entries = make([]Entry, len(req.Entries))
		for i, er := range req.Entries {
			entries[i] = Entry{
				ID:            uuid.NewString(),
				TransactionID: txn.ID,
				AccountCode:   er.AccountCode,
				Side:          er.Side,
				Amount:        er.Amount,
				Ordinal:       i,
				Description:   er.Description,
			}
		}

		for i := range entries {
			account, err := tx.GetAccount(ctx, req.Tenant, entries[i].AccountCode)
			if err != nil {
				return err
			}
			if account == nil || account.Status != AccountActive {
				return errs.ErrAccountInactive(entries[i].AccountCode)
			}
			entries[i].AccountID = account.ID
		}

		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.InsertEntries(ctx, entries); err != nil {
			return err
		}
		// Insert entries then flip: the storage layer re-verifies balance
		// at flip time.
		if err := tx.MarkPosted(ctx, txn.ID, e.now()); err != nil {
			return err
		}

		if overrideUsed {
			if err := tx.AppendOverrideLog(ctx, OverrideRecord{
				ID:               uuid.NewString(),
				Tenant:           req.Tenant,
				Actor:            req.CreatedBy,
				Role:             req.UserRole,
				Justification:    req.OverrideJustification,
				AffectedEntities: []string{txn.ID},
				At:               e.now(),
			}); err != nil {
				return err
			}
		}
		if err := tx.AppendAuditLog(ctx, AuditRecord{
			ID:            uuid.NewString(),
			Tenant:        req.Tenant,
			Operation:     "post_transaction",
			TransactionID: txn.ID,
			Actor:         req.CreatedBy,
			Detail: fmt.Sprintf("event=%s source=%s debits=%d credits=%d override=%t",
				req.EventType, req.SourceRef, validation.TotalDebits, validation.TotalCredits, overrideUsed),
			At: e.now(),
		}); err != nil {
			return err
		}
		if after != nil {
			return after(tx, txn.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate != nil {
		return duplicate, nil
	}

	txn.Status = TxPosted
	if e.cache != nil && req.IdempotencyKey != "" {
		e.cache.PutTransactionID(ctx, req.Tenant, req.IdempotencyKey, txn.ID)
	}
	e.logger.Info("transaction posted",
		zap.String("transaction_id", txn.ID),
		zap.String("tenant", req.Tenant),
		zap.String("event_type", req.EventType),
		zap.String("source_ref", req.SourceRef),
		zap.Int64("total_debits", validation.TotalDebits),
		zap.Bool("override_used", overrideUsed))

	return &PostResult{
		Transaction:  txn,
		Entries:      entries,
		OverrideUsed: overrideUsed,
		Validation:   validation,
	}, nil
}

// ReverseTransaction posts a new transaction mirroring the original with
// sides flipped, marks the original reversed, and links both headers.
// Period and lock gates apply to the reversal's own transaction date.
func (e *Engine) ReverseTransaction(ctx context.Context, originalID, reason, actor string) (*PostResult, error) {
	ctx, span := e.tracer.Start(ctx, "ledger.ReverseTransaction",
		trace.WithAttributes(attribute.String("original_id", originalID)))
	defer span.End()

	original, originalEntries, err := e.store.GetTransaction(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, errs.ErrValidation("transaction " + originalID + " not found")
	}
	if original.Status != TxPosted {
		return nil, errs.ErrValidation("only posted transactions can be reversed, " + originalID + " is " + string(original.Status))
	}

	mirrored := make([]EntryRequest, len(originalEntries))
	for i, entry := range originalEntries {
		side := SideDebit
		if entry.Side == SideDebit {
			side = SideCredit
		}
		mirrored[i] = EntryRequest{
			AccountCode: entry.AccountCode,
			Side:        side,
			Amount:      entry.Amount,
			Description: "reversal: " + entry.Description,
		}
	}

	// Posting the mirror and flipping the original commit together, so a
	// failure on either side leaves neither.
	result, err := e.post(ctx, PostRequest{
		Tenant:          original.Tenant,
		TransactionRef:  original.TransactionRef + ":reversal",
		IdempotencyKey:  "reversal:" + original.ID,
		EventType:       original.EventType + "_reversal",
		SourceRef:       original.SourceRef,
		Amount:          original.Amount,
		Currency:        original.Currency,
		Description:     reason,
		Entries:         mirrored,
		TransactionDate: e.now(),
		CreatedBy:       actor,
		Metadata:        map[string]string{"reversal_of": original.ID},
	}, func(tx Tx, reversalID string) error {
		return tx.MarkReversed(ctx, original.ID, reversalID)
	})
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		return result, nil
	}
	result.Transaction.ReversalOf = original.ID
	return result, nil
}

// GetAccountBalance returns the derived projection for one account.
func (e *Engine) GetAccountBalance(ctx context.Context, tenant, code string) (*Balance, error) {
	return e.store.GetAccountBalance(ctx, tenant, code)
}

// GetTransaction returns a transaction header with entries expanded.
func (e *Engine) GetTransaction(ctx context.Context, id string) (*Transaction, []Entry, error) {
	return e.store.GetTransaction(ctx, id)
}

// validateEntries enforces positive amounts and exact debit/credit balance.
func validateEntries(entries []EntryRequest) (Validation, error) {
	var v Validation
	for _, er := range entries {
		if er.Amount <= 0 {
			return v, errs.ErrValidation("entry amounts must be positive integers in minor units")
		}
		switch er.Side {
		case SideDebit:
			v.TotalDebits += er.Amount
		case SideCredit:
			v.TotalCredits += er.Amount
		default:
			return v, errs.ErrValidation("entry side must be debit or credit")
		}
	}
	if v.TotalDebits != v.TotalCredits {
		return v, errs.ErrUnbalancedTransaction(v.TotalDebits, v.TotalCredits)
	}
	v.Balanced = true
	return v, nil
}

func duplicateResult(t *Transaction, entries []Entry) *PostResult {
	var debits, credits int64
	for _, e := range entries {
		if e.Side == SideDebit {
			debits += e.Amount
		} else {
			credits += e.Amount
		}
	}
	return &PostResult{
		Transaction:  t,
		Entries:      entries,
		Duplicate:    true,
		OverrideUsed: t.OverrideUsed,
		Validation:   Validation{Balanced: true, TotalDebits: debits, TotalCredits: credits},
	}
}

func dailyPeriodID(periods []period.Period) string {
	for _, p := range periods {
		if p.Type == period.TypeDaily {
			return p.ID
		}
	}
	if len(periods) > 0 {
		return periods[0].ID
	}
	return ""
}

func softClosedPeriodID(periods []period.Period) string {
	for _, p := range periods {
		if p.Status == period.StatusSoftClosed {
			return p.ID
		}
	}
	return ""
}
