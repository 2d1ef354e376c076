package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/errs"
	"github.com/nitra-1/PG-sub002/internal/events"
	"github.com/nitra-1/PG-sub002/internal/principal"
)

// Config tunes the retry schedule.
type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
}

// DefaultConfig returns the production schedule: three retries, thirty
// minutes doubling per attempt, capped at a day.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseBackoff:    30 * time.Minute,
		BackoffCeiling: 24 * time.Hour,
	}
}

// Service drives settlements through the state machine. The machine
// itself never writes ledger entries; the single settlement posting is
// published as an event once, at creation, and the choreographer turns
// it into entries. No later transition touches the ledger.
type Service struct {
	store     Store
	publisher events.Publisher
	logger    *zap.Logger
	cfg       Config
	clock     func() time.Time
}

// NewService builds a settlement service.
func NewService(store Store, publisher events.Publisher, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Minute
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 24 * time.Hour
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		clock:     time.Now,
	}
}

// WithClock replaces the time source. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// CreateParams describes a new payout.
type CreateParams struct {
	Tenant      string
	Merchant    string
	GrossAmount int64
	Fees        int64
	Currency    string
}

// Create records a new settlement in CREATED and publishes its ledger
// posting event. The event's source ref is the settlement ID, so a
// redelivery reuses the same ledger idempotency key and the posting
// lands exactly once.
func (s *Service) Create(ctx context.Context, p principal.Principal, params CreateParams) (*Settlement, error) {
	if params.GrossAmount <= 0 {
		return nil, errs.ErrValidation("settlement gross amount must be positive")
	}
	net := params.GrossAmount - params.Fees
	if net <= 0 {
		return nil, errs.ErrValidation("settlement fees exceed gross amount")
	}
	now := s.clock()
	st := &Settlement{
		ID:          uuid.NewString(),
		Tenant:      params.Tenant,
		Merchant:    params.Merchant,
		GrossAmount: params.GrossAmount,
		Fees:        params.Fees,
		NetAmount:   net,
		Currency:    params.Currency,
		Status:      StatusCreated,
		MaxRetries:  s.cfg.MaxRetries,
		CreatedBy:   p.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, st); err != nil {
		return nil, err
	}
	ev := events.Event{
		Type:       events.TypeSettlement,
		Tenant:     params.Tenant,
		SourceRef:  st.ID,
		Actor:      p.ActorID,
		OccurredAt: now,
		Settlement: &events.SettlementDispatched{
			Merchant:  st.Merchant,
			NetAmount: st.NetAmount,
			Currency:  st.Currency,
		},
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		return nil, fmt.Errorf("publish settlement posting: %w", err)
	}
	s.logger.Info("settlement created",
		zap.String("settlement_id", st.ID),
		zap.String("tenant", st.Tenant),
		zap.String("merchant", st.Merchant),
		zap.Int64("net_amount", st.NetAmount))
	return st, nil
}

// ReserveFunds moves CREATED or RETRIED into FUNDS_RESERVED. The ledger
// was already posted at creation; reserving touches only the machine.
func (s *Service) ReserveFunds(ctx context.Context, p principal.Principal, tenant, id string) (*Settlement, error) {
	return s.transition(ctx, p, tenant, id, StatusFundsReserved, "funds reserved for payout", nil)
}

// MarkSent moves FUNDS_RESERVED into SENT_TO_BANK.
func (s *Service) MarkSent(ctx context.Context, p principal.Principal, tenant, id string) (*Settlement, error) {
	return s.transition(ctx, p, tenant, id, StatusSentToBank, "payout file sent to bank", nil)
}

// ConfirmBank moves SENT_TO_BANK into BANK_CONFIRMED, recording the
// bank's UTR. The reference is mandatory and unique per tenant.
func (s *Service) ConfirmBank(ctx context.Context, p principal.Principal, tenant, id, utr string) (*Settlement, error) {
	if utr == "" {
		return nil, errs.ErrValidation("bank confirmation requires a UTR")
	}
	exists, err := s.store.UTRExists(ctx, tenant, utr)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errs.ErrDuplicateUTR(utr)
	}
	return s.transition(ctx, p, tenant, id, StatusBankConfirmed, "bank confirmed payout", func(st *Settlement) {
		st.UTR = utr
	})
}

// Settle moves BANK_CONFIRMED into the terminal SETTLED state.
func (s *Service) Settle(ctx context.Context, p principal.Principal, tenant, id string) (*Settlement, error) {
	return s.transition(ctx, p, tenant, id, StatusSettled, "payout settled", nil)
}

// Fail records a failure and schedules the next retry window. The
// backoff doubles per consumed retry and is capped by the configured
// ceiling.
func (s *Service) Fail(ctx context.Context, p principal.Principal, tenant, id, failureCode string) (*Settlement, error) {
	return s.transition(ctx, p, tenant, id, StatusFailed, "payout failed: "+failureCode, func(st *Settlement) {
		st.FailureCode = failureCode
		at := s.clock().Add(s.backoff(st.RetryCount))
		st.NextRetryAt = &at
	})
}

// Retry consumes one retry and re-enters the machine at FUNDS_RESERVED.
// The retry budget is checked before any state changes; an exhausted
// settlement stays FAILED. Unless force is set, a retry before the
// scheduled window is rejected.
func (s *Service) Retry(ctx context.Context, p principal.Principal, tenant, id string, force bool) (*Settlement, error) {
	st, err := s.store.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusFailed {
		return nil, errs.ErrSettlementState(id, string(st.Status), string(StatusRetried))
	}
	if st.RetryCount >= st.MaxRetries {
		return nil, errs.ErrSettlementRetryExhausted(id)
	}
	if !force && st.NextRetryAt != nil && s.clock().Before(*st.NextRetryAt) {
		return nil, errs.ErrValidation("retry window has not opened yet")
	}
	if _, err := s.transition(ctx, p, tenant, id, StatusRetried, "retry consumed", func(st *Settlement) {
		st.RetryCount++
		st.NextRetryAt = nil
		st.FailureCode = ""
	}); err != nil {
		return nil, err
	}
	return s.ReserveFunds(ctx, p, tenant, id)
}

// Get returns one settlement.
func (s *Service) Get(ctx context.Context, tenant, id string) (*Settlement, error) {
	return s.store.Get(ctx, tenant, id)
}

// History returns the full transition log, oldest first.
func (s *Service) History(ctx context.Context, tenant, id string) ([]Transition, error) {
	return s.store.Transitions(ctx, tenant, id)
}

// DispatchBatch reserves funds for a set of CREATED settlements and
// records them as one batch. Settlements that reject the transition are
// skipped and reported; the batch carries only the dispatched ones.
func (s *Service) DispatchBatch(ctx context.Context, p principal.Principal, tenant string, ids []string) (*Batch, []error) {
	batch := &Batch{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		CreatedBy: p.ActorID,
		CreatedAt: s.clock(),
	}
	var failures []error
	for _, id := range ids {
		st, err := s.ReserveFunds(ctx, p, tenant, id)
		if err != nil {
			failures = append(failures, fmt.Errorf("settlement %s: %w", id, err))
			continue
		}
		if _, err := s.transition(ctx, p, tenant, id, StatusSentToBank, "dispatched in batch "+batch.ID, func(st *Settlement) {
			st.BatchID = batch.ID
		}); err != nil {
			failures = append(failures, fmt.Errorf("settlement %s: %w", id, err))
			continue
		}
		batch.Count++
		batch.TotalAmount += st.NetAmount
		if batch.Currency == "" {
			batch.Currency = st.Currency
		}
	}
	if batch.Count > 0 {
		if err := s.store.CreateBatch(ctx, batch); err != nil {
			failures = append(failures, fmt.Errorf("record batch: %w", err))
		}
	}
	return batch, failures
}

// RetryDue retries every FAILED settlement whose window has opened.
// Meant to run on a schedule.
func (s *Service) RetryDue(ctx context.Context, tenant string) (int, error) {
	due, err := s.store.ListDue(ctx, tenant, s.clock())
	if err != nil {
		return 0, err
	}
	retried := 0
	sys := principal.System(tenant)
	for _, st := range due {
		if _, err := s.Retry(ctx, sys, tenant, st.ID, false); err != nil {
			s.logger.Warn("scheduled retry failed",
				zap.String("settlement_id", st.ID),
				zap.Error(err))
			continue
		}
		retried++
	}
	return retried, nil
}

func (s *Service) transition(ctx context.Context, p principal.Principal, tenant, id string, next Status, reason string, update func(*Settlement)) (*Settlement, error) {
	cur, err := s.store.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, next) {
		return nil, errs.ErrSettlementState(id, string(cur.Status), string(next))
	}
	// Once money may have left the platform, only a finance admin can
	// move the settlement.
	if pastSendPoint(cur.Status) && !p.IsFinanceAdmin() && p.Role != principal.RoleSystem {
		return nil, errs.ErrInsufficientOverridePrivileges(string(p.Role))
	}
	tr := Transition{
		ID:           uuid.NewString(),
		SettlementID: id,
		FromStatus:   cur.Status,
		ToStatus:     next,
		Reason:       reason,
		Actor:        p.ActorID,
		ActorRole:    string(p.Role),
		OccurredAt:   s.clock(),
	}
	st, err := s.store.Transition(ctx, tenant, id, next, tr, update)
	if err != nil {
		return nil, err
	}
	s.logger.Info("settlement transitioned",
		zap.String("settlement_id", id),
		zap.String("tenant", tenant),
		zap.String("from_status", string(tr.FromStatus)),
		zap.String("to_status", string(next)),
		zap.String("actor", p.ActorID))
	return st, nil
}

func (s *Service) backoff(retryCount int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.cfg.BackoffCeiling {
			return s.cfg.BackoffCeiling
		}
	}
	if d > s.cfg.BackoffCeiling {
		return s.cfg.BackoffCeiling
	}
	return d
}
