// Package orchestrator drives one payment attempt end to end: route,
// charge through the breaker and retry layers, record gateway health,
// and hand the success event to the ledger side.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/breaker"
	"github.com/nitra-1/PG-sub002/internal/errs"
	"github.com/nitra-1/PG-sub002/internal/events"
	"github.com/nitra-1/PG-sub002/internal/gateway"
	"github.com/nitra-1/PG-sub002/internal/gatewayhealth"
	"github.com/nitra-1/PG-sub002/internal/retry"
	"github.com/nitra-1/PG-sub002/internal/router"
)

// Receipt is the outcome of a processed payment.
type Receipt struct {
	Gateway       string
	ExternalTxnID string
	Amount        int64
	Currency      string
	PlatformFee   int64
	GatewayFee    int64
	Attempts      int
	FailedOver    bool
}

// Metrics counts orchestrator outcomes for the ops endpoint.
type Metrics struct {
	mu        sync.Mutex
	Processed int64
	Succeeded int64
	Failed    int64
	Failovers int64
	NoGateway int64
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() (processed, succeeded, failed, failovers, noGateway int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Processed, m.Succeeded, m.Failed, m.Failovers, m.NoGateway
}

// Orchestrator coordinates router, breakers, retry, health tracking and
// event publication for payment processing.
type Orchestrator struct {
	router      *router.Router
	breakers    *breaker.Pool
	tracker     *gatewayhealth.Tracker
	retrier     *retry.Handler
	retryPolicy retry.Policy
	publisher   events.Publisher
	fees        map[string]gateway.FeeSchedule
	platformFee gateway.FeeSchedule
	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     Metrics
	clock       func() time.Time
}

// Config wires an orchestrator.
type Config struct {
	Router      *router.Router
	Breakers    *breaker.Pool
	Tracker     *gatewayhealth.Tracker
	Retrier     *retry.Handler
	RetryPolicy retry.Policy
	Publisher   events.Publisher
	// Fees maps gateway name to its fee schedule, used to compute the
	// gateway fee carried on the success event.
	Fees map[string]gateway.FeeSchedule
	// PlatformFee prices the platform's own cut.
	PlatformFee gateway.FeeSchedule
	Logger      *zap.Logger
}

// New builds an orchestrator.
func New(cfg Config) *Orchestrator {
	policy := cfg.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	if policy.RetryablePredicate == nil {
		policy.RetryablePredicate = func(e *errs.Error) bool { return errs.IsRetryable(e) }
	}
	return &Orchestrator{
		router:      cfg.Router,
		breakers:    cfg.Breakers,
		tracker:     cfg.Tracker,
		retrier:     cfg.Retrier,
		retryPolicy: policy,
		publisher:   cfg.Publisher,
		fees:        cfg.Fees,
		platformFee: cfg.PlatformFee,
		logger:      cfg.Logger,
		tracer:      otel.Tracer("orchestrator"),
		clock:       time.Now,
	}
}

// Metrics exposes the outcome counters.
func (o *Orchestrator) Metrics() *Metrics { return &o.metrics }

// ProcessPayment routes and charges one payment. The plan's primary is
// tried first; a gateway is abandoned for the next fallback when its
// retry budget is exhausted on retryable errors or its circuit is open.
// Non-retryable business declines stop the failover chain immediately,
// since every gateway would refuse the same payment.
func (o *Orchestrator) ProcessPayment(ctx context.Context, env gateway.Envelope) (*Receipt, error) {
	ctx, span := o.tracer.Start(ctx, "process_payment",
		trace.WithAttributes(
			attribute.String("tenant", env.Tenant),
			attribute.Int64("amount", env.Amount),
			attribute.String("currency", env.Currency),
		))
	defer span.End()

	o.metrics.mu.Lock()
	o.metrics.Processed++
	o.metrics.mu.Unlock()

	if err := env.Validate(); err != nil {
		o.countFailure()
		return nil, err
	}

	plan := o.router.Plan(router.Request{
		Tenant:     env.Tenant,
		Amount:     env.Amount,
		Currency:   env.Currency,
		Instrument: env.Instrument.Kind,
		Merchant:   env.MerchantRef,
	})
	if len(plan) == 0 {
		o.metrics.mu.Lock()
		o.metrics.NoGateway++
		o.metrics.mu.Unlock()
		o.countFailure()
		return nil, errs.ErrNoGatewayAvailable()
	}

	attempts := 0
	var lastErr error
	for i, adapter := range plan {
		name := adapter.Name()
		result, n, err := o.chargeThrough(ctx, adapter, env)
		attempts += n
		if err == nil {
			receipt := o.buildReceipt(name, result, env, attempts, i > 0)
			if i > 0 {
				o.metrics.mu.Lock()
				o.metrics.Failovers++
				o.metrics.mu.Unlock()
			}
			o.metrics.mu.Lock()
			o.metrics.Succeeded++
			o.metrics.mu.Unlock()
			span.SetAttributes(attribute.String("gateway", name))
			o.logger.Info("payment succeeded",
				zap.String("tenant", env.Tenant),
				zap.String("order_ref", env.OrderRef),
				zap.String("gateway", name),
				zap.Int("attempts", attempts),
				zap.Bool("failed_over", i > 0))
			if err := o.publishSuccess(ctx, env, receipt); err != nil {
				return receipt, err
			}
			return receipt, nil
		}

		lastErr = err
		classified := errs.Classify(err)
		o.logger.Warn("gateway attempt failed",
			zap.String("tenant", env.Tenant),
			zap.String("order_ref", env.OrderRef),
			zap.String("gateway", name),
			zap.String("category", string(classified.Category)),
			zap.Error(err))

		if !shouldFailover(classified) {
			break
		}
	}

	o.countFailure()
	return nil, fmt.Errorf("payment failed after %d attempts: %w", attempts, lastErr)
}

// chargeThrough runs one gateway's full retry budget through its breaker.
// Every attempt's outcome lands in the health tracker.
func (o *Orchestrator) chargeThrough(ctx context.Context, adapter gateway.Adapter, env gateway.Envelope) (gateway.Result, int, error) {
	name := adapter.Name()
	br := o.breakers.Get(name)

	var result gateway.Result
	attempts := 0
	err := o.retrier.Execute(ctx, o.retryPolicy, func(ctx context.Context) error {
		attempts++
		started := o.clock()
		execErr := br.Execute(ctx, func(ctx context.Context) error {
			r, chargeErr := adapter.Charge(ctx, env)
			if chargeErr != nil {
				return chargeErr
			}
			result = r
			return nil
		})
		elapsed := o.clock().Sub(started)
		if execErr != nil {
			// An open circuit is a local refusal, not a gateway sample.
			if errs.Classify(execErr).Code != "circuit_open" {
				o.tracker.RecordFailure(name, elapsed)
			}
			return execErr
		}
		o.tracker.RecordSuccess(name, elapsed)
		return nil
	})
	if err != nil {
		return gateway.Result{}, attempts, errs.Classify(err).WithGateway(name)
	}
	return result, attempts, nil
}

func (o *Orchestrator) buildReceipt(name string, result gateway.Result, env gateway.Envelope, attempts int, failedOver bool) *Receipt {
	return &Receipt{
		Gateway:       name,
		ExternalTxnID: result.ExternalTxnID,
		Amount:        env.Amount,
		Currency:      env.Currency,
		PlatformFee:   o.platformFee.EffectiveCost(env.Amount),
		GatewayFee:    o.fees[name].EffectiveCost(env.Amount),
		Attempts:      attempts,
		FailedOver:    failedOver,
	}
}

func (o *Orchestrator) publishSuccess(ctx context.Context, env gateway.Envelope, r *Receipt) error {
	ev := events.Event{
		Type:       events.TypePaymentSuccess,
		Tenant:     env.Tenant,
		SourceRef:  env.OrderRef,
		Actor:      env.CustomerRef,
		OccurredAt: o.clock(),
		Payment: &events.PaymentSuccess{
			Merchant:    env.MerchantRef,
			Gateway:     r.Gateway,
			Amount:      r.Amount,
			Currency:    r.Currency,
			PlatformFee: r.PlatformFee,
			GatewayFee:  r.GatewayFee,
		},
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Error("success event publication failed",
			zap.String("tenant", env.Tenant),
			zap.String("order_ref", env.OrderRef),
			zap.Error(err))
		return fmt.Errorf("publish payment event: %w", err)
	}
	return nil
}

func (o *Orchestrator) countFailure() {
	o.metrics.mu.Lock()
	o.metrics.Failed++
	o.metrics.mu.Unlock()
}

// shouldFailover decides whether the next gateway in the plan gets a
// turn. Circuit-open and exhausted retryable failures do; permanent
// declines such as validation or insufficient funds do not.
func shouldFailover(e *errs.Error) bool {
	if errors.Is(e, context.Canceled) {
		return false
	}
	if e.Code == "circuit_open" {
		return true
	}
	switch e.Category {
	case errs.CategoryValidation, errs.CategoryAuthentication,
		errs.CategoryInsufficientFunds, errs.CategoryConfiguration,
		errs.CategoryCancelled:
		return false
	case errs.CategoryGateway:
		return !e.Permanent
	}
	return true
}
