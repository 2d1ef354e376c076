// Package retry provides bounded exponential backoff gated by the error
// taxonomy. Backoff sleeps respect caller cancellation: a cancelled context
// wakes the sleeper immediately and surfaces a cancelled error.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

// Policy tunes one retry loop.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
	JitterEnabled bool

	// RetryablePredicate, when set, further restricts which classified
	// errors are retried. The taxonomy's retryable flag always gates first.
	RetryablePredicate func(err *errs.Error) bool
}

// DefaultPolicy returns the standard retry tuning.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		Multiplier:    2,
		MaxDelay:      30 * time.Second,
		JitterEnabled: true,
	}
}

// Metrics counts retry outcomes for observability. Never gates behaviour.
type Metrics struct {
	mu                sync.Mutex
	TotalAttempts     int64
	SuccessfulRetries int64
	FailedRetries     int64
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() (attempts, successes, failures int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TotalAttempts, m.SuccessfulRetries, m.FailedRetries
}

func (m *Metrics) recordAttempt() {
	m.mu.Lock()
	m.TotalAttempts++
	m.mu.Unlock()
}

func (m *Metrics) recordOutcome(retried, ok bool) {
	if !retried {
		return
	}
	m.mu.Lock()
	if ok {
		m.SuccessfulRetries++
	} else {
		m.FailedRetries++
	}
	m.mu.Unlock()
}

// Handler executes functions under a policy.
type Handler struct {
	metrics Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() float64
}

// NewHandler builds a retry handler.
func NewHandler() *Handler {
	return &Handler{
		sleep:  sleepCtx,
		jitter: func() float64 { return 0.85 + rand.Float64()*0.30 },
	}
}

// Metrics exposes the handler's counters.
func (h *Handler) Metrics() *Metrics { return &h.metrics }

// Execute runs fn up to policy.MaxAttempts times. An error is retried only
// when it classifies as retryable, the optional predicate accepts it, and
// attempts remain. On exhaustion the last error is returned.
func (h *Handler) Execute(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	retried := false
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := h.sleep(ctx, h.delay(policy, attempt-1)); err != nil {
				return errs.ErrCancelled(err)
			}
			retried = true
		}

		h.metrics.recordAttempt()
		lastErr = fn(ctx)
		if lastErr == nil {
			h.metrics.recordOutcome(retried, true)
			return nil
		}

		classified := errs.Classify(lastErr)
		if !errs.IsRetryable(classified) {
			break
		}
		if policy.RetryablePredicate != nil && !policy.RetryablePredicate(classified) {
			break
		}
	}

	h.metrics.recordOutcome(retried, false)
	return lastErr
}

// delay computes the backoff for 0-indexed attempt k.
func (h *Handler) delay(policy Policy, k int) time.Duration {
	d := float64(policy.InitialDelay)
	for i := 0; i < k; i++ {
		d *= policy.Multiplier
	}
	if max := float64(policy.MaxDelay); policy.MaxDelay > 0 && d > max {
		d = max
	}
	if policy.JitterEnabled {
		d *= h.jitter()
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
