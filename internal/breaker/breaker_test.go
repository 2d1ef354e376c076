package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("alpha", Config{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		SuccessThreshold: 2,
		FailureWindow:    60 * time.Second,
		OpenTimeout:      30 * time.Second,
		RequestTimeout:   10 * time.Second,
	}).WithClock(clock.Now)
}

func fail(ctx context.Context) error {
	return errs.GatewayError("alpha", "E1", "upstream error", false)
}

func ok(ctx context.Context) error { return nil }

func TestStaysClosedBelowVolumeThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	// 9 failures but only 9 requests: volume threshold not met.
	for i := 0; i < 9; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestOpensOnFailureAndVolumeThresholds(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(context.Background(), ok))
	}
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	// 10 requests, 5 failures: both thresholds met.
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), ok)
	classified := errs.Classify(err)
	assert.Equal(t, "circuit_open", classified.Code)
	assert.False(t, errs.IsRetryable(err), "circuit open must not be retried in place")
}

func TestOldFailuresExpireFromWindow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	// Push the early failures past the window.
	clock.Advance(61 * time.Second)
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Execute(context.Background(), ok))
	}
	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateClosed, b.State(), "expired failures must not count toward the threshold")
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	tripBreaker(t, b)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, StateHalfOpen, b.State(), "one success is below the success threshold")
	require.NoError(t, b.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnSingleFailure(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	tripBreaker(t, b)
	clock.Advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, b.State())

	// The reopened circuit needs a fresh open timeout before probing again.
	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestRequestTimeout(t *testing.T) {
	b := New("alpha", Config{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		SuccessThreshold: 2,
		FailureWindow:    60 * time.Second,
		OpenTimeout:      30 * time.Second,
		RequestTimeout:   20 * time.Millisecond,
	})

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	classified := errs.Classify(err)
	assert.Equal(t, errs.CategoryTimeout, classified.Category)
	assert.True(t, errs.IsRetryable(err), "a timed out call may be retried")
}

func TestCallerCancellationIsNotTimeout(t *testing.T) {
	b := newTestBreaker(&fakeClock{now: time.Now()})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := b.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	classified := errs.Classify(err)
	assert.Equal(t, errs.CategoryCancelled, classified.Category)
	assert.False(t, errs.IsRetryable(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestResetReturnsToClosed(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	tripBreaker(t, b)
	require.Equal(t, StateOpen, b.State())
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	counts := b.Counts()
	assert.Zero(t, counts.Requests)
	assert.Zero(t, counts.Failures)
}

func TestPoolKeysByGateway(t *testing.T) {
	p := NewPool(DefaultConfig())
	a := p.Get("alpha")
	b := p.Get("beta")
	assert.NotSame(t, a, b)
	assert.Same(t, a, p.Get("alpha"))

	_ = a.Execute(context.Background(), fail)
	counts := p.Counts()
	assert.Equal(t, 1, counts["alpha"].Failures)
	assert.Equal(t, 0, counts["beta"].Failures)
}

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(context.Background(), ok))
	}
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), fail)
	}
}
