// Package breaker implements the per-gateway circuit breaker.
//
// The breaker opens only when both a failure threshold and a volume
// threshold are met inside the failure window, so low-sample noise never
// trips a circuit. The OPEN to HALF_OPEN transition is lazy: it happens on
// the next attempted call after the open timeout, no scheduler involved.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/nitra-1/PG-sub002/internal/errs"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           // failures within FailureWindow to open
	VolumeThreshold  int           // minimum requests within FailureWindow
	SuccessThreshold int           // consecutive successes to close from half open
	FailureWindow    time.Duration // sliding window for failure/volume counts
	OpenTimeout      time.Duration // time in OPEN before probing
	RequestTimeout   time.Duration // per-call budget
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		SuccessThreshold: 2,
		FailureWindow:    60 * time.Second,
		OpenTimeout:      30 * time.Second,
		RequestTimeout:   10 * time.Second,
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// Counts is an observable snapshot of breaker counters.
type Counts struct {
	State                State
	Requests             int
	Failures             int
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

// Breaker guards calls to one gateway.
type Breaker struct {
	gateway string
	cfg     Config
	now     func() time.Time

	mu                   sync.Mutex
	state                State
	window               []outcome
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// New builds a CLOSED breaker for a gateway.
func New(gateway string, cfg Config) *Breaker {
	if cfg.FailureWindow <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{
		gateway: gateway,
		cfg:     cfg,
		now:     time.Now,
		state:   StateClosed,
	}
}

// WithClock injects a clock for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// State reports the current state, applying the lazy OPEN -> HALF_OPEN
// transition if the open timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// Counts reports an observable snapshot of the breaker counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	b.pruneWindow()
	failures := 0
	for _, o := range b.window {
		if !o.ok {
			failures++
		}
	}
	return Counts{
		State:                b.state,
		Requests:             len(b.window),
		Failures:             failures,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
}

// Execute runs fn under the breaker. When the breaker is OPEN it rejects
// immediately with a circuit-open error; otherwise fn runs bounded by the
// request timeout and its outcome feeds the state machine.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	b.maybeProbe()
	if b.state == StateOpen {
		b.mu.Unlock()
		return errs.ErrCircuitOpen(b.gateway)
	}
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			err = errs.ErrCancelled(ctx.Err())
		} else {
			err = errs.ErrRequestTimeout(b.gateway)
		}
	}

	b.record(err == nil)
	return err
}

// Reset clears all counters and returns the breaker to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.window = nil
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.openedAt = time.Time{}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.window = append(b.window, outcome{at: now, ok: ok})
	b.pruneWindow()

	if ok {
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
	} else {
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
	}

	switch b.state {
	case StateHalfOpen:
		if !ok {
			b.trip(now)
			return
		}
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.openedAt = time.Time{}
		}
	case StateClosed:
		if !ok {
			failures := 0
			for _, o := range b.window {
				if !o.ok {
					failures++
				}
			}
			if len(b.window) >= b.cfg.VolumeThreshold && failures >= b.cfg.FailureThreshold {
				b.trip(now)
			}
		}
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.consecutiveSuccesses = 0
}

// maybeProbe applies the lazy OPEN -> HALF_OPEN transition. Callers hold mu.
func (b *Breaker) maybeProbe() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
		b.consecutiveFailures = 0
		b.window = nil
	}
}

// pruneWindow drops outcomes older than the failure window. Callers hold mu.
func (b *Breaker) pruneWindow() {
	cutoff := b.now().Add(-b.cfg.FailureWindow)
	drop := 0
	for drop < len(b.window) && b.window[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		b.window = append(b.window[:0], b.window[drop:]...)
	}
}

// Pool keys breakers by gateway name, creating them on first use.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewPool builds a breaker pool with one shared config.
func NewPool(cfg Config) *Pool {
	return &Pool{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a gateway, creating it if needed.
func (p *Pool) Get(gateway string) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	br, ok := p.breakers[gateway]
	if !ok {
		br = New(gateway, p.cfg)
		p.breakers[gateway] = br
	}
	return br
}

// Counts snapshots every breaker in the pool, keyed by gateway.
func (p *Pool) Counts() map[string]Counts {
	p.mu.Lock()
	names := make([]string, 0, len(p.breakers))
	for name := range p.breakers {
		names = append(names, name)
	}
	p.mu.Unlock()

	out := make(map[string]Counts, len(names))
	for _, name := range names {
		out[name] = p.Get(name).Counts()
	}
	return out
}
