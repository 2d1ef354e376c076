// Package gatewayhealth maintains per-gateway windowed success and latency
// metrics used by the router. State is ephemeral and rebuildable from the
// outcome tail; stale reads are acceptable because routing decisions are
// advisory.
package gatewayhealth

import (
	"sync"
	"time"
)

// Status grades a gateway for routing purposes.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
)

const (
	// DefaultWindowSize and DefaultWindowAge bound the sample window; the
	// window keeps whichever covers more.
	DefaultWindowSize = 100
	DefaultWindowAge  = 5 * time.Minute

	recencyHorizon   = 30 * time.Second
	latencyFullScore = 2000 * time.Millisecond
)

type sample struct {
	ok      bool
	latency time.Duration
	at      time.Time
}

// Snapshot is an immutable view of one gateway's derived metrics.
type Snapshot struct {
	Gateway         string
	SuccessRate     float64
	AvgResponseTime time.Duration
	HealthScore     float64 // 0..100
	Status          Status
	SampleCount     int
}

// Tracker records gateway outcomes and serves consistent snapshots.
// recordSuccess and recordFailure are the only mutators; each gateway has
// its own lock so cross-gateway reads never contend on a single mutex.
type Tracker struct {
	windowSize int
	windowAge  time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	gateways map[string]*gatewayWindow
}

type gatewayWindow struct {
	mu      sync.Mutex
	samples []sample
}

// Option tunes a Tracker.
type Option func(*Tracker)

// WithWindow overrides the default sample window bounds.
func WithWindow(size int, age time.Duration) Option {
	return func(t *Tracker) {
		t.windowSize = size
		t.windowAge = age
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker builds an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		windowSize: DefaultWindowSize,
		windowAge:  DefaultWindowAge,
		now:        time.Now,
		gateways:   make(map[string]*gatewayWindow),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful outcome with its observed latency.
func (t *Tracker) RecordSuccess(gateway string, latency time.Duration) {
	t.record(gateway, sample{ok: true, latency: latency, at: t.now()})
}

// RecordFailure records a failed outcome with its observed latency.
func (t *Tracker) RecordFailure(gateway string, latency time.Duration) {
	t.record(gateway, sample{ok: false, latency: latency, at: t.now()})
}

func (t *Tracker) record(gateway string, s sample) {
	gw := t.window(gateway)
	gw.mu.Lock()
	defer gw.mu.Unlock()

	gw.samples = append(gw.samples, s)
	gw.samples = t.trim(gw.samples, s.at)
}

// trim drops samples outside the window. The window keeps the last
// windowSize samples or windowAge of history, whichever covers more.
func (t *Tracker) trim(samples []sample, now time.Time) []sample {
	cutoff := now.Add(-t.windowAge)
	excess := len(samples) - t.windowSize
	drop := 0
	for drop < excess && samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return samples
	}
	kept := make([]sample, len(samples)-drop)
	copy(kept, samples[drop:])
	return kept
}

func (t *Tracker) window(gateway string) *gatewayWindow {
	t.mu.RLock()
	gw, ok := t.gateways[gateway]
	t.mu.RUnlock()
	if ok {
		return gw
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if gw, ok = t.gateways[gateway]; ok {
		return gw
	}
	gw = &gatewayWindow{}
	t.gateways[gateway] = gw
	return gw
}

// Snapshot derives the metrics for one gateway.
func (t *Tracker) Snapshot(gateway string) Snapshot {
	gw := t.window(gateway)
	gw.mu.Lock()
	defer gw.mu.Unlock()

	now := t.now()
	samples := t.trim(gw.samples, now)
	gw.samples = samples

	snap := Snapshot{Gateway: gateway, SampleCount: len(samples)}
	if len(samples) == 0 {
		snap.Status = StatusUnknown
		return snap
	}

	var successes int
	var totalLatency time.Duration
	for _, s := range samples {
		if s.ok {
			successes++
		}
		totalLatency += s.latency
	}
	// Consecutive failures at the tail of the window.
	trailingFailures := 0
	for i := len(samples) - 1; i >= 0 && !samples[i].ok; i-- {
		trailingFailures++
	}

	snap.SuccessRate = float64(successes) / float64(len(samples))
	snap.AvgResponseTime = totalLatency / time.Duration(len(samples))

	latencyScore := 1 - float64(snap.AvgResponseTime)/float64(latencyFullScore)
	if latencyScore < 0 {
		latencyScore = 0
	}
	recencyScore := 1.0
	if now.Sub(samples[len(samples)-1].at) > recencyHorizon {
		recencyScore = 0
	}

	score := 100 * (0.6*snap.SuccessRate + 0.3*latencyScore + 0.1*recencyScore)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	snap.HealthScore = score

	switch {
	case trailingFailures >= 5 || score < 50:
		snap.Status = StatusUnhealthy
	case score >= 80:
		snap.Status = StatusHealthy
	default:
		snap.Status = StatusDegraded
	}
	return snap
}

// Snapshots derives metrics for every known gateway.
func (t *Tracker) Snapshots() map[string]Snapshot {
	t.mu.RLock()
	names := make([]string, 0, len(t.gateways))
	for name := range t.gateways {
		names = append(names, name)
	}
	t.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		out[name] = t.Snapshot(name)
	}
	return out
}
