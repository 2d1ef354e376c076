// Package router selects a primary gateway and an ordered fallback list per
// payment request. Selection is advisory: health and breaker state may be
// slightly stale, correctness is preserved downstream by the breaker and
// the ledger idempotency.
package router

import (
	"sort"
	"sync"

	"github.com/nitra-1/PG-sub002/internal/breaker"
	"github.com/nitra-1/PG-sub002/internal/gateway"
	"github.com/nitra-1/PG-sub002/internal/gatewayhealth"
)

// Strategy names a routing policy.
type Strategy string

const (
	StrategyHealthBased   Strategy = "HEALTH_BASED"
	StrategyLatencyBased  Strategy = "LATENCY_BASED"
	StrategyCostOptimized Strategy = "COST_OPTIMIZED"
	StrategyPriority      Strategy = "PRIORITY"
	StrategyRoundRobin    Strategy = "ROUND_ROBIN"
)

// Config tunes the router.
type Config struct {
	Strategy            Strategy
	MaxFallbackAttempts int
	// PriorityList orders gateways for the PRIORITY strategy.
	PriorityList []string
	// PriorityHealthThreshold filters PRIORITY candidates by health score.
	PriorityHealthThreshold float64
}

// DefaultConfig returns health-based routing with fallback depth 2.
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategyHealthBased,
		MaxFallbackAttempts:     2,
		PriorityHealthThreshold: 50,
	}
}

// Candidate couples an adapter with its fee schedule.
type Candidate struct {
	Adapter gateway.Adapter
	Fees    gateway.FeeSchedule
}

// Request is the routing input.
type Request struct {
	Tenant     string
	Amount     int64
	Currency   string
	Instrument gateway.InstrumentKind
	Merchant   string
	// Excluded lists gateways the caller has already ruled out.
	Excluded []string
}

// Router computes ordered gateway plans.
type Router struct {
	cfg      Config
	tracker  *gatewayhealth.Tracker
	breakers *breaker.Pool

	mu         sync.Mutex
	candidates []Candidate
	rrCursor   int
}

// New builds a router over a candidate pool.
func New(cfg Config, tracker *gatewayhealth.Tracker, breakers *breaker.Pool, candidates []Candidate) *Router {
	if cfg.MaxFallbackAttempts <= 0 {
		cfg.MaxFallbackAttempts = DefaultConfig().MaxFallbackAttempts
	}
	return &Router{
		cfg:        cfg,
		tracker:    tracker,
		breakers:   breakers,
		candidates: candidates,
	}
}

type scored struct {
	candidate Candidate
	snap      gatewayhealth.Snapshot
	cost      int64
}

// Plan returns [primary, fallback_1, ... fallback_k]. An empty plan means
// no gateway is eligible; the router never fails when any gateway is.
func (r *Router) Plan(req Request) []gateway.Adapter {
	excluded := make(map[string]bool, len(req.Excluded))
	for _, name := range req.Excluded {
		excluded[name] = true
	}

	r.mu.Lock()
	candidates := make([]Candidate, len(r.candidates))
	copy(candidates, r.candidates)
	r.mu.Unlock()

	eligible := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		name := c.Adapter.Name()
		if excluded[name] {
			continue
		}
		snap := r.tracker.Snapshot(name)
		if !r.eligible(name, snap) {
			continue
		}
		eligible = append(eligible, scored{
			candidate: c,
			snap:      snap,
			cost:      c.Fees.EffectiveCost(req.Amount),
		})
	}
	if len(eligible) == 0 {
		return nil
	}

	r.order(eligible)

	depth := r.cfg.MaxFallbackAttempts + 1
	if depth > len(eligible) {
		depth = len(eligible)
	}
	plan := make([]gateway.Adapter, 0, depth)
	for _, s := range eligible[:depth] {
		plan = append(plan, s.candidate.Adapter)
	}
	return plan
}

// eligible applies the per-strategy exclusion rules.
func (r *Router) eligible(name string, snap gatewayhealth.Snapshot) bool {
	switch r.cfg.Strategy {
	case StrategyCostOptimized:
		// Cost routing tolerates degraded gateways but not unhealthy ones.
		if snap.Status == gatewayhealth.StatusUnhealthy {
			return false
		}
	case StrategyPriority:
		if snap.Status != gatewayhealth.StatusUnknown && snap.HealthScore < r.cfg.PriorityHealthThreshold {
			return false
		}
		if !contains(r.cfg.PriorityList, name) {
			return false
		}
	case StrategyRoundRobin:
		if snap.Status == gatewayhealth.StatusUnhealthy {
			return false
		}
	default:
		if snap.Status == gatewayhealth.StatusUnhealthy {
			return false
		}
	}
	if r.breakers != nil && r.breakers.Get(name).State() == breaker.StateOpen {
		return false
	}
	return true
}

func (r *Router) order(eligible []scored) {
	switch r.cfg.Strategy {
	case StrategyLatencyBased:
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].snap.AvgResponseTime < eligible[j].snap.AvgResponseTime
		})
	case StrategyCostOptimized:
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].cost < eligible[j].cost
		})
	case StrategyPriority:
		rank := make(map[string]int, len(r.cfg.PriorityList))
		for i, name := range r.cfg.PriorityList {
			rank[name] = i
		}
		sort.SliceStable(eligible, func(i, j int) bool {
			return rank[eligible[i].candidate.Adapter.Name()] < rank[eligible[j].candidate.Adapter.Name()]
		})
	case StrategyRoundRobin:
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].candidate.Adapter.Name() < eligible[j].candidate.Adapter.Name()
		})
		r.mu.Lock()
		offset := r.rrCursor % len(eligible)
		r.rrCursor++
		r.mu.Unlock()
		rotated := append(eligible[offset:len(eligible):len(eligible)], eligible[:offset]...)
		copy(eligible, rotated)
	default: // HEALTH_BASED: score descending, ties broken by cost.
		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].snap.HealthScore != eligible[j].snap.HealthScore {
				return eligible[i].snap.HealthScore > eligible[j].snap.HealthScore
			}
			return eligible[i].cost < eligible[j].cost
		})
	}
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
