package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nitra-1/PG-sub002/internal/breaker"
	"github.com/nitra-1/PG-sub002/internal/errs"
	"github.com/nitra-1/PG-sub002/internal/gateway"
	"github.com/nitra-1/PG-sub002/internal/gatewayhealth"
)

func testSetup(strategy Strategy) (*Router, *gatewayhealth.Tracker, *breaker.Pool) {
	tracker := gatewayhealth.NewTracker()
	breakers := breaker.NewPool(breaker.DefaultConfig())
	candidates := []Candidate{
		{Adapter: gateway.NewStubAdapter("alpha", time.Millisecond), Fees: gateway.FeeSchedule{FixedFee: 100, PercentageFee: 0.02}},
		{Adapter: gateway.NewStubAdapter("beta", time.Millisecond), Fees: gateway.FeeSchedule{FixedFee: 300, PercentageFee: 0.01}},
		{Adapter: gateway.NewStubAdapter("gamma", time.Millisecond), Fees: gateway.FeeSchedule{FixedFee: 50, PercentageFee: 0.03}},
	}
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	cfg.PriorityList = []string{"beta", "alpha", "gamma"}
	r := New(cfg, tracker, breakers, candidates)
	return r, tracker, breakers
}

func names(plan []gateway.Adapter) []string {
	out := make([]string, len(plan))
	for i, a := range plan {
		out[i] = a.Name()
	}
	return out
}

func TestPlanDepthIsFallbacksPlusOne(t *testing.T) {
	r, _, _ := testSetup(StrategyHealthBased)
	plan := r.Plan(Request{Tenant: "t1", Amount: 10_000})
	assert.Len(t, plan, 3, "2 fallbacks + primary")
}

func TestHealthBasedPrefersHealthierGateway(t *testing.T) {
	r, tracker, _ := testSetup(StrategyHealthBased)

	for i := 0; i < 10; i++ {
		tracker.RecordSuccess("beta", 50*time.Millisecond)
		tracker.RecordSuccess("alpha", 50*time.Millisecond)
	}
	tracker.RecordFailure("alpha", 50*time.Millisecond)

	plan := r.Plan(Request{Tenant: "t1", Amount: 10_000})
	require.NotEmpty(t, plan)
	assert.Equal(t, "beta", plan[0].Name())
}

func TestUnhealthyGatewayExcluded(t *testing.T) {
	r, tracker, _ := testSetup(StrategyHealthBased)

	for i := 0; i < 10; i++ {
		tracker.RecordFailure("alpha", 50*time.Millisecond)
	}
	plan := r.Plan(Request{Tenant: "t1", Amount: 10_000})
	assert.NotContains(t, names(plan), "alpha")
}

func TestOpenBreakerExcluded(t *testing.T) {
	r, _, breakers := testSetup(StrategyHealthBased)

	br := breakers.Get("alpha")
	for i := 0; i < 5; i++ {
		_ = br.Execute(context.Background(), func(ctx context.Context) error { return nil })
	}
	for i := 0; i < 5; i++ {
		_ = br.Execute(context.Background(), func(ctx context.Context) error {
			return errs.GatewayError("alpha", "E1", "down", false)
		})
	}
	require.Equal(t, breaker.StateOpen, br.State())

	plan := r.Plan(Request{Tenant: "t1", Amount: 10_000})
	assert.NotContains(t, names(plan), "alpha")
}

func TestCostOptimizedOrdersByEffectiveCost(t *testing.T) {
	r, _, _ := testSetup(StrategyCostOptimized)

	// At 10000 minor units: alpha 100+200=300, beta 300+100=400, gamma 50+300=350.
	plan := r.Plan(Request{Tenant: "t1", Amount: 10_000})
	assert.Equal(t, []string{"alpha", "gamma", "beta"}, names(plan))
}

func TestPriorityFollowsConfiguredOrder(t *testing.T) {
	r, _, _ := testSetup(StrategyPriority)
	plan := r.Plan(Request{Tenant: "t1", Amount: 10_000})
	assert.Equal(t, []string{"beta", "alpha", "gamma"}, names(plan))
}

func TestLatencyBasedOrdersByAvgResponse(t *testing.T) {
	r, tracker, _ := testSetup(StrategyLatencyBased)

	tracker.RecordSuccess("alpha", 400*time.Millisecond)
	tracker.RecordSuccess("beta", 100*time.Millisecond)
	tracker.RecordSuccess("gamma", 250*time.Millisecond)

	plan := r.Plan(Request{Tenant: "t1", Amount: 10_000})
	assert.Equal(t, []string{"beta", "gamma", "alpha"}, names(plan))
}

func TestRoundRobinRotates(t *testing.T) {
	r, _, _ := testSetup(StrategyRoundRobin)

	first := names(r.Plan(Request{Tenant: "t1", Amount: 10_000}))
	second := names(r.Plan(Request{Tenant: "t1", Amount: 10_000}))
	third := names(r.Plan(Request{Tenant: "t1", Amount: 10_000}))
	fourth := names(r.Plan(Request{Tenant: "t1", Amount: 10_000}))

	assert.NotEqual(t, first[0], second[0])
	assert.NotEqual(t, second[0], third[0])
	assert.Equal(t, first, fourth, "rotation wraps after each gateway has led once")
}

func TestExplicitExclusionsHonored(t *testing.T) {
	r, _, _ := testSetup(StrategyHealthBased)
	plan := r.Plan(Request{Tenant: "t1", Amount: 10_000, Excluded: []string{"alpha", "beta"}})
	assert.Equal(t, []string{"gamma"}, names(plan))
}

func TestEmptyPlanWhenAllExcluded(t *testing.T) {
	r, _, _ := testSetup(StrategyHealthBased)
	plan := r.Plan(Request{Tenant: "t1", Amount: 10_000, Excluded: []string{"alpha", "beta", "gamma"}})
	assert.Empty(t, plan)
}
