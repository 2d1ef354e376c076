package gatewayhealth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotEmptyIsUnknown(t *testing.T) {
	tr := NewTracker()
	snap := tr.Snapshot("alpha")
	assert.Equal(t, StatusUnknown, snap.Status)
	assert.Zero(t, snap.SampleCount)
}

func TestPerfectGatewayIsHealthy(t *testing.T) {
	now := time.Now()
	tr := NewTracker(WithClock(func() time.Time { return now }))

	for i := 0; i < 20; i++ {
		tr.RecordSuccess("alpha", 100*time.Millisecond)
	}
	snap := tr.Snapshot("alpha")
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Equal(t, 1.0, snap.SuccessRate)
	assert.Equal(t, 100*time.Millisecond, snap.AvgResponseTime)
	// 0.6*1 + 0.3*(1-0.1/2) + 0.1*1 = 0.985
	assert.InDelta(t, 98.5, snap.HealthScore, 0.01)
}

func TestTrailingFailuresForceUnhealthy(t *testing.T) {
	now := time.Now()
	tr := NewTracker(WithClock(func() time.Time { return now }))

	// High overall success rate, but five consecutive trailing failures.
	for i := 0; i < 50; i++ {
		tr.RecordSuccess("alpha", 50*time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		tr.RecordFailure("alpha", 50*time.Millisecond)
	}
	snap := tr.Snapshot("alpha")
	assert.Equal(t, StatusUnhealthy, snap.Status)
	assert.Greater(t, snap.HealthScore, 50.0, "score stays high, trailing failures alone force unhealthy")
}

func TestLowScoreIsUnhealthy(t *testing.T) {
	now := time.Now()
	tr := NewTracker(WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		tr.RecordFailure("alpha", 3*time.Second)
		tr.RecordSuccess("alpha", 3*time.Second)
	}
	// 50% success, zero latency score: 0.6*0.5 + 0 + 0.1 = 40.
	snap := tr.Snapshot("alpha")
	assert.Equal(t, StatusUnhealthy, snap.Status)
	assert.InDelta(t, 40.0, snap.HealthScore, 0.01)
}

func TestStaleSamplesLoseRecencyScore(t *testing.T) {
	base := time.Now()
	current := base
	tr := NewTracker(WithClock(func() time.Time { return current }))

	for i := 0; i < 10; i++ {
		tr.RecordSuccess("alpha", 100*time.Millisecond)
	}
	fresh := tr.Snapshot("alpha")

	current = base.Add(45 * time.Second)
	stale := tr.Snapshot("alpha")
	assert.InDelta(t, fresh.HealthScore-10, stale.HealthScore, 0.01,
		"losing recency costs exactly the 10 point recency weight")
}

func TestScoreNeverImprovesWhenFailuresArrive(t *testing.T) {
	now := time.Now()
	tr := NewTracker(WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		tr.RecordSuccess("alpha", 100*time.Millisecond)
	}
	prev := tr.Snapshot("alpha").HealthScore
	for i := 0; i < 20; i++ {
		tr.RecordFailure("alpha", 100*time.Millisecond)
		score := tr.Snapshot("alpha").HealthScore
		assert.LessOrEqual(t, score, prev, "a failure with equal latency must not raise the score")
		prev = score
	}
}

func TestWindowDropsOldSamplesOnlyWhenPastAge(t *testing.T) {
	base := time.Now()
	current := base
	tr := NewTracker(WithWindow(5, time.Minute), WithClock(func() time.Time { return current }))

	// Overfill the window while samples are still fresh: count exceeds the
	// size bound but age keeps them.
	for i := 0; i < 8; i++ {
		tr.RecordFailure("alpha", 10*time.Millisecond)
	}
	assert.Equal(t, 8, tr.Snapshot("alpha").SampleCount)

	// Once the early samples age out, the size bound applies.
	current = base.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		tr.RecordSuccess("alpha", 10*time.Millisecond)
	}
	assert.Equal(t, 5, tr.Snapshot("alpha").SampleCount)
}

func TestSnapshotsCoverAllGateways(t *testing.T) {
	tr := NewTracker()
	tr.RecordSuccess("alpha", 10*time.Millisecond)
	tr.RecordFailure("beta", 10*time.Millisecond)

	snaps := tr.Snapshots()
	assert.Len(t, snaps, 2)
	assert.Contains(t, snaps, "alpha")
	assert.Contains(t, snaps, "beta")
}
