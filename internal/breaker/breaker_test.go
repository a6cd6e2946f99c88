package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := newFakeClock()
	r := NewRegistry(DefaultConfig())
	r.SetClock(clock.Now)
	return r, clock
}

// failSlowly records n failures spaced far enough apart that the pair stays
// in the default frequency class.
func failSlowly(r *Registry, clock *fakeClock, subject, action string, n int) {
	for i := 0; i < n; i++ {
		clock.Advance(20 * time.Second)
		r.RecordFailure(subject, action)
	}
}

func TestUnknownPairIsClosed(t *testing.T) {
	r, _ := newTestRegistry()
	assert.True(t, r.ShouldExecute("agent-1", "restart"))
	assert.Empty(t, r.Stats())
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	r, clock := newTestRegistry()

	failSlowly(r, clock, "agent-1", "restart", 2)
	assert.True(t, r.ShouldExecute("agent-1", "restart"), "below threshold stays closed")

	failSlowly(r, clock, "agent-1", "restart", 1)
	assert.False(t, r.ShouldExecute("agent-1", "restart"), "threshold failures must open the circuit")

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, StateOpen, stats[0].State)
	assert.Equal(t, uint64(3), stats[0].TotalFailures)
}

func TestPairsAreIndependent(t *testing.T) {
	r, clock := newTestRegistry()

	failSlowly(r, clock, "agent-1", "restart", 3)
	assert.False(t, r.ShouldExecute("agent-1", "restart"))
	assert.True(t, r.ShouldExecute("agent-1", "clear_cache"), "different action, same subject")
	assert.True(t, r.ShouldExecute("agent-2", "restart"), "different subject, same action")
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	r, clock := newTestRegistry()
	failSlowly(r, clock, "agent-1", "restart", 3)

	// Before the cooldown elapses the circuit stays open.
	clock.Advance(30 * time.Second)
	assert.False(t, r.ShouldExecute("agent-1", "restart"))

	clock.Advance(31 * time.Second)
	assert.True(t, r.ShouldExecute("agent-1", "restart"), "cooldown elapsed, one trial allowed")
	assert.False(t, r.ShouldExecute("agent-1", "restart"), "only one trial until the outcome lands")
	assert.False(t, r.ShouldExecute("agent-1", "restart"))
}

func TestTrialSuccessCloses(t *testing.T) {
	r, clock := newTestRegistry()
	failSlowly(r, clock, "agent-1", "restart", 3)

	clock.Advance(time.Minute)
	require.True(t, r.ShouldExecute("agent-1", "restart"))
	r.RecordSuccess("agent-1", "restart")

	assert.True(t, r.ShouldExecute("agent-1", "restart"))
	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, StateClosed, stats[0].State)
	assert.Zero(t, stats[0].FailureCount)
}

func TestTrialFailureReopensWithFreshCooldown(t *testing.T) {
	r, clock := newTestRegistry()
	failSlowly(r, clock, "agent-1", "restart", 3)

	clock.Advance(time.Minute)
	require.True(t, r.ShouldExecute("agent-1", "restart"))
	clock.Advance(20 * time.Second)
	r.RecordFailure("agent-1", "restart")

	assert.False(t, r.ShouldExecute("agent-1", "restart"), "failed trial reopens")
	clock.Advance(50 * time.Second)
	assert.False(t, r.ShouldExecute("agent-1", "restart"), "cooldown restarts at the trial failure")
	clock.Advance(11 * time.Second)
	assert.True(t, r.ShouldExecute("agent-1", "restart"))
}

func TestFailureWindowExpiryResetsCount(t *testing.T) {
	r, clock := newTestRegistry()

	failSlowly(r, clock, "agent-1", "restart", 2)
	// The window (5m) lapses; stale failures no longer count toward opening.
	clock.Advance(6 * time.Minute)
	failSlowly(r, clock, "agent-1", "restart", 2)
	assert.True(t, r.ShouldExecute("agent-1", "restart"), "stale failures must not accumulate")

	failSlowly(r, clock, "agent-1", "restart", 1)
	assert.False(t, r.ShouldExecute("agent-1", "restart"))
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	r, clock := newTestRegistry()

	failSlowly(r, clock, "agent-1", "restart", 2)
	clock.Advance(20 * time.Second)
	r.RecordSuccess("agent-1", "restart")
	failSlowly(r, clock, "agent-1", "restart", 2)
	assert.True(t, r.ShouldExecute("agent-1", "restart"), "success breaks the consecutive streak")
}

func TestHighFrequencyPairGetsWiderThreshold(t *testing.T) {
	r, clock := newTestRegistry()

	// Failures arriving every second push the observed rate well past the
	// high-frequency cutoff, so the wider threshold (8) applies instead of 3.
	for i := 0; i < 7; i++ {
		clock.Advance(time.Second)
		r.RecordFailure("chatty", "retry")
	}
	assert.True(t, r.ShouldExecute("chatty", "retry"), "high-frequency pair tolerates more failures")

	clock.Advance(time.Second)
	r.RecordFailure("chatty", "retry")
	assert.False(t, r.ShouldExecute("chatty", "retry"))

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.GreaterOrEqual(t, stats[0].RatePerMin, DefaultConfig().RateThresholdPerMin)
}

func TestFreshPairObservesNoRate(t *testing.T) {
	// Real wall clock on purpose: the first record must not derive a call
	// rate from the instant the entry was created, or every pair would look
	// high-frequency for its first several dozen records.
	r := NewRegistry(DefaultConfig())
	r.RecordFailure("agent-1", "restart")

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Zero(t, stats[0].RatePerMin, "one call ever is not a rate")
}

func TestModerateRateKeepsDefaultThreshold(t *testing.T) {
	r, clock := newTestRegistry()

	// Failures every 7s is ~8.6 calls/min, under the high-frequency cutoff
	// of 10: the default class (threshold 3) must apply and open the circuit.
	for i := 0; i < 3; i++ {
		clock.Advance(7 * time.Second)
		r.RecordFailure("agent-1", "restart")
	}
	assert.False(t, r.ShouldExecute("agent-1", "restart"))

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, StateOpen, stats[0].State)
	assert.Less(t, stats[0].RatePerMin, DefaultConfig().RateThresholdPerMin)
}

func TestResetForcesClosed(t *testing.T) {
	r, clock := newTestRegistry()
	failSlowly(r, clock, "agent-1", "restart", 3)
	require.False(t, r.ShouldExecute("agent-1", "restart"))

	r.Reset("agent-1", "restart")
	assert.True(t, r.ShouldExecute("agent-1", "restart"))

	r.Reset("never-seen", "restart") // unknown pair is a no-op
}

func TestOnTransitionFires(t *testing.T) {
	r, clock := newTestRegistry()

	type transition struct {
		subject, action string
		from, to        State
	}
	ch := make(chan transition, 8)
	r.OnTransition(func(subject, action string, from, to State) {
		ch <- transition{subject, action, from, to}
	})

	failSlowly(r, clock, "agent-1", "restart", 3)

	select {
	case tr := <-ch:
		assert.Equal(t, "agent-1", tr.subject)
		assert.Equal(t, "restart", tr.action)
		assert.Equal(t, StateClosed, tr.from)
		assert.Equal(t, StateOpen, tr.to)
	case <-time.After(2 * time.Second):
		t.Fatal("transition callback never fired")
	}
}
