package improve

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reflex/internal/bus"
	"reflex/internal/fault"
	"reflex/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingSink) Publish(e bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// fixedRegression returns a constant replay success rate.
type fixedRegression struct {
	rate float64
	err  error
}

func (f fixedRegression) Run(ctx context.Context, agentID string, candidate map[string]any) (float64, error) {
	return f.rate, f.err
}

func testConfig(t *testing.T) Config {
	return Config{
		WindowSize:             10,
		FailureThreshold:       3,
		Cooldown:               time.Hour, // effectively forever for a test
		VerificationTasks:      10,
		MaxSuccessRateDropPct:  10,
		MaxLatencyIncreasePct:  1e9, // latency checks opt in per test
		MaxConsecutiveFailures: 3,
		SnapshotDir:            t.TempDir(),
		RegressionTimeout:      time.Second,
	}
}

var errTimeout = errors.New("operation timed out waiting for upstream")

func failNTimes(t *testing.T, l *Loop, agentID string, n int, err error) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, got := l.ExecuteWithImprovement(context.Background(), agentID, "task", func(ctx context.Context) (any, error) {
			return nil, err
		})
		require.ErrorIs(t, got, err)
	}
}

func succeedNTimes(t *testing.T, l *Loop, agentID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		out, err := l.ExecuteWithImprovement(context.Background(), agentID, "task", func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		require.Equal(t, "ok", out)
	}
}

func waitForStats(t *testing.T, l *Loop, check func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check(l.GetStats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats never converged: %+v", l.GetStats())
}

func TestRepeatedTimeoutsProposeAndApply(t *testing.T) {
	sink := &recordingSink{}
	st := store.NewMemStore()
	l := New(testConfig(t), sink, st, nil)

	failNTimes(t, l, "agent-1", 3, errTimeout)

	s := l.GetStats()
	assert.Equal(t, 1, s.Proposed)
	assert.Equal(t, 1, s.Applied)

	// Rule table: timeout -> timeout_sec * 1.5 from the 60s default.
	cfg := l.AgentConfig("agent-1")
	assert.Equal(t, float64(90), cfg["timeout_sec"])

	types := sink.types()
	assert.Contains(t, types, "improve.proposed")
	assert.Contains(t, types, "improve.applied")

	history, err := l.History("agent-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StateApplied, history[0].State)
	assert.Equal(t, fault.CategoryTimeout, history[0].Category)
}

func TestConsecutiveFailuresRollBack(t *testing.T) {
	sink := &recordingSink{}
	l := New(testConfig(t), sink, store.NewMemStore(), nil)

	before := l.AgentConfig("agent-1")

	// Trigger the proposal, then keep failing through verification.
	failNTimes(t, l, "agent-1", 3, errTimeout)
	require.Equal(t, 1, l.GetStats().Applied)
	failNTimes(t, l, "agent-1", 3, errTimeout)

	s := l.GetStats()
	assert.Equal(t, 1, s.RolledBack)
	assert.Contains(t, sink.types(), "improve.rolled_back")

	// Rollback restores the pre-apply config exactly.
	after := l.AgentConfig("agent-1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("config not restored (-before +after):\n%s", diff)
	}
}

func TestVerificationWindowConfirms(t *testing.T) {
	sink := &recordingSink{}
	l := New(testConfig(t), sink, store.NewMemStore(), nil)

	failNTimes(t, l, "agent-1", 3, errTimeout)
	require.Equal(t, 1, l.GetStats().Applied)

	succeedNTimes(t, l, "agent-1", 10)

	s := l.GetStats()
	assert.Equal(t, 1, s.Confirmed)
	assert.Equal(t, 0, s.RolledBack)
	assert.Contains(t, sink.types(), "improve.confirmed")

	// The improvement sticks.
	assert.Equal(t, float64(90), l.AgentConfig("agent-1")["timeout_sec"])
}

func TestSuccessRateDropRollsBack(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), nil)

	// Build a 70% baseline: 7 successes then 3 timeouts triggers the
	// proposal with the mixed window as baseline.
	succeedNTimes(t, l, "agent-1", 7)
	failNTimes(t, l, "agent-1", 3, errTimeout)
	require.Equal(t, 1, l.GetStats().Applied)

	// 40% verification rate without ever hitting 3 consecutive failures.
	pattern := []bool{false, false, true, false, false, true, false, false, true, true}
	for _, ok := range pattern {
		if ok {
			succeedNTimes(t, l, "agent-1", 1)
		} else {
			failNTimes(t, l, "agent-1", 1, errors.New("wrong answer"))
		}
	}

	s := l.GetStats()
	assert.Equal(t, 1, s.RolledBack)
	assert.Equal(t, 0, s.Confirmed)
}

func TestLatencyIncreaseRollsBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxLatencyIncreasePct = 25
	l := New(cfg, nil, store.NewMemStore(), nil)

	failNTimes(t, l, "agent-1", 3, errTimeout)
	require.Equal(t, 1, l.GetStats().Applied)

	// Pin the baseline so wall-clock jitter cannot flake the comparison.
	l.mu.Lock()
	l.agents["agent-1"].active.BaselineAvgLatency = 1
	l.mu.Unlock()

	for i := 0; i < 10; i++ {
		_, err := l.ExecuteWithImprovement(context.Background(), "agent-1", "task", func(ctx context.Context) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, l.GetStats().RolledBack)
}

func TestCooldownPreventsOscillation(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), nil)

	failNTimes(t, l, "agent-1", 3, errTimeout)
	failNTimes(t, l, "agent-1", 3, errTimeout) // rolls the proposal back

	// Still failing, but inside the cooldown: no second proposal.
	failNTimes(t, l, "agent-1", 5, errTimeout)

	s := l.GetStats()
	assert.Equal(t, 1, s.Proposed)
	assert.Equal(t, 1, s.RolledBack)
}

func TestNoRuleForGenericFailures(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), nil)

	failNTimes(t, l, "agent-1", 5, errors.New("something odd happened"))

	assert.Equal(t, 0, l.GetStats().Proposed)
}

func TestSanityGateRejectsUnknownParameter(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), nil)

	id, err := l.SubmitProposal("agent-1", KindConfig, fault.CategoryGeneric,
		map[string]any{"superpowers": true}, "grant superpowers")
	require.NoError(t, err)

	history, err := l.History("agent-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)
	assert.Equal(t, StateRejected, history[0].State)
	assert.Contains(t, history[0].Detail, "sanity gate")
}

func TestSanityGateRejectsOutOfBounds(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), nil)

	_, err := l.SubmitProposal("agent-1", KindConfig, fault.CategoryGeneric,
		map[string]any{"timeout_sec": float64(999999)}, "absurd timeout")
	require.NoError(t, err)

	assert.Equal(t, 1, l.GetStats().Rejected)
}

func TestRegressionGateRejectsWithoutRunner(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), nil)

	_, err := l.SubmitProposal("agent-1", KindPrompt, fault.CategoryGeneric,
		map[string]any{"timeout_sec": float64(90)}, "prompt tweak")
	require.NoError(t, err)

	waitForStats(t, l, func(s Stats) bool { return s.Rejected == 1 })
}

func TestRegressionGateRejectsLowerRate(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), fixedRegression{rate: 40})

	succeedNTimes(t, l, "agent-1", 5) // live baseline 100%

	_, err := l.SubmitProposal("agent-1", KindPrompt, fault.CategoryGeneric,
		map[string]any{"timeout_sec": float64(90)}, "prompt tweak")
	require.NoError(t, err)

	waitForStats(t, l, func(s Stats) bool { return s.Rejected == 1 })
}

func TestMediumRiskAppliesAfterRegression(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), fixedRegression{rate: 100})

	_, err := l.SubmitProposal("agent-1", KindPrompt, fault.CategoryGeneric,
		map[string]any{"timeout_sec": float64(90)}, "prompt tweak")
	require.NoError(t, err)

	waitForStats(t, l, func(s Stats) bool { return s.Applied == 1 })
	assert.Equal(t, float64(90), l.AgentConfig("agent-1")["timeout_sec"])
}

func TestHighRiskHoldsForApproval(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), fixedRegression{rate: 100})

	id, err := l.SubmitProposal("agent-1", KindCode, fault.CategoryGeneric,
		map[string]any{"max_parallel": float64(8)}, "rewrite worker pool")
	require.NoError(t, err)

	// Passes regression but must not apply on its own.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		history, err := l.History("agent-1")
		require.NoError(t, err)
		if len(history) == 1 && history[0].State == StateGated {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, l.GetStats().Applied)

	require.NoError(t, l.Approve(id))
	assert.Equal(t, 1, l.GetStats().Applied)
	assert.Equal(t, float64(8), l.AgentConfig("agent-1")["max_parallel"])

	assert.Error(t, l.Approve(id), "double approval must fail")
}

func TestSubmitProposalRejectsConcurrent(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), nil)

	failNTimes(t, l, "agent-1", 3, errTimeout) // proposal now in verification

	_, err := l.SubmitProposal("agent-1", KindConfig, fault.CategoryGeneric,
		map[string]any{"batch_size": float64(16)}, "shrink batches")
	assert.Error(t, err)
}

func TestBookkeepingErrorsNeverFailCaller(t *testing.T) {
	cfg := testConfig(t)
	cfg.SnapshotDir = "/dev/null/not-a-dir" // snapshot writes will fail
	l := New(cfg, nil, store.NewMemStore(), nil)

	// The third failure triggers a proposal whose apply cannot snapshot;
	// the caller still gets fn's own result.
	failNTimes(t, l, "agent-1", 3, errTimeout)

	out, err := l.ExecuteWithImprovement(context.Background(), "agent-1", "task", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	assert.Equal(t, 1, l.GetStats().Rejected, "failed snapshot rejects the proposal")
}

func TestSnapshotRoundTrip(t *testing.T) {
	l := New(testConfig(t), nil, nil, nil)

	original := map[string]any{"timeout_sec": float64(60), "batch_size": float64(32)}
	id, err := l.takeSnapshot("agent-1", original)
	require.NoError(t, err)

	snap, err := l.loadSnapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", snap.AgentID)

	var restored map[string]any
	require.NoError(t, json.Unmarshal(snap.Config, &restored))
	if diff := cmp.Diff(original, restored); diff != "" {
		t.Errorf("snapshot round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestHighFrequencyAgentScalesThreshold(t *testing.T) {
	l := New(testConfig(t), nil, store.NewMemStore(), nil)

	// Simulate a hot agent: sub-second inter-arrival EWMA.
	l.mu.Lock()
	a := l.agentLocked("agent-1")
	a.interArrivalMs = 100
	a.lastAt = time.Now()
	l.mu.Unlock()

	// Three failures are below the doubled threshold of six.
	failNTimes(t, l, "agent-1", 3, errTimeout)
	assert.Equal(t, 0, l.GetStats().Proposed)

	failNTimes(t, l, "agent-1", 3, errTimeout)
	assert.Equal(t, 1, l.GetStats().Proposed)
}
