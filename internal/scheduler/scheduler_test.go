package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"reflex/internal/bus"
	"reflex/internal/fault"
)

// recordingSink captures lifecycle events without a live bus.
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

func testConfig() Config {
	return Config{
		MaxConcurrent:  2,
		MaxQueueSize:   100,
		DefaultTimeout: 5 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 10 * time.Millisecond,
	}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func waitForState(t *testing.T, s *Scheduler, id string, want State) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := s.Status(id)
		require.NoError(t, err)
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := s.Status(id)
	t.Fatalf("task %s never reached %s (stuck at %s)", id, want, st.State)
	return Status{}
}

func TestSubmitAndComplete(t *testing.T) {
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		return "done", nil
	}, nil)
	defer s.Stop()

	id, err := s.Submit(Spec{Type: "build", Priority: P2})
	require.NoError(t, err)
	waitIdle(t, s)

	st, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 1, s.GetStats().Completed)
}

func TestSubmitValidation(t *testing.T) {
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		return nil, nil
	}, nil)
	defer s.Stop()

	_, err := s.Submit(Spec{Type: ""})
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.Classify(err))

	_, err = s.Submit(Spec{Type: "build", Priority: Priority(9)})
	require.Error(t, err)

	_, err = s.Submit(Spec{Type: "build", Dependencies: []string{"no-such-task"}})
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.Classify(err))
}

func TestUnknownTaskStatus(t *testing.T) {
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		return nil, nil
	}, nil)
	defer s.Stop()

	_, err := s.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestMaxConcurrentEnforced(t *testing.T) {
	defer goleak.VerifyNone(t)

	var cur, peak atomic.Int32
	cfg := testConfig()
	cfg.MaxConcurrent = 3

	s := New(cfg, fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return nil, nil
	}, nil)

	// Well over 3x the worker count.
	for i := 0; i < 30; i++ {
		_, err := s.Submit(Spec{Type: "load", Priority: P2})
		require.NoError(t, err)
	}
	waitIdle(t, s)
	s.Stop()

	assert.LessOrEqual(t, peak.Load(), int32(3), "observed %d concurrent workers", peak.Load())
	assert.Equal(t, 30, s.GetStats().Completed)
}

func TestPriorityDispatchOrder(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	cfg := testConfig()
	cfg.MaxConcurrent = 1

	s := New(cfg, priorityPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		if task.Type == "gate" {
			<-gate
			return nil, nil
		}
		mu.Lock()
		order = append(order, task.Type)
		mu.Unlock()
		return nil, nil
	}, nil)
	defer s.Stop()

	gateID, err := s.Submit(Spec{Type: "gate", Priority: P0})
	require.NoError(t, err)
	waitForState(t, s, gateID, StateRunning)

	// Queue up out of priority order while the only worker is held.
	_, err = s.Submit(Spec{Type: "low", Priority: P2})
	require.NoError(t, err)
	_, err = s.Submit(Spec{Type: "mid", Priority: P1})
	require.NoError(t, err)
	_, err = s.Submit(Spec{Type: "crit-a", Priority: P0})
	require.NoError(t, err)
	_, err = s.Submit(Spec{Type: "crit-b", Priority: P0})
	require.NoError(t, err)

	close(gate)
	waitIdle(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"crit-a", "crit-b", "mid", "low"}, order)
}

func TestDependencyGating(t *testing.T) {
	gate := make(chan struct{})
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		if task.Type == "first" {
			<-gate
		}
		return nil, nil
	}, nil)
	defer s.Stop()

	first, err := s.Submit(Spec{Type: "first", Priority: P2})
	require.NoError(t, err)
	second, err := s.Submit(Spec{Type: "second", Priority: P2, Dependencies: []string{first}})
	require.NoError(t, err)

	waitForState(t, s, first, StateRunning)

	st, err := s.Status(second)
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State, "dependent ran before its dependency completed")

	close(gate)
	waitIdle(t, s)

	assert.Equal(t, StateCompleted, waitForState(t, s, second, StateCompleted).State)
}

func TestDependencyCascadeFailure(t *testing.T) {
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		return nil, fault.Permanent("bad_input", errors.New("malformed payload"))
	}, nil)
	defer s.Stop()

	a, err := s.Submit(Spec{Type: "a", Priority: P2})
	require.NoError(t, err)
	b, err := s.Submit(Spec{Type: "b", Priority: P2, Dependencies: []string{a}})
	require.NoError(t, err)
	c, err := s.Submit(Spec{Type: "c", Priority: P2, Dependencies: []string{b}})
	require.NoError(t, err)

	waitIdle(t, s)

	assert.Equal(t, ReasonPermanent, waitForState(t, s, a, StateFailed).Reason)

	for _, id := range []string{b, c} {
		st := waitForState(t, s, id, StateFailed)
		assert.Equal(t, ReasonDependencyFailed, st.Reason, "task %s", id)
	}
	assert.Equal(t, 3, s.GetStats().Failed)
}

func TestDependencyOnAlreadyFailedTask(t *testing.T) {
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		return nil, fault.Permanent("boom", errors.New("boom"))
	}, nil)
	defer s.Stop()

	a, err := s.Submit(Spec{Type: "a", Priority: P2})
	require.NoError(t, err)
	waitIdle(t, s)
	waitForState(t, s, a, StateFailed)

	b, err := s.Submit(Spec{Type: "b", Priority: P2, Dependencies: []string{a}})
	require.NoError(t, err)
	st := waitForState(t, s, b, StateFailed)
	assert.Equal(t, ReasonDependencyFailed, st.Reason)
}

func TestTimeoutWithoutRetry(t *testing.T) {
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	defer s.Stop()

	id, err := s.Submit(Spec{Type: "slow", Priority: P2, Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	st := waitForState(t, s, id, StateTimeout)
	assert.Equal(t, ReasonTimeout, st.Reason)
	assert.Equal(t, 0, st.Retries)
	assert.Equal(t, 1, s.GetStats().Timeout)
}

func TestTimeoutWithRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	defer s.Stop()

	id, err := s.Submit(Spec{
		Type:           "slow",
		Priority:       P2,
		Timeout:        20 * time.Millisecond,
		RetryOnFailure: true,
		MaxRetries:     2,
	})
	require.NoError(t, err)

	st := waitForState(t, s, id, StateFailed)
	assert.Equal(t, ReasonMaxRetries, st.Reason)
	assert.Equal(t, 2, st.Retries)
	assert.Equal(t, int32(3), attempts.Load(), "initial attempt plus two retries")
}

func TestRetryBackoffDelays(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time

	cfg := testConfig()
	cfg.RetryBaseDelay = 50 * time.Millisecond

	s := New(cfg, fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, fault.Transient("flaky", errors.New("try again"))
	}, nil)
	defer s.Stop()

	id, err := s.Submit(Spec{Type: "flaky", Priority: P2, RetryOnFailure: true, MaxRetries: 2})
	require.NoError(t, err)
	waitForState(t, s, id, StateFailed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	// base*2^0 then base*2^1, allowing scheduling slack upward only.
	first := starts[1].Sub(starts[0])
	second := starts[2].Sub(starts[1])
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.GreaterOrEqual(t, second, 100*time.Millisecond)
}

func TestTransientRetryThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, fault.Transient("network", errors.New("connection refused"))
		}
		return "ok", nil
	}, nil)
	defer s.Stop()

	id, err := s.Submit(Spec{Type: "net", Priority: P2, RetryOnFailure: true, MaxRetries: 3})
	require.NoError(t, err)

	st := waitForState(t, s, id, StateCompleted)
	assert.Equal(t, 1, st.Retries)
}

func TestPermanentFailureNeverRetries(t *testing.T) {
	var attempts atomic.Int32
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		attempts.Add(1)
		return nil, fault.Permanent("bad_input", errors.New("unfixable"))
	}, nil)
	defer s.Stop()

	id, err := s.Submit(Spec{Type: "doomed", Priority: P2, RetryOnFailure: true, MaxRetries: 5})
	require.NoError(t, err)

	st := waitForState(t, s, id, StateFailed)
	assert.Equal(t, ReasonPermanent, st.Reason)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestExecutePanicIsContained(t *testing.T) {
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		panic("handler bug")
	}, nil)
	defer s.Stop()

	id, err := s.Submit(Spec{Type: "panicky", Priority: P2})
	require.NoError(t, err)

	st := waitForState(t, s, id, StateFailed)
	assert.Equal(t, ReasonPermanent, st.Reason)
	assert.Contains(t, st.LastError, "panic")
}

func TestCancelPendingAndQueued(t *testing.T) {
	gate := make(chan struct{})
	cfg := testConfig()
	cfg.MaxConcurrent = 1

	s := New(cfg, fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		if task.Type == "gate" {
			<-gate
		}
		return nil, nil
	}, nil)
	defer s.Stop()

	gateID, err := s.Submit(Spec{Type: "gate", Priority: P2})
	require.NoError(t, err)
	waitForState(t, s, gateID, StateRunning)

	queued, err := s.Submit(Spec{Type: "work", Priority: P2})
	require.NoError(t, err)
	pending, err := s.Submit(Spec{Type: "work", Priority: P2, Dependencies: []string{queued}})
	require.NoError(t, err)

	assert.True(t, s.Cancel(pending), "pending cancel must be guaranteed")
	assert.True(t, s.Cancel(queued), "queued cancel must be guaranteed")
	assert.False(t, s.Cancel(gateID), "running tasks are never preempted")
	assert.False(t, s.Cancel("unknown"))

	close(gate)
	waitIdle(t, s)

	assert.Equal(t, StateCancelled, waitForState(t, s, queued, StateCancelled).State)
	assert.Equal(t, ReasonCancelled, waitForState(t, s, pending, StateCancelled).Reason)
}

func TestCancelledDependencyCascades(t *testing.T) {
	gate := make(chan struct{})
	cfg := testConfig()
	cfg.MaxConcurrent = 1

	s := New(cfg, fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		if task.Type == "gate" {
			<-gate
		}
		return nil, nil
	}, nil)
	defer s.Stop()

	gateID, _ := s.Submit(Spec{Type: "gate", Priority: P2})
	waitForState(t, s, gateID, StateRunning)

	dep, err := s.Submit(Spec{Type: "dep", Priority: P2})
	require.NoError(t, err)
	child, err := s.Submit(Spec{Type: "child", Priority: P2, Dependencies: []string{dep}})
	require.NoError(t, err)

	require.True(t, s.Cancel(dep))
	close(gate)
	waitIdle(t, s)

	st := waitForState(t, s, child, StateFailed)
	assert.Equal(t, ReasonDependencyFailed, st.Reason)
}

func TestQueueFullRejectsSystemic(t *testing.T) {
	gate := make(chan struct{})
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	cfg.MaxQueueSize = 2

	s := New(cfg, fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		<-gate
		return nil, nil
	}, nil)
	defer s.Stop()
	defer close(gate)

	_, err := s.Submit(Spec{Type: "a", Priority: P2})
	require.NoError(t, err)
	_, err = s.Submit(Spec{Type: "b", Priority: P2})
	require.NoError(t, err)

	_, err = s.Submit(Spec{Type: "c", Priority: P2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, fault.KindSystemic, fault.Classify(err))
}

func TestLifecycleEventsPublished(t *testing.T) {
	sink := &recordingSink{}
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		return nil, nil
	}, sink)
	defer s.Stop()

	_, err := s.Submit(Spec{Type: "observable", Priority: P2})
	require.NoError(t, err)
	waitIdle(t, s)

	types := sink.types()
	assert.Contains(t, types, "task.started")
	assert.Contains(t, types, "task.completed")
}

func TestSubmitAfterStop(t *testing.T) {
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		return nil, nil
	}, nil)
	s.Stop()

	_, err := s.Submit(Spec{Type: "late", Priority: P2})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestListFiltersByState(t *testing.T) {
	s := New(testConfig(), fifoPolicy{}, func(ctx context.Context, task *Task) (any, error) {
		if task.Type == "bad" {
			return nil, fault.Permanent("boom", errors.New("boom"))
		}
		return nil, nil
	}, nil)
	defer s.Stop()

	_, err := s.Submit(Spec{Type: "good", Priority: P2})
	require.NoError(t, err)
	_, err = s.Submit(Spec{Type: "bad", Priority: P2})
	require.NoError(t, err)
	waitIdle(t, s)

	assert.Len(t, s.List(StateCompleted), 1)
	assert.Len(t, s.List(StateFailed), 1)
	assert.Len(t, s.List(""), 2)
}
