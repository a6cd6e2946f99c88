package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"reflex/internal/bus"
	"reflex/internal/fault"
	"reflex/internal/logging"
)

// ExecuteFn runs one task attempt. It is an opaque collaborator: the
// scheduler never inspects what it does, only whether it returned an error.
// Implementations should honor ctx; the scheduler does not preempt a
// running attempt, it only stops waiting for it.
type ExecuteFn func(ctx context.Context, t *Task) (any, error)

// EventSink is where lifecycle events go. The bus is the sole mediator
// between the scheduler and other components - nothing calls back in.
type EventSink interface {
	Publish(bus.Event) error
}

var (
	// ErrQueueFull is returned when the scheduler is at capacity.
	ErrQueueFull = errors.New("scheduler queue is full")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("scheduler is stopped")
	// ErrUnknownTask is returned for IDs the scheduler has never seen.
	ErrUnknownTask = errors.New("unknown task")
)

// Config configures the scheduler.
type Config struct {
	MaxConcurrent  int
	MaxQueueSize   int
	DefaultTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		MaxQueueSize:   1000,
		DefaultTimeout: 2 * time.Minute,
		MaxRetries:     2,
		RetryBaseDelay: time.Second,
	}
}

// Scheduler owns every Task's state exclusively. All mutations happen under
// one lock; workers are bounded by a weighted semaphore sized MaxConcurrent.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	config  Config
	policy  Policy
	execute ExecuteFn
	sink    EventSink

	tasks      map[string]*Task
	ready      []*Task             // queued tasks, kept sorted by seq
	unmet      map[string]int      // pending task id -> unmet dependency count
	dependents map[string][]string // task id -> ids waiting on it
	backoffs   map[string]*time.Timer

	seq     uint64
	stats   Stats
	stopped bool

	baseCtx context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
}

// New creates a scheduler and starts its dispatcher. The execute function
// and event sink are injected explicitly - no process-wide singletons.
func New(cfg Config, policy Policy, execute ExecuteFn, sink EventSink) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if policy == nil {
		policy = priorityPolicy{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:     cfg,
		policy:     policy,
		execute:    execute,
		sink:       sink,
		tasks:      make(map[string]*Task),
		unmet:      make(map[string]int),
		dependents: make(map[string][]string),
		backoffs:   make(map[string]*time.Timer),
		baseCtx:    ctx,
		cancel:     cancel,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(1)
	go s.dispatch()

	logging.Scheduler("Scheduler started: policy=%s max_concurrent=%d", policy.Name(), cfg.MaxConcurrent)
	return s
}

// SetPolicy swaps the active ordering policy. Configuration operation only.
func (s *Scheduler) SetPolicy(p Policy) {
	if p == nil {
		return
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	logging.Scheduler("Scheduling policy set to %s", p.Name())
}

// Submit validates and registers a task, returning its assigned ID.
// Systemic conditions (full queue, stopped scheduler) reject immediately
// rather than queueing.
func (s *Scheduler) Submit(spec Spec) (string, error) {
	if spec.Type == "" {
		return "", fault.Permanent("invalid_task", fmt.Errorf("task type must not be empty"))
	}
	if spec.Priority < P0 || spec.Priority > P3 {
		return "", fault.Permanent("invalid_task", fmt.Errorf("priority %d out of range", spec.Priority))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", fault.Systemic("scheduler_stopped", ErrStopped)
	}
	if s.stats.Pending+s.stats.Queued+s.stats.Running >= s.config.MaxQueueSize {
		return "", fault.Systemic("queue_full", ErrQueueFull)
	}

	t := &Task{
		ID:          uuid.NewString(),
		Spec:        spec,
		State:       StatePending,
		SubmittedAt: time.Now(),
		seq:         s.seq,
	}
	s.seq++

	// Dependency validation. IDs are scheduler-assigned, so a cycle through
	// existing tasks is structurally impossible; self and duplicate refs are
	// the remaining hazards.
	seen := make(map[string]bool, len(spec.Dependencies))
	unmet := 0
	failedDep := false
	for _, dep := range spec.Dependencies {
		if dep == t.ID || seen[dep] {
			return "", fault.Permanent("invalid_task", fmt.Errorf("invalid dependency %q", dep))
		}
		seen[dep] = true
		depTask, ok := s.tasks[dep]
		if !ok {
			return "", fault.Permanent("missing_dependency", fmt.Errorf("dependency %q not found", dep))
		}
		switch {
		case depTask.State == StateCompleted:
			// Already satisfied.
		case depTask.State.Terminal():
			failedDep = true
		default:
			s.dependents[dep] = append(s.dependents[dep], t.ID)
			unmet++
		}
	}

	s.tasks[t.ID] = t
	s.stats.Pending++

	if failedDep {
		s.failLocked(t, ReasonDependencyFailed, "dependency terminal before submission")
		return t.ID, nil
	}

	if unmet > 0 {
		s.unmet[t.ID] = unmet
		logging.SchedulerDebug("Task %s pending on %d dependencies", t.ID, unmet)
	} else {
		s.promoteLocked(t)
	}
	return t.ID, nil
}

// Cancel cancels a task. Guaranteed only for pending/queued tasks; a running
// task is not preempted and Cancel returns false for it. Advisory-cancel-
// before-start only.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}

	switch t.State {
	case StatePending:
		s.stats.Pending--
		delete(s.unmet, id)
	case StateQueued:
		if timer, ok := s.backoffs[id]; ok {
			timer.Stop()
			delete(s.backoffs, id)
		} else if !s.removeReadyLocked(id) {
			// Popped by the dispatcher already; too late.
			return false
		}
		s.stats.Queued--
	default:
		return false
	}

	t.State = StateCancelled
	t.Reason = ReasonCancelled
	t.FinishedAt = time.Now()
	s.stats.Cancelled++
	s.emit("task.cancelled", bus.SeverityInfo, t)
	s.cascadeLocked(t)
	s.cond.Broadcast()
	return true
}

// Status returns the caller-visible view of a task.
func (s *Scheduler) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Status{}, ErrUnknownTask
	}
	return Status{
		ID:        t.ID,
		Type:      t.Type,
		State:     t.State,
		Retries:   t.Retries,
		LastError: t.LastError,
		Reason:    t.Reason,
		Submitted: t.SubmittedAt,
		Finished:  t.FinishedAt,
	}, nil
}

// List returns statuses, optionally filtered by state ("" = all).
func (s *Scheduler) List(state State) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.tasks))
	for _, t := range s.tasks {
		if state != "" && t.State != state {
			continue
		}
		out = append(out, Status{
			ID:        t.ID,
			Type:      t.Type,
			State:     t.State,
			Retries:   t.Retries,
			LastError: t.LastError,
			Reason:    t.Reason,
			Submitted: t.SubmittedAt,
			Finished:  t.FinishedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Submitted.Before(out[j].Submitted) })
	return out
}

// GetStats returns current counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// WaitIdle blocks until no task is pending, queued, or running, or ctx ends.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.mu.Lock()
		for s.stats.Pending+s.stats.Queued+s.stats.Running > 0 && !s.stopped {
			s.cond.Wait()
		}
		s.mu.Unlock()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter so its goroutine exits.
		s.cond.Broadcast()
		return ctx.Err()
	}
}

// Stop shuts the scheduler down. Queued and pending tasks stay in place;
// running attempts are awaited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, timer := range s.backoffs {
		timer.Stop()
		delete(s.backoffs, id)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logging.Scheduler("Scheduler stopped")
}

// =============================================================================
// DISPATCH LOOP
// =============================================================================

// dispatch acquires a worker slot, then picks the next ready task under the
// active policy. Acquiring first means a task arriving while all slots are
// busy still competes under the policy once a slot frees.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
			return
		}

		s.mu.Lock()
		for !s.stopped && len(s.ready) == 0 {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			s.sem.Release(1)
			return
		}

		idx := s.policy.Pick(s.ready)
		t := s.ready[idx]
		s.ready = append(s.ready[:idx], s.ready[idx+1:]...)
		s.stats.Queued--
		s.stats.Running++
		t.State = StateRunning
		t.StartedAt = time.Now()
		s.mu.Unlock()

		s.wg.Add(1)
		go s.run(t)
	}
}

// run executes one attempt of a task and records its outcome.
func (s *Scheduler) run(t *Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	s.emit("task.started", bus.SeverityInfo, t)

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, timeout)
	defer cancel()

	type attempt struct {
		out any
		err error
	}
	ch := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- attempt{err: fault.Permanent("panic", fmt.Errorf("execute panicked: %v", r))}
			}
		}()
		out, err := s.execute(ctx, t)
		ch <- attempt{out: out, err: err}
	}()

	var out any
	var err error
	timedOut := false
	select {
	case a := <-ch:
		out, err = a.out, a.err
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			timedOut = true
		}
	case <-ctx.Done():
		// No preemption: the attempt goroutine finishes on its own time,
		// but the task is terminal now. A timeout never leaves it hanging.
		timedOut = true
		err = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Running--

	if err == nil {
		t.State = StateCompleted
		t.Output = out
		t.FinishedAt = time.Now()
		s.stats.Completed++
		s.emit("task.completed", bus.SeverityInfo, t)
		s.satisfyDependentsLocked(t)
		s.cond.Broadcast()
		return
	}

	t.LastError = err.Error()

	kind := fault.Classify(err)
	if timedOut {
		kind = fault.KindTransient
	}

	// Only transient failures retry; permanent failures terminate now.
	if kind == fault.KindTransient && t.RetryOnFailure && t.Retries < s.maxRetries(t) {
		s.scheduleRetryLocked(t, timedOut)
		return
	}

	switch {
	case timedOut && t.Retries == 0:
		t.State = StateTimeout
		t.Reason = ReasonTimeout
		s.stats.Timeout++
		s.emit("task.timeout", bus.SeverityWarning, t)
	case t.Retries > 0:
		t.State = StateFailed
		t.Reason = ReasonMaxRetries
		s.stats.Failed++
		s.emit("task.failed", bus.SeverityWarning, t)
	default:
		t.State = StateFailed
		t.Reason = fault.Code(err)
		if kind == fault.KindPermanent {
			t.Reason = ReasonPermanent
		}
		s.stats.Failed++
		s.emit("task.failed", bus.SeverityWarning, t)
	}
	t.FinishedAt = time.Now()
	s.cascadeLocked(t)
	s.cond.Broadcast()
}

// scheduleRetryLocked re-enqueues a task after exponential backoff:
// base_delay * 2^attempt. Caller holds mu.
func (s *Scheduler) scheduleRetryLocked(t *Task, timedOut bool) {
	delay := s.config.RetryBaseDelay << uint(t.Retries)
	t.Retries++
	t.State = StateQueued
	s.stats.Queued++

	reason := "failure"
	if timedOut {
		reason = ReasonTimeout
	}
	logging.Scheduler("Task %s retry %d/%d after %v (%s)", t.ID, t.Retries, s.maxRetries(t), delay, reason)
	s.emit("task.retry", bus.SeverityWarning, t)

	id := t.ID
	s.backoffs[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.backoffs, id)
		if s.stopped || t.State != StateQueued {
			return
		}
		s.insertReadyLocked(t)
		s.cond.Broadcast()
	})
}

func (s *Scheduler) maxRetries(t *Task) int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return s.config.MaxRetries
}

// promoteLocked moves a pending task to queued. Caller holds mu.
func (s *Scheduler) promoteLocked(t *Task) {
	delete(s.unmet, t.ID)
	t.State = StateQueued
	s.stats.Pending--
	s.stats.Queued++
	s.insertReadyLocked(t)
	s.cond.Broadcast()
}

// insertReadyLocked keeps the ready queue ordered by submission sequence so
// every policy's FIFO tie-break is index order. Caller holds mu.
func (s *Scheduler) insertReadyLocked(t *Task) {
	i := sort.Search(len(s.ready), func(i int) bool { return s.ready[i].seq > t.seq })
	s.ready = append(s.ready, nil)
	copy(s.ready[i+1:], s.ready[i:])
	s.ready[i] = t
}

func (s *Scheduler) removeReadyLocked(id string) bool {
	for i, t := range s.ready {
		if t.ID == id {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return true
		}
	}
	return false
}

// satisfyDependentsLocked decrements unmet counts after a completion and
// promotes dependents whose last dependency just finished. Caller holds mu.
func (s *Scheduler) satisfyDependentsLocked(t *Task) {
	for _, depID := range s.dependents[t.ID] {
		dep, ok := s.tasks[depID]
		if !ok || dep.State != StatePending {
			continue
		}
		s.unmet[depID]--
		if s.unmet[depID] <= 0 {
			s.promoteLocked(dep)
		}
	}
	delete(s.dependents, t.ID)
}

// cascadeLocked fails every transitive dependent of a non-completed terminal
// task without running it, with the dependency_failed reason code.
// Caller holds mu.
func (s *Scheduler) cascadeLocked(t *Task) {
	for _, depID := range s.dependents[t.ID] {
		dep, ok := s.tasks[depID]
		if !ok || dep.State != StatePending {
			continue
		}
		s.failLocked(dep, ReasonDependencyFailed, fmt.Sprintf("dependency %s ended %s", t.ID, t.State))
	}
	delete(s.dependents, t.ID)
}

// failLocked marks a pending task terminally failed and cascades.
// Caller holds mu.
func (s *Scheduler) failLocked(t *Task, reason, detail string) {
	t.State = StateFailed
	t.Reason = reason
	t.LastError = detail
	t.FinishedAt = time.Now()
	s.stats.Pending--
	s.stats.Failed++
	delete(s.unmet, t.ID)
	s.emit("task.failed", bus.SeverityWarning, t)
	s.cascadeLocked(t)
	s.cond.Broadcast()
}

// emit publishes a lifecycle event. Best-effort: the scheduler never fails a
// task over bus trouble.
func (s *Scheduler) emit(eventType string, sev bus.Severity, t *Task) {
	if s.sink == nil {
		return
	}
	e := bus.New(eventType, sev, map[string]any{
		"task_id":  t.ID,
		"type":     t.Type,
		"priority": t.Priority.String(),
		"state":    string(t.State),
		"retries":  t.Retries,
		"reason":   t.Reason,
	})
	e.Subject = t.Type
	if err := s.sink.Publish(e); err != nil {
		logging.SchedulerWarn("Failed to publish %s for task %s: %v", eventType, t.ID, err)
	}
}
