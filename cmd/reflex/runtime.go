package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reflex/internal/breaker"
	"reflex/internal/bus"
	"reflex/internal/config"
	"reflex/internal/improve"
	"reflex/internal/metrics"
	"reflex/internal/reactor"
	"reflex/internal/scheduler"
	"reflex/internal/store"
)

// =============================================================================
// RUNTIME WIRING - explicit construction order, no globals
// =============================================================================

// runtime holds the fully wired core. Construction order matters: store first
// (everything persists through it), then bus, then the components that talk
// over it. Close tears down in reverse.
type runtime struct {
	store    *store.SQLiteStore
	eventLog *bus.EventLog
	bus      *bus.Bus
	circuits *breaker.Registry
	provider metrics.Provider
	loop     *improve.Loop
	sched    *scheduler.Scheduler
	reactor  *reactor.Reactor

	stopSnapshots chan struct{}
	snapshotsDone <-chan struct{}

	// queueIDs maps scheduler task IDs back to the queue IDs callers know.
	queueIDs map[string]string
}

func buildRuntime() (*runtime, error) {
	rt := &runtime{}

	st, err := store.Open(resolvePath(cfg.Store.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = st

	if cfg.Bus.LogEnabled {
		elog, err := bus.OpenEventLog(bus.EventLogConfig{
			Path:        resolvePath(cfg.Bus.LogPath),
			MaxSize:     cfg.Bus.MaxLogSizeBytes,
			MaxAge:      config.Duration(cfg.Bus.MaxLogAge, 7*24*time.Hour),
			WriteBuffer: cfg.Bus.WriteBuffer,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open event log: %w", err)
		}
		rt.eventLog = elog
	}
	rt.bus = bus.NewBus(bus.Config{
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
		Log:              rt.eventLog,
	})

	rt.circuits = breaker.NewRegistry(breakerConfig(cfg.Breaker))
	if err := rt.circuits.Restore(st); err != nil {
		logger.Warn("Breaker restore failed, starting fresh", zap.Error(err))
	}
	rt.circuits.OnTransition(func(subject, action string, from, to breaker.State) {
		e := bus.New(transitionEventType(to), bus.SeverityWarning, map[string]any{
			"action": action,
			"from":   string(from),
			"to":     string(to),
		})
		e.Subject = subject
		_ = rt.bus.Publish(e)
	})
	rt.stopSnapshots = make(chan struct{})
	rt.snapshotsDone = rt.circuits.StartSnapshotLoop(st,
		config.Duration(cfg.Breaker.SnapshotInterval, 30*time.Second), rt.stopSnapshots)

	rt.provider = metrics.NewProcProvider()

	rt.loop = improve.New(improve.Config{
		WindowSize:             cfg.Improve.WindowSize,
		FailureThreshold:       cfg.Improve.FailureThreshold,
		Cooldown:               config.Duration(cfg.Improve.Cooldown, 10*time.Minute),
		VerificationTasks:      cfg.Improve.VerificationTasks,
		MaxSuccessRateDropPct:  cfg.Improve.MaxSuccessRateDropPct,
		MaxLatencyIncreasePct:  cfg.Improve.MaxLatencyIncreasePct,
		MaxConsecutiveFailures: cfg.Improve.MaxConsecutiveFailures,
		SnapshotDir:            resolvePath(cfg.Improve.SnapshotDir),
		SnapshotRetention:      config.Duration(cfg.Improve.SnapshotRetention, 30*24*time.Hour),
	}, rt.bus, st, nil)

	policy, err := scheduler.NewPolicy(cfg.Scheduler.Policy)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.sched = scheduler.New(scheduler.Config{
		MaxConcurrent:  effectiveMaxConcurrent(st, cfg.Scheduler.MaxConcurrent),
		MaxQueueSize:   cfg.Scheduler.MaxQueueSize,
		DefaultTimeout: config.Duration(cfg.Scheduler.DefaultTimeout, 2*time.Minute),
		MaxRetries:     cfg.Scheduler.MaxRetries,
		RetryBaseDelay: config.Duration(cfg.Scheduler.RetryBaseDelay, time.Second),
	}, policy, newExecutor(rt.loop), rt.bus)

	rx, err := reactor.New(reactor.Config{
		PlaybookDir:     resolvePath(cfg.Reactor.PlaybookDir),
		DryRun:          cfg.Reactor.DryRun,
		ActionTimeout:   config.Duration(cfg.Reactor.ActionTimeout, 30*time.Second),
		ValidationDelay: config.Duration(cfg.Reactor.ValidationDelay, 0),
		AlertTimeout:    config.Duration(cfg.Reactor.AlertTimeout, 10*time.Minute),
		WatchPlaybooks:  cfg.Reactor.WatchPlaybooks,
	}, rt.bus, rt.circuits, rt.provider, st, &runtimeActuator{st: st, workspace: cfg.Workspace})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.reactor = rx
	if err := rx.Start(); err != nil {
		rt.Close()
		return nil, err
	}

	return rt, nil
}

// Close tears the runtime down in reverse construction order.
func (rt *runtime) Close() {
	if rt.reactor != nil {
		rt.reactor.Stop()
	}
	if rt.sched != nil {
		rt.sched.Stop()
	}
	if rt.stopSnapshots != nil {
		close(rt.stopSnapshots)
		<-rt.snapshotsDone
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

func transitionEventType(to breaker.State) string {
	switch to {
	case breaker.StateOpen:
		return "breaker.opened"
	case breaker.StateHalfOpen:
		return "breaker.half_open"
	default:
		return "breaker.closed"
	}
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		Default: breaker.Class{
			FailureThreshold: c.Default.FailureThreshold,
			FailureWindow:    config.Duration(c.Default.FailureWindow, 5*time.Minute),
			Cooldown:         config.Duration(c.Default.Cooldown, time.Minute),
		},
		HighFrequency: breaker.Class{
			FailureThreshold: c.HighFrequency.FailureThreshold,
			FailureWindow:    config.Duration(c.HighFrequency.FailureWindow, 2*time.Minute),
			Cooldown:         config.Duration(c.HighFrequency.Cooldown, 15*time.Second),
		},
		RateThresholdPerMin: c.RateThresholdPerMin,
	}
}

// maxConcurrentKey is where the reduce_concurrency playbook action parks its
// adjustment; it takes effect on the next boot.
const maxConcurrentKey = "runtime/max_concurrent"

func effectiveMaxConcurrent(st store.Store, configured int) int {
	data, err := st.Get(maxConcurrentKey)
	if err != nil {
		return configured
	}
	n, err := strconv.Atoi(string(data))
	if err != nil || n <= 0 || n > configured {
		return configured
	}
	logger.Info("Applying reduced concurrency from remediation",
		zap.Int("configured", configured), zap.Int("effective", n))
	return n
}

// =============================================================================
// TASK EXECUTION
// =============================================================================

// newExecutor routes every task attempt through the improvement loop, so
// outcomes feed the per-agent failure windows. The task's Type is the agent
// identity.
func newExecutor(loop *improve.Loop) scheduler.ExecuteFn {
	return func(ctx context.Context, t *scheduler.Task) (any, error) {
		return loop.ExecuteWithImprovement(ctx, t.Type, t.ID, func(ctx context.Context) (any, error) {
			return runTask(ctx, t)
		})
	}
}

// runTask interprets the task payload. Supported shapes:
//
//	{"command": "..."}  run through the shell, stdout returned
//	{"sleep_ms": 250}   wait (load testing, demos)
//
// anything else is a no-op that just flows through the pipeline.
func runTask(ctx context.Context, t *scheduler.Task) (any, error) {
	if cmdline, ok := t.Payload["command"].(string); ok && cmdline != "" {
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("command failed: %w", err)
		}
		return string(out), nil
	}
	if ms, ok := t.Payload["sleep_ms"].(float64); ok && ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

// =============================================================================
// ACTUATOR - the side-effect boundary for playbook actions
// =============================================================================

type runtimeActuator struct {
	st        store.Store
	workspace string
}

func (a *runtimeActuator) ReduceConcurrency(ctx context.Context, factor float64) error {
	current := cfg.Scheduler.MaxConcurrent
	if data, err := a.st.Get(maxConcurrentKey); err == nil {
		if n, err := strconv.Atoi(string(data)); err == nil && n > 0 {
			current = n
		}
	}
	next := int(float64(current) * factor)
	if next < 1 {
		next = 1
	}
	logger.Info("Reducing worker concurrency",
		zap.Int("from", current), zap.Int("to", next))
	return a.st.Put(maxConcurrentKey, []byte(strconv.Itoa(next)))
}

func (a *runtimeActuator) ClearCache(ctx context.Context, scope string) error {
	dir := filepath.Join(a.workspace, ".reflex", "cache")
	if scope != "" && scope != "all" {
		dir = filepath.Join(dir, filepath.Clean(scope))
	}
	logger.Info("Clearing cache", zap.String("dir", dir))
	return os.RemoveAll(dir)
}

func (a *runtimeActuator) KillProcess(ctx context.Context, pid int) error {
	logger.Warn("Killing process", zap.Int("pid", pid))
	return syscall.Kill(pid, syscall.SIGTERM)
}

func (a *runtimeActuator) RestartWorker(ctx context.Context, name string) error {
	// No in-process supervisor; record the request for the operator.
	logger.Warn("Worker restart requested", zap.String("worker", name))
	record, _ := json.Marshal(map[string]any{
		"worker":       name,
		"requested_at": time.Now(),
	})
	return a.st.Put("runtime/restart_requested/"+name, record)
}
