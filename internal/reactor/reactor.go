package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reflex/internal/breaker"
	"reflex/internal/bus"
	"reflex/internal/logging"
	"reflex/internal/metrics"
	"reflex/internal/store"
)

// ActionFunc executes one remediation step with its declared params.
type ActionFunc func(ctx context.Context, params map[string]any) error

// Actuator is where real side effects happen. The reactor never touches the
// system directly; tests and dry runs inject a fake.
type Actuator interface {
	ReduceConcurrency(ctx context.Context, factor float64) error
	ClearCache(ctx context.Context, scope string) error
	KillProcess(ctx context.Context, pid int) error
	RestartWorker(ctx context.Context, name string) error
}

// NoopActuator succeeds at everything without doing anything.
type NoopActuator struct{}

func (NoopActuator) ReduceConcurrency(context.Context, float64) error { return nil }
func (NoopActuator) ClearCache(context.Context, string) error         { return nil }
func (NoopActuator) KillProcess(context.Context, int) error           { return nil }
func (NoopActuator) RestartWorker(context.Context, string) error      { return nil }

// Config configures the reactor.
type Config struct {
	PlaybookDir     string
	DryRun          bool
	ActionTimeout   time.Duration
	ValidationDelay time.Duration
	AlertTimeout    time.Duration
	WatchPlaybooks  bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PlaybookDir:   ".reflex/playbooks",
		ActionTimeout: 30 * time.Second,
		AlertTimeout:  10 * time.Minute,
	}
}

// Alert tracks one firing playbook/subject pair from first match until it is
// resolved by a successful validation or times out.
type Alert struct {
	ID         string    `json:"id"`
	PlaybookID string    `json:"playbook_id"`
	Subject    string    `json:"subject"`
	CreatedAt  time.Time `json:"created_at"`
	LastHit    time.Time `json:"last_hit"`
	HitCount   int       `json:"hit_count"`
	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	TimedOut   bool      `json:"timed_out"`
}

const alertPrefix = "alert/"

// Stats aggregates reactor counters.
type Stats struct {
	Matched      int `json:"matched"`
	Executed     int `json:"executed"`
	Failed       int `json:"failed"`
	CircuitOpen  int `json:"circuit_open"`
	ActiveAlerts int `json:"active_alerts"`
	Playbooks    int `json:"playbooks"`
}

// Reactor matches events against playbooks and runs their remediation
// pipeline: breaker consult, actions, validation, rollback. All outcomes go
// back out as bus events; nothing calls the scheduler or improve loop
// directly.
type Reactor struct {
	mu        sync.Mutex
	config    Config
	playbooks []Playbook
	actions   map[string]ActionFunc
	alerts    map[string]*Alert

	circuits *breaker.Registry
	provider metrics.Provider
	st       store.Store
	events   *bus.Bus

	subs    []bus.SubscriptionID
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool

	stats Stats
}

// New builds a reactor. Playbooks load from cfg.PlaybookDir immediately so a
// broken definition fails startup, not the first incident.
func New(cfg Config, events *bus.Bus, circuits *breaker.Registry, provider metrics.Provider, st store.Store, act Actuator) (*Reactor, error) {
	// Only the actuator has a safe default; the rest are required, and a nil
	// provider would otherwise surface as a panic on the first validation.
	switch {
	case events == nil:
		return nil, fmt.Errorf("reactor: nil bus")
	case circuits == nil:
		return nil, fmt.Errorf("reactor: nil breaker registry")
	case provider == nil:
		return nil, fmt.Errorf("reactor: nil metrics provider")
	case st == nil:
		return nil, fmt.Errorf("reactor: nil store")
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	if act == nil {
		act = NoopActuator{}
	}

	books, err := LoadDir(cfg.PlaybookDir)
	if err != nil {
		return nil, fmt.Errorf("load playbooks: %w", err)
	}

	r := &Reactor{
		config:    cfg,
		playbooks: books,
		actions:   make(map[string]ActionFunc),
		alerts:    make(map[string]*Alert),
		circuits:  circuits,
		provider:  provider,
		st:        st,
		events:    events,
		stop:      make(chan struct{}),
	}
	r.registerBuiltins(act)

	if err := r.restoreAlerts(); err != nil {
		return nil, err
	}

	logging.Reactor("Reactor loaded %d playbooks from %s (dry_run=%v)", len(books), cfg.PlaybookDir, cfg.DryRun)
	return r, nil
}

// RegisterAction adds or replaces an action implementation.
func (r *Reactor) RegisterAction(actionType string, fn ActionFunc) {
	r.mu.Lock()
	r.actions[actionType] = fn
	r.mu.Unlock()
}

func (r *Reactor) registerBuiltins(act Actuator) {
	r.actions["noop"] = func(ctx context.Context, params map[string]any) error { return nil }
	r.actions["reduce_concurrency"] = func(ctx context.Context, params map[string]any) error {
		factor, _ := toFloat(params["factor"])
		if factor <= 0 || factor > 1 {
			factor = 0.5
		}
		return act.ReduceConcurrency(ctx, factor)
	}
	r.actions["clear_cache"] = func(ctx context.Context, params map[string]any) error {
		scope, _ := params["scope"].(string)
		return act.ClearCache(ctx, scope)
	}
	r.actions["kill_process"] = func(ctx context.Context, params map[string]any) error {
		pid, ok := toFloat(params["pid"])
		if !ok || pid <= 0 {
			return fmt.Errorf("kill_process: missing or invalid pid param")
		}
		return act.KillProcess(ctx, int(pid))
	}
	r.actions["restart_worker"] = func(ctx context.Context, params map[string]any) error {
		name, _ := params["name"].(string)
		if name == "" {
			return fmt.Errorf("restart_worker: missing name param")
		}
		return act.RestartWorker(ctx, name)
	}
}

// Start subscribes to every distinct trigger pattern and begins the alert
// timeout sweep.
func (r *Reactor) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("reactor already started")
	}
	r.started = true
	patterns := r.triggerPatternsLocked()
	r.mu.Unlock()

	for _, pattern := range patterns {
		id, err := r.events.Subscribe(pattern, r.handleEvent)
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", pattern, err)
		}
		r.subs = append(r.subs, id)
	}

	if r.config.AlertTimeout > 0 {
		r.wg.Add(1)
		go r.alertSweep()
	}

	if r.config.WatchPlaybooks {
		if err := r.watchPlaybooks(); err != nil {
			return err
		}
	}
	return nil
}

// Stop unsubscribes and halts background loops.
func (r *Reactor) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, id := range subs {
		r.events.Unsubscribe(id)
	}
	close(r.stop)
	r.wg.Wait()
	logging.Reactor("Reactor stopped")
}

func (r *Reactor) triggerPatternsLocked() []string {
	seen := make(map[string]bool)
	var out []string
	for _, pb := range r.playbooks {
		if !seen[pb.Trigger.EventType] {
			seen[pb.Trigger.EventType] = true
			out = append(out, pb.Trigger.EventType)
		}
	}
	return out
}

// GetStats returns current counters.
func (r *Reactor) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Playbooks = len(r.playbooks)
	for _, a := range r.alerts {
		if !a.Resolved && !a.TimedOut {
			s.ActiveAlerts++
		}
	}
	return s
}

// =============================================================================
// EXECUTION PIPELINE
// =============================================================================

func (r *Reactor) handleEvent(e bus.Event) {
	r.mu.Lock()
	var matched []Playbook
	for _, pb := range r.playbooks {
		if pb.matches(e) {
			matched = append(matched, pb)
		}
	}
	r.stats.Matched += len(matched)
	r.mu.Unlock()

	for _, pb := range matched {
		r.execute(pb, e)
	}
}

func (r *Reactor) execute(pb Playbook, e bus.Event) {
	subject := e.Subject
	if subject == "" {
		subject = "system"
	}

	r.touchAlert(pb.ID, subject)

	if !r.circuits.ShouldExecute(subject, pb.ID) {
		r.mu.Lock()
		r.stats.CircuitOpen++
		r.mu.Unlock()
		logging.Reactor("Playbook %s skipped for %s: circuit open", pb.ID, subject)
		r.publish("reactor.circuit_open", bus.SeverityWarning, subject, map[string]any{
			"playbook_id": pb.ID,
			"trigger":     e.Type,
		})
		return
	}

	if err := r.runActions(pb.Actions, pb.ID); err != nil {
		r.finish(pb, subject, e, false, fmt.Sprintf("action failed: %v", err))
		return
	}

	ok, detail := r.validate(pb)
	r.finish(pb, subject, e, ok, detail)
}

// runActions executes a step list in order, stopping at the first failure.
// In dry-run mode each step is logged and skipped.
func (r *Reactor) runActions(steps []ActionDef, playbookID string) error {
	for _, step := range steps {
		r.mu.Lock()
		fn, ok := r.actions[step.Type]
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("unknown action type %q", step.Type)
		}

		if r.config.DryRun {
			logging.Reactor("[dry-run] playbook %s would run %s %v", playbookID, step.Type, step.Params)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.config.ActionTimeout)
		err := fn(ctx, step.Params)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", step.Type, err)
		}
		logging.ReactorDebug("Playbook %s ran action %s", playbookID, step.Type)
	}
	return nil
}

// validate waits the configured delay, then checks the playbook's conditions
// against a fresh metrics sample. No validation block means the actions are
// trusted to have worked.
func (r *Reactor) validate(pb Playbook) (bool, string) {
	if pb.Validation == nil || len(pb.Validation.Check) == 0 {
		return true, ""
	}

	if r.config.ValidationDelay > 0 {
		select {
		case <-time.After(r.config.ValidationDelay):
		case <-r.stop:
			return false, "reactor stopping before validation"
		}
	}

	sample, err := r.provider.Sample()
	if err != nil {
		return false, fmt.Sprintf("metrics sample failed: %v", err)
	}

	fields := map[string]any{
		"cpu_percent":    sample.CPUPercent,
		"memory_percent": sample.MemoryPercent,
		"goroutines":     sample.Goroutines,
	}
	if evalConditions(pb.Validation.Check, fields) {
		return true, ""
	}
	return false, fmt.Sprintf("validation check failed (cpu=%.1f%% mem=%.1f%% goroutines=%d)",
		sample.CPUPercent, sample.MemoryPercent, sample.Goroutines)
}

// finish records the outcome: breaker bookkeeping, alert resolution, rollback
// on failure, and the outcome event. Dry runs publish but never touch the
// breaker or run rollback.
func (r *Reactor) finish(pb Playbook, subject string, e bus.Event, ok bool, detail string) {
	payload := map[string]any{
		"playbook_id": pb.ID,
		"trigger":     e.Type,
		"trigger_id":  e.ID,
	}
	if r.config.DryRun {
		payload["dry_run"] = true
	}

	if ok {
		if !r.config.DryRun {
			r.circuits.RecordSuccess(subject, pb.ID)
			r.resolveAlert(pb.ID, subject)
		}
		r.mu.Lock()
		r.stats.Executed++
		r.mu.Unlock()
		logging.Reactor("Playbook %s succeeded for %s", pb.ID, subject)
		r.publish("reactor.executed", bus.SeverityInfo, subject, payload)
		return
	}

	payload["reason"] = detail
	if !r.config.DryRun {
		r.circuits.RecordFailure(subject, pb.ID)
		if len(pb.Rollback) > 0 {
			if err := r.runActions(pb.Rollback, pb.ID); err != nil {
				// Rollback failure is the worst case here; log loudly but the
				// pipeline must keep running.
				logging.ReactorError("Playbook %s rollback failed for %s: %v", pb.ID, subject, err)
				payload["rollback_failed"] = true
			} else {
				payload["rolled_back"] = true
			}
		}
	}
	r.mu.Lock()
	r.stats.Failed++
	r.mu.Unlock()
	logging.ReactorError("Playbook %s failed for %s: %s", pb.ID, subject, detail)
	r.publish("reactor.failed", bus.SeverityWarning, subject, payload)
}

func (r *Reactor) publish(eventType string, sev bus.Severity, subject string, payload map[string]any) {
	ev := bus.New(eventType, sev, payload)
	ev.Subject = subject
	if err := r.events.Publish(ev); err != nil {
		logging.ReactorError("Failed to publish %s: %v", eventType, err)
	}
}

// =============================================================================
// ALERTS
// =============================================================================

func alertKey(playbookID, subject string) string {
	return alertPrefix + playbookID + "/" + subject
}

// touchAlert creates an alert on first match and bumps hit_count on repeats
// while unresolved.
func (r *Reactor) touchAlert(playbookID, subject string) {
	r.mu.Lock()
	k := alertKey(playbookID, subject)
	a, ok := r.alerts[k]
	if !ok || a.Resolved || a.TimedOut {
		a = &Alert{
			ID:         uuid.NewString(),
			PlaybookID: playbookID,
			Subject:    subject,
			CreatedAt:  time.Now(),
		}
		r.alerts[k] = a
	}
	a.HitCount++
	a.LastHit = time.Now()
	snapshot := *a
	r.mu.Unlock()

	r.persistAlert(snapshot)
}

func (r *Reactor) resolveAlert(playbookID, subject string) {
	r.mu.Lock()
	a, ok := r.alerts[alertKey(playbookID, subject)]
	if !ok || a.Resolved {
		r.mu.Unlock()
		return
	}
	a.Resolved = true
	a.ResolvedAt = time.Now()
	snapshot := *a
	r.mu.Unlock()

	logging.Reactor("Alert resolved: playbook=%s subject=%s hits=%d", playbookID, subject, snapshot.HitCount)
	r.persistAlert(snapshot)
}

func (r *Reactor) persistAlert(a Alert) {
	if r.st == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		logging.ReactorError("Failed to marshal alert %s: %v", a.ID, err)
		return
	}
	if err := r.st.Put(alertKey(a.PlaybookID, a.Subject), data); err != nil {
		logging.ReactorError("Failed to persist alert %s: %v", a.ID, err)
	}
}

// restoreAlerts reloads unresolved alerts so hit counts survive restarts.
func (r *Reactor) restoreAlerts() error {
	if r.st == nil {
		return nil
	}
	kvs, err := r.st.ScanRange(alertPrefix)
	if err != nil {
		return fmt.Errorf("restore alerts: %w", err)
	}
	for _, kv := range kvs {
		var a Alert
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			logging.ReactorError("Skipping malformed alert record %q: %v", kv.Key, err)
			continue
		}
		if a.Resolved || a.TimedOut {
			continue
		}
		r.alerts[alertKey(a.PlaybookID, a.Subject)] = &a
	}
	return nil
}

// alertSweep times out alerts that stay unresolved past the configured age.
func (r *Reactor) alertSweep() {
	defer r.wg.Done()

	interval := r.config.AlertTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepOnce(time.Now())
		}
	}
}

func (r *Reactor) sweepOnce(now time.Time) {
	var expired []Alert
	r.mu.Lock()
	for _, a := range r.alerts {
		if !a.Resolved && !a.TimedOut && now.Sub(a.CreatedAt) >= r.config.AlertTimeout {
			a.TimedOut = true
			expired = append(expired, *a)
		}
	}
	r.mu.Unlock()

	for _, a := range expired {
		logging.Get(logging.CategoryReactor).Warn("Alert timed out: playbook=%s subject=%s hits=%d",
			a.PlaybookID, a.Subject, a.HitCount)
		r.persistAlert(a)
		r.publish("reactor.alert_timeout", bus.SeverityCritical, a.Subject, map[string]any{
			"playbook_id": a.PlaybookID,
			"alert_id":    a.ID,
			"hit_count":   a.HitCount,
		})
	}
}

// Alerts returns a snapshot of all tracked alerts.
func (r *Reactor) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, *a)
	}
	return out
}
