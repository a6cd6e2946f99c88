// Package improve implements the self-improving loop: it watches per-agent
// task outcomes, turns recurring failure patterns into bounded configuration
// proposals, applies them behind quality gates, verifies them over a window
// of live traffic, and rolls back automatically when a change makes things
// worse. Observation never fails the observed work.
package improve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reflex/internal/bus"
	"reflex/internal/fault"
	"reflex/internal/logging"
	"reflex/internal/store"
)

// ExecuteFn is the wrapped unit of agent work.
type ExecuteFn func(ctx context.Context) (any, error)

// EventSink is where lifecycle events are published.
type EventSink interface {
	Publish(bus.Event) error
}

// RegressionRunner replays a fixed task set against a candidate config and
// reports the success rate in percent. The L1 gate compares it against the
// agent's live baseline. Injected so tests and deployments choose their own
// replay corpus.
type RegressionRunner interface {
	Run(ctx context.Context, agentID string, candidate map[string]any) (successRate float64, err error)
}

// Config configures the loop.
type Config struct {
	// WindowSize and FailureThreshold are base values; both scale up for
	// high-frequency agents so noise does not trigger churn.
	WindowSize       int
	FailureThreshold int

	Cooldown time.Duration

	VerificationTasks      int
	MaxSuccessRateDropPct  float64
	MaxLatencyIncreasePct  float64
	MaxConsecutiveFailures int

	SnapshotDir       string
	SnapshotRetention time.Duration

	RegressionTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:             20,
		FailureThreshold:       3,
		Cooldown:               10 * time.Minute,
		VerificationTasks:      10,
		MaxSuccessRateDropPct:  10,
		MaxLatencyIncreasePct:  25,
		MaxConsecutiveFailures: 3,
		SnapshotDir:            ".reflex/snapshots",
		SnapshotRetention:      30 * 24 * time.Hour,
		RegressionTimeout:      60 * time.Second,
	}
}

type outcome struct {
	success   bool
	category  fault.Category
	latencyMs float64
	at        time.Time
}

type agentState struct {
	config map[string]any
	window []outcome

	// EWMA of inter-arrival time, for frequency-adaptive thresholds.
	interArrivalMs float64
	lastAt         time.Time

	cooldownUntil time.Time
	active        *Proposal // applied, inside its verification window
	gating        bool      // a proposal is in the async L1 gate
}

// Stats aggregates loop counters.
type Stats struct {
	Observed   int `json:"observed"`
	Proposed   int `json:"proposed"`
	Applied    int `json:"applied"`
	Confirmed  int `json:"confirmed"`
	RolledBack int `json:"rolled_back"`
	Rejected   int `json:"rejected"`
}

const proposalPrefix = "proposal/"

// Loop is the self-improvement engine. One instance serves all agents.
type Loop struct {
	mu     sync.Mutex
	config Config
	agents map[string]*agentState
	gated  map[string]*Proposal // proposalID -> awaiting approval

	events     EventSink
	st         store.Store
	regression RegressionRunner

	stats Stats
}

// New builds a loop. events and st may be nil (tests); regression may be nil,
// in which case medium and high risk proposals are rejected at the L1 gate.
func New(cfg Config, events EventSink, st store.Store, regression RegressionRunner) *Loop {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.VerificationTasks <= 0 {
		cfg.VerificationTasks = 10
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.RegressionTimeout <= 0 {
		cfg.RegressionTimeout = 60 * time.Second
	}
	return &Loop{
		config:     cfg,
		agents:     make(map[string]*agentState),
		gated:      make(map[string]*Proposal),
		events:     events,
		st:         st,
		regression: regression,
	}
}

// SetAgentConfig seeds an agent's tunable parameters.
func (l *Loop) SetAgentConfig(agentID string, cfg map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.agentLocked(agentID)
	a.config = make(map[string]any, len(cfg))
	for k, v := range cfg {
		a.config[k] = v
	}
}

// AgentConfig returns a copy of the agent's current parameters.
func (l *Loop) AgentConfig(agentID string) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.agentLocked(agentID)
	out := make(map[string]any, len(a.config))
	for k, v := range a.config {
		out[k] = v
	}
	return out
}

// GetStats returns current counters.
func (l *Loop) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// ExecuteWithImprovement runs fn and feeds its outcome into the improvement
// cycle. The caller always gets fn's own result: bookkeeping panics and
// errors are swallowed and logged, never propagated.
func (l *Loop) ExecuteWithImprovement(ctx context.Context, agentID, task string, fn ExecuteFn) (any, error) {
	start := time.Now()
	out, err := fn(ctx)
	latency := time.Since(start)

	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Get(logging.CategoryImprove).Error(
					"Improvement bookkeeping panicked for agent %s: %v", agentID, r)
			}
		}()
		l.observe(agentID, task, err, latency)
	}()

	return out, err
}

// observe records one outcome and drives the cycle forward.
func (l *Loop) observe(agentID, task string, err error, latency time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.agentLocked(agentID)
	now := time.Now()
	l.stats.Observed++

	if !a.lastAt.IsZero() {
		gapMs := float64(now.Sub(a.lastAt).Milliseconds())
		if a.interArrivalMs == 0 {
			a.interArrivalMs = gapMs
		} else {
			a.interArrivalMs = 0.7*a.interArrivalMs + 0.3*gapMs
		}
	}
	a.lastAt = now

	o := outcome{
		success:   err == nil,
		latencyMs: float64(latency.Microseconds()) / 1000,
		at:        now,
	}
	if err != nil {
		o.category = fault.Categorize(err)
		logging.ImproveDebug("Agent %s task %q failed (%s): %v", agentID, task, o.category, err)
	}

	a.window = append(a.window, o)
	if max := l.windowSizeLocked(a); len(a.window) > max {
		a.window = a.window[len(a.window)-max:]
	}

	if a.active != nil {
		l.verifyLocked(a, o)
		return
	}
	if a.gating || now.Before(a.cooldownUntil) {
		return
	}

	failures := 0
	for _, w := range a.window {
		if !w.success {
			failures++
		}
	}
	if failures >= l.thresholdLocked(a) {
		l.analyzeLocked(a, agentID)
	}
}

// windowSizeLocked and thresholdLocked scale with observed frequency: agents
// running more than about one task per second get double the window and
// threshold so transient bursts do not trigger churn.
func (l *Loop) windowSizeLocked(a *agentState) int {
	if a.interArrivalMs > 0 && a.interArrivalMs < 1000 {
		return l.config.WindowSize * 2
	}
	return l.config.WindowSize
}

func (l *Loop) thresholdLocked(a *agentState) int {
	if a.interArrivalMs > 0 && a.interArrivalMs < 1000 {
		return l.config.FailureThreshold * 2
	}
	return l.config.FailureThreshold
}

func (l *Loop) agentLocked(agentID string) *agentState {
	a, ok := l.agents[agentID]
	if !ok {
		a = &agentState{config: defaultAgentConfig()}
		l.agents[agentID] = a
	}
	return a
}

// =============================================================================
// PROPOSAL PIPELINE
// =============================================================================

// analyzeLocked inspects the failure window and raises a proposal when the
// rule table has a remediation for the dominant category. Caller holds mu.
func (l *Loop) analyzeLocked(a *agentState, agentID string) {
	counts := make(map[fault.Category]int)
	for _, o := range a.window {
		if !o.success {
			counts[o.category]++
		}
	}
	var dominant fault.Category
	best := 0
	for cat, n := range counts {
		if n > best {
			dominant, best = cat, n
		}
	}

	diff, desc := ruleFor(dominant, a.config)
	if diff == nil {
		logging.ImproveDebug("Agent %s: no rule for dominant failure category %s", agentID, dominant)
		return
	}

	p := &Proposal{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Category:    dominant,
		Kind:        KindConfig,
		Risk:        riskOf(KindConfig),
		Diff:        diff,
		Description: desc,
		State:       StateProposed,
		CreatedAt:   time.Now(),
	}
	l.admitLocked(a, p)
}

// SubmitProposal routes an externally authored proposal through the same
// gate pipeline as rule-table proposals. Returns the proposal ID.
func (l *Loop) SubmitProposal(agentID string, kind ChangeKind, category fault.Category, diff map[string]any, desc string) (string, error) {
	if kind != KindConfig && kind != KindPrompt && kind != KindCode {
		return "", fmt.Errorf("unknown change kind %q", kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.agentLocked(agentID)
	if a.active != nil || a.gating {
		return "", fmt.Errorf("agent %s already has a proposal in flight", agentID)
	}

	p := &Proposal{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Category:    category,
		Kind:        kind,
		Risk:        riskOf(kind),
		Diff:        diff,
		Description: desc,
		State:       StateProposed,
		CreatedAt:   time.Now(),
	}
	l.admitLocked(a, p)
	return p.ID, nil
}

// admitLocked records a fresh proposal and runs it through the gates.
// Caller holds mu.
func (l *Loop) admitLocked(a *agentState, p *Proposal) {
	l.stats.Proposed++
	l.persistLocked(p)
	logging.Improve("Proposal %s for agent %s: %s (risk=%s)", p.ID, p.AgentID, p.Description, p.Risk)
	l.publish("improve.proposed", bus.SeverityInfo, p)

	// L0: sanity, all risk levels.
	if err := sanityCheck(p.Diff); err != nil {
		l.rejectLocked(a, p, fmt.Sprintf("sanity gate: %v", err))
		return
	}

	if p.Risk == RiskLow {
		l.applyLocked(a, p)
		return
	}

	// L1 runs off the lock: regression replay can take a while and must not
	// stall bookkeeping for every other agent.
	a.gating = true
	baseline := successRate(a.window)
	candidate := make(map[string]any, len(a.config)+len(p.Diff))
	for k, v := range a.config {
		candidate[k] = v
	}
	for k, v := range p.Diff {
		candidate[k] = v
	}
	go l.runRegressionGate(p, candidate, baseline)
}

// runRegressionGate is the L1 gate: candidate config must not reduce the
// replay success rate below the live baseline. High risk proposals that pass
// park in gated until Approve.
func (l *Loop) runRegressionGate(p *Proposal, candidate map[string]any, baseline float64) {
	var rate float64
	var err error
	if l.regression == nil {
		err = fmt.Errorf("no regression runner configured")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), l.config.RegressionTimeout)
		rate, err = l.regression.Run(ctx, p.AgentID, candidate)
		cancel()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.agentLocked(p.AgentID)
	a.gating = false

	if err != nil {
		l.rejectLocked(a, p, fmt.Sprintf("regression gate: %v", err))
		return
	}
	if rate < baseline {
		l.rejectLocked(a, p, fmt.Sprintf("regression gate: success rate %.1f%% below baseline %.1f%%", rate, baseline))
		return
	}

	if p.Risk == RiskHigh {
		// L2: hold for external approval.
		p.State = StateGated
		l.gated[p.ID] = p
		l.persistLocked(p)
		logging.Improve("Proposal %s passed regression, awaiting approval", p.ID)
		return
	}
	l.applyLocked(a, p)
}

// Approve releases a high risk proposal held at the L2 gate.
func (l *Loop) Approve(proposalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.gated[proposalID]
	if !ok {
		return fmt.Errorf("no proposal %s awaiting approval", proposalID)
	}
	delete(l.gated, proposalID)

	a := l.agentLocked(p.AgentID)
	if a.active != nil {
		return fmt.Errorf("agent %s already has an applied proposal in verification", p.AgentID)
	}
	l.applyLocked(a, p)
	return nil
}

// applyLocked snapshots the current config, applies the diff, and opens the
// verification window. Caller holds mu.
func (l *Loop) applyLocked(a *agentState, p *Proposal) {
	snapID, err := l.takeSnapshot(p.AgentID, a.config)
	if err != nil {
		l.rejectLocked(a, p, fmt.Sprintf("snapshot failed: %v", err))
		return
	}

	for k, v := range p.Diff {
		a.config[k] = v
	}

	p.SnapshotID = snapID
	p.State = StateApplied
	p.AppliedAt = time.Now()
	p.BaselineSuccessRate = successRate(a.window)
	p.BaselineAvgLatency = avgLatency(a.window)

	a.active = p
	a.cooldownUntil = time.Now().Add(l.config.Cooldown)

	l.stats.Applied++
	l.persistLocked(p)
	logging.Improve("Proposal %s applied to agent %s (baseline rate=%.1f%% latency=%.1fms)",
		p.ID, p.AgentID, p.BaselineSuccessRate, p.BaselineAvgLatency)
	l.publish("improve.applied", bus.SeverityInfo, p)

	l.pruneSnapshots()
}

// verifyLocked feeds one post-apply outcome into the verification window.
// Caller holds mu.
func (l *Loop) verifyLocked(a *agentState, o outcome) {
	p := a.active
	p.VerifyTotal++
	p.VerifyLatencySumMs += o.latencyMs
	if o.success {
		p.VerifySuccesses++
		p.VerifyConsecFails = 0
	} else {
		p.VerifyConsecFails++
	}

	if p.VerifyConsecFails >= l.config.MaxConsecutiveFailures {
		l.rollbackLocked(a, p, fmt.Sprintf("%d consecutive failures after apply", p.VerifyConsecFails))
		return
	}
	if p.VerifyTotal < l.config.VerificationTasks {
		return
	}

	rate := 100 * float64(p.VerifySuccesses) / float64(p.VerifyTotal)
	drop := p.BaselineSuccessRate - rate
	avgLat := p.VerifyLatencySumMs / float64(p.VerifyTotal)
	latIncrease := 0.0
	if p.BaselineAvgLatency > 0 {
		latIncrease = 100 * (avgLat - p.BaselineAvgLatency) / p.BaselineAvgLatency
	}

	switch {
	case drop > l.config.MaxSuccessRateDropPct:
		l.rollbackLocked(a, p, fmt.Sprintf("success rate dropped %.1f points (%.1f%% -> %.1f%%)",
			drop, p.BaselineSuccessRate, rate))
	case latIncrease > l.config.MaxLatencyIncreasePct:
		l.rollbackLocked(a, p, fmt.Sprintf("latency up %.1f%% (%.1fms -> %.1fms)",
			latIncrease, p.BaselineAvgLatency, avgLat))
	default:
		p.State = StateConfirmed
		p.ResolvedAt = time.Now()
		a.active = nil
		l.stats.Confirmed++
		l.persistLocked(p)
		logging.Improve("Proposal %s confirmed for agent %s (rate=%.1f%%)", p.ID, p.AgentID, rate)
		l.publish("improve.confirmed", bus.SeverityInfo, p)
	}
}

// rollbackLocked restores the pre-apply snapshot exactly. Caller holds mu.
func (l *Loop) rollbackLocked(a *agentState, p *Proposal, reason string) {
	snap, err := l.loadSnapshot(p.SnapshotID)
	if err != nil {
		// The snapshot file is gone: leave the config as is but still close
		// out the proposal so the agent is not stuck in verification forever.
		logging.Get(logging.CategoryImprove).Error(
			"Rollback of proposal %s cannot load snapshot %s: %v", p.ID, p.SnapshotID, err)
	} else {
		var restored map[string]any
		if err := json.Unmarshal(snap.Config, &restored); err != nil {
			logging.Get(logging.CategoryImprove).Error(
				"Rollback of proposal %s cannot parse snapshot %s: %v", p.ID, p.SnapshotID, err)
		} else {
			a.config = restored
		}
	}

	p.State = StateRolledBack
	p.Detail = reason
	p.ResolvedAt = time.Now()
	a.active = nil
	l.stats.RolledBack++
	l.persistLocked(p)
	logging.Improve("Proposal %s rolled back for agent %s: %s", p.ID, p.AgentID, reason)
	l.publish("improve.rolled_back", bus.SeverityWarning, p)
}

// rejectLocked closes a proposal that failed a gate. The agent still enters
// cooldown: the failure window that raised the proposal is unchanged, and
// re-proposing on every subsequent outcome would be a storm. Caller holds mu.
func (l *Loop) rejectLocked(a *agentState, p *Proposal, reason string) {
	p.State = StateRejected
	p.Detail = reason
	p.ResolvedAt = time.Now()
	a.cooldownUntil = time.Now().Add(l.config.Cooldown)
	l.stats.Rejected++
	l.persistLocked(p)
	logging.Improve("Proposal %s rejected for agent %s: %s", p.ID, p.AgentID, reason)
	l.publish("improve.rejected", bus.SeverityInfo, p)
}

// History returns all persisted proposals for an agent, oldest first.
func (l *Loop) History(agentID string) ([]Proposal, error) {
	if l.st == nil {
		return nil, nil
	}
	kvs, err := l.st.ScanRange(proposalPrefix + agentID + "/")
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(kvs))
	for _, kv := range kvs {
		var p Proposal
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			logging.ImproveDebug("Skipping malformed proposal record %q: %v", kv.Key, err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *Loop) persistLocked(p *Proposal) {
	if l.st == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		logging.ImproveDebug("Failed to marshal proposal %s: %v", p.ID, err)
		return
	}
	if err := l.st.Put(proposalPrefix+p.AgentID+"/"+p.ID, data); err != nil {
		logging.ImproveDebug("Failed to persist proposal %s: %v", p.ID, err)
	}
}

func (l *Loop) publish(eventType string, sev bus.Severity, p *Proposal) {
	if l.events == nil {
		return
	}
	e := bus.New(eventType, sev, map[string]any{
		"proposal_id": p.ID,
		"agent_id":    p.AgentID,
		"category":    string(p.Category),
		"risk":        string(p.Risk),
		"state":       string(p.State),
		"description": p.Description,
	})
	e.Subject = p.AgentID
	if err := l.events.Publish(e); err != nil {
		logging.ImproveDebug("Failed to publish %s: %v", eventType, err)
	}
}

func successRate(window []outcome) float64 {
	if len(window) == 0 {
		return 100
	}
	ok := 0
	for _, o := range window {
		if o.success {
			ok++
		}
	}
	return 100 * float64(ok) / float64(len(window))
}

func avgLatency(window []outcome) float64 {
	if len(window) == 0 {
		return 0
	}
	sum := 0.0
	for _, o := range window {
		sum += o.latencyMs
	}
	return sum / float64(len(window))
}
