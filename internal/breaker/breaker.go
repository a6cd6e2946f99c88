// Package breaker implements per-(subject, action) circuit breaking for
// reflex. A breaker entry tracks consecutive failures inside a rolling
// window, opens after the class threshold, and allows exactly one trial
// call after the cooldown elapses (half-open).
package breaker

import (
	"fmt"
	"sync"
	"time"

	"reflex/internal/logging"
)

// State is the circuit state for one (subject, action) pair.
type State string

const (
	// StateClosed - normal operation, calls allowed.
	StateClosed State = "closed"
	// StateOpen - failing, calls rejected until cooldown elapses.
	StateOpen State = "open"
	// StateHalfOpen - exactly one trial call allowed to probe recovery.
	StateHalfOpen State = "half_open"
)

// Class holds breaker parameters for one subject class. High-frequency
// subjects tolerate more failures with a shorter cooldown so noise does not
// trip them; low-frequency or critical subjects trip early and rest longer.
type Class struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
}

// Config configures the registry.
type Config struct {
	Default Class

	// HighFrequency applies to pairs observed above RateThresholdPerMin.
	HighFrequency       Class
	RateThresholdPerMin float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Default: Class{
			FailureThreshold: 3,
			FailureWindow:    5 * time.Minute,
			Cooldown:         60 * time.Second,
		},
		HighFrequency: Class{
			FailureThreshold: 8,
			FailureWindow:    2 * time.Minute,
			Cooldown:         15 * time.Second,
		},
		RateThresholdPerMin: 10,
	}
}

// entry is the failure-tracking state for one (subject, action) pair.
type entry struct {
	Subject       string    `json:"subject"`
	Action        string    `json:"action"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	WindowStart   time.Time `json:"window_start"`
	OpenedAt      time.Time `json:"opened_at"`
	Cooldown      time.Duration `json:"cooldown_ns"`

	// trialInFlight marks that the single half-open probe has been handed out.
	trialInFlight bool

	// Frequency tracking for adaptive class selection: EWMA of calls/min.
	lastSeen time.Time
	ratePerMin float64

	totalSuccesses uint64
	totalFailures  uint64
}

// Registry tracks breaker entries for all pairs. Entries are created lazily
// on first record; an unknown pair is closed by definition.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	config  Config
	clock   func() time.Time

	onTransition func(subject, action string, from, to State)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Default.FailureThreshold <= 0 {
		cfg.Default = DefaultConfig().Default
	}
	if cfg.HighFrequency.FailureThreshold <= 0 {
		cfg.HighFrequency = DefaultConfig().HighFrequency
	}
	if cfg.RateThresholdPerMin <= 0 {
		cfg.RateThresholdPerMin = DefaultConfig().RateThresholdPerMin
	}
	return &Registry{
		entries: make(map[string]*entry),
		config:  cfg,
		clock:   time.Now,
	}
}

// OnTransition registers a callback invoked after any state change.
// The callback runs outside the registry lock.
func (r *Registry) OnTransition(fn func(subject, action string, from, to State)) {
	r.mu.Lock()
	r.onTransition = fn
	r.mu.Unlock()
}

// SetClock overrides the time source (tests only).
func (r *Registry) SetClock(fn func() time.Time) {
	r.mu.Lock()
	r.clock = fn
	r.mu.Unlock()
}

func key(subject, action string) string { return subject + "\x00" + action }

// ShouldExecute reports whether a call for (subject, action) may proceed.
// O(1), never panics. Unknown pairs default to closed (allowed). In the
// half-open state exactly one caller receives true until the trial outcome
// is recorded.
func (r *Registry) ShouldExecute(subject, action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key(subject, action)]
	if !ok {
		return true
	}

	now := r.clock()
	switch e.State {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(e.OpenedAt) >= e.Cooldown {
			r.transition(e, StateHalfOpen)
			e.trialInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if e.trialInFlight {
			return false
		}
		e.trialInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call for (subject, action).
func (r *Registry) RecordSuccess(subject, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(subject, action)
	e.totalSuccesses++
	r.observe(e)

	switch e.State {
	case StateHalfOpen:
		// One success closes the circuit.
		e.trialInFlight = false
		e.FailureCount = 0
		r.transition(e, StateClosed)
	case StateClosed:
		e.FailureCount = 0
	}
}

// RecordFailure records a failed call for (subject, action). N consecutive
// failures within the class window open the circuit; any failure during a
// half-open trial reopens it and resets the cooldown timer.
func (r *Registry) RecordFailure(subject, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(subject, action)
	e.totalFailures++
	r.observe(e)

	now := r.clock()
	class := r.classFor(e)

	switch e.State {
	case StateClosed:
		// Consecutive failures only count inside the window.
		if e.FailureCount == 0 || now.Sub(e.WindowStart) > class.FailureWindow {
			e.WindowStart = now
			e.FailureCount = 0
		}
		e.FailureCount++
		if e.FailureCount >= class.FailureThreshold {
			e.OpenedAt = now
			e.Cooldown = class.Cooldown
			r.transition(e, StateOpen)
		}
	case StateHalfOpen:
		e.trialInFlight = false
		e.OpenedAt = now
		e.Cooldown = class.Cooldown
		r.transition(e, StateOpen)
	case StateOpen:
		// Already open; failures while rejected just refresh bookkeeping.
	}
}

// get returns the entry for a pair, creating it lazily.
// Caller holds mu.
func (r *Registry) get(subject, action string) *entry {
	k := key(subject, action)
	e, ok := r.entries[k]
	if !ok {
		// lastSeen stays zero until the first record lands: the rate EWMA
		// must only ever be fed real inter-arrival gaps, never the
		// nanoseconds between entry creation and the first observation.
		e = &entry{
			Subject:  subject,
			Action:   action,
			State:    StateClosed,
			Cooldown: r.config.Default.Cooldown,
		}
		r.entries[k] = e
		logging.BreakerDebug("Created breaker entry for (%s, %s)", subject, action)
	}
	return e
}

// observe updates the call-rate EWMA used for adaptive class selection.
// Caller holds mu.
func (r *Registry) observe(e *entry) {
	now := r.clock()
	if !e.lastSeen.IsZero() {
		gap := now.Sub(e.lastSeen)
		if gap > 0 {
			instant := float64(time.Minute) / float64(gap)
			// EWMA with alpha 0.3 keeps the estimate stable but responsive.
			e.ratePerMin = 0.7*e.ratePerMin + 0.3*instant
		}
	}
	e.lastSeen = now
}

// classFor selects parameters by observed frequency. Caller holds mu.
func (r *Registry) classFor(e *entry) Class {
	if e.ratePerMin >= r.config.RateThresholdPerMin {
		return r.config.HighFrequency
	}
	return r.config.Default
}

// transition changes state and fires the callback. Caller holds mu.
func (r *Registry) transition(e *entry, to State) {
	from := e.State
	if from == to {
		return
	}
	e.State = to
	logging.Breaker("Circuit (%s, %s): %s -> %s (failures=%d)",
		e.Subject, e.Action, from, to, e.FailureCount)

	if r.onTransition != nil {
		fn := r.onTransition
		subject, action := e.Subject, e.Action
		go fn(subject, action, from, to)
	}
}

// PairStats is the externally visible state of one pair.
type PairStats struct {
	Subject        string `json:"subject"`
	Action         string `json:"action"`
	State          State  `json:"state"`
	FailureCount   int    `json:"failure_count"`
	TotalSuccesses uint64 `json:"total_successes"`
	TotalFailures  uint64 `json:"total_failures"`
	RatePerMin     float64 `json:"rate_per_min"`
}

// Stats returns a snapshot of every tracked pair.
func (r *Registry) Stats() []PairStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PairStats, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, PairStats{
			Subject:        e.Subject,
			Action:         e.Action,
			State:          e.State,
			FailureCount:   e.FailureCount,
			TotalSuccesses: e.totalSuccesses,
			TotalFailures:  e.totalFailures,
			RatePerMin:     e.ratePerMin,
		})
	}
	return out
}

// Reset forces a pair back to closed (operator escape hatch).
func (r *Registry) Reset(subject, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key(subject, action)]; ok {
		e.FailureCount = 0
		e.trialInFlight = false
		r.transition(e, StateClosed)
	}
}

// String implements fmt.Stringer for State.
func (s State) String() string { return string(s) }

var _ fmt.Stringer = StateClosed
