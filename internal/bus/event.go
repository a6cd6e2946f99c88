// Package bus implements the reflex event bus: a typed publish/subscribe hub
// with trailing-wildcard subscriptions, per-subscriber ordering, handler
// isolation, and an optional durable append-only log with replay.
package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the closed set of event namespaces. The first segment of an
// event type must name one of these; malformed events are rejected at
// publish time instead of silently flowing through string matching.
type Category string

const (
	CategoryTask     Category = "task"     // Scheduler lifecycle: task.started, task.completed, ...
	CategoryResource Category = "resource" // Resource alerts: resource.high, resource.exhausted
	CategoryReactor  Category = "reactor"  // Remediation outcomes: reactor.executed, reactor.failed
	CategoryBreaker  Category = "breaker"  // Circuit transitions: breaker.opened, breaker.closed
	CategoryImprove  Category = "improve"  // Improvement proposals: improve.proposed, improve.applied
	CategorySystem   Category = "system"   // Process-level events: system.started, system.stopping
)

var knownCategories = map[Category]bool{
	CategoryTask:     true,
	CategoryResource: true,
	CategoryReactor:  true,
	CategoryBreaker:  true,
	CategoryImprove:  true,
	CategorySystem:   true,
}

// Severity classifies how urgent an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is an immutable fact published on the bus. Events are never mutated
// after publish; the log only archives and rotates, never deletes.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"` // dotted namespace, e.g. "resource.high"
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`

	// Subject names the entity the event is about (agent ID, worker name).
	// The reactor uses it as the circuit breaker subject.
	Subject string `json:"subject,omitempty"`
}

// Category returns the namespace segment of the event type.
func (e Event) Category() Category {
	if i := strings.IndexByte(e.Type, '.'); i > 0 {
		return Category(e.Type[:i])
	}
	return Category(e.Type)
}

// Validate checks the event against the closed category set.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type must not be empty")
	}
	if !knownCategories[e.Category()] {
		return fmt.Errorf("unknown event category %q in type %q", e.Category(), e.Type)
	}
	return nil
}

// New builds an event with a fresh ID and timestamp.
func New(eventType string, severity Severity, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Severity:  severity,
		Payload:   payload,
	}
}

// MatchesPattern reports whether eventType matches a subscription pattern.
// Patterns are either an exact type ("resource.high"), a trailing wildcard
// over one namespace ("resource.*"), or "*" for everything.
func MatchesPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, suffix+".")
	}
	return pattern == eventType
}
