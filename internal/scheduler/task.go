// Package scheduler implements the reflex task scheduler: a priority-aware
// queue with pluggable ordering policies, dependency gating, bounded worker
// concurrency, per-task timeouts, and retry with exponential backoff.
package scheduler

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a task. Transitions only move forward:
//
//	pending -> queued -> running -> {completed | failed | cancelled | timeout}
//
// with the single exception that a retryable failure moves a task back to
// queued until its retry budget is exhausted.
type State string

const (
	StatePending   State = "pending" // Dependencies unmet
	StateQueued    State = "queued"  // Ready, waiting for a worker slot
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Priority is the declared scheduling tier. Lower value = more urgent.
type Priority int

const (
	P0 Priority = iota // Critical
	P1                 // High
	P2                 // Normal
	P3                 // Background
)

func (p Priority) String() string {
	if p < P0 || p > P3 {
		return fmt.Sprintf("P?(%d)", int(p))
	}
	return fmt.Sprintf("P%d", int(p))
}

// Reason codes for terminal failures (structured, never raw stack traces).
const (
	ReasonTimeout          = "timeout"
	ReasonMaxRetries       = "max_retries"
	ReasonCancelled        = "cancelled"
	ReasonDependencyFailed = "dependency_failed"
	ReasonPermanent        = "permanent_failure"
)

// Spec describes a task at submission time.
type Spec struct {
	// Type is the task class, used by the round-robin policy and by
	// frequency tracking. Required.
	Type string

	Priority Priority
	Payload  map[string]any

	// Deadline for EDF ordering; nil means no deadline (sorts last).
	Deadline *time.Time

	// EstimatedDuration is the SJF ordering key; zero sorts first.
	EstimatedDuration time.Duration

	// Dependencies must all reach completed before this task runs.
	Dependencies []string

	// Timeout bounds one execution attempt; zero uses the scheduler default.
	Timeout time.Duration

	RetryOnFailure bool
	MaxRetries     int
}

// Task is a unit of schedulable work. The scheduler exclusively owns State;
// callers observe it through Status.
type Task struct {
	ID string
	Spec

	State     State
	Retries   int
	LastError string
	Reason    string

	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time

	Output any

	// seq is the submission sequence number; every policy breaks ties on it
	// so ordering stays deterministic.
	seq uint64
}

// Status is the caller-visible view of a task.
type Status struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	State     State     `json:"state"`
	Retries   int       `json:"retries"`
	LastError string    `json:"last_error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Submitted time.Time `json:"submitted_at"`
	Finished  time.Time `json:"finished_at,omitzero"`
}

// Stats aggregates scheduler counters.
type Stats struct {
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Timeout   int `json:"timeout"`
}
