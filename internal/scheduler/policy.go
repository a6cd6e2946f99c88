package scheduler

import "fmt"

// Policy selects the next task to dispatch from the ready queue. Exactly one
// policy is active at a time; swapping is a configuration operation, never
// per-task. Pick returns the index into ready of the chosen task; ready is
// always non-empty and ordered by submission sequence, so index 0 is the
// correct FIFO tie-break.
type Policy interface {
	Name() string
	Pick(ready []*Task) int
}

// NewPolicy constructs a policy by config name.
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "fifo":
		return fifoPolicy{}, nil
	case "sjf":
		return sjfPolicy{}, nil
	case "priority":
		return priorityPolicy{}, nil
	case "edf":
		return edfPolicy{}, nil
	case "round_robin":
		return &roundRobinPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduling policy %q", name)
	}
}

// fifoPolicy dispatches in insertion order.
type fifoPolicy struct{}

func (fifoPolicy) Name() string          { return "fifo" }
func (fifoPolicy) Pick(ready []*Task) int { return 0 }

// sjfPolicy dispatches the shortest estimated duration first.
type sjfPolicy struct{}

func (sjfPolicy) Name() string { return "sjf" }

func (sjfPolicy) Pick(ready []*Task) int {
	best := 0
	for i, t := range ready[1:] {
		if t.EstimatedDuration < ready[best].EstimatedDuration {
			best = i + 1
		}
	}
	return best
}

// priorityPolicy dispatches by declared tier, P0 first.
type priorityPolicy struct{}

func (priorityPolicy) Name() string { return "priority" }

func (priorityPolicy) Pick(ready []*Task) int {
	best := 0
	for i, t := range ready[1:] {
		if t.Priority < ready[best].Priority {
			best = i + 1
		}
	}
	return best
}

// edfPolicy dispatches the earliest deadline first; tasks without a deadline
// sort after all tasks that have one.
type edfPolicy struct{}

func (edfPolicy) Name() string { return "edf" }

func (edfPolicy) Pick(ready []*Task) int {
	best := 0
	for i, t := range ready[1:] {
		cur := ready[best]
		switch {
		case t.Deadline == nil:
		case cur.Deadline == nil:
			best = i + 1
		case t.Deadline.Before(*cur.Deadline):
			best = i + 1
		}
	}
	return best
}

// roundRobinPolicy cycles among task type classes so no class starves. It
// remembers the class it served last and prefers the next distinct class in
// submission order.
type roundRobinPolicy struct {
	lastType string
}

func (*roundRobinPolicy) Name() string { return "round_robin" }

func (p *roundRobinPolicy) Pick(ready []*Task) int {
	// Prefer the oldest task whose type differs from the one served last.
	for i, t := range ready {
		if t.Type != p.lastType {
			p.lastType = t.Type
			return i
		}
	}
	// Single class present: plain FIFO.
	p.lastType = ready[0].Type
	return 0
}
