// Package main implements the reflex CLI commands.
// This file contains task submission.
package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"reflex/internal/store"
)

const (
	queuePrefix = "queue/"
	taskPrefix  = "task/"
)

// queuedSpec is a submitted task waiting for the next heartbeat. Submission
// and execution are separate invocations, so the queue lives in the store.
type queuedSpec struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Priority          int            `json:"priority"`
	Payload           map[string]any `json:"payload,omitempty"`
	Deadline          *time.Time     `json:"deadline,omitempty"`
	EstimatedDuration string         `json:"estimated_duration,omitempty"`
	Dependencies      []string       `json:"dependencies,omitempty"`
	Timeout           string         `json:"timeout,omitempty"`
	RetryOnFailure    bool           `json:"retry_on_failure,omitempty"`
	MaxRetries        int            `json:"max_retries,omitempty"`
	SubmittedAt       time.Time      `json:"submitted_at"`
}

var (
	submitType     string
	submitPriority int
	submitPayload  string
	submitDeadline string
	submitEstimate string
	submitDeps     string
	submitTimeout  string
	submitRetry    bool
	submitRetries  int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a task for the next heartbeat",
	Long: `Queues a task specification. Tasks run when "reflex heartbeat" next
drains the queue.

Example:
  reflex submit --type build --priority 1 --payload '{"command": "make test"}'
  reflex submit --type backup --deps <task-id> --timeout 5m --retry`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitType, "type", "", "task type / agent class (required)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 2, "priority tier 0 (critical) to 3 (background)")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "JSON payload")
	submitCmd.Flags().StringVar(&submitDeadline, "deadline", "", "RFC3339 deadline for EDF scheduling")
	submitCmd.Flags().StringVar(&submitEstimate, "estimate", "", "estimated duration for SJF scheduling, e.g. 30s")
	submitCmd.Flags().StringVar(&submitDeps, "deps", "", "comma-separated IDs of queued tasks this one depends on")
	submitCmd.Flags().StringVar(&submitTimeout, "timeout", "", "per-attempt timeout, e.g. 2m")
	submitCmd.Flags().BoolVar(&submitRetry, "retry", false, "retry transient failures with backoff")
	submitCmd.Flags().IntVar(&submitRetries, "max-retries", 0, "retry budget (0 = scheduler default)")
	_ = submitCmd.MarkFlagRequired("type")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	spec := queuedSpec{
		ID:                uuid.NewString(),
		Type:              submitType,
		Priority:          submitPriority,
		EstimatedDuration: submitEstimate,
		Timeout:           submitTimeout,
		RetryOnFailure:    submitRetry,
		MaxRetries:        submitRetries,
		SubmittedAt:       time.Now(),
	}
	if submitPriority < 0 || submitPriority > 3 {
		return fmt.Errorf("priority must be 0..3, got %d", submitPriority)
	}
	if submitPayload != "" {
		if err := json.Unmarshal([]byte(submitPayload), &spec.Payload); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
	}
	if submitDeadline != "" {
		d, err := time.Parse(time.RFC3339, submitDeadline)
		if err != nil {
			return fmt.Errorf("invalid deadline: %w", err)
		}
		spec.Deadline = &d
	}
	if submitDeps != "" {
		for _, dep := range strings.Split(submitDeps, ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				spec.Dependencies = append(spec.Dependencies, dep)
			}
		}
	}

	st, err := store.Open(resolvePath(cfg.Store.DatabasePath))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Dependencies must reference something we can still run.
	for _, dep := range spec.Dependencies {
		if _, err := st.Get(queuePrefix + dep); err != nil {
			return fmt.Errorf("dependency %s is not in the queue", dep)
		}
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	if err := st.Put(queuePrefix+spec.ID, data); err != nil {
		return fmt.Errorf("queue task: %w", err)
	}

	fmt.Println(spec.ID)
	return nil
}
