// Package main implements the reflex CLI commands.
// This file contains inspection commands: tasks and status.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reflex/internal/scheduler"
	"reflex/internal/store"
)

// taskRecord is the persisted outcome of one heartbeat-executed task.
type taskRecord struct {
	ID          string    `json:"id"` // queue ID, stable across submit and run
	SchedulerID string    `json:"scheduler_id"`
	Type        string    `json:"type"`
	State       string    `json:"state"`
	Retries     int       `json:"retries"`
	Reason      string    `json:"reason,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

var tasksStatus string

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List queued and executed tasks",
	RunE:  runTasks,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show core state: task counts, breakers, alerts, proposals",
	RunE:  runStatus,
}

func init() {
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by state (pending, completed, failed, ...)")
}

func runTasks(cmd *cobra.Command, args []string) error {
	st, err := store.Open(resolvePath(cfg.Store.DatabasePath))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tTYPE\tSTATE\tRETRIES\tREASON\tSUBMITTED")

	if tasksStatus == "" || tasksStatus == string(scheduler.StatePending) {
		queued, err := st.ScanRange(queuePrefix)
		if err != nil {
			return err
		}
		for _, kv := range queued {
			var spec queuedSpec
			if json.Unmarshal(kv.Value, &spec) != nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\tpending\t-\t-\t%s\n",
				spec.ID, spec.Type, spec.SubmittedAt.Format(time.RFC3339))
		}
	}

	records, err := st.ScanRange(taskPrefix)
	if err != nil {
		return err
	}
	for _, kv := range records {
		var rec taskRecord
		if json.Unmarshal(kv.Value, &rec) != nil {
			continue
		}
		if tasksStatus != "" && rec.State != tasksStatus {
			continue
		}
		reason := rec.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.Type, rec.State, rec.Retries, reason, rec.SubmittedAt.Format(time.RFC3339))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := store.Open(resolvePath(cfg.Store.DatabasePath))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	queued, err := st.ScanRange(queuePrefix)
	if err != nil {
		return err
	}
	records, err := st.ScanRange(taskPrefix)
	if err != nil {
		return err
	}
	byState := map[string]int{}
	for _, kv := range records {
		var rec taskRecord
		if json.Unmarshal(kv.Value, &rec) == nil {
			byState[rec.State]++
		}
	}

	fmt.Printf("reflex %s (workspace %s)\n\n", cfg.Version, cfg.Workspace)
	fmt.Printf("Tasks: %d queued", len(queued))
	for _, state := range []string{"completed", "failed", "timeout", "cancelled"} {
		if n := byState[state]; n > 0 {
			fmt.Printf(", %d %s", n, state)
		}
	}
	fmt.Println()

	breakers, err := st.ScanRange("breaker/")
	if err != nil {
		return err
	}
	open := 0
	for _, kv := range breakers {
		var rec struct {
			State string `json:"state"`
		}
		if json.Unmarshal(kv.Value, &rec) == nil && rec.State != "closed" {
			open++
		}
	}
	fmt.Printf("Breakers: %d tracked, %d not closed\n", len(breakers), open)

	alerts, err := st.ScanRange("alert/")
	if err != nil {
		return err
	}
	active := 0
	for _, kv := range alerts {
		var rec struct {
			Resolved bool `json:"resolved"`
			TimedOut bool `json:"timed_out"`
		}
		if json.Unmarshal(kv.Value, &rec) == nil && !rec.Resolved && !rec.TimedOut {
			active++
		}
	}
	fmt.Printf("Alerts: %d total, %d active\n", len(alerts), active)

	proposals, err := st.ScanRange("proposal/")
	if err != nil {
		return err
	}
	byProposalState := map[string]int{}
	for _, kv := range proposals {
		var rec struct {
			State string `json:"state"`
		}
		if json.Unmarshal(kv.Value, &rec) == nil {
			byProposalState[rec.State]++
		}
	}
	fmt.Printf("Proposals: %d total", len(proposals))
	for _, state := range []string{"applied", "confirmed", "rolled_back", "rejected"} {
		if n := byProposalState[state]; n > 0 {
			fmt.Printf(", %d %s", n, state)
		}
	}
	fmt.Println()
	return nil
}
