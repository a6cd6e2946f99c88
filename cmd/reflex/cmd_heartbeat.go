// Package main implements the reflex CLI commands.
// This file contains the heartbeat command: boot the core, drain the queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reflex/internal/bus"
	"reflex/internal/scheduler"
)

var (
	heartbeatMax          time.Duration
	heartbeatCPUThreshold float64
	heartbeatMemThreshold float64
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Boot the core, drain the task queue, and remediate incidents",
	Long: `Boots the full core (store, bus, breakers, scheduler, reactor,
improvement loop), submits every queued task, publishes resource events from
live system metrics, and exits once the queue is drained or the time budget
runs out. Interrupt to stop early; running and queued work is not lost.`,
	RunE: runHeartbeat,
}

func init() {
	heartbeatCmd.Flags().DurationVar(&heartbeatMax, "max", 10*time.Minute, "time budget for this heartbeat")
	heartbeatCmd.Flags().Float64Var(&heartbeatCPUThreshold, "cpu-threshold", 90, "CPU percent that raises resource.high")
	heartbeatCmd.Flags().Float64Var(&heartbeatMemThreshold, "mem-threshold", 90, "memory percent that raises resource.high")
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, heartbeatMax)
	defer cancel()

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	_ = rt.bus.Publish(bus.New("system.started", bus.SeverityInfo, map[string]any{
		"version": cfg.Version,
	}))

	// The monitor must be fully stopped before rt.Close tears the bus down,
	// so this defer (running first) waits for it.
	monitorStop := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitorResources(rt, monitorStop)
	}()
	defer func() {
		close(monitorStop)
		<-monitorDone
	}()

	submitted, err := drainQueue(rt)
	if err != nil {
		return err
	}
	logger.Info("Queue drained into scheduler", zap.Int("tasks", submitted))

	if err := rt.sched.WaitIdle(ctx); err != nil {
		logger.Warn("Heartbeat ended before the queue was empty", zap.Error(err))
	}

	recorded := recordOutcomes(rt)
	stats := rt.sched.GetStats()
	fmt.Printf("heartbeat: %d submitted, %d completed, %d failed, %d timeout, %d cancelled\n",
		submitted, stats.Completed, stats.Failed, stats.Timeout, stats.Cancelled)
	logger.Info("Heartbeat finished",
		zap.Int("submitted", submitted),
		zap.Int("recorded", recorded),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed))

	_ = rt.bus.Publish(bus.New("system.stopping", bus.SeverityInfo, nil))
	return nil
}

// drainQueue submits every queued spec to the scheduler, mapping queue IDs to
// scheduler IDs so dependencies declared at submit time hold at run time.
func drainQueue(rt *runtime) (int, error) {
	kvs, err := rt.store.ScanRange(queuePrefix)
	if err != nil {
		return 0, err
	}

	specs := make([]queuedSpec, 0, len(kvs))
	for _, kv := range kvs {
		var spec queuedSpec
		if err := json.Unmarshal(kv.Value, &spec); err != nil {
			logger.Warn("Skipping malformed queue record", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		specs = append(specs, spec)
	}
	// Dependencies can only point at earlier submissions.
	sort.Slice(specs, func(i, j int) bool { return specs[i].SubmittedAt.Before(specs[j].SubmittedAt) })

	idMap := make(map[string]string, len(specs)) // queue ID -> scheduler ID
	rt.queueIDs = make(map[string]string, len(specs))
	submitted := 0
	for _, spec := range specs {
		deps := make([]string, 0, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			if schedID, ok := idMap[dep]; ok {
				deps = append(deps, schedID)
			}
		}

		var timeout, estimate time.Duration
		if spec.Timeout != "" {
			timeout, _ = time.ParseDuration(spec.Timeout)
		}
		if spec.EstimatedDuration != "" {
			estimate, _ = time.ParseDuration(spec.EstimatedDuration)
		}

		schedID, err := rt.sched.Submit(scheduler.Spec{
			Type:              spec.Type,
			Priority:          scheduler.Priority(spec.Priority),
			Payload:           spec.Payload,
			Deadline:          spec.Deadline,
			EstimatedDuration: estimate,
			Dependencies:      deps,
			Timeout:           timeout,
			RetryOnFailure:    spec.RetryOnFailure,
			MaxRetries:        spec.MaxRetries,
		})
		if err != nil {
			logger.Warn("Task rejected at submit", zap.String("queue_id", spec.ID), zap.Error(err))
			continue
		}
		idMap[spec.ID] = schedID
		rt.queueIDs[schedID] = spec.ID
		submitted++

		if err := rt.store.Delete(queuePrefix + spec.ID); err != nil {
			logger.Warn("Failed to dequeue task", zap.String("queue_id", spec.ID), zap.Error(err))
		}
	}
	return submitted, nil
}

// recordOutcomes persists every task's final (or current) state keyed by its
// original queue ID.
func recordOutcomes(rt *runtime) int {
	recorded := 0
	for _, status := range rt.sched.List("") {
		queueID, ok := rt.queueIDs[status.ID]
		if !ok {
			continue
		}
		rec := taskRecord{
			ID:          queueID,
			SchedulerID: status.ID,
			Type:        status.Type,
			State:       string(status.State),
			Retries:     status.Retries,
			Reason:      status.Reason,
			LastError:   status.LastError,
			SubmittedAt: status.Submitted,
			FinishedAt:  status.Finished,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if err := rt.store.Put(taskPrefix+queueID, data); err != nil {
			logger.Warn("Failed to record task outcome", zap.String("id", queueID), zap.Error(err))
			continue
		}
		recorded++
	}
	return recorded
}

// monitorResources samples system metrics and raises resource events the
// reactor's playbooks can act on.
func monitorResources(rt *runtime, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sample, err := rt.provider.Sample()
			if err != nil {
				logger.Debug("Metrics sample failed", zap.Error(err))
				continue
			}
			if sample.CPUPercent < heartbeatCPUThreshold && sample.MemoryPercent < heartbeatMemThreshold {
				continue
			}
			e := bus.New("resource.high", bus.SeverityWarning, map[string]any{
				"cpu_percent":    sample.CPUPercent,
				"memory_percent": sample.MemoryPercent,
				"goroutines":     sample.Goroutines,
			})
			e.Subject = "host"
			_ = rt.bus.Publish(e)
		}
	}
}
