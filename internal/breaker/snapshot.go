package breaker

import (
	"encoding/json"
	"fmt"
	"time"

	"reflex/internal/logging"
	"reflex/internal/store"
)

// snapshotRecord is the persisted JSON form of one breaker entry.
// Cooldown state survives restarts so a crash cannot reset an open circuit.
type snapshotRecord struct {
	Subject      string    `json:"subject"`
	Action       string    `json:"action"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	WindowStart  time.Time `json:"window_start"`
	OpenedAt     time.Time `json:"opened_at"`
	CooldownSec  float64   `json:"cooldown_sec"`
}

const snapshotPrefix = "breaker/"

// Snapshot persists all current entries into the store.
func (r *Registry) Snapshot(st store.Store) error {
	r.mu.RLock()
	records := make([]snapshotRecord, 0, len(r.entries))
	for _, e := range r.entries {
		records = append(records, snapshotRecord{
			Subject:      e.Subject,
			Action:       e.Action,
			State:        e.State,
			FailureCount: e.FailureCount,
			WindowStart:  e.WindowStart,
			OpenedAt:     e.OpenedAt,
			CooldownSec:  e.Cooldown.Seconds(),
		})
	}
	r.mu.RUnlock()

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("breaker snapshot marshal: %w", err)
		}
		k := snapshotPrefix + rec.Subject + "/" + rec.Action
		if err := st.Put(k, data); err != nil {
			return fmt.Errorf("breaker snapshot put: %w", err)
		}
	}
	logging.BreakerDebug("Snapshotted %d breaker entries", len(records))
	return nil
}

// Restore loads persisted entries into the registry. Called once at startup,
// before any traffic.
func (r *Registry) Restore(st store.Store) error {
	kvs, err := st.ScanRange(snapshotPrefix)
	if err != nil {
		return fmt.Errorf("breaker restore: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, kv := range kvs {
		var rec snapshotRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			logging.Get(logging.CategoryBreaker).Warn("Skipping malformed breaker record %q: %v", kv.Key, err)
			continue
		}
		// lastSeen intentionally stays zero: the rate EWMA restarts from the
		// first post-restore inter-arrival gap.
		e := &entry{
			Subject:      rec.Subject,
			Action:       rec.Action,
			State:        rec.State,
			FailureCount: rec.FailureCount,
			WindowStart:  rec.WindowStart,
			OpenedAt:     rec.OpenedAt,
			Cooldown:     time.Duration(rec.CooldownSec * float64(time.Second)),
		}
		// A trial interrupted by restart starts over from open.
		if e.State == StateHalfOpen {
			e.State = StateOpen
		}
		r.entries[key(rec.Subject, rec.Action)] = e
	}

	if len(kvs) > 0 {
		logging.Breaker("Restored %d breaker entries from store", len(kvs))
	}
	return nil
}

// StartSnapshotLoop flushes the registry into the store every interval until
// stop is closed. Returns a channel that closes when the loop exits.
func (r *Registry) StartSnapshotLoop(st store.Store, interval time.Duration, stop <-chan struct{}) <-chan struct{} {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				// Final flush on shutdown.
				if err := r.Snapshot(st); err != nil {
					logging.Get(logging.CategoryBreaker).Error("Final breaker snapshot failed: %v", err)
				}
				return
			case <-ticker.C:
				if err := r.Snapshot(st); err != nil {
					logging.Get(logging.CategoryBreaker).Warn("Breaker snapshot failed: %v", err)
				}
			}
		}
	}()
	return done
}
