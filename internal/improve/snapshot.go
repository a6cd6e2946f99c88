package improve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"reflex/internal/logging"
)

// ConfigSnapshot is a point-in-time copy of one agent's configuration, taken
// immediately before a proposal is applied. Rollback restores the stored
// bytes exactly, so a confirmed-bad change can never leave residue behind.
type ConfigSnapshot struct {
	ID      string          `json:"id"`
	AgentID string          `json:"agent_id"`
	TakenAt time.Time       `json:"taken_at"`
	Config  json.RawMessage `json:"config"`
}

// takeSnapshot writes the agent's current config to one file per snapshot
// under the snapshot directory.
func (l *Loop) takeSnapshot(agentID string, config map[string]any) (string, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("snapshot marshal: %w", err)
	}

	snap := ConfigSnapshot{
		ID:      uuid.NewString(),
		AgentID: agentID,
		TakenAt: time.Now(),
		Config:  raw,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("snapshot marshal: %w", err)
	}

	if err := os.MkdirAll(l.config.SnapshotDir, 0755); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}
	path := l.snapshotPath(snap.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("snapshot write: %w", err)
	}

	logging.ImproveDebug("Snapshot %s taken for agent %s", snap.ID, agentID)
	return snap.ID, nil
}

// loadSnapshot reads a snapshot back from disk.
func (l *Loop) loadSnapshot(snapshotID string) (*ConfigSnapshot, error) {
	data, err := os.ReadFile(l.snapshotPath(snapshotID))
	if err != nil {
		return nil, fmt.Errorf("snapshot read: %w", err)
	}
	var snap ConfigSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot parse: %w", err)
	}
	return &snap, nil
}

func (l *Loop) snapshotPath(snapshotID string) string {
	return filepath.Join(l.config.SnapshotDir, snapshotID+".json")
}

// pruneSnapshots removes snapshot files older than the retention period.
func (l *Loop) pruneSnapshots() {
	if l.config.SnapshotRetention <= 0 {
		return
	}
	entries, err := os.ReadDir(l.config.SnapshotDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-l.config.SnapshotRetention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(l.config.SnapshotDir, e.Name())) == nil {
			removed++
		}
	}
	if removed > 0 {
		logging.Improve("Pruned %d expired config snapshots", removed)
	}
}
