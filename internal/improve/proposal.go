package improve

import (
	"fmt"
	"time"

	"reflex/internal/fault"
)

// Risk classifies how dangerous a proposal is to apply automatically.
// Config-only changes are low, prompt changes medium, code changes high.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ProposalState is the proposal lifecycle.
//
//	proposed -> gated -> applied -> {confirmed, rolled_back}
//
// with rejected as the exit for proposals that fail a gate.
type ProposalState string

const (
	StateProposed   ProposalState = "proposed"
	StateGated      ProposalState = "gated" // passed L0/L1, awaiting approval
	StateApplied    ProposalState = "applied"
	StateConfirmed  ProposalState = "confirmed"
	StateRolledBack ProposalState = "rolled_back"
	StateRejected   ProposalState = "rejected"
)

// ChangeKind names what layer a proposal touches.
type ChangeKind string

const (
	KindConfig ChangeKind = "config"
	KindPrompt ChangeKind = "prompt"
	KindCode   ChangeKind = "code"
)

func riskOf(kind ChangeKind) Risk {
	switch kind {
	case KindConfig:
		return RiskLow
	case KindPrompt:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Proposal is one candidate improvement for an agent.
type Proposal struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Category    fault.Category `json:"category"`
	Kind        ChangeKind     `json:"kind"`
	Risk        Risk           `json:"risk"`
	Diff        map[string]any `json:"diff"`
	Description string         `json:"description"`
	State       ProposalState  `json:"state"`
	Detail      string         `json:"detail,omitempty"` // gate/rollback reason

	SnapshotID string `json:"snapshot_id,omitempty"`

	// Baseline captured at apply time, from the pre-apply outcome window.
	BaselineSuccessRate float64 `json:"baseline_success_rate"`
	BaselineAvgLatency  float64 `json:"baseline_avg_latency_ms"`

	CreatedAt  time.Time `json:"created_at"`
	AppliedAt  time.Time `json:"applied_at,omitzero"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`

	// Verification window bookkeeping (not persisted mid-flight decisions,
	// just the running tallies).
	VerifyTotal        int     `json:"verify_total"`
	VerifySuccesses    int     `json:"verify_successes"`
	VerifyConsecFails  int     `json:"verify_consec_fails"`
	VerifyLatencySumMs float64 `json:"verify_latency_sum_ms"`
}

// =============================================================================
// RULE TABLE - failure category -> remediation diff
// =============================================================================

// paramBounds is the closed set of tunable agent parameters and their valid
// ranges. The L0 sanity gate rejects any diff that steps outside it.
var paramBounds = map[string]struct{ Min, Max float64 }{
	"timeout_sec":  {1, 3600},
	"batch_size":   {1, 1024},
	"retry_budget": {0, 10},
	"max_parallel": {1, 64},
}

// defaultAgentConfig seeds parameters for agents never explicitly configured.
func defaultAgentConfig() map[string]any {
	return map[string]any{
		"timeout_sec":  float64(60),
		"batch_size":   float64(32),
		"retry_budget": float64(1),
		"max_parallel": float64(4),
	}
}

// ruleFor maps a dominant failure category to a config diff. Returns nil when
// no automatic remediation exists for the category (permission failures need
// a human; generic failures give nothing to tune against).
func ruleFor(category fault.Category, current map[string]any) (map[string]any, string) {
	get := func(key string, def float64) float64 {
		if v, ok := toNumber(current[key]); ok {
			return v
		}
		return def
	}
	clamp := func(key string, v float64) float64 {
		b := paramBounds[key]
		if v < b.Min {
			return b.Min
		}
		if v > b.Max {
			return b.Max
		}
		return v
	}

	switch category {
	case fault.CategoryTimeout:
		cur := get("timeout_sec", 60)
		next := clamp("timeout_sec", cur*1.5)
		if next == cur {
			return nil, ""
		}
		return map[string]any{"timeout_sec": next},
			fmt.Sprintf("raise timeout %.0fs -> %.0fs after repeated timeouts", cur, next)
	case fault.CategoryMemory:
		cur := get("batch_size", 32)
		next := clamp("batch_size", float64(int(cur/2)))
		if next == cur {
			return nil, ""
		}
		return map[string]any{"batch_size": next},
			fmt.Sprintf("halve batch size %.0f -> %.0f after memory pressure", cur, next)
	case fault.CategoryNetwork:
		cur := get("retry_budget", 1)
		next := clamp("retry_budget", cur+1)
		if next == cur {
			return nil, ""
		}
		return map[string]any{"retry_budget": next},
			fmt.Sprintf("raise retry budget %.0f -> %.0f after network failures", cur, next)
	default:
		return nil, ""
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// sanityCheck is the L0 gate: every diff key must be a known parameter and
// every value must sit inside its bounds. Applies to all risk levels.
func sanityCheck(diff map[string]any) error {
	if len(diff) == 0 {
		return fmt.Errorf("empty diff")
	}
	for key, val := range diff {
		bounds, known := paramBounds[key]
		if !known {
			return fmt.Errorf("unknown parameter %q", key)
		}
		n, ok := toNumber(val)
		if !ok {
			return fmt.Errorf("parameter %q: non-numeric value %v", key, val)
		}
		if n < bounds.Min || n > bounds.Max {
			return fmt.Errorf("parameter %q: value %v outside [%v, %v]", key, n, bounds.Min, bounds.Max)
		}
	}
	return nil
}
