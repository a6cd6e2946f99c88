// Package reactor implements playbook-driven remediation: declarative
// trigger -> actions -> validation -> rollback definitions matched against
// bus events, with circuit breaking around repeatedly failing playbooks.
package reactor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"reflex/internal/bus"
)

// Condition compares one payload field against a value.
type Condition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"` // gt, gte, lt, lte, eq, ne
	Value any    `json:"value" yaml:"value"`
}

// Trigger declares what events a playbook reacts to. EventType may be an
// exact type or a trailing wildcard pattern ("resource.*").
type Trigger struct {
	EventType  string      `json:"event_type" yaml:"event_type"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// ActionDef is one remediation step.
type ActionDef struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Validation declares the post-action health check, evaluated against a
// fresh metrics sample (fields: cpu_percent, memory_percent, goroutines).
type Validation struct {
	Check []Condition `json:"check" yaml:"check"`
}

// Playbook is one remediation definition.
type Playbook struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name,omitempty" yaml:"name,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Disabled    bool        `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Trigger     Trigger     `json:"trigger" yaml:"trigger"`
	Actions     []ActionDef `json:"actions" yaml:"actions"`
	Validation  *Validation `json:"validation,omitempty" yaml:"validation,omitempty"`
	Rollback    []ActionDef `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

var validOps = map[string]bool{
	"gt": true, "gte": true, "lt": true, "lte": true, "eq": true, "ne": true,
}

// Validate checks a single playbook definition.
func (p *Playbook) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("playbook id must not be empty")
	}
	if p.Trigger.EventType == "" {
		return fmt.Errorf("playbook %s: trigger event_type must not be empty", p.ID)
	}
	// The trigger must name a known category, whether exact or wildcard.
	probe := p.Trigger.EventType
	if suffix, ok := strings.CutSuffix(probe, ".*"); ok {
		probe = suffix + ".any"
	}
	if err := (bus.Event{Type: probe}).Validate(); err != nil {
		return fmt.Errorf("playbook %s: %w", p.ID, err)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("playbook %s: must declare at least one action", p.ID)
	}
	for _, set := range [][]Condition{p.Trigger.Conditions, checkOf(p.Validation)} {
		for _, c := range set {
			if c.Field == "" {
				return fmt.Errorf("playbook %s: condition field must not be empty", p.ID)
			}
			if !validOps[c.Op] {
				return fmt.Errorf("playbook %s: unknown condition op %q", p.ID, c.Op)
			}
		}
	}
	for _, a := range append(append([]ActionDef{}, p.Actions...), p.Rollback...) {
		if a.Type == "" {
			return fmt.Errorf("playbook %s: action type must not be empty", p.ID)
		}
	}
	return nil
}

func checkOf(v *Validation) []Condition {
	if v == nil {
		return nil
	}
	return v.Check
}

// LoadDir reads every .json/.yaml/.yml playbook in dir. A missing directory
// yields an empty set; a malformed file fails the whole load so a typo never
// silently disables remediation.
func LoadDir(dir string) ([]Playbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read playbook dir: %w", err)
	}

	var books []Playbook
	seen := make(map[string]string)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read playbook %s: %w", name, err)
		}

		var pb Playbook
		if ext == ".json" {
			err = json.Unmarshal(data, &pb)
		} else {
			err = yaml.Unmarshal(data, &pb)
		}
		if err != nil {
			return nil, fmt.Errorf("parse playbook %s: %w", name, err)
		}
		if err := pb.Validate(); err != nil {
			return nil, fmt.Errorf("playbook %s: %w", name, err)
		}
		if prev, dup := seen[pb.ID]; dup {
			return nil, fmt.Errorf("duplicate playbook id %q in %s and %s", pb.ID, prev, name)
		}
		seen[pb.ID] = name
		books = append(books, pb)
	}
	return books, nil
}

// matches reports whether an event triggers this playbook.
func (p *Playbook) matches(e bus.Event) bool {
	if p.Disabled {
		return false
	}
	if !bus.MatchesPattern(p.Trigger.EventType, e.Type) {
		return false
	}
	return evalConditions(p.Trigger.Conditions, e.Payload)
}

// evalConditions evaluates all conditions against a field map (AND semantics,
// empty set matches). A missing field fails its condition.
func evalConditions(conds []Condition, fields map[string]any) bool {
	for _, c := range conds {
		v, ok := fields[c.Field]
		if !ok || !evalCondition(c, v) {
			return false
		}
	}
	return true
}

func evalCondition(c Condition, v any) bool {
	// Numeric comparison when both sides coerce.
	if a, aok := toFloat(v); aok {
		if b, bok := toFloat(c.Value); bok {
			switch c.Op {
			case "gt":
				return a > b
			case "gte":
				return a >= b
			case "lt":
				return a < b
			case "lte":
				return a <= b
			case "eq":
				return a == b
			case "ne":
				return a != b
			}
			return false
		}
	}

	// Fall back to string equality ops.
	av := fmt.Sprintf("%v", v)
	bv := fmt.Sprintf("%v", c.Value)
	switch c.Op {
	case "eq":
		return av == bv
	case "ne":
		return av != bv
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
