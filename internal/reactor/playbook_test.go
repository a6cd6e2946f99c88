package reactor

import (
	"os"
	"path/filepath"
	"testing"

	"reflex/internal/bus"
)

func TestEvalCondition(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		val  any
		want bool
	}{
		{"gt true", Condition{Field: "cpu", Op: "gt", Value: 90}, 95.0, true},
		{"gt false", Condition{Field: "cpu", Op: "gt", Value: 90}, 85.0, false},
		{"gte boundary", Condition{Field: "cpu", Op: "gte", Value: 90}, 90.0, true},
		{"lt true", Condition{Field: "cpu", Op: "lt", Value: 80}, 40.0, true},
		{"lte boundary", Condition{Field: "cpu", Op: "lte", Value: 80}, 80.0, true},
		{"numeric eq across types", Condition{Field: "n", Op: "eq", Value: 5}, 5.0, true},
		{"numeric ne", Condition{Field: "n", Op: "ne", Value: 5}, 6.0, true},
		{"string eq", Condition{Field: "s", Op: "eq", Value: "high"}, "high", true},
		{"string ne", Condition{Field: "s", Op: "ne", Value: "high"}, "low", true},
		{"string gt unsupported", Condition{Field: "s", Op: "gt", Value: "a"}, "b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := evalCondition(tt.cond, tt.val); got != tt.want {
				t.Errorf("evalCondition(%+v, %v) = %v, want %v", tt.cond, tt.val, got, tt.want)
			}
		})
	}
}

func TestEvalConditionsMissingFieldFails(t *testing.T) {
	conds := []Condition{{Field: "cpu_percent", Op: "gt", Value: 90}}
	if evalConditions(conds, map[string]any{"memory_percent": 95.0}) {
		t.Error("condition on a missing field must not match")
	}
}

func TestEvalConditionsEmptySetMatches(t *testing.T) {
	if !evalConditions(nil, nil) {
		t.Error("empty condition set must match everything")
	}
}

func TestPlaybookMatchesWildcard(t *testing.T) {
	pb := Playbook{
		ID:      "any-resource",
		Trigger: Trigger{EventType: "resource.*"},
		Actions: []ActionDef{{Type: "noop"}},
	}
	if !pb.matches(bus.Event{Type: "resource.exhausted"}) {
		t.Error("wildcard trigger must match resource.exhausted")
	}
	if pb.matches(bus.Event{Type: "task.failed"}) {
		t.Error("wildcard trigger must not match a different namespace")
	}
}

func TestDisabledPlaybookNeverMatches(t *testing.T) {
	pb := Playbook{
		ID:       "off",
		Disabled: true,
		Trigger:  Trigger{EventType: "resource.high"},
		Actions:  []ActionDef{{Type: "noop"}},
	}
	if pb.matches(bus.Event{Type: "resource.high"}) {
		t.Error("disabled playbook matched")
	}
}

func TestPlaybookValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Playbook)
		wantErr bool
	}{
		{"valid", func(p *Playbook) {}, false},
		{"empty id", func(p *Playbook) { p.ID = "" }, true},
		{"empty trigger", func(p *Playbook) { p.Trigger.EventType = "" }, true},
		{"unknown category", func(p *Playbook) { p.Trigger.EventType = "weather.rain" }, true},
		{"wildcard ok", func(p *Playbook) { p.Trigger.EventType = "resource.*" }, false},
		{"no actions", func(p *Playbook) { p.Actions = nil }, true},
		{"bad op", func(p *Playbook) {
			p.Trigger.Conditions = []Condition{{Field: "x", Op: "like", Value: 1}}
		}, true},
		{"empty action type", func(p *Playbook) { p.Actions = []ActionDef{{}} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb := cpuHighPlaybook()
			tt.mutate(&pb)
			err := pb.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDirJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, cpuHighPlaybook())

	yamlDef := `
id: mem-high
trigger:
  event_type: resource.high
  conditions:
    - field: memory_percent
      op: gt
      value: 90
actions:
  - type: clear_cache
    params:
      scope: all
`
	if err := os.WriteFile(filepath.Join(dir, "mem-high.yaml"), []byte(yamlDef), 0644); err != nil {
		t.Fatal(err)
	}

	books, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 2 {
		t.Fatalf("loaded %d playbooks, want 2", len(books))
	}
	// Sorted by filename: cpu-high.json before mem-high.yaml.
	if books[0].ID != "cpu-high" || books[1].ID != "mem-high" {
		t.Errorf("unexpected order: %s, %s", books[0].ID, books[1].ID)
	}
}

func TestLoadDirDuplicateID(t *testing.T) {
	dir := t.TempDir()
	pb := cpuHighPlaybook()
	writePlaybook(t, dir, pb)

	dup, _ := os.ReadFile(filepath.Join(dir, pb.ID+".json"))
	if err := os.WriteFile(filepath.Join(dir, "copy.json"), dup, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadDir(dir); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	books, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 0 {
		t.Errorf("got %d playbooks from missing dir", len(books))
	}
}

func TestLoadDirIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, cpuHighPlaybook())
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# notes"), 0644); err != nil {
		t.Fatal(err)
	}

	books, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 1 {
		t.Fatalf("loaded %d playbooks, want 1", len(books))
	}
}
