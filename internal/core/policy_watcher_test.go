package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRulesFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Writing rules file: %v", err)
	}
}

func TestLoadRuleParams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	// Missing file is not an error
	params, err := LoadRuleParams(path)
	if err != nil {
		t.Fatalf("LoadRuleParams on missing file: %v", err)
	}
	if len(params) != 0 {
		t.Errorf("Expected empty params for missing file, got %v", params)
	}

	writeRulesFile(t, path, "resource_001:\n  max_cpu_usage: 50\n")
	params, err = LoadRuleParams(path)
	if err != nil {
		t.Fatalf("LoadRuleParams: %v", err)
	}
	if params[PolicyResourceID]["max_cpu_usage"] != 50 {
		t.Errorf("Parsed params mismatch: %v", params)
	}

	writeRulesFile(t, path, "not: [valid: yaml")
	if _, err := LoadRuleParams(path); err == nil {
		t.Error("Expected parse error for malformed YAML")
	}
}

func TestPolicyWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeRulesFile(t, path, "resource_001:\n  max_cpu_usage: 60\n")

	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	pw, err := NewPolicyWatcher(path, pe)
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}
	defer pw.watcher.Close()

	if err := pw.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	p, _ := pe.GetPolicy(PolicyResourceID)
	if p.Rules["max_cpu_usage"] != 60 {
		t.Errorf("Reload did not merge params: %v", p.Rules["max_cpu_usage"])
	}

	stats := pw.GetStats()
	if stats.ReloadsTriggered != 1 || stats.PoliciesUpdated != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestPolicyWatcher_WatchesFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	pw, err := NewPolicyWatcher(path, pe)
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pw.Stop()

	writeRulesFile(t, path, "learning_001:\n  bias_detection: false\n")

	ok := waitFor(t, 3*time.Second, func() bool {
		p, _ := pe.GetPolicy(PolicyLearningID)
		return p.Rules["bias_detection"] == false
	})
	if !ok {
		t.Fatal("Watcher never applied the rules file change")
	}
}

func TestPolicyWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	pw, err := NewPolicyWatcher(path, pe)
	if err != nil {
		t.Fatalf("NewPolicyWatcher: %v", err)
	}

	if err := pw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pw.Stop()
	pw.Stop() // second Stop must not panic or block
}
