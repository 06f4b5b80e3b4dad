package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePlugin(t *testing.T, dir, name, manifest string) {
	t.Helper()
	pdir := filepath.Join(dir, name)
	if err := os.MkdirAll(pdir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pdir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAllActivatesAlwaysPlugins(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "linter", `{
		"name": "linter",
		"description": "Runs static analysis.",
		"tools": [{"name": "lint-run"}],
		"agents": [{"name": "lint-fixer"}]
	}`)
	writePlugin(t, dir, "reviewer", `{
		"name": "reviewer",
		"activationMode": "tagged"
	}`)

	m := NewManager()
	var activated []string
	m.OnActivate = func(p *Manifest) { activated = append(activated, p.Name) }

	if err := m.LoadAll(dir); err != nil {
		t.Fatal(err)
	}
	if len(m.List()) != 2 {
		t.Fatalf("loaded %d plugins", len(m.List()))
	}
	if got := m.ActiveNames(); len(got) != 1 || got[0] != "linter" {
		t.Errorf("active = %v", got)
	}
	if len(activated) != 1 || activated[0] != "linter" {
		t.Errorf("hook calls = %v", activated)
	}
}

func TestLoadAllSkipsBrokenManifest(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "ok", `{"name": "ok"}`)
	writePlugin(t, dir, "broken", `{"name": `)
	writePlugin(t, dir, "nameless", `{"version": "1.0"}`)

	m := NewManager()
	if err := m.LoadAll(dir); err != nil {
		t.Fatal(err)
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("loaded %d plugins, want 1", got)
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	m := NewManager()
	if err := m.LoadAll(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("missing dir should be fine: %v", err)
	}
}

func TestTaggedActivationViaMention(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "reviewer", `{
		"name": "reviewer",
		"activationMode": "tagged",
		"tools": [{"name": "review-diff"}]
	}`)

	m := NewManager()
	if err := m.LoadAll(dir); err != nil {
		t.Fatal(err)
	}

	if note := m.ActivationNote("please check this"); note != "" {
		t.Errorf("unmentioned tagged plugin produced note %q", note)
	}
	if m.IsActive("reviewer") {
		t.Fatal("activated without mention")
	}

	note := m.ActivationNote("hey @reviewer look at main.go")
	if !strings.Contains(note, `Plugin "reviewer" is active`) {
		t.Errorf("note = %q", note)
	}
	if !strings.Contains(note, "review-diff") {
		t.Errorf("note lacks tools: %q", note)
	}
	if !m.IsActive("reviewer") {
		t.Error("mention did not activate")
	}

	// A prefix mention of another name must not match.
	m2 := NewManager()
	if err := m2.LoadAll(dir); err != nil {
		t.Fatal(err)
	}
	if note := m2.ActivationNote("ping @reviewers"); note != "" {
		t.Errorf("prefix mention matched: %q", note)
	}
}

func TestDeactivateRunsHook(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "linter", `{"name": "linter"}`)

	m := NewManager()
	var deactivated []string
	m.OnDeactivate = func(p *Manifest) { deactivated = append(deactivated, p.Name) }
	if err := m.LoadAll(dir); err != nil {
		t.Fatal(err)
	}

	if err := m.Deactivate("linter"); err != nil {
		t.Fatal(err)
	}
	if m.IsActive("linter") {
		t.Error("still active")
	}
	if len(deactivated) != 1 {
		t.Errorf("hook calls = %v", deactivated)
	}
	// Second deactivate is a no-op.
	if err := m.Deactivate("linter"); err != nil {
		t.Fatal(err)
	}
	if len(deactivated) != 1 {
		t.Errorf("hook ran on no-op deactivate: %v", deactivated)
	}

	if err := m.Deactivate("ghost"); err == nil {
		t.Error("unknown plugin should error")
	}
}

func TestAgentPoolKey(t *testing.T) {
	m := &Manifest{Name: "linter", Agents: []AgentDecl{
		{Name: "fixer"},
		{Name: "custom", PoolKey: "plugin-linter-special"},
	}}
	if got := m.AgentPoolKey(m.Agents[0]); got != "plugin-linter-fixer" {
		t.Errorf("pool key = %q", got)
	}
	if got := m.AgentPoolKey(m.Agents[1]); got != "plugin-linter-special" {
		t.Errorf("pool key = %q", got)
	}
}

func TestParseManifestRejectsBadMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), ManifestFile)
	if err := os.WriteFile(path, []byte(`{"name":"x","activationMode":"sometimes"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseManifest(path); err == nil {
		t.Error("want error for unknown mode")
	}
}
