package plugins

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Manager tracks loaded plugins and their activation state. Activation
// side effects (agent kind registration, pool eviction) run through the
// hooks so this package stays decoupled from the agent layer.
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]*Manifest
	active  map[string]bool

	// OnActivate and OnDeactivate run outside the lock after a state
	// change. Deactivation is where pooled plugin agents get evicted.
	OnActivate   func(*Manifest)
	OnDeactivate func(*Manifest)
}

func NewManager() *Manager {
	return &Manager{
		plugins: make(map[string]*Manifest),
		active:  make(map[string]bool),
	}
}

// LoadAll scans dir for plugin directories carrying a manifest. Broken
// manifests are logged and skipped. Plugins with mode "always" start
// active.
func (m *Manager) LoadAll(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read plugin dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		manifest, err := ParseManifest(path)
		if err != nil {
			slog.Warn("skipping broken plugin manifest", "path", path, "error", err)
			continue
		}

		m.mu.Lock()
		m.plugins[manifest.Name] = manifest
		m.mu.Unlock()

		if manifest.Mode() == ActivateAlways {
			m.Activate(manifest.Name)
		} else {
			slog.Debug("loaded tagged plugin", "plugin", manifest.Name)
		}
	}
	return nil
}

// List returns all loaded plugins sorted by name.
func (m *Manager) List() []*Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Manifest, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks a plugin up by name.
func (m *Manager) Get(name string) (*Manifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	return p, ok
}

// IsActive reports whether the named plugin is currently active.
func (m *Manager) IsActive(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[name]
}

// ActiveNames returns the active plugins sorted by name.
func (m *Manager) ActiveNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.active))
	for name, on := range m.active {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Activate marks a plugin active and runs the activation hook. Activating
// an active plugin is a no-op.
func (m *Manager) Activate(name string) error {
	m.mu.Lock()
	p, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown plugin %q", name)
	}
	if m.active[name] {
		m.mu.Unlock()
		return nil
	}
	m.active[name] = true
	m.mu.Unlock()

	slog.Info("plugin activated", "plugin", name)
	if m.OnActivate != nil {
		m.OnActivate(p)
	}
	return nil
}

// Deactivate marks a plugin inactive and runs the deactivation hook.
func (m *Manager) Deactivate(name string) error {
	m.mu.Lock()
	p, ok := m.plugins[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown plugin %q", name)
	}
	if !m.active[name] {
		m.mu.Unlock()
		return nil
	}
	delete(m.active, name)
	m.mu.Unlock()

	slog.Info("plugin deactivated", "plugin", name)
	if m.OnDeactivate != nil {
		m.OnDeactivate(p)
	}
	return nil
}

// ActivationNote builds the system note injected before a model step.
// Tagged plugins contribute only when the user message mentions @<name>;
// mentioning an inactive tagged plugin activates it first.
func (m *Manager) ActivationNote(userText string) string {
	var lines []string
	for _, p := range m.List() {
		switch p.Mode() {
		case ActivateAlways:
			if m.IsActive(p.Name) {
				continue // already announced at session start
			}
		case ActivateTagged:
			if !mentions(userText, p.Name) {
				continue
			}
			if err := m.Activate(p.Name); err != nil {
				continue
			}
		}
		lines = append(lines, describe(p))
	}
	return strings.Join(lines, "\n")
}

// SessionNotes describes every active plugin, for the first model step of
// a session.
func (m *Manager) SessionNotes() string {
	var lines []string
	for _, p := range m.List() {
		if m.IsActive(p.Name) {
			lines = append(lines, describe(p))
		}
	}
	return strings.Join(lines, "\n")
}

func describe(p *Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plugin %q is active.", p.Name)
	if p.Description != "" {
		fmt.Fprintf(&b, " %s", p.Description)
	}
	if len(p.Tools) > 0 {
		names := make([]string, len(p.Tools))
		for i, t := range p.Tools {
			names[i] = t.Name
		}
		fmt.Fprintf(&b, " Tools: %s.", strings.Join(names, ", "))
	}
	if len(p.Agents) > 0 {
		names := make([]string, len(p.Agents))
		for i, a := range p.Agents {
			names[i] = a.Name
		}
		fmt.Fprintf(&b, " Delegatable agents: %s.", strings.Join(names, ", "))
	}
	return b.String()
}

// mentions reports whether text contains @name as a standalone mention.
func mentions(text, name string) bool {
	tag := "@" + name
	for i := 0; ; {
		j := strings.Index(text[i:], tag)
		if j < 0 {
			return false
		}
		j += i
		end := j + len(tag)
		if end == len(text) || !isNameChar(text[end]) {
			return true
		}
		i = end
	}
}

func isNameChar(c byte) bool {
	return c == '-' || c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
