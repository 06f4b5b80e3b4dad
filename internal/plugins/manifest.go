// Package plugins loads plugin descriptors from the profile directory and
// tracks which are active. A plugin is a directory containing a
// PLUGIN_MANIFEST file; the core consumes tools, agents, the background
// flag, the activation mode, and pool keys, treating everything else as
// opaque.
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
)

// ManifestFile is the descriptor filename inside each plugin directory.
const ManifestFile = "PLUGIN_MANIFEST"

// Activation modes.
const (
	ActivateAlways = "always"
	ActivateTagged = "tagged" // active only when the user mentions @<name>
)

// Manifest is one plugin descriptor.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`

	Tools  []ToolDecl  `json:"tools,omitempty"`
	Agents []AgentDecl `json:"agents,omitempty"`

	Config         json.RawMessage `json:"config,omitempty"`
	Background     *Background     `json:"background,omitempty"`
	ActivationMode string          `json:"activationMode,omitempty"` // default "always"
}

// ToolDecl declares a plugin tool. The descriptor is opaque beyond the
// name; registration of the implementation happens elsewhere.
type ToolDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AgentDecl declares a delegatable plugin agent kind.
type AgentDecl struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	PoolKey      string `json:"_poolKey,omitempty"`
}

// Background declares whether the plugin's agents may run as background
// tasks.
type Background struct {
	Enabled bool `json:"enabled"`
}

// Mode returns the activation mode with the default applied.
func (m *Manifest) Mode() string {
	if m.ActivationMode == ActivateTagged {
		return ActivateTagged
	}
	return ActivateAlways
}

// AgentPoolKey returns the pool key for one of the plugin's agents, always
// carrying the "plugin-<name>-" prefix the pool eviction relies on.
func (m *Manifest) AgentPoolKey(a AgentDecl) string {
	if a.PoolKey != "" {
		return a.PoolKey
	}
	return fmt.Sprintf("plugin-%s-%s", m.Name, a.Name)
}

// ParseManifest reads and validates one descriptor file.
func ParseManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %s: missing name", path)
	}
	if mode := m.ActivationMode; mode != "" && mode != ActivateAlways && mode != ActivateTagged {
		return nil, fmt.Errorf("manifest %s: unknown activation mode %q", path, mode)
	}
	for _, a := range m.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("manifest %s: agent with empty name", path)
		}
	}
	return &m, nil
}
