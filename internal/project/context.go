// Package project detects and formats the project context injected into a
// session's first turn: instruction files left for agents plus a fingerprint
// of the build system found in the workspace.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// contextFiles lists instruction files read from the workspace root, in
// priority order. ALLY.md wins over the generic names when both exist.
var contextFiles = []string{
	"ALLY.md",
	"AGENTS.md",
	"CONTRIBUTING.md",
	"README.md",
}

// markerFiles maps build-system markers to one-line descriptions.
var markerFiles = map[string]string{
	"go.mod":           "Go module",
	"package.json":     "Node.js package",
	"Cargo.toml":       "Rust crate",
	"pyproject.toml":   "Python project",
	"requirements.txt": "Python project (requirements.txt)",
	"Makefile":         "Makefile-driven build",
	"Dockerfile":       "Docker build",
}

// TruncateConfig caps how much file content goes into the context.
type TruncateConfig struct {
	MaxCharsPerFile int
	TotalMaxChars   int
}

const (
	DefaultMaxCharsPerFile = 12000
	DefaultTotalMaxChars   = 24000
)

// Detect builds the project-context block for a workspace. A workspace with
// no instruction files and no recognizable build system yields "".
func Detect(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("project: resolve %s: %w", dir, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Working directory: %s\n", abs)

	if markers := detectMarkers(abs); len(markers) > 0 {
		fmt.Fprintf(&b, "Project type: %s\n", strings.Join(markers, ", "))
	}

	files := loadContextFiles(abs, TruncateConfig{
		MaxCharsPerFile: DefaultMaxCharsPerFile,
		TotalMaxChars:   DefaultTotalMaxChars,
	})
	for _, f := range files {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f.name, f.content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

type contextFile struct {
	name    string
	content string
}

func detectMarkers(dir string) []string {
	var found []string
	// Stable order: walk the priority list, not the map.
	for _, name := range []string{"go.mod", "package.json", "Cargo.toml", "pyproject.toml", "requirements.txt", "Makefile", "Dockerfile"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			found = append(found, markerFiles[name])
		}
	}
	return found
}

// loadContextFiles reads the instruction files, truncating per file and in
// total. The first file that exists under a generic name wins; ALLY.md and
// AGENTS.md can coexist with README.md.
func loadContextFiles(dir string, cfg TruncateConfig) []contextFile {
	if cfg.MaxCharsPerFile <= 0 {
		cfg.MaxCharsPerFile = DefaultMaxCharsPerFile
	}
	if cfg.TotalMaxChars <= 0 {
		cfg.TotalMaxChars = DefaultTotalMaxChars
	}

	var out []contextFile
	total := 0
	for _, name := range contextFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		if len(content) > cfg.MaxCharsPerFile {
			content = content[:cfg.MaxCharsPerFile] + "\n[truncated]"
		}
		if total+len(content) > cfg.TotalMaxChars {
			remain := cfg.TotalMaxChars - total
			if remain <= 0 {
				break
			}
			content = content[:remain] + "\n[truncated]"
		}
		total += len(content)
		out = append(out, contextFile{name: name, content: content})
	}
	return out
}
