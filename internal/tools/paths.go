package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// resolvePath resolves a path relative to the workspace and, when restrict
// is set, canonicalizes symlinks and rejects anything that escapes the
// workspace boundary. The returned path is what all file tools key their
// read-state and patches on, so every tool must resolve the same way.
func resolvePath(path, workspace string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}
	if !restrict {
		return resolved, nil
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("path resolution failed", "path", path, "error", err)
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		// Not-yet-existing file: canonicalize the deepest existing
		// ancestor and re-append the missing components.
		real, err = resolveThroughAncestors(absResolved)
		if err != nil {
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
	}

	if !pathInside(real, wsReal) {
		slog.Warn("path escapes workspace", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}
	return real, nil
}

func pathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveThroughAncestors canonicalizes the deepest existing ancestor of
// target, then rebuilds the path with the non-existent tail. Catches
// symlinked intermediate directories that would escape the workspace.
func resolveThroughAncestors(target string) (string, error) {
	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(target), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if real, err := filepath.EvalSymlinks(current); err == nil {
			return filepath.Join(append([]string{real}, tail...)...), nil
		}
	}
}
