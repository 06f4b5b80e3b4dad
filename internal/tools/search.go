package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	grepMaxMatches  = 500
	grepMaxFileSize = 4 << 20
	listMaxEntries  = 1000
	treeMaxDepth    = 6
)

// skipDirs are directory names search tools never descend into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
}

// SearchTools bundles the read-only exploration tool family.
type SearchTools struct {
	Workspace string
	Restrict  bool
}

func NewSearchTools(workspace string, restrict bool) *SearchTools {
	return &SearchTools{Workspace: workspace, Restrict: restrict}
}

func (s *SearchTools) All() []Tool {
	return []Tool{
		&GrepTool{s},
		&GlobTool{s},
		&ListTool{s},
		&TreeTool{s},
	}
}

func (s *SearchTools) resolveDir(path string) (string, *Result) {
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, s.Workspace, s.Restrict)
	if err != nil {
		return "", SecurityError(err.Error())
	}
	return resolved, nil
}

func exploratoryMeta() Meta {
	m := DefaultMeta()
	m.Exploratory = true
	m.ShouldCollapse = true
	return m
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct{ s *SearchTools }

func (t *GrepTool) Name() string { return "grep" }
func (t *GrepTool) Description() string {
	return "Search file contents for a regular expression. Returns matching lines as path:line:text."
}
func (t *GrepTool) Meta() Meta { return exploratoryMeta() }
func (t *GrepTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regular expression to search for"},
			"path":    map[string]any{"type": "string", "description": "Directory or file to search (defaults to the workspace)"},
			"include": map[string]any{"type": "string", "description": "Glob filter on file names, e.g. *.go"},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) FormatSubtext(args map[string]any) string {
	pattern, _ := args["pattern"].(string)
	return pattern
}

func (t *GrepTool) Execute(ctx context.Context, inv Invocation) *Result {
	pattern, _ := inv.Args["pattern"].(string)
	if pattern == "" {
		return ValidationError("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ValidationError(fmt.Sprintf("invalid pattern: %v", err))
	}
	path, _ := inv.Args["path"].(string)
	include, _ := inv.Args["include"].(string)
	root, errRes := t.s.resolveDir(path)
	if errRes != nil {
		return errRes
	}

	var b strings.Builder
	matches := 0
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := filepath.Match(include, d.Name()); !ok {
				return nil
			}
		}
		if info, ierr := d.Info(); ierr != nil || info.Size() > grepMaxFileSize {
			return nil
		}
		data, rerr := os.ReadFile(p)
		if rerr != nil || !isText(data) {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		for i, line := range splitLines(string(data)) {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d:%s\n", rel, i+1, line)
				matches++
				if matches >= grepMaxMatches {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return Interrupted("search was interrupted")
	}
	if matches == 0 {
		return Silent("no matches")
	}
	out := b.String()
	if matches >= grepMaxMatches {
		out += fmt.Sprintf("(stopped at %d matches; narrow the pattern)\n", grepMaxMatches)
	}
	return Silent(out)
}

// GlobTool matches file paths against a glob pattern, ** included.
type GlobTool struct{ s *SearchTools }

func (t *GlobTool) Name() string { return "glob" }
func (t *GlobTool) Description() string {
	return "Find files by glob pattern, e.g. **/*.go or src/*.ts."
}
func (t *GlobTool) Meta() Meta { return exploratoryMeta() }
func (t *GlobTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Glob pattern; ** matches across directories"},
			"path":    map[string]any{"type": "string", "description": "Directory to search (defaults to the workspace)"},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobTool) FormatSubtext(args map[string]any) string {
	pattern, _ := args["pattern"].(string)
	return pattern
}

func (t *GlobTool) Execute(ctx context.Context, inv Invocation) *Result {
	pattern, _ := inv.Args["pattern"].(string)
	if pattern == "" {
		return ValidationError("pattern is required")
	}
	re, err := globToRegexp(pattern)
	if err != nil {
		return ValidationError(fmt.Sprintf("invalid pattern: %v", err))
	}
	path, _ := inv.Args["path"].(string)
	root, errRes := t.s.resolveDir(path)
	if errRes != nil {
		return errRes
	}

	var found []string
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		if re.MatchString(filepath.ToSlash(rel)) {
			found = append(found, rel)
			if len(found) >= listMaxEntries {
				return fs.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return Interrupted("search was interrupted")
	}
	if len(found) == 0 {
		return Silent("no files match")
	}
	sort.Strings(found)
	return Silent(strings.Join(found, "\n") + "\n")
}

// globToRegexp translates a glob with ** support into an anchored regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	p := filepath.ToSlash(pattern)
	for i := 0; i < len(p); i++ {
		switch c := p[i]; c {
		case '*':
			if i+1 < len(p) && p[i+1] == '*' {
				i++
				// "**/" also matches zero directories
				if i+1 < len(p) && p[i+1] == '/' {
					i++
					b.WriteString(`(?:.*/)?`)
				} else {
					b.WriteString(`.*`)
				}
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			b.WriteString(`\`)
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// ListTool lists one directory level.
type ListTool struct{ s *SearchTools }

func (t *ListTool) Name() string        { return "ls" }
func (t *ListTool) Description() string { return "List the entries of a directory." }
func (t *ListTool) Meta() Meta          { return exploratoryMeta() }
func (t *ListTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory to list (defaults to the workspace)"},
		},
	}
}

func (t *ListTool) Execute(ctx context.Context, inv Invocation) *Result {
	path, _ := inv.Args["path"].(string)
	root, errRes := t.s.resolveDir(path)
	if errRes != nil {
		return errRes
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return UserError(fmt.Sprintf("directory not found: %s", path))
		}
		return SystemError(fmt.Sprintf("failed to list directory: %v", err))
	}
	var b strings.Builder
	for i, e := range entries {
		if i >= listMaxEntries {
			fmt.Fprintf(&b, "... (%d more entries)\n", len(entries)-i)
			break
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name + "\n")
	}
	if b.Len() == 0 {
		return Silent("(empty directory)")
	}
	return Silent(b.String())
}

// TreeTool renders a bounded directory tree.
type TreeTool struct{ s *SearchTools }

func (t *TreeTool) Name() string        { return "tree" }
func (t *TreeTool) Description() string { return "Show a directory tree, depth-limited." }
func (t *TreeTool) Meta() Meta          { return exploratoryMeta() }
func (t *TreeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string", "description": "Root directory (defaults to the workspace)"},
			"depth": map[string]any{"type": "integer", "description": "Maximum depth to descend"},
		},
	}
}

func (t *TreeTool) Execute(ctx context.Context, inv Invocation) *Result {
	path, _ := inv.Args["path"].(string)
	depth := intArg(inv.Args, "depth", treeMaxDepth)
	if depth < 1 || depth > treeMaxDepth {
		depth = treeMaxDepth
	}
	root, errRes := t.s.resolveDir(path)
	if errRes != nil {
		return errRes
	}

	var b strings.Builder
	count := 0
	var walk func(dir, indent string, level int)
	walk = func(dir, indent string, level int) {
		if level > depth || count >= listMaxEntries || ctx.Err() != nil {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if count >= listMaxEntries {
				return
			}
			if e.IsDir() && skipDirs[e.Name()] {
				continue
			}
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			b.WriteString(indent + name + "\n")
			count++
			if e.IsDir() {
				walk(filepath.Join(dir, e.Name()), indent+"  ", level+1)
			}
		}
	}
	walk(root, "", 1)
	if ctx.Err() != nil {
		return Interrupted("tree walk was interrupted")
	}
	if b.Len() == 0 {
		return Silent("(empty directory)")
	}
	return Silent(b.String())
}

// isText rejects binary files by a null-byte scan of the head.
func isText(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	for _, b := range head {
		if b == 0 {
			return false
		}
	}
	return true
}
