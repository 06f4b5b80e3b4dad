package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/allydev/ally/internal/patch"
	"github.com/allydev/ally/internal/readstate"
)

const defaultReadLimit = 2000

// FileTools bundles the shared state of the file tool family: the
// workspace boundary, the read-state tracker enforcing read-before-edit,
// and the patch journal capturing undo pre-images.
type FileTools struct {
	Workspace string
	Restrict  bool
	Tracker   *readstate.Tracker
	Journal   *patch.Journal
}

func NewFileTools(workspace string, restrict bool, tracker *readstate.Tracker, journal *patch.Journal) *FileTools {
	return &FileTools{Workspace: workspace, Restrict: restrict, Tracker: tracker, Journal: journal}
}

// All returns the full file tool set for registration.
func (f *FileTools) All() []Tool {
	return []Tool{
		&ReadTool{f},
		&WriteTool{f},
		&EditTool{f},
		&LineEditTool{f},
		&DeleteTool{f},
	}
}

func (f *FileTools) resolve(path string) (string, *Result) {
	if path == "" {
		return "", ValidationError("path is required")
	}
	resolved, err := resolvePath(path, f.Workspace, f.Restrict)
	if err != nil {
		return "", SecurityError(err.Error())
	}
	return resolved, nil
}

// ReadTool returns a numbered slice of a file and records the range read.
type ReadTool struct{ fs *FileTools }

func (t *ReadTool) Name() string { return "read" }
func (t *ReadTool) Description() string {
	return "Read a file, returning numbered lines. Use offset and limit for large files."
}
func (t *ReadTool) Meta() Meta {
	m := DefaultMeta()
	m.Exploratory = true
	m.ShouldCollapse = true
	return m
}
func (t *ReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":   map[string]any{"type": "string", "description": "Path to the file to read"},
			"offset": map[string]any{"type": "integer", "description": "Line offset to start from (0-based)"},
			"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to return"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) FormatSubtext(args map[string]any) string {
	path, _ := args["path"].(string)
	return path
}

func (t *ReadTool) Execute(ctx context.Context, inv Invocation) *Result {
	path, _ := inv.Args["path"].(string)
	resolved, errRes := t.fs.resolve(path)
	if errRes != nil {
		return errRes
	}
	offset := intArg(inv.Args, "offset", 0)
	limit := intArg(inv.Args, "limit", defaultReadLimit)
	if offset < 0 || limit < 1 {
		return ValidationError("offset must be >= 0 and limit >= 1")
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return UserError(fmt.Sprintf("file not found: %s", path))
		}
		return SystemError(fmt.Sprintf("failed to read file: %v", err))
	}
	lines := splitLines(string(data))
	if len(lines) == 0 {
		return Silent(fmt.Sprintf("%s is empty", path))
	}
	if offset >= len(lines) {
		return ValidationError(fmt.Sprintf("offset %d is past the end of %s (%d lines)", offset, path, len(lines)))
	}
	end := offset + limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := offset; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	t.fs.Tracker.TrackRead(resolved, offset+1, end)
	return Silent(b.String())
}

// WriteTool creates or overwrites a whole file. A successful write marks
// the entire new file as read so it can be edited without a re-read.
type WriteTool struct{ fs *FileTools }

func (t *WriteTool) Name() string { return "write" }
func (t *WriteTool) Description() string {
	return "Create or overwrite a file with the given content."
}
func (t *WriteTool) Meta() Meta {
	m := DefaultMeta()
	m.RequiresConfirmation = true
	return m
}
func (t *WriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path of the file to write"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) FormatSubtext(args map[string]any) string {
	path, _ := args["path"].(string)
	return path
}

func (t *WriteTool) PreviewChanges(_ context.Context, args map[string]any, _ string) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, errRes := t.fs.resolve(path)
	if errRes != nil {
		return "", fmt.Errorf("%s", errRes.Error)
	}
	old, _ := os.ReadFile(resolved)
	return previewDiff(path, string(old), content), nil
}

func (t *WriteTool) Execute(ctx context.Context, inv Invocation) *Result {
	path, _ := inv.Args["path"].(string)
	content, hasContent := inv.Args["content"].(string)
	if !hasContent {
		return ValidationError("content is required")
	}
	resolved, errRes := t.fs.resolve(path)
	if errRes != nil {
		return errRes
	}

	if err := t.fs.Journal.Capture(resolved, patch.OpWrite); err != nil {
		return SystemError(fmt.Sprintf("failed to capture undo state: %v", err))
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return SystemError(fmt.Sprintf("failed to create parent directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return SystemError(fmt.Sprintf("failed to write file: %v", err))
	}

	t.fs.Tracker.ClearFile(resolved)
	if n := countLines(content); n > 0 {
		t.fs.Tracker.TrackRead(resolved, 1, n)
	}
	return UserVisible(fmt.Sprintf("Wrote %d lines to %s", countLines(content), path))
}

// EditTool replaces a string in a file. The whole file's semantics change,
// so all read state for it is cleared on success.
type EditTool struct{ fs *FileTools }

func (t *EditTool) Name() string { return "edit" }
func (t *EditTool) Description() string {
	return "Replace an exact string in a file. The old string must match exactly, including whitespace."
}
func (t *EditTool) Meta() Meta {
	m := DefaultMeta()
	m.RequiresConfirmation = true
	return m
}
func (t *EditTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        map[string]any{"type": "string", "description": "Path of the file to edit"},
			"old_string":  map[string]any{"type": "string", "description": "Exact text to replace"},
			"new_string":  map[string]any{"type": "string", "description": "Replacement text"},
			"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence"},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditTool) FormatSubtext(args map[string]any) string {
	path, _ := args["path"].(string)
	return path
}

func (t *EditTool) ValidateBeforePermission(args map[string]any) *Result {
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	if oldStr == "" {
		return ValidationError("old_string is required")
	}
	if oldStr == newStr {
		return ValidationError("old_string and new_string are identical")
	}
	return nil
}

func (t *EditTool) PreviewChanges(_ context.Context, args map[string]any, _ string) (string, error) {
	path, _ := args["path"].(string)
	resolved, errRes := t.fs.resolve(path)
	if errRes != nil {
		return "", fmt.Errorf("%s", errRes.Error)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	replaceAll, _ := args["replace_all"].(bool)
	updated, ok := applyEdit(string(data), oldStr, newStr, replaceAll)
	if ok != nil {
		return "", ok
	}
	return previewDiff(path, string(data), updated), nil
}

func (t *EditTool) Execute(ctx context.Context, inv Invocation) *Result {
	path, _ := inv.Args["path"].(string)
	oldStr, _ := inv.Args["old_string"].(string)
	newStr, _ := inv.Args["new_string"].(string)
	replaceAll, _ := inv.Args["replace_all"].(bool)

	resolved, errRes := t.fs.resolve(path)
	if errRes != nil {
		return errRes
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return UserError(fmt.Sprintf("file not found: %s", path))
		}
		return SystemError(fmt.Sprintf("failed to read file: %v", err))
	}
	updated, editErr := applyEdit(string(data), oldStr, newStr, replaceAll)
	if editErr != nil {
		return ValidationError(editErr.Error())
	}

	if err := t.fs.Journal.Capture(resolved, patch.OpEdit); err != nil {
		return SystemError(fmt.Sprintf("failed to capture undo state: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return SystemError(fmt.Sprintf("failed to write file: %v", err))
	}

	t.fs.Tracker.ClearFile(resolved)
	return UserVisible(fmt.Sprintf("Edited %s", path))
}

func applyEdit(content, oldStr, newStr string, replaceAll bool) (string, error) {
	n := strings.Count(content, oldStr)
	switch {
	case n == 0:
		return "", fmt.Errorf("old_string not found in file")
	case n > 1 && !replaceAll:
		return "", fmt.Errorf("old_string occurs %d times; make it unique or set replace_all", n)
	}
	if replaceAll {
		return strings.ReplaceAll(content, oldStr, newStr), nil
	}
	return strings.Replace(content, oldStr, newStr, 1), nil
}

// LineEditTool edits a single line position. The target line must have
// been read first; on success coverage at and after the edit is dropped.
type LineEditTool struct{ fs *FileTools }

func (t *LineEditTool) Name() string { return "line-edit" }
func (t *LineEditTool) Description() string {
	return "Replace, insert before, or delete a single line by line number. The line must have been read first."
}
func (t *LineEditTool) Meta() Meta {
	m := DefaultMeta()
	m.RequiresConfirmation = true
	return m
}
func (t *LineEditTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path of the file to edit"},
			"operation": map[string]any{"type": "string", "enum": []string{"replace", "insert", "delete"}},
			"line":      map[string]any{"type": "integer", "description": "1-based line number"},
			"text":      map[string]any{"type": "string", "description": "Text for replace or insert; may span multiple lines"},
		},
		"required": []string{"path", "operation", "line"},
	}
}

func (t *LineEditTool) FormatSubtext(args map[string]any) string {
	path, _ := args["path"].(string)
	line := intArg(args, "line", 0)
	return fmt.Sprintf("%s:%d", path, line)
}

func (t *LineEditTool) ValidateBeforePermission(args map[string]any) *Result {
	path, _ := args["path"].(string)
	resolved, errRes := t.fs.resolve(path)
	if errRes != nil {
		return errRes
	}
	op, _ := args["operation"].(string)
	switch op {
	case "replace", "insert", "delete":
	default:
		return ValidationError(fmt.Sprintf("unknown operation %q; use replace, insert, or delete", op))
	}
	line := intArg(args, "line", 0)
	if line < 1 {
		return ValidationError("line must be >= 1")
	}
	if missing := t.fs.Tracker.ValidateLinesRead(resolved, line, line); len(missing) > 0 {
		return ValidationError(fmt.Sprintf(
			"lines %s of %s have not been read; read them before editing",
			readstate.FormatRanges(missing), path))
	}
	return nil
}

func (t *LineEditTool) PreviewChanges(_ context.Context, args map[string]any, _ string) (string, error) {
	path, _ := args["path"].(string)
	resolved, errRes := t.fs.resolve(path)
	if errRes != nil {
		return "", fmt.Errorf("%s", errRes.Error)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	op, _ := args["operation"].(string)
	line := intArg(args, "line", 0)
	text, _ := args["text"].(string)
	updated, _, applyErr := applyLineEdit(string(data), op, line, text)
	if applyErr != nil {
		return "", applyErr
	}
	return previewDiff(path, string(data), updated), nil
}

func (t *LineEditTool) Execute(ctx context.Context, inv Invocation) *Result {
	path, _ := inv.Args["path"].(string)
	resolved, errRes := t.fs.resolve(path)
	if errRes != nil {
		return errRes
	}
	op, _ := inv.Args["operation"].(string)
	line := intArg(inv.Args, "line", 0)
	text, _ := inv.Args["text"].(string)

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return UserError(fmt.Sprintf("file not found: %s", path))
		}
		return SystemError(fmt.Sprintf("failed to read file: %v", err))
	}
	updated, delta, applyErr := applyLineEdit(string(data), op, line, text)
	if applyErr != nil {
		return ValidationError(applyErr.Error())
	}

	if err := t.fs.Journal.Capture(resolved, patch.OpLineEdit); err != nil {
		return SystemError(fmt.Sprintf("failed to capture undo state: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return SystemError(fmt.Sprintf("failed to write file: %v", err))
	}

	// Anything at or past the edited line can no longer be trusted as
	// read, even when the line count did not change.
	if delta != 0 {
		t.fs.Tracker.InvalidateAfterEdit(resolved, line, delta)
	} else {
		t.fs.Tracker.InvalidateFrom(resolved, line)
	}
	return UserVisible(fmt.Sprintf("Applied %s at %s:%d", op, path, line))
}

// applyLineEdit returns the updated content and the line-count delta.
func applyLineEdit(content, op string, line int, text string) (string, int, error) {
	lines := splitLines(content)
	if line < 1 {
		return "", 0, fmt.Errorf("line must be >= 1")
	}
	maxLine := len(lines)
	if op == "insert" {
		maxLine++ // inserting just past the end appends
	}
	if line > maxLine {
		return "", 0, fmt.Errorf("line %d is past the end of the file (%d lines)", line, len(lines))
	}

	var out []string
	var delta int
	switch op {
	case "replace":
		repl := splitLines(text)
		out = append(out, lines[:line-1]...)
		out = append(out, repl...)
		out = append(out, lines[line:]...)
		delta = len(repl) - 1
	case "insert":
		ins := splitLines(text)
		out = append(out, lines[:line-1]...)
		out = append(out, ins...)
		out = append(out, lines[line-1:]...)
		delta = len(ins)
	case "delete":
		out = append(out, lines[:line-1]...)
		out = append(out, lines[line:]...)
		delta = -1
	default:
		return "", 0, fmt.Errorf("unknown operation %q", op)
	}
	return strings.Join(out, "\n") + "\n", delta, nil
}

// DeleteTool removes a file, capturing its content for undo.
type DeleteTool struct{ fs *FileTools }

func (t *DeleteTool) Name() string        { return "delete" }
func (t *DeleteTool) Description() string { return "Delete a file." }
func (t *DeleteTool) Meta() Meta {
	m := DefaultMeta()
	m.RequiresConfirmation = true
	return m
}
func (t *DeleteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path of the file to delete"},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteTool) FormatSubtext(args map[string]any) string {
	path, _ := args["path"].(string)
	return path
}

func (t *DeleteTool) Execute(ctx context.Context, inv Invocation) *Result {
	path, _ := inv.Args["path"].(string)
	resolved, errRes := t.fs.resolve(path)
	if errRes != nil {
		return errRes
	}
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return UserError(fmt.Sprintf("file not found: %s", path))
		}
		return SystemError(fmt.Sprintf("failed to stat file: %v", err))
	}

	if err := t.fs.Journal.Capture(resolved, patch.OpDelete); err != nil {
		return SystemError(fmt.Sprintf("failed to capture undo state: %v", err))
	}
	if err := os.Remove(resolved); err != nil {
		return SystemError(fmt.Sprintf("failed to delete file: %v", err))
	}
	t.fs.Tracker.ClearFile(resolved)
	return UserVisible(fmt.Sprintf("Deleted %s", path))
}

// intArg reads an integer argument that may arrive as float64 from JSON.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}
