// Package patch captures pre-images of files before mutating tools commit,
// so the most recent change can be undone. Patches are numbered per session
// and bounded by a count cap and a total-size cap; when either cap is hit
// the oldest patch is dropped.
package patch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Op identifies the mutating operation a patch protects against.
type Op string

const (
	OpWrite    Op = "write"
	OpEdit     Op = "edit"
	OpLineEdit Op = "line-edit"
	OpDelete   Op = "delete"
)

// Patch is one captured pre-image.
type Patch struct {
	Seq        int         `json:"seq"`
	Path       string      `json:"path"`
	Op         Op          `json:"op"`
	Existed    bool        `json:"existed"` // file existed before the mutation
	Content    []byte      `json:"content,omitempty"`
	Mode       os.FileMode `json:"mode,omitempty"`
	CapturedAt time.Time   `json:"captured_at"`
}

// Journal holds the undo stack for one session.
type Journal struct {
	mu         sync.Mutex
	patches    []Patch
	nextSeq    int
	totalBytes int

	maxCount int
	maxBytes int
}

const (
	defaultMaxCount = 50
	defaultMaxBytes = 10 << 20
)

// New creates a journal with the given caps; zero values use the defaults.
func New(maxCount, maxBytes int) *Journal {
	if maxCount <= 0 {
		maxCount = defaultMaxCount
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Journal{maxCount: maxCount, maxBytes: maxBytes, nextSeq: 1}
}

// Capture records the current state of path before a mutation. Must be
// called before the tool writes. A missing file is recorded as Existed=false
// so undoing a create removes the file again.
func (j *Journal) Capture(path string, op Op) error {
	p := Patch{Path: path, Op: op, CapturedAt: time.Now()}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("patch: read pre-image of %s: %w", path, readErr)
		}
		p.Existed = true
		p.Content = content
		p.Mode = info.Mode()
	case os.IsNotExist(err):
		p.Existed = false
	default:
		return fmt.Errorf("patch: stat %s: %w", path, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	p.Seq = j.nextSeq
	j.nextSeq++
	j.patches = append(j.patches, p)
	j.totalBytes += len(p.Content)
	j.enforceCaps()
	return nil
}

// enforceCaps drops oldest patches until both caps hold. Caller holds mu.
func (j *Journal) enforceCaps() {
	for len(j.patches) > j.maxCount || (j.totalBytes > j.maxBytes && len(j.patches) > 1) {
		dropped := j.patches[0]
		j.patches = j.patches[1:]
		j.totalBytes -= len(dropped.Content)
		slog.Debug("patch journal cap hit, dropped oldest",
			"seq", dropped.Seq, "path", dropped.Path)
	}
}

// Undo replays the most recent patch: restores the pre-image content, or
// removes the file when it did not exist before the mutation. Returns the
// undone patch, or an error when the journal is empty.
func (j *Journal) Undo() (*Patch, error) {
	j.mu.Lock()
	if len(j.patches) == 0 {
		j.mu.Unlock()
		return nil, fmt.Errorf("patch: nothing to undo")
	}
	p := j.patches[len(j.patches)-1]
	j.patches = j.patches[:len(j.patches)-1]
	j.totalBytes -= len(p.Content)
	j.mu.Unlock()

	if !p.Existed {
		if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("patch: undo create of %s: %w", p.Path, err)
		}
		return &p, nil
	}

	mode := p.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return nil, fmt.Errorf("patch: undo %s: %w", p.Path, err)
	}
	if err := os.WriteFile(p.Path, p.Content, mode.Perm()); err != nil {
		return nil, fmt.Errorf("patch: restore %s: %w", p.Path, err)
	}
	return &p, nil
}

// Len returns the number of stored patches.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.patches)
}

// TotalBytes returns the summed pre-image size of all stored patches.
func (j *Journal) TotalBytes() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totalBytes
}

// Clear drops all patches.
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.patches = nil
	j.totalBytes = 0
}
