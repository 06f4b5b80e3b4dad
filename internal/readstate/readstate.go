// Package readstate tracks which line ranges of which files the model has
// read, enforcing read-before-edit. Ranges are inclusive and 1-indexed.
// Per file the tracker keeps a sorted list of non-overlapping ranges; two
// ranges are merged when the gap between them is at most one line, which
// bounds storage per file regardless of read churn.
package readstate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Range is an inclusive, 1-indexed line span.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// FormatRanges renders ranges compactly ("12, 30-40") for error messages so
// the model can re-read precisely what is missing.
func FormatRanges(ranges []Range) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

// Tracker keeps per-file read ranges.
type Tracker struct {
	mu    sync.Mutex
	files map[string][]Range
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{files: make(map[string][]Range)}
}

// TrackRead records that [start, end] of path has been read. Invalid inputs
// (start < 1 or end < start) are programmer errors and panic.
func (t *Tracker) TrackRead(path string, start, end int) {
	if start < 1 || end < start {
		panic(fmt.Sprintf("readstate: invalid range %d-%d for %s", start, end, path))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[path] = insertMerged(t.files[path], Range{Start: start, End: end})
}

// insertMerged inserts r into sorted ranges, merging any range that overlaps
// or is adjacent (gap of zero or one line).
func insertMerged(ranges []Range, r Range) []Range {
	out := make([]Range, 0, len(ranges)+1)
	placed := false
	for _, cur := range ranges {
		switch {
		case cur.End+2 < r.Start: // cur entirely before r, gap > 1
			out = append(out, cur)
		case r.End+2 < cur.Start: // cur entirely after r
			if !placed {
				out = append(out, r)
				placed = true
			}
			out = append(out, cur)
		default: // overlap or adjacency: absorb cur into r
			if cur.Start < r.Start {
				r.Start = cur.Start
			}
			if cur.End > r.End {
				r.End = cur.End
			}
		}
	}
	if !placed {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// ValidateLinesRead reports the minimal set of sub-ranges of [start, end]
// that have not been read for path. An empty result means fully covered.
func (t *Tracker) ValidateLinesRead(path string, start, end int) []Range {
	if start < 1 || end < start {
		panic(fmt.Sprintf("readstate: invalid range %d-%d for %s", start, end, path))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var missing []Range
	cursor := start
	for _, r := range t.files[path] {
		if r.End < cursor {
			continue
		}
		if r.Start > end {
			break
		}
		if r.Start > cursor {
			missing = append(missing, Range{Start: cursor, End: r.Start - 1})
		}
		if r.End >= cursor {
			cursor = r.End + 1
		}
		if cursor > end {
			break
		}
	}
	if cursor <= end {
		missing = append(missing, Range{Start: cursor, End: end})
	}
	return missing
}

// InvalidateAfterEdit drops read state made stale by an edit at editLine that
// shifted lines by lineDelta. Conservative: ranges entirely before editLine
// are kept, a range containing editLine is truncated to end at editLine-1,
// and ranges at or after editLine are dropped. lineDelta of zero (an
// in-place replacement) is a no-op.
func (t *Tracker) InvalidateAfterEdit(path string, editLine, lineDelta int) {
	if lineDelta == 0 {
		return
	}
	t.InvalidateFrom(path, editLine)
}

// InvalidateFrom unconditionally drops coverage at or after editLine,
// truncating a range that straddles it. Used by edit tools that change a
// line's content in place: the line count is unchanged but anything at or
// past the edit can no longer be trusted as read.
func (t *Tracker) InvalidateFrom(path string, editLine int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ranges := t.files[path]
	var kept []Range
	for _, r := range ranges {
		switch {
		case r.End < editLine:
			kept = append(kept, r)
		case r.Start < editLine:
			kept = append(kept, Range{Start: r.Start, End: editLine - 1})
		}
	}
	if len(kept) == 0 {
		delete(t.files, path)
		return
	}
	t.files[path] = kept
}

// ClearFile drops all read state for path.
func (t *Tracker) ClearFile(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.files, path)
}

// Reset drops all read state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = make(map[string][]Range)
}

// Ranges returns a copy of the stored ranges for path, sorted by start.
func (t *Tracker) Ranges(path string) []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Range(nil), t.files[path]...)
}
