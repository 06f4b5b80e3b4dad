// Package background supervises long-lived child processes and background
// agent executions: bounded ring-buffered output, filtered reads, and
// lifecycle control by ID.
package background

import (
	"regexp"
	"sync"
)

// DefaultRingCapacity bounds the lines kept per task. Large enough for a
// chatty build, small enough that a runaway loop cannot grow memory.
const DefaultRingCapacity = 10000

// LineRing is a fixed-capacity ring buffer of output lines. Appends past
// capacity overwrite the oldest line, so size never exceeds capacity.
type LineRing struct {
	mu    sync.Mutex
	lines []string
	head  int // index of the oldest line
	count int
}

func NewLineRing(capacity int) *LineRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &LineRing{lines: make([]string, capacity)}
}

// Append adds one line, evicting the oldest when full.
func (r *LineRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.count) % len(r.lines)
	r.lines[idx] = line
	if r.count < len(r.lines) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.lines)
	}
}

// Len returns the number of buffered lines.
func (r *LineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Capacity returns the fixed capacity.
func (r *LineRing) Capacity() int {
	return len(r.lines)
}

// Tail returns up to n of the most recent lines, oldest first. A non-nil
// filter keeps only matching lines; the filter applies before the count, so
// the result is the last n matching lines. n <= 0 means all.
func (r *LineRing) Tail(n int, filter *regexp.Regexp) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]string, 0, r.count)
	for i := 0; i < r.count; i++ {
		line := r.lines[(r.head+i)%len(r.lines)]
		if filter == nil || filter.MatchString(line) {
			matched = append(matched, line)
		}
	}
	if n > 0 && len(matched) > n {
		matched = matched[len(matched)-n:]
	}
	return matched
}
