// Package watchdog implements the per-agent activity watchdog: a periodic
// check of time-since-last-tool-call with refcounted pause/resume so a
// parent's timer stops while a delegated child is doing the work.
package watchdog

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInterval is the tick period of the background check.
	DefaultInterval = 10 * time.Second
	// DefaultTimeout is how long without activity before the callback fires.
	DefaultTimeout = 3 * time.Minute
	// pauseSafetyCap recovers from unbalanced pause/resume pairings: a
	// count above the cap is reset rather than wedging the watchdog.
	pauseSafetyCap = 10
)

// Watchdog fires a callback when no activity has been recorded within the
// timeout. The callback runs on the watchdog goroutine and must not block.
type Watchdog struct {
	interval  time.Duration
	timeout   time.Duration
	onTimeout func()

	mu           sync.Mutex
	lastActivity time.Time
	pauseCount   int
	running      bool
	stopCh       chan struct{}
	stopped      bool
}

// New creates a stopped watchdog. Zero durations use the defaults.
func New(interval, timeout time.Duration, onTimeout func()) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Watchdog{interval: interval, timeout: timeout, onTimeout: onTimeout}
}

// Start begins the periodic check and records the start as activity.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = false
	w.lastActivity = time.Now()
	w.startLocked()
}

// startLocked launches the ticker goroutine. Caller holds mu.
func (w *Watchdog) startLocked() {
	if w.running || w.stopped {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	go w.run(w.stopCh)
}

// stopLocked halts the ticker goroutine. Caller holds mu.
func (w *Watchdog) stopLocked() {
	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
}

func (w *Watchdog) run(stopCh chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			expired := w.running && time.Since(w.lastActivity) > w.timeout
			if expired {
				// Reset so one stall fires once per timeout window.
				w.lastActivity = time.Now()
			}
			cb := w.onTimeout
			w.mu.Unlock()
			if expired && cb != nil {
				cb()
			}
		}
	}
}

// RecordActivity resets the inactivity clock.
func (w *Watchdog) RecordActivity() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActivity = time.Now()
}

// Pause increments the pause refcount, stopping the ticker on the first
// pause. Counts above the safety cap indicate a pairing bug and reset the
// count rather than wedging.
func (w *Watchdog) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pauseCount++
	if w.pauseCount > pauseSafetyCap {
		slog.Warn("watchdog pause count exceeded safety cap, resetting", "count", w.pauseCount)
		w.pauseCount = 0
		w.lastActivity = time.Now()
		w.startLocked()
		return
	}
	if w.pauseCount == 1 {
		w.stopLocked()
	}
}

// Resume decrements the pause refcount, restarting the ticker when the
// count returns to zero. delegationSucceeded controls whether the resume
// counts as progress: a failing child must NOT reset the parent's clock, so
// the parent still times out on schedule.
func (w *Watchdog) Resume(delegationSucceeded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pauseCount > 0 {
		w.pauseCount--
	}
	if delegationSucceeded {
		w.lastActivity = time.Now()
	}
	if w.pauseCount == 0 {
		w.startLocked()
	}
}

// Stop halts the watchdog permanently (until the next Start).
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.pauseCount = 0
	w.stopLocked()
}

// Running reports whether the ticker is currently active.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// PauseCount returns the current refcount, for tests and diagnostics.
func (w *Watchdog) PauseCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pauseCount
}
