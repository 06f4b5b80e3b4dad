// Package loopdetect watches an accumulating text stream (model content or
// thinking) for degenerate patterns such as verbatim repetition or a stall,
// and fires a callback so the agent can nudge or interrupt the model.
package loopdetect

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultWarmup is how long after Start before checks begin.
	DefaultWarmup = 15 * time.Second
	// DefaultCheckInterval is the period between pattern evaluations.
	DefaultCheckInterval = 2 * time.Second
	// DefaultRepetitionCount is the occurrence threshold for the
	// repetition pattern.
	DefaultRepetitionCount = 3
	// DefaultRepetitionWindow is the trailing character window scanned
	// for repetition.
	DefaultRepetitionWindow = 600
	// DefaultStallTimeout is how long without new characters before the
	// stall pattern matches.
	DefaultStallTimeout = 30 * time.Second

	repetitionChunkLen = 40
)

// Pattern inspects the accumulated stream and reports whether it matched.
// Patterns run on the detector goroutine and must be fast.
type Pattern interface {
	Name() string
	// Check receives the full accumulated text and the time of the last
	// append.
	Check(text string, lastAppend time.Time) bool
}

// Detection describes the first pattern that matched.
type Detection struct {
	Pattern string
	Sample  string
}

// Config configures a Detector. Zero values use the defaults.
type Config struct {
	Warmup        time.Duration
	CheckInterval time.Duration
	Patterns      []Pattern
	OnDetected    func(Detection)
}

// Detector accumulates streamed text and periodically evaluates the
// configured patterns in order. The first match fires the callback once;
// the detector then disarms until Reset.
type Detector struct {
	cfg Config

	mu         sync.Mutex
	buf        strings.Builder
	started    time.Time
	lastAppend time.Time
	fired      bool
	running    bool
	stopCh     chan struct{}
}

// New creates a stopped detector. A nil pattern list installs the default
// set (repetition, stall).
func New(cfg Config) *Detector {
	if cfg.Warmup <= 0 {
		cfg.Warmup = DefaultWarmup
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Patterns == nil {
		cfg.Patterns = []Pattern{
			NewRepetitionPattern(DefaultRepetitionCount, DefaultRepetitionWindow),
			NewStallPattern(DefaultStallTimeout),
		}
	}
	return &Detector{cfg: cfg}
}

// Start resets the stream and begins periodic checks after the warmup.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.fired = false
	d.buf.Reset()
	now := time.Now()
	d.started = now
	d.lastAppend = now
	d.stopCh = make(chan struct{})
	go d.run(d.stopCh)
}

// Stop halts checking. Accumulated text is kept until the next Start.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
}

// Feed appends streamed text to the accumulator.
func (d *Detector) Feed(text string) {
	if text == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.WriteString(text)
	d.lastAppend = time.Now()
}

// Reset clears the accumulator and re-arms the callback, restarting the
// warmup window. Called between model turns.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf.Reset()
	d.fired = false
	now := time.Now()
	d.started = now
	d.lastAppend = now
}

func (d *Detector) run(stopCh chan struct{}) {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.check()
		}
	}
}

func (d *Detector) check() {
	d.mu.Lock()
	if d.fired || time.Since(d.started) < d.cfg.Warmup {
		d.mu.Unlock()
		return
	}
	text := d.buf.String()
	last := d.lastAppend
	var det *Detection
	for _, p := range d.cfg.Patterns {
		if p.Check(text, last) {
			d.fired = true
			det = &Detection{Pattern: p.Name(), Sample: tail(text, 120)}
			break
		}
	}
	cb := d.cfg.OnDetected
	d.mu.Unlock()
	if det != nil {
		slog.Warn("loop detected in model stream", "pattern", det.Pattern)
		if cb != nil {
			cb(*det)
		}
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// RepetitionPattern matches when the trailing chunk of the stream occurs at
// least count times within the trailing window.
type RepetitionPattern struct {
	count  int
	window int
}

func NewRepetitionPattern(count, window int) *RepetitionPattern {
	if count <= 0 {
		count = DefaultRepetitionCount
	}
	if window <= 0 {
		window = DefaultRepetitionWindow
	}
	return &RepetitionPattern{count: count, window: window}
}

func (p *RepetitionPattern) Name() string { return "repetition" }

func (p *RepetitionPattern) Check(text string, _ time.Time) bool {
	if len(text) < repetitionChunkLen*p.count {
		return false
	}
	window := tail(text, p.window)
	chunk := window[len(window)-repetitionChunkLen:]
	if strings.TrimSpace(chunk) == "" {
		return false
	}
	return strings.Count(window, chunk) >= p.count
}

// StallPattern matches when no characters have arrived for the timeout.
type StallPattern struct {
	timeout time.Duration
}

func NewStallPattern(timeout time.Duration) *StallPattern {
	if timeout <= 0 {
		timeout = DefaultStallTimeout
	}
	return &StallPattern{timeout: timeout}
}

func (p *StallPattern) Name() string { return "stall" }

func (p *StallPattern) Check(_ string, lastAppend time.Time) bool {
	return time.Since(lastAppend) > p.timeout
}
