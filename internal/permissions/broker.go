// Package permissions mediates tool confirmation between the runtime and
// the UI collaborator. The broker owns the ask timeout, the auto-confirm
// switch, and the per-pattern allow lists that let a user approve a class
// of calls once.
package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"
)

// DeniedMessage is the canonical user-facing denial text. Tools surface it
// verbatim so denials never leak tool internals.
const DeniedMessage = "Permission denied. Tell Ally what to do instead."

// DefaultAskTimeout bounds how long the broker waits for the UI.
const DefaultAskTimeout = 30 * time.Second

// Request describes one confirmation ask.
type Request struct {
	CallID   string
	ToolName string
	// Summary is the human-readable description shown to the user
	// (e.g. the shell command, or "write 120 lines to main.go").
	Summary string
	// PatternKey is the string matched against allow patterns, typically
	// "<tool>:<subject>" such as "exec:npm test" or "write:/src/main.go".
	PatternKey string
}

// Response is the UI's answer.
type Response struct {
	Approved bool
	// AlwaysAllow asks the broker to remember the request's pattern.
	AlwaysAllow bool
}

// Asker is implemented by the UI collaborator.
type Asker interface {
	AskPermission(ctx context.Context, req Request) (Response, error)
}

// AskerFunc adapts a function to the Asker interface.
type AskerFunc func(ctx context.Context, req Request) (Response, error)

func (f AskerFunc) AskPermission(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Broker resolves permission requests.
type Broker struct {
	asker       Asker
	timeout     time.Duration
	autoConfirm bool

	mu            sync.Mutex
	allowPatterns []string
}

// Option configures a Broker.
type Option func(*Broker)

// WithTimeout overrides the ask timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

// WithAutoConfirm approves every request without asking.
func WithAutoConfirm(on bool) Option {
	return func(b *Broker) { b.autoConfirm = on }
}

// WithAllowPatterns seeds the allow list (config-provided patterns).
func WithAllowPatterns(patterns []string) Option {
	return func(b *Broker) { b.allowPatterns = append(b.allowPatterns, patterns...) }
}

// NewBroker creates a broker asking the given UI collaborator.
func NewBroker(asker Asker, opts ...Option) *Broker {
	b := &Broker{asker: asker, timeout: DefaultAskTimeout}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allowed reports whether req is approved. Resolution order: auto-confirm,
// allow-pattern match, then the UI ask bounded by the timeout. A timeout or
// ask failure counts as denial, never silently approve.
func (b *Broker) Allowed(ctx context.Context, req Request) bool {
	if b.autoConfirm {
		return true
	}
	if b.matchesAllowList(req.PatternKey) {
		return true
	}
	if b.asker == nil {
		slog.Warn("permission requested with no asker wired, denying",
			"tool", req.ToolName, "call_id", req.CallID)
		return false
	}

	askCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.asker.AskPermission(askCtx, req)
	if err != nil {
		slog.Warn("permission ask failed, denying",
			"tool", req.ToolName, "call_id", req.CallID, "error", err)
		return false
	}
	if resp.Approved && resp.AlwaysAllow && req.PatternKey != "" {
		b.AllowPattern(req.PatternKey)
	}
	return resp.Approved
}

// AllowPattern adds a pattern to the allow list. Patterns use path.Match
// syntax against the request's PatternKey ("exec:npm *", "write:/src/*").
func (b *Broker) AllowPattern(pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowPatterns = append(b.allowPatterns, pattern)
}

// AllowPatterns returns a copy of the current allow list.
func (b *Broker) AllowPatterns() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.allowPatterns...)
}

func (b *Broker) matchesAllowList(key string) bool {
	if key == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.allowPatterns {
		if ok, err := path.Match(p, key); err == nil && ok {
			return true
		}
		if p == key {
			return true
		}
	}
	return false
}

// PatternKey builds the canonical "<tool>:<subject>" pattern key.
func PatternKey(tool, subject string) string {
	return fmt.Sprintf("%s:%s", tool, subject)
}
