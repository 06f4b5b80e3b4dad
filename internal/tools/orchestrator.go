package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/allydev/ally/internal/bus"
	"github.com/allydev/ally/internal/permissions"
	"github.com/allydev/ally/internal/providers"
)

// ExecOptions carries per-call context from the agent loop.
type ExecOptions struct {
	ParentCallID  string
	AgentKind     string
	AgentDepth    int
	UserInitiated bool
	ContextFile   bool
}

// Orchestrator drives one tool call through its lifecycle: start event,
// pre-validation, diff preview, permission, execution, end event. Failures
// become Results; nothing escapes as a panic or a Go error.
type Orchestrator struct {
	registry *Registry
	bus      *bus.ActivityBus
	perms    *permissions.Broker

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	current  string
}

func NewOrchestrator(registry *Registry, b *bus.ActivityBus, perms *permissions.Broker) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		bus:      b,
		perms:    perms,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Registry returns the tool set this orchestrator draws from.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// CurrentCallID returns the most recently started call, for streaming.
func (o *Orchestrator) CurrentCallID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Execute runs one tool call to completion and returns its result.
func (o *Orchestrator) Execute(ctx context.Context, call providers.ToolCall, opts ExecOptions) *Result {
	callID := call.ID
	if callID == "" {
		callID = uuid.NewString()
	}
	name := call.Function.Name
	args := call.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}

	o.emit(bus.EventToolCallStart, callID, opts.ParentCallID, map[string]any{
		"tool": name,
		"args": args,
	})

	result := o.run(ctx, callID, name, args, opts)

	event := bus.EventToolCallEnd
	if !result.Success && result.ErrorType != ErrPermission && !result.IsInterrupted() {
		event = bus.EventError
	}
	o.emit(event, callID, opts.ParentCallID, map[string]any{
		"tool":   name,
		"result": result,
	})
	return result
}

func (o *Orchestrator) run(ctx context.Context, callID, name string, args map[string]any, opts ExecOptions) (result *Result) {
	tool, err := o.registry.Get(name)
	if err != nil {
		return SystemError(err.Error())
	}
	meta := tool.Meta()
	if !visibleTo(meta, opts.AgentKind) {
		return SystemError(fmt.Sprintf("tool %s is not available to this agent", name))
	}

	if v, ok := tool.(PreValidator); ok {
		if r := v.ValidateBeforePermission(args); r != nil {
			return r
		}
	}

	if p, ok := tool.(Previewer); ok {
		if diff, perr := p.PreviewChanges(ctx, args, callID); perr != nil {
			slog.Debug("tool preview failed", "tool", name, "error", perr)
		} else if diff != "" {
			o.emit(bus.EventDiffPreview, callID, opts.ParentCallID, map[string]any{
				"tool": name,
				"diff": diff,
			})
		}
	}

	if meta.RequiresConfirmation {
		req := permissions.Request{
			CallID:     callID,
			ToolName:   name,
			Summary:    subtext(tool, args),
			PatternKey: patternKey(tool, name, args),
		}
		if !o.perms.Allowed(ctx, req) {
			return PermissionDenied(permissions.DeniedMessage)
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.inflight[callID] = cancel
	o.current = callID
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, callID)
		if o.current == callID {
			o.current = ""
		}
		o.mu.Unlock()
	}()

	callCtx = WithCallID(callCtx, callID)
	callCtx = WithParentCallID(callCtx, opts.ParentCallID)
	callCtx = WithAgentDepth(callCtx, opts.AgentDepth)
	callCtx = WithAgentKind(callCtx, opts.AgentKind)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", name, "panic", r, "stack", string(debug.Stack()))
			result = SystemError(fmt.Sprintf("tool %s failed internally: %v", name, r))
		}
	}()

	result = tool.Execute(callCtx, Invocation{
		CallID:        callID,
		Args:          args,
		UserInitiated: opts.UserInitiated,
		ContextFile:   opts.ContextFile,
	})
	if result == nil {
		result = SystemError(fmt.Sprintf("tool %s returned no result", name))
	}
	if callCtx.Err() != nil && result.Success {
		// The call was cancelled; a success that raced the cancel still
		// reports as interrupted so the loop terminates the turn.
		result = Interrupted("tool execution was interrupted")
	}
	return result
}

// EmitOutputChunk streams a chunk of long-running tool output. Chunks are
// opaque to the orchestrator.
func (o *Orchestrator) EmitOutputChunk(callID, chunk string) {
	if callID == "" {
		callID = o.CurrentCallID()
	}
	o.emit(bus.EventOutputChunk, callID, "", map[string]any{"chunk": chunk})
}

// Interrupt cancels one in-flight call.
func (o *Orchestrator) Interrupt(callID string) {
	o.mu.Lock()
	cancel := o.inflight[callID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// InterruptAll cancels every in-flight call.
func (o *Orchestrator) InterruptAll() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.inflight))
	for _, c := range o.inflight {
		cancels = append(cancels, c)
	}
	o.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (o *Orchestrator) emit(t bus.EventType, callID, parentID string, data map[string]any) {
	if o.bus == nil {
		return
	}
	data["call_id"] = callID
	o.bus.Emit(bus.Event{Type: t, ParentID: parentID, Data: data})
}

func subtext(t Tool, args map[string]any) string {
	if f, ok := t.(SubtextFormatter); ok {
		if s := f.FormatSubtext(args); s != "" {
			return s
		}
	}
	return t.Name()
}

// patternKey derives the allow-list key for the call. File tools key on the
// path, the shell tool keys on the first command word.
func patternKey(t Tool, name string, args map[string]any) string {
	if path, ok := args["path"].(string); ok && path != "" {
		return permissions.PatternKey(name, path)
	}
	if cmd, ok := args["command"].(string); ok && cmd != "" {
		return permissions.PatternKey(name, firstWord(cmd))
	}
	return permissions.PatternKey(name, "")
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			return s[:i]
		}
	}
	return s
}
