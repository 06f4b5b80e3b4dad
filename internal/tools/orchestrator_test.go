package tools

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/allydev/ally/internal/bus"
	"github.com/allydev/ally/internal/permissions"
	"github.com/allydev/ally/internal/providers"
)

// stubTool is a configurable tool for orchestrator tests.
type stubTool struct {
	name     string
	meta     Meta
	validate func(args map[string]any) *Result
	preview  string
	execute  func(ctx context.Context, inv Invocation) *Result
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub" }
func (s *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) Meta() Meta                 { return s.meta }

func (s *stubTool) ValidateBeforePermission(args map[string]any) *Result {
	if s.validate == nil {
		return nil
	}
	return s.validate(args)
}

func (s *stubTool) PreviewChanges(_ context.Context, _ map[string]any, _ string) (string, error) {
	return s.preview, nil
}

func (s *stubTool) Execute(ctx context.Context, inv Invocation) *Result {
	if s.execute == nil {
		return Ok("done")
	}
	return s.execute(ctx, inv)
}

type collected struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *collected) add(e bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collected) types() []bus.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func newTestOrchestrator(t *testing.T, tools ...Tool) (*Orchestrator, *collected) {
	t.Helper()
	reg := NewRegistry()
	for _, tl := range tools {
		reg.Register(tl)
	}
	b := bus.New()
	c := &collected{}
	b.Subscribe(bus.EventAll, c.add)
	broker := permissions.NewBroker(nil, permissions.WithAutoConfirm(true))
	return NewOrchestrator(reg, b, broker), c
}

func call(name string, args map[string]any) providers.ToolCall {
	return providers.ToolCall{
		ID:       "call-1",
		Type:     "function",
		Function: providers.ToolFunction{Name: name, Arguments: args},
	}
}

func TestExecuteEmitsStartAndEnd(t *testing.T) {
	o, c := newTestOrchestrator(t, &stubTool{name: "ok", meta: DefaultMeta()})

	res := o.Execute(context.Background(), call("ok", nil), ExecOptions{})
	if !res.Success {
		t.Fatalf("Execute: %+v", res)
	}
	types := c.types()
	if len(types) != 2 || types[0] != bus.EventToolCallStart || types[1] != bus.EventToolCallEnd {
		t.Fatalf("events = %v", types)
	}
}

func TestUnknownToolIsSystemError(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	res := o.Execute(context.Background(), call("nope", nil), ExecOptions{})
	if res.Success || res.ErrorType != ErrSystem {
		t.Fatalf("got %+v, want system_error", res)
	}
}

func TestPreValidationShortCircuits(t *testing.T) {
	executed := false
	o, _ := newTestOrchestrator(t, &stubTool{
		name: "guarded",
		meta: DefaultMeta(),
		validate: func(map[string]any) *Result {
			return ValidationError("bad args")
		},
		execute: func(context.Context, Invocation) *Result {
			executed = true
			return Ok("done")
		},
	})
	res := o.Execute(context.Background(), call("guarded", nil), ExecOptions{})
	if res.Success || res.ErrorType != ErrValidation {
		t.Fatalf("got %+v, want validation_error", res)
	}
	if executed {
		t.Fatal("execute ran despite failed pre-validation")
	}
}

func TestDiffPreviewEmittedBeforePermission(t *testing.T) {
	tool := &stubTool{name: "mutator", meta: DefaultMeta(), preview: "-old\n+new\n"}
	tool.meta.RequiresConfirmation = true
	o, c := newTestOrchestrator(t, tool)

	res := o.Execute(context.Background(), call("mutator", map[string]any{"path": "/f"}), ExecOptions{})
	if !res.Success {
		t.Fatalf("Execute: %+v", res)
	}
	types := c.types()
	if len(types) != 3 || types[1] != bus.EventDiffPreview {
		t.Fatalf("events = %v, want diff-preview second", types)
	}
}

func TestPermissionDenialIsCanonical(t *testing.T) {
	tool := &stubTool{name: "danger", meta: DefaultMeta()}
	tool.meta.RequiresConfirmation = true

	reg := NewRegistry()
	reg.Register(tool)
	deny := permissions.AskerFunc(func(ctx context.Context, req permissions.Request) (permissions.Response, error) {
		return permissions.Response{Approved: false}, nil
	})
	o := NewOrchestrator(reg, bus.New(), permissions.NewBroker(deny))

	res := o.Execute(context.Background(), call("danger", nil), ExecOptions{})
	if res.Success || res.ErrorType != ErrPermission {
		t.Fatalf("got %+v, want permission_error", res)
	}
	if res.Error != permissions.DeniedMessage {
		t.Fatalf("denial message = %q, want canonical", res.Error)
	}
}

func TestPanicBecomesSystemError(t *testing.T) {
	o, _ := newTestOrchestrator(t, &stubTool{
		name: "bomb",
		meta: DefaultMeta(),
		execute: func(context.Context, Invocation) *Result {
			panic("boom")
		},
	})
	res := o.Execute(context.Background(), call("bomb", nil), ExecOptions{})
	if res.Success || res.ErrorType != ErrSystem {
		t.Fatalf("got %+v, want system_error", res)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Fatalf("panic value lost: %s", res.Error)
	}
}

func TestInterruptCancelsInFlightCall(t *testing.T) {
	started := make(chan struct{})
	o, _ := newTestOrchestrator(t, &stubTool{
		name: "slow",
		meta: DefaultMeta(),
		execute: func(ctx context.Context, inv Invocation) *Result {
			close(started)
			select {
			case <-ctx.Done():
				return Interrupted("cancelled mid-flight")
			case <-time.After(5 * time.Second):
				return Ok("too late")
			}
		},
	})

	done := make(chan *Result, 1)
	go func() {
		done <- o.Execute(context.Background(), call("slow", nil), ExecOptions{})
	}()
	<-started
	o.InterruptAll()

	select {
	case res := <-done:
		if !res.IsInterrupted() {
			t.Fatalf("got %+v, want interrupted", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interrupted tool did not return in bounded time")
	}
}

func TestVisibilityEnforced(t *testing.T) {
	tool := &stubTool{name: "planner-only", meta: DefaultMeta()}
	tool.meta.VisibleTo = []string{"plan"}
	o, _ := newTestOrchestrator(t, tool)

	res := o.Execute(context.Background(), call("planner-only", nil), ExecOptions{AgentKind: "general"})
	if res.Success || res.ErrorType != ErrSystem {
		t.Fatalf("got %+v, want system_error for invisible tool", res)
	}
	res = o.Execute(context.Background(), call("planner-only", nil), ExecOptions{AgentKind: "plan"})
	if !res.Success {
		t.Fatalf("visible call failed: %+v", res)
	}
}

func TestMissingCallIDIsSynthesized(t *testing.T) {
	o, c := newTestOrchestrator(t, &stubTool{name: "ok", meta: DefaultMeta()})
	tc := call("ok", nil)
	tc.ID = ""
	res := o.Execute(context.Background(), tc, ExecOptions{})
	if !res.Success {
		t.Fatalf("Execute: %+v", res)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, _ := c.events[0].Data["call_id"].(string); id == "" {
		t.Fatal("call_id not synthesized")
	}
}
