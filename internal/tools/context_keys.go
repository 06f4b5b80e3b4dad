package tools

import "context"

// Tool execution context keys. These replace mutable setter fields on tool
// instances so tools stay safe under concurrent execution; values are
// injected by the orchestrator and read by individual tools during Execute.

type toolContextKey string

const (
	ctxCallID       toolContextKey = "tool_call_id"
	ctxParentCallID toolContextKey = "tool_parent_call_id"
	ctxAgentDepth   toolContextKey = "tool_agent_depth"
	ctxAgentKind    toolContextKey = "tool_agent_kind"
)

func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCallID, id)
}

func CallIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxCallID).(string)
	return v
}

func WithParentCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxParentCallID, id)
}

func ParentCallIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxParentCallID).(string)
	return v
}

func WithAgentDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, ctxAgentDepth, depth)
}

func AgentDepthFromCtx(ctx context.Context) int {
	v, _ := ctx.Value(ctxAgentDepth).(int)
	return v
}

func WithAgentKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, ctxAgentKind, kind)
}

func AgentKindFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentKind).(string)
	return v
}
