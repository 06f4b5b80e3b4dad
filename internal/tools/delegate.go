package tools

import (
	"context"
	"fmt"
	"strings"
)

// MaxAgentDepth is the nesting cap for delegation. The root agent is depth
// 0; a tool call at depth MaxAgentDepth may not spawn another child.
const MaxAgentDepth = 3

// DelegateRequest asks the agent layer to run a sub-agent task.
type DelegateRequest struct {
	AgentKind  string
	Prompt     string
	CallID     string
	Depth      int
	Background bool
}

// DelegateOutcome is what came back from the sub-agent.
type DelegateOutcome struct {
	Answer      string
	TaskID      string // set for background delegations
	Interrupted bool
	Err         error
}

// Delegator is implemented by the agent layer; the tool stays decoupled
// from the loop it spawns.
type Delegator interface {
	Delegate(ctx context.Context, req DelegateRequest) DelegateOutcome
	AgentKinds() []string
}

// AgentTool hands a task to a specialized sub-agent.
type AgentTool struct {
	delegator Delegator
}

func NewAgentTool(d Delegator) *AgentTool {
	return &AgentTool{delegator: d}
}

func (t *AgentTool) Name() string { return "agent" }
func (t *AgentTool) Description() string {
	return "Delegate a self-contained task to a sub-agent. Use run_in_background for long tasks and poll with bash-output."
}
func (t *AgentTool) Meta() Meta {
	m := DefaultMeta()
	m.UsageGuidance = "Prefer delegating multi-step exploration to the agent tool instead of long chains of read and grep calls."
	return m
}
func (t *AgentTool) Parameters() map[string]any {
	kinds := t.delegator.AgentKinds()
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":             map[string]any{"type": "string", "enum": kinds, "description": "Which sub-agent to run"},
			"prompt":            map[string]any{"type": "string", "description": "Complete, self-contained task description"},
			"run_in_background": map[string]any{"type": "boolean", "description": "Fire and forget; returns a task id"},
		},
		"required": []string{"agent", "prompt"},
	}
}

func (t *AgentTool) FormatSubtext(args map[string]any) string {
	kind, _ := args["agent"].(string)
	prompt, _ := args["prompt"].(string)
	if len(prompt) > 60 {
		prompt = prompt[:60] + "..."
	}
	return fmt.Sprintf("%s: %s", kind, prompt)
}

func (t *AgentTool) ValidateBeforePermission(args map[string]any) *Result {
	kind, _ := args["agent"].(string)
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return ValidationError("prompt is required")
	}
	for _, k := range t.delegator.AgentKinds() {
		if k == kind {
			return nil
		}
	}
	return ValidationError(fmt.Sprintf("unknown agent %q; available: %s", kind, strings.Join(t.delegator.AgentKinds(), ", ")))
}

func (t *AgentTool) Execute(ctx context.Context, inv Invocation) *Result {
	depth := AgentDepthFromCtx(ctx)
	if depth >= MaxAgentDepth {
		return ValidationError(fmt.Sprintf("maximum delegation depth %d reached; do the work directly", MaxAgentDepth))
	}

	kind, _ := inv.Args["agent"].(string)
	prompt, _ := inv.Args["prompt"].(string)
	bg, _ := inv.Args["run_in_background"].(bool)

	outcome := t.delegator.Delegate(ctx, DelegateRequest{
		AgentKind:  kind,
		Prompt:     prompt,
		CallID:     inv.CallID,
		Depth:      depth,
		Background: bg,
	})
	switch {
	case outcome.Interrupted:
		return Interrupted("delegation was interrupted")
	case outcome.Err != nil:
		return SystemError(fmt.Sprintf("delegation failed: %v", outcome.Err))
	case outcome.TaskID != "":
		return Async(fmt.Sprintf("started background agent %s; poll it with bash-output", outcome.TaskID))
	}
	return Ok(outcome.Answer)
}
