// Package tools defines the tool contract, the registry the agent draws
// tools from, and the orchestrator that drives each call through its
// preview, permission, and execution lifecycle.
package tools

import (
	"context"

	"github.com/allydev/ally/internal/providers"
)

// Meta carries the per-tool metadata the agent and UI consume.
type Meta struct {
	// RequiresConfirmation gates execution behind the permission broker.
	RequiresConfirmation bool
	// VisibleInChat controls whether the call is rendered in the transcript.
	VisibleInChat bool
	// ShouldCollapse hints the UI to fold long output by default.
	ShouldCollapse bool
	// Exploratory marks read-style tools that extend the exploratory streak.
	Exploratory bool
	// BreaksExploratoryStreak is false for housekeeping tools that should
	// leave the streak untouched; true elsewhere resets it.
	BreaksExploratoryStreak bool
	// VisibleTo restricts the tool to the named agent kinds; empty means all.
	VisibleTo []string
	// UsageGuidance is appended to the system prompt when non-empty.
	UsageGuidance string
}

// DefaultMeta is the baseline for ordinary tools.
func DefaultMeta() Meta {
	return Meta{VisibleInChat: true, BreaksExploratoryStreak: true}
}

// Invocation is one tool call as the orchestrator hands it to a tool.
type Invocation struct {
	CallID        string
	Args          map[string]any
	UserInitiated bool
	ContextFile   bool
}

// Tool is the contract every tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Meta() Meta
	Execute(ctx context.Context, inv Invocation) *Result
}

// PreValidator is checked before the permission prompt; a non-nil result
// short-circuits the call (used for read-before-edit and argument shape).
type PreValidator interface {
	ValidateBeforePermission(args map[string]any) *Result
}

// Previewer produces a diff preview emitted before the permission prompt.
type Previewer interface {
	PreviewChanges(ctx context.Context, args map[string]any, callID string) (diff string, err error)
}

// SubtextFormatter renders the one-line summary under the call header.
type SubtextFormatter interface {
	FormatSubtext(args map[string]any) string
}

// ResultPreviewer renders a short preview of the result for collapsed view.
type ResultPreviewer interface {
	ResultPreview(r *Result) string
}

// OutputSizeEstimator lets a tool predict large output so the agent can
// budget context ahead of the call.
type OutputSizeEstimator interface {
	EstimatedOutputSize(args map[string]any) int
}

// TruncationGuider supplies model-facing advice when output was truncated.
type TruncationGuider interface {
	TruncationGuidance() string
}

// Definition converts a tool to the wire schema sent to the model.
func Definition(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
