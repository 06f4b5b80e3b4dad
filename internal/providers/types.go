// Package providers implements the model client: chat requests against a
// local chat-completions endpoint with function calling, NDJSON streaming
// decode, cancellation, retry with back-off, and tool-call repair.
package providers

import (
	"time"

	"github.com/google/uuid"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Thinking   string     `json:"thinking,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role="tool"
	Name       string     `json:"name,omitempty"`         // tool name for role="tool"
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// NewMessage builds a message with a generated id and current timestamp.
func NewMessage(role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// ToolCall is the canonical tool invocation shape. Arguments is always a
// decoded object after normalization.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction names the tool and carries decoded arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON-schema description of one tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SendOptions tune one Send call.
type SendOptions struct {
	Tools       []ToolDefinition
	Stream      bool
	MaxRetries  int // <0 means no retries; 0 means default
	Temperature float64
	NumCtx      int
	NumPredict  int
	KeepAlive   string

	// OnChunk receives streamed content/thinking deltas when Stream is set.
	OnChunk func(StreamChunk)
}

// StreamChunk is one streamed delta.
type StreamChunk struct {
	Content  string
	Thinking string
	Done     bool
}

// LLMResponse is the result of one model step.
type LLMResponse struct {
	Role      string     `json:"role"` // always "assistant"
	Content   string     `json:"content"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	Interrupted bool   `json:"interrupted,omitempty"`
	Err         string `json:"error,omitempty"`
	Suggestion  string `json:"suggestion,omitempty"`

	ContentStreamed  bool `json:"content_was_streamed,omitempty"`
	ReplaceStreaming bool `json:"should_replace_streaming,omitempty"`

	ValidationFailed bool     `json:"tool_call_validation_failed,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
}

// Usage tracks token consumption for a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelInfo is one entry from the model-listing endpoint.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}
