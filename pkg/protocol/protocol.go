// Package protocol defines the wire format of the ally event gateway.
// UI clients connect over WebSocket, receive the live activity event
// stream, and may submit input lines (slash commands or interjections).
package protocol

import "time"

// Frame types.
const (
	FrameEvent = "event" // server -> client: one activity event
	FrameInput = "input" // client -> server: one line of user input
	FrameReply = "reply" // server -> client: response to an input frame
	FrameError = "error" // server -> client: input rejected
)

// Frame is one WebSocket message in either direction.
type Frame struct {
	Type string `json:"type"`

	// Text carries the input line, the reply, or the error message.
	Text string `json:"text,omitempty"`

	// Event is set on event frames.
	Event *Event `json:"event,omitempty"`
}

// Event mirrors one activity-bus event. The Data payload depends on the
// event type: tool lifecycle events carry call_id/tool/args, output chunks
// carry agent_id/text, agent lifecycle events carry agent_id/kind/depth.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ParentID  string         `json:"parent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
