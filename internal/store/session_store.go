// Package store persists session state: the conversation history, the todo
// list, the idle-message queue, the cached project context, and housekeeping
// metadata. Backends live in subpackages (file, sqlite, pg) and are selected
// at startup.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/allydev/ally/internal/providers"
	"github.com/allydev/ally/internal/tools"
)

// ErrNotFound reports a lookup for a session that does not exist.
var ErrNotFound = errors.New("store: session not found")

// Session is the persisted state of one conversation.
type Session struct {
	ID      string    `json:"id"`
	Name    string    `json:"name,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	Messages []providers.Message `json:"messages"`
	Todos    []tools.TodoItem    `json:"todos,omitempty"`

	// IdleQueue holds queued idle messages. The payloads are opaque to the
	// core; producers and the renderer agree on their shape.
	IdleQueue []json.RawMessage `json:"idleQueue,omitempty"`

	// ProjectContext caches the detected project description injected on
	// the first turn.
	ProjectContext string `json:"projectContext,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// Metadata carries per-session bookkeeping.
type Metadata struct {
	Model        string `json:"model,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`

	// PendingToolCleanups lists tool-call IDs whose housekeeping runs in
	// the next post-response pass.
	PendingToolCleanups []string `json:"pendingToolCleanups,omitempty"`
}

// Info is lightweight session metadata for listing.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// NewSession creates an empty named session.
func NewSession(name string) *Session {
	now := time.Now()
	return &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Created:  now,
		Updated:  now,
		Messages: []providers.Message{},
	}
}

// SessionStore loads and saves sessions. Save overwrites by ID; Load of an
// unknown ID returns ErrNotFound.
type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, error)
	LoadByName(ctx context.Context, name string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Info, error)
	Close() error
}
