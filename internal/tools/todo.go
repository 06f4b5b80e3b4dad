package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// TodoStatus is the state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry of the task list the model maintains.
type TodoItem struct {
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// TodoStore holds the session's todo list. The session store persists it
// across restarts.
type TodoStore struct {
	mu    sync.Mutex
	items []TodoItem
}

func NewTodoStore() *TodoStore {
	return &TodoStore{}
}

// Items returns a copy of the current list.
func (s *TodoStore) Items() []TodoItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TodoItem(nil), s.items...)
}

// Replace swaps in a new list. At most one item may be in_progress.
func (s *TodoStore) Replace(items []TodoItem) error {
	inProgress := 0
	for _, it := range items {
		switch it.Status {
		case TodoPending, TodoInProgress, TodoCompleted:
		default:
			return fmt.Errorf("invalid status %q", it.Status)
		}
		if strings.TrimSpace(it.Content) == "" {
			return fmt.Errorf("todo content must not be empty")
		}
		if it.Status == TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("only one todo may be in_progress, got %d", inProgress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]TodoItem(nil), items...)
	return nil
}

// TodoWriteTool replaces the whole todo list in one call.
type TodoWriteTool struct {
	Store *TodoStore
}

func NewTodoWriteTool(store *TodoStore) *TodoWriteTool {
	return &TodoWriteTool{Store: store}
}

func (t *TodoWriteTool) Name() string { return "todo-write" }
func (t *TodoWriteTool) Description() string {
	return "Replace the task list. Each item has content and a status; at most one item may be in_progress."
}
func (t *TodoWriteTool) Meta() Meta {
	m := DefaultMeta()
	// Updating the plan is housekeeping, not exploration.
	m.BreaksExploratoryStreak = false
	return m
}
func (t *TodoWriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{"type": "string"},
						"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
					},
					"required": []string{"content", "status"},
				},
			},
		},
		"required": []string{"todos"},
	}
}

func (t *TodoWriteTool) Execute(ctx context.Context, inv Invocation) *Result {
	raw, ok := inv.Args["todos"]
	if !ok {
		return ValidationError("todos is required")
	}
	// Round-trip through JSON to coerce the []any shape from the model.
	b, err := json.Marshal(raw)
	if err != nil {
		return ValidationError(fmt.Sprintf("invalid todos: %v", err))
	}
	var items []TodoItem
	if err := json.Unmarshal(b, &items); err != nil {
		return ValidationError(fmt.Sprintf("invalid todos: %v", err))
	}
	if err := t.Store.Replace(items); err != nil {
		return ValidationError(err.Error())
	}

	var bld strings.Builder
	for _, it := range items {
		mark := " "
		switch it.Status {
		case TodoInProgress:
			mark = ">"
		case TodoCompleted:
			mark = "x"
		}
		fmt.Fprintf(&bld, "[%s] %s\n", mark, it.Content)
	}
	return UserVisible(bld.String())
}
