package tools

import (
	"strings"
	"testing"
)

func todoArgs(items ...map[string]any) map[string]any {
	arr := make([]any, len(items))
	for i, it := range items {
		arr[i] = it
	}
	return map[string]any{"todos": arr}
}

func TestTodoWriteReplacesList(t *testing.T) {
	store := NewTodoStore()
	tool := NewTodoWriteTool(store)

	res := run(t, tool, todoArgs(
		map[string]any{"content": "read the config", "status": "completed"},
		map[string]any{"content": "fix the parser", "status": "in_progress"},
		map[string]any{"content": "add tests", "status": "pending"},
	))
	if !res.Success {
		t.Fatalf("todo-write: %+v", res)
	}
	items := store.Items()
	if len(items) != 3 || items[1].Status != TodoInProgress {
		t.Fatalf("Items = %+v", items)
	}
	if !strings.Contains(res.ForUser, "[>] fix the parser") {
		t.Fatalf("rendering missing marker:\n%s", res.ForUser)
	}
}

func TestTodoWriteRejectsTwoInProgress(t *testing.T) {
	tool := NewTodoWriteTool(NewTodoStore())
	res := run(t, tool, todoArgs(
		map[string]any{"content": "a", "status": "in_progress"},
		map[string]any{"content": "b", "status": "in_progress"},
	))
	if res.Success || res.ErrorType != ErrValidation {
		t.Fatalf("got %+v, want validation_error", res)
	}
}

func TestTodoWriteRejectsBadStatus(t *testing.T) {
	tool := NewTodoWriteTool(NewTodoStore())
	res := run(t, tool, todoArgs(map[string]any{"content": "a", "status": "doing"}))
	if res.Success || res.ErrorType != ErrValidation {
		t.Fatalf("got %+v, want validation_error", res)
	}
}

func TestTodoWriteDoesNotBreakStreak(t *testing.T) {
	tool := NewTodoWriteTool(NewTodoStore())
	if m := tool.Meta(); m.BreaksExploratoryStreak {
		t.Fatal("todo-write must not reset the exploratory streak")
	}
}
