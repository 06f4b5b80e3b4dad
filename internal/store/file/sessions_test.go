package file

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/allydev/ally/internal/providers"
	"github.com/allydev/ally/internal/store"
	"github.com/allydev/ally/internal/tools"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	sess := store.NewSession("work")
	sess.Messages = []providers.Message{
		providers.NewMessage(providers.RoleUser, "hello"),
		providers.NewMessage(providers.RoleAssistant, "hi"),
	}
	sess.Todos = []tools.TodoItem{{Content: "write tests", Status: tools.TodoPending}}
	sess.IdleQueue = []json.RawMessage{json.RawMessage(`{"text":"later"}`)}
	sess.ProjectContext = "Go module"
	sess.Metadata.Model = "qwen3"
	sess.Metadata.InputTokens = 42

	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if len(got.Todos) != 1 || got.Todos[0].Content != "write tests" {
		t.Errorf("todos = %+v", got.Todos)
	}
	if got.ProjectContext != "Go module" {
		t.Errorf("project context = %q", got.ProjectContext)
	}
	if got.Metadata.Model != "qwen3" || got.Metadata.InputTokens != 42 {
		t.Errorf("metadata = %+v", got.Metadata)
	}
}

func TestLoadMissing(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.LoadByName(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadByNamePicksNewest(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	old := store.NewSession("shared")
	if err := s.Save(ctx, old); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	recent := store.NewSession("shared")
	recent.ProjectContext = "newer"
	if err := s.Save(ctx, recent); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadByName(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != recent.ID {
		t.Errorf("loaded %s, want %s", got.ID, recent.ID)
	}
}

func TestListOrdersByUpdated(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a := store.NewSession("a")
	b := store.NewSession("b")
	if err := s.Save(ctx, a); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.Save(ctx, b); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("len = %d", len(infos))
	}
	if infos[0].ID != b.ID {
		t.Errorf("first = %s, want most recent %s", infos[0].ID, b.ID)
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	sess := store.NewSession("")
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(dir, sess.ID+".json")); !os.IsNotExist(err) {
		t.Errorf("session file still present: %v", err)
	}

	// Deleting again is not an error.
	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestReopenLoadsExistingSessions(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	sess := store.NewSession("persisted")
	sess.Messages = []providers.Message{providers.NewMessage(providers.RoleUser, "hi")}
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Load(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "persisted" || len(got.Messages) != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestCorruptFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	infos, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("infos = %+v", infos)
	}
}

func TestSaveDoesNotAliasCallerSlices(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	sess := store.NewSession("")
	sess.Messages = []providers.Message{providers.NewMessage(providers.RoleUser, "original")}
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}
	sess.Messages[0].Content = "mutated"

	got, err := s.Load(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Messages[0].Content != "original" {
		t.Errorf("stored copy followed caller mutation: %q", got.Messages[0].Content)
	}
}
