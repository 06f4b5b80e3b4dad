package pg

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/allydev/ally/internal/providers"
	"github.com/allydev/ally/internal/store"
)

// Tests run only against a real database, pointed at by ALLY_TEST_PG_DSN.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ALLY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ALLY_TEST_PG_DSN not set")
	}
	s, err := New(context.Background(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := store.NewSession("pg-test")
	sess.Messages = []providers.Message{providers.NewMessage(providers.RoleUser, "hello")}
	sess.Metadata.Model = "qwen3"
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}
	defer s.Delete(ctx, sess.ID)

	got, err := s.Load(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Metadata.Model != "qwen3" {
		t.Errorf("metadata = %+v", got.Metadata)
	}

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, info := range infos {
		if info.ID == sess.ID {
			found = true
			if info.MessageCount != 1 {
				t.Errorf("message count = %d", info.MessageCount)
			}
		}
	}
	if !found {
		t.Error("saved session missing from list")
	}

	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
