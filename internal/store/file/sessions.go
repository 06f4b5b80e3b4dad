// Package file implements the session store as one JSON document per
// session under a storage directory, written atomically.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/allydev/ally/internal/store"
)

// Store keeps sessions in memory and mirrors them to <dir>/<id>.json.
type Store struct {
	dir string

	mu       sync.RWMutex
	sessions map[string]*store.Session
}

// New opens (and creates if needed) the storage directory and loads every
// session found in it. Unreadable files are skipped, not fatal.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Store{dir: dir, sessions: make(map[string]*store.Session)}
	s.loadAll()
	return s, nil
}

func (s *Store) Load(_ context.Context, id string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(sess), nil
}

// LoadByName returns the most recently updated session with the given name.
func (s *Store) LoadByName(_ context.Context, name string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *store.Session
	for _, sess := range s.sessions {
		if sess.Name != name {
			continue
		}
		if best == nil || sess.Updated.After(best.Updated) {
			best = sess
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return cloneSession(best), nil
}

func (s *Store) Save(_ context.Context, sess *store.Session) error {
	snapshot := cloneSession(sess)
	snapshot.Updated = time.Now()

	s.mu.Lock()
	s.sessions[snapshot.ID] = snapshot
	s.mu.Unlock()

	return s.writeFile(snapshot)
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	path := filepath.Join(s.dir, sanitizeFilename(id)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) List(_ context.Context) ([]store.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]store.Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, store.Info{
			ID:           sess.ID,
			Name:         sess.Name,
			MessageCount: len(sess.Messages),
			Created:      sess.Created,
			Updated:      sess.Updated,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })
	return infos, nil
}

func (s *Store) Close() error { return nil }

// writeFile persists one session atomically: temp file, fsync, rename.
func (s *Store) writeFile(sess *store.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}

	name := sanitizeFilename(sess.ID)
	if name == "." || !filepath.IsLocal(name) {
		return os.ErrInvalid
	}
	final := filepath.Join(s.dir, name+".json")

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Store) loadAll() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var sess store.Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.ID == "" {
			continue
		}
		s.sessions[sess.ID] = &sess
	}
}

func cloneSession(in *store.Session) *store.Session {
	out := *in
	if in.Messages != nil {
		out.Messages = append(out.Messages[:0:0], in.Messages...)
	}
	if in.Todos != nil {
		out.Todos = append(out.Todos[:0:0], in.Todos...)
	}
	if in.IdleQueue != nil {
		out.IdleQueue = append(out.IdleQueue[:0:0], in.IdleQueue...)
	}
	if in.Metadata.PendingToolCleanups != nil {
		out.Metadata.PendingToolCleanups = append(out.Metadata.PendingToolCleanups[:0:0], in.Metadata.PendingToolCleanups...)
	}
	return &out
}

func sanitizeFilename(id string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(id)
}
