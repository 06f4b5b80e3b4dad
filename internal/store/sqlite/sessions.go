// Package sqlite persists sessions in a local SQLite database using the
// pure-Go modernc driver. Schema changes run through golang-migrate with
// migrations embedded in the binary.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/allydev/ally/internal/store"
	"github.com/allydev/ally/internal/store/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaVersion is the migration version this binary requires.
const schemaVersion = 1

// Store backs the session store with a SQLite database file.
type Store struct {
	db *sql.DB
}

// New opens the database at path, applies pending migrations and returns
// the store. The file is created if it does not exist.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	status, err := schema.Check(db, schemaVersion)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if err := schema.Validate(status); err != nil {
		return err
	}
	if status.Compatible {
		return nil
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at, messages, todos, idle_queue, project_context, metadata
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) LoadByName(ctx context.Context, name string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at, messages, todos, idle_queue, project_context, metadata
		FROM sessions WHERE name = ? ORDER BY updated_at DESC LIMIT 1`, name)
	return scanSession(row)
}

func (s *Store) Save(ctx context.Context, sess *store.Session) error {
	messages, err := marshalArray(sess.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	todos, err := marshalArray(sess.Todos)
	if err != nil {
		return fmt.Errorf("encode todos: %w", err)
	}
	idleQueue, err := marshalArray(sess.IdleQueue)
	if err != nil {
		return fmt.Errorf("encode idle queue: %w", err)
	}
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	sess.Updated = time.Now()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, created_at, updated_at, messages, todos, idle_queue, project_context, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at,
			messages = excluded.messages,
			todos = excluded.todos,
			idle_queue = excluded.idle_queue,
			project_context = excluded.project_context,
			metadata = excluded.metadata`,
		sess.ID, sess.Name, sess.Created, sess.Updated,
		string(messages), string(todos), string(idleQueue), sess.ProjectContext, string(metadata))
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *Store) List(ctx context.Context) ([]store.Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at, json_array_length(messages)
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []store.Info
	for rows.Next() {
		var info store.Info
		if err := rows.Scan(&info.ID, &info.Name, &info.Created, &info.Updated, &info.MessageCount); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

// marshalArray encodes a slice, mapping nil to an empty JSON array so
// json_array_length works on the stored column.
func marshalArray(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		b = []byte("[]")
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var (
		sess                             store.Session
		messages, todos, idleQ, metadata string
	)
	err := row.Scan(&sess.ID, &sess.Name, &sess.Created, &sess.Updated,
		&messages, &todos, &idleQ, &sess.ProjectContext, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messages), &sess.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal([]byte(todos), &sess.Todos); err != nil {
		return nil, fmt.Errorf("decode todos: %w", err)
	}
	if err := json.Unmarshal([]byte(idleQ), &sess.IdleQueue); err != nil {
		return nil, fmt.Errorf("decode idle queue: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &sess, nil
}
