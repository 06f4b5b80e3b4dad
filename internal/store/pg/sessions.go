// Package pg persists sessions in PostgreSQL through the pgx stdlib
// driver, for setups where several machines share session state.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/allydev/ally/internal/store"
	"github.com/allydev/ally/internal/store/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaVersion is the migration version this binary requires.
const schemaVersion = 1

// Store backs the session store with a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// New connects with the given DSN, verifies the connection and applies
// pending migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

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
	drv, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", drv)
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
		FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *Store) LoadByName(ctx context.Context, name string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, updated_at, messages, todos, idle_queue, project_context, metadata
		FROM sessions WHERE name = $1 ORDER BY updated_at DESC LIMIT 1`, name)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at,
			messages = EXCLUDED.messages,
			todos = EXCLUDED.todos,
			idle_queue = EXCLUDED.idle_queue,
			project_context = EXCLUDED.project_context,
			metadata = EXCLUDED.metadata`,
		sess.ID, sess.Name, sess.Created, sess.Updated,
		messages, todos, idleQueue, sess.ProjectContext, metadata)
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (s *Store) List(ctx context.Context) ([]store.Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at, updated_at, jsonb_array_length(messages)
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
// jsonb_array_length works on the stored column.
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
		messages, todos, idleQ, metadata []byte
	)
	err := row.Scan(&sess.ID, &sess.Name, &sess.Created, &sess.Updated,
		&messages, &todos, &idleQ, &sess.ProjectContext, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messages, &sess.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal(todos, &sess.Todos); err != nil {
		return nil, fmt.Errorf("decode todos: %w", err)
	}
	if err := json.Unmarshal(idleQ, &sess.IdleQueue); err != nil {
		return nil, fmt.Errorf("decode idle queue: %w", err)
	}
	if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &sess, nil
}
