// Package schema checks a session database's migration state before the
// store touches it. golang-migrate records its position in the
// schema_migrations table; a dirty row or a version newer than the binary
// means migrating blindly could corrupt data.
package schema

import (
	"database/sql"
	"errors"
	"fmt"
)

// Status is the result of a compatibility check.
type Status struct {
	CurrentVersion  uint
	RequiredVersion uint
	Dirty           bool
	Compatible      bool
	NeedsMigration  bool
}

var (
	ErrDirty = errors.New("schema: database is dirty from a failed migration")
	ErrAhead = errors.New("schema: database is newer than this binary")
)

// Check reads schema_migrations and compares against required. A missing
// table or row means a fresh database that just needs migrating.
func Check(db *sql.DB, required uint) (*Status, error) {
	var version uint
	var dirty bool

	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		// Fresh database: no table yet, or an empty one.
		return &Status{RequiredVersion: required, NeedsMigration: true}, nil
	}

	s := &Status{CurrentVersion: version, RequiredVersion: required, Dirty: dirty}
	switch {
	case dirty:
	case version == required:
		s.Compatible = true
	case version < required:
		s.NeedsMigration = true
	}
	return s, nil
}

// Validate turns a non-migratable status into an actionable error.
func Validate(s *Status) error {
	if s.Dirty {
		return fmt.Errorf("%w at version %d; inspect the sessions database and clear the dirty flag before retrying",
			ErrDirty, s.CurrentVersion)
	}
	if s.CurrentVersion > s.RequiredVersion {
		return fmt.Errorf("%w (database v%d, binary requires v%d); upgrade ally",
			ErrAhead, s.CurrentVersion, s.RequiredVersion)
	}
	return nil
}
