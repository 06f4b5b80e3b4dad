package schema

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setVersion(t *testing.T, db *sql.DB, version uint, dirty bool) {
	t.Helper()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version uint64, dirty bool)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`DELETE FROM schema_migrations`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
		t.Fatal(err)
	}
}

func TestCheckFreshDatabase(t *testing.T) {
	db := openTestDB(t)
	s, err := Check(db, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !s.NeedsMigration || s.Compatible || s.Dirty {
		t.Fatalf("status = %+v", s)
	}
	if err := Validate(s); err != nil {
		t.Fatalf("fresh database should validate, got %v", err)
	}
}

func TestCheckStates(t *testing.T) {
	tests := []struct {
		name     string
		version  uint
		dirty    bool
		required uint
		wantErr  error
	}{
		{name: "current", version: 1, required: 1},
		{name: "outdated", version: 1, required: 2},
		{name: "dirty", version: 1, dirty: true, required: 1, wantErr: ErrDirty},
		{name: "ahead", version: 3, required: 1, wantErr: ErrAhead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			setVersion(t, db, tt.version, tt.dirty)

			s, err := Check(db, tt.required)
			if err != nil {
				t.Fatal(err)
			}
			verr := Validate(s)
			if tt.wantErr == nil {
				if verr != nil {
					t.Fatalf("unexpected error %v", verr)
				}
				return
			}
			if !errors.Is(verr, tt.wantErr) {
				t.Fatalf("error = %v, want %v", verr, tt.wantErr)
			}
		})
	}
}
