// Package inventory persists slices, their VLAN segments, placed VMs and
// the operation log in SQLite.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when a record already exists.
	ErrDuplicate = errors.New("entity already exists")
)

// Store is the SQLite backed inventory.
type Store struct {
	DB *sql.DB
}

// Open opens the database at dsn and applies pending migrations. dsn is a
// file path or a sqlite "file:" URI.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn, "foreign_keys(1)", "busy_timeout(5000)"))
	if err != nil {
		return nil, fmt.Errorf("open inventory %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	if !strings.Contains(dsn, "mode=memory") {
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
	}

	migrator := NewMigrator(db)
	for _, migration := range schemaMigrations() {
		migrator.AddMigration(migration)
	}
	if err := migrator.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// withPragmas appends connection pragmas to dsn so every pooled connection
// gets them.
func withPragmas(dsn string, pragmas ...string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, pragma := range pragmas {
		dsn += sep + "_pragma=" + pragma
		sep = "&"
	}
	return dsn
}

// isConstraintViolation reports whether err is a uniqueness or primary key
// violation raised by SQLite.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
