package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrUnavailable wraps durable-write failures. The pipeline retries these
	// with backoff instead of dropping the event.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrStaleWrite is returned when a guarded update lost to a concurrent
	// writer; the caller must reload and re-decide.
	ErrStaleWrite = errors.New("stale write")
)

// Open opens the pipeline database. WAL mode keeps dashboard reads from
// blocking behind pipeline writes.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}
