// Package store owns the SQLite database: connection setup, pragmas and
// schema migrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	perrors "github.com/p-blackswan/collabhub/internal/errors"
)

// Store manages the SQLite database
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New opens (or creates) the SQLite database and runs migrations.
func New(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("Store initialized successfully")
	return s, nil
}

// dsn applies per-connection pragmas to every pooled connection.
func dsn(dbPath string) string {
	if dbPath == ":memory:" || strings.Contains(dbPath, "?") {
		return dbPath
	}
	return dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Classify maps driver errors onto the shared error taxonomy: lock
// contention becomes ErrUnavailable so callers can retry it, and
// sql.ErrNoRows becomes ErrNotFound. Other errors are returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %w", perrors.ErrNotFound, err)
	case isBusy(err):
		return fmt.Errorf("%w: %w", perrors.ErrUnavailable, err)
	default:
		return err
	}
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
