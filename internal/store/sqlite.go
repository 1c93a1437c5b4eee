// This file implements an SQLite-backed event log.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/WarmTransfer/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddEvent(e models.CallEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO call_events (session_id, type, from_state, to_state, identity, detail, time) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, string(e.Type), string(e.FromState), string(e.ToState), nilIfEmpty(e.Identity), nilIfEmpty(e.Detail), e.Time.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore AddEvent failed", "error", err, "session_id", e.SessionID)
		return fmt.Errorf("failed to insert event for %s: %w", e.SessionID, err)
	}
	slog.Debug("SQLiteStore AddEvent succeeded", "session_id", e.SessionID, "type", e.Type)
	return nil
}

func (s *SQLiteStore) GetEvents(sessionID string) ([]models.CallEvent, error) {
	rows, err := s.db.Query(
		`SELECT session_id, type, from_state, to_state, identity, detail, time FROM call_events WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		slog.Error("SQLiteStore GetEvents query failed", "error", err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		slog.Error("SQLiteStore GetEvents scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore GetEvents succeeded", "session_id", sessionID, "count", len(events))
	return events, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
