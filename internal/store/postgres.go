// This file implements a PostgreSQL-backed event log.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/WarmTransfer/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddEvent(e models.CallEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO call_events (session_id, type, from_state, to_state, identity, detail, time) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.SessionID, string(e.Type), string(e.FromState), string(e.ToState), nilIfEmpty(e.Identity), nilIfEmpty(e.Detail), e.Time,
	)
	if err != nil {
		slog.Error("PostgresStore AddEvent failed", "error", err, "session_id", e.SessionID)
		return fmt.Errorf("failed to insert event for %s: %w", e.SessionID, err)
	}
	slog.Debug("PostgresStore AddEvent succeeded", "session_id", e.SessionID, "type", e.Type)
	return nil
}

func (s *PostgresStore) GetEvents(sessionID string) ([]models.CallEvent, error) {
	rows, err := s.db.Query(
		`SELECT session_id, type, from_state, to_state, identity, detail, time FROM call_events WHERE session_id = $1 ORDER BY id`,
		sessionID,
	)
	if err != nil {
		slog.Error("PostgresStore GetEvents query failed", "error", err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		slog.Error("PostgresStore GetEvents scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore GetEvents succeeded", "session_id", sessionID, "count", len(events))
	return events, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
