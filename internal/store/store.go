// Package store provides storage backends for the WarmTransfer event log.
//
// The event log is an append-only audit trail of call session steps. Sessions
// themselves live in process memory; the log outlives them so operators can
// reconstruct what happened to a call.
package store

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// Store persists call events.
type Store interface {
	AddEvent(e models.CallEvent) error
	GetEvents(sessionID string) ([]models.CallEvent, error)
	Close() error
}

// Opts holds configuration for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value connection
// strings, and "sqlite3" for anything else, which is treated as a file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the store selected by dsn. An empty dsn yields an InMemoryStore.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// InMemoryStore keeps events in process memory.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[string][]models.CallEvent
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[string][]models.CallEvent)}
}

func (s *InMemoryStore) AddEvent(e models.CallEvent) error {
	if e.SessionID == "" {
		return fmt.Errorf("event has no session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.SessionID] = append(s.events[e.SessionID], e)
	return nil
}

func (s *InMemoryStore) GetEvents(sessionID string) ([]models.CallEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CallEvent(nil), s.events[sessionID]...), nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// Recorder adapts a Store to the orchestrator's event sink. Writes are
// synchronous, so an operation's events are readable once it returns. Write
// failures are logged and dropped so a broken log never fails a call.
type Recorder struct {
	store Store
}

// NewRecorder wraps st.
func NewRecorder(st Store) *Recorder {
	return &Recorder{store: st}
}

// Publish appends the event to the store.
func (r *Recorder) Publish(e models.CallEvent) {
	if err := r.store.AddEvent(e); err != nil {
		slog.Error("Recorder.Publish: failed to store event", "session_id", e.SessionID, "type", e.Type, "error", err)
	}
}
