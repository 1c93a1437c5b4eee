// Package call implements the call session and warm transfer state machine.
//
// A session moves strictly forward through waiting, connected, transferring,
// transferred and ended. Every operation validates its preconditions first,
// then performs the external room and generation calls, and only then mutates
// the session and the agent registry, so a failed step leaves both untouched.
package call

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/WarmTransfer/internal/models"
	"github.com/BTreeMap/WarmTransfer/internal/rooms"
)

const (
	// DefaultTransferReason is used when initiate is called without a reason.
	DefaultTransferReason = "Customer transfer request"
	// SummaryUnavailable replaces the call summary when generation fails.
	SummaryUnavailable = "Summary unavailable"
	// AgentAGreeting opens every transcript.
	AgentAGreeting = "Hello! This is Agent A. How can I help you today?"

	callRoomMaxParticipants     = 3
	transferRoomMaxParticipants = 2
	finalRoomMaxParticipants    = 2
)

// Opts holds optional collaborators for Manager.
type Opts struct {
	Sinks   []EventSink
	Metrics Metrics
	Phone   PhoneLine
	Clock   func() time.Time
}

// Option configures a Manager.
type Option func(*Opts)

// WithEventSink adds a sink that receives every CallEvent.
func WithEventSink(s EventSink) Option {
	return func(o *Opts) {
		if s != nil {
			o.Sinks = append(o.Sinks, s)
		}
	}
}

// WithMetrics sets the metrics observer.
func WithMetrics(m Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// WithPhoneLine lets the manager announce handoffs to, and hang up, phone
// calls attached with AttachPhoneCall.
func WithPhoneLine(p PhoneLine) Option {
	return func(o *Opts) {
		o.Phone = p
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Clock = now
	}
}

// entry pairs a session with the lock that serializes operations on it.
type entry struct {
	mu      sync.Mutex
	session *models.CallSession
}

// Manager owns all call sessions.
type Manager struct {
	gateway   rooms.Gateway
	generator Generator
	agents    AgentDirectory
	sinks     []EventSink
	metrics   Metrics
	phone     PhoneLine
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
	active   atomic.Int64
}

// NewManager creates a Manager over the given gateway, generator and agent directory.
func NewManager(gateway rooms.Gateway, generator Generator, agents AgentDirectory, opts ...Option) *Manager {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		gateway:   gateway,
		generator: generator,
		agents:    agents,
		sinks:     cfg.Sinks,
		metrics:   cfg.Metrics,
		phone:     cfg.Phone,
		now:       cfg.Clock,
		sessions:  make(map[string]*entry),
	}
}

// lookup returns the entry for id, or ErrSessionNotFound.
func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, models.NewError(models.ErrSessionNotFound, "session %s not found", id)
	}
	return e, nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (*models.CallSession, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []*models.CallSession {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*models.CallSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// observe records an operation's duration and, on failure, its error kind.
func (m *Manager) observe(operation string, start time.Time, err error) {
	m.metrics.ObserveDuration(operation, time.Since(start))
	if err != nil {
		m.metrics.Error(operation, err)
		slog.Warn("Manager."+operation+": failed", "error", err)
	}
}

// emit delivers an event to all sinks. Callers hold the session lock so
// events for one session are delivered in order.
func (m *Manager) emit(s *models.CallSession, typ models.CallEventType, from models.CallState, identity, detail string) {
	ev := models.CallEvent{
		SessionID: s.SessionID,
		Type:      typ,
		FromState: from,
		ToState:   s.State,
		Identity:  identity,
		Detail:    detail,
		Time:      s.UpdatedAt,
	}
	if ev.IsTransition() {
		m.metrics.Transition(from, s.State)
	}
	for _, sink := range m.sinks {
		sink.Publish(ev)
	}
}

// transition moves s to next, refusing anything but a single forward step.
func transition(s *models.CallSession, next models.CallState, now time.Time) error {
	if !s.State.CanTransition(next) {
		return models.NewError(models.ErrInvalidState, "session %s cannot move from %s to %s", s.SessionID, s.State, next)
	}
	s.State = next
	s.UpdatedAt = now
	if next == models.CallStateEnded {
		t := now
		s.EndedAt = &t
	}
	return nil
}

func requireState(s *models.CallSession, want models.CallState) error {
	if s.State != want {
		return models.NewError(models.ErrInvalidState, "session %s is %s, expected %s", s.SessionID, s.State, want)
	}
	return nil
}

// displayName returns the registry name for an agent identity, or the identity itself.
func (m *Manager) displayName(identity string) string {
	if a, err := m.agents.Get(identity); err == nil && a.Name != "" {
		return a.Name
	}
	return identity
}

// issueTokens signs tokens for several identities in one room concurrently.
func (m *Manager) issueTokens(ctx context.Context, room string, grants map[string]rooms.Grants) (map[string]string, error) {
	var (
		mu     sync.Mutex
		tokens = make(map[string]string, len(grants))
	)
	g, _ := errgroup.WithContext(ctx)
	for identity, gr := range grants {
		g.Go(func() error {
			tok, err := m.gateway.IssueToken(room, identity, gr)
			if err != nil {
				return err
			}
			mu.Lock()
			tokens[identity] = tok
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tokens, nil
}

// deleteRoomQuietly removes a room we created and no longer need.
func (m *Manager) deleteRoomQuietly(ctx context.Context, room string) {
	if room == "" {
		return
	}
	if err := m.gateway.DeleteRoom(ctx, room); err != nil {
		slog.Warn("Manager: failed to delete room", "room", room, "error", err)
	}
}

// ActiveSessions returns the number of sessions that have not ended.
func (m *Manager) ActiveSessions() int {
	return int(m.active.Load())
}
