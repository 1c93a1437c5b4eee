package call

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/WarmTransfer/internal/models"
	"github.com/BTreeMap/WarmTransfer/internal/rooms"
	"github.com/BTreeMap/WarmTransfer/internal/util"
)

// CreateSession starts a session for callerIdentity with the given Agent A.
// An empty agentAIdentity selects the first idle agent_a.
func (m *Manager) CreateSession(ctx context.Context, callerIdentity, agentAIdentity string) (session *models.CallSession, err error) {
	start := time.Now()
	defer func() { m.observe("CreateSession", start, err) }()

	callerIdentity = strings.TrimSpace(callerIdentity)
	if callerIdentity == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "caller_identity is required")
	}
	if _, err := m.agents.Get(callerIdentity); err == nil {
		return nil, models.NewError(models.ErrInvalidRequest, "caller identity %s belongs to a registered agent", callerIdentity)
	}

	agentA, err := m.selectAgentA(agentAIdentity)
	if err != nil {
		return nil, err
	}

	now := m.now()
	id := util.GenerateSessionID(now)
	roomName := util.CallRoomName(id)
	room, err := m.gateway.CreateRoom(ctx, rooms.RoomOptions{
		Name:            roomName,
		MaxParticipants: callRoomMaxParticipants,
		EmptyTimeout:    rooms.DefaultEmptyTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := m.agents.Claim(agentA.Identity, id, models.AgentStateInCall); err != nil {
		m.deleteRoomQuietly(ctx, roomName)
		return nil, err
	}

	s := &models.CallSession{
		SessionID:       id,
		CallerIdentity:  callerIdentity,
		AgentAIdentity:  agentA.Identity,
		RoomName:        roomName,
		OriginalRoomSID: room.SID,
		State:           models.CallStateWaiting,
		Participants:    []models.Participant{},
		Transcript: []models.TranscriptTurn{
			{Speaker: "Agent A", Content: AgentAGreeting, Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	e := &entry{session: s}
	e.mu.Lock()
	defer e.mu.Unlock()

	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	slog.Info("Manager.CreateSession: session created", "session_id", id, "caller", callerIdentity, "agent_a", agentA.Identity, "room", roomName)
	m.emit(s, models.EventSessionCreated, models.CallStateWaiting, callerIdentity, roomName)
	m.metrics.ActiveSessions(int(m.active.Add(1)))
	return s.Clone(), nil
}

func (m *Manager) selectAgentA(identity string) (models.Agent, error) {
	if identity == "" {
		a, ok := m.agents.FindIdle(models.AgentRoleA, "")
		if !ok {
			return models.Agent{}, models.NewError(models.ErrNoAgentAvailable, "no idle agent_a available")
		}
		return a, nil
	}
	a, err := m.agents.Get(identity)
	if err != nil {
		return models.Agent{}, err
	}
	if a.Role != models.AgentRoleA {
		return models.Agent{}, models.NewError(models.ErrAgentUnavailable, "agent %s has role %s, not agent_a", identity, a.Role)
	}
	if !a.IsIdle() {
		return models.Agent{}, models.NewError(models.ErrAgentUnavailable, "agent %s is %s", identity, a.State)
	}
	return a, nil
}

// Join issues connection info for identity to enter the session's current room.
// Re-joining refreshes the identity's participant record. The session becomes
// connected once both the caller and its Agent A have joined.
func (m *Manager) Join(ctx context.Context, id, identity, role string) (info models.ConnectionInfo, err error) {
	start := time.Now()
	defer func() { m.observe("Join", start, err) }()

	e, err := m.lookup(id)
	if err != nil {
		return models.ConnectionInfo{}, err
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return models.ConnectionInfo{}, models.NewError(models.ErrInvalidRequest, "identity is required")
	}
	r, err := models.ParseParticipantRole(role)
	if err != nil {
		return models.ConnectionInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session

	if s.State.IsTerminal() {
		return models.ConnectionInfo{}, models.NewError(models.ErrInvalidState, "session %s has ended", id)
	}
	switch r {
	case models.RoleCaller:
		if identity != s.CallerIdentity {
			return models.ConnectionInfo{}, models.NewError(models.ErrInvalidState, "%s is not the caller of session %s", identity, id)
		}
	case models.RoleAgentA:
		if identity != s.AgentAIdentity {
			return models.ConnectionInfo{}, models.NewError(models.ErrInvalidState, "%s is not agent A of session %s", identity, id)
		}
		if s.State == models.CallStateTransferred {
			return models.ConnectionInfo{}, models.NewError(models.ErrInvalidState, "agent A has already handed off session %s", id)
		}
	case models.RoleAgentB:
		if identity != s.AgentBIdentity {
			return models.ConnectionInfo{}, models.NewError(models.ErrInvalidState, "%s is not agent B of session %s", identity, id)
		}
	}

	roomName := s.CurrentRoomName()
	if r == models.RoleAgentB && s.State == models.CallStateTransferring {
		roomName = s.TransferRoomName
	}
	name := identity
	grants := rooms.CallerGrants(identity)
	if r.IsAgent() {
		name = m.displayName(identity)
		grants = rooms.AgentGrants(name)
	}
	token, err := m.gateway.IssueToken(roomName, identity, grants)
	if err != nil {
		return models.ConnectionInfo{}, err
	}

	now := m.now()
	upsertParticipant(s, models.Participant{
		Identity: identity,
		Name:     name,
		Role:     r,
		IsAgent:  r.IsAgent(),
		JoinedAt: now,
		RoomName: roomName,
	})
	s.UpdatedAt = now
	from := s.State
	if s.State == models.CallStateWaiting && s.HasParticipant(s.CallerIdentity) && s.HasParticipant(s.AgentAIdentity) {
		if err := transition(s, models.CallStateConnected, now); err != nil {
			return models.ConnectionInfo{}, err
		}
		slog.Info("Manager.Join: session connected", "session_id", id)
	}
	slog.Debug("Manager.Join", "session_id", id, "identity", identity, "role", r, "room", roomName)
	m.emit(s, models.EventParticipantJoined, from, identity, string(r))

	return models.ConnectionInfo{
		AccessToken: token,
		LiveKitURL:  m.gateway.URL(),
		RoomName:    roomName,
	}, nil
}

// upsertParticipant replaces identity's record in its room or appends a new one.
func upsertParticipant(s *models.CallSession, p models.Participant) {
	for i := range s.Participants {
		if s.Participants[i].Identity == p.Identity && s.Participants[i].RoomName == p.RoomName {
			s.Participants[i] = p
			return
		}
	}
	s.Participants = append(s.Participants, p)
}

// removeParticipant drops every record for identity and reports whether any existed.
func removeParticipant(s *models.CallSession, identity string) bool {
	kept := s.Participants[:0]
	removed := false
	for _, p := range s.Participants {
		if p.Identity == identity {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	s.Participants = kept
	return removed
}

// AddTranscript appends a speaker turn to the session transcript.
func (m *Manager) AddTranscript(ctx context.Context, id, speaker, content string) (session *models.CallSession, err error) {
	start := time.Now()
	defer func() { m.observe("AddTranscript", start, err) }()

	speaker = strings.TrimSpace(speaker)
	content = strings.TrimSpace(content)
	if speaker == "" || content == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "speaker and content are required")
	}
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s.State.IsTerminal() {
		return nil, models.NewError(models.ErrInvalidState, "session %s has ended", id)
	}

	now := m.now()
	s.Transcript = append(s.Transcript, models.TranscriptTurn{Speaker: speaker, Content: content, Timestamp: now})
	s.UpdatedAt = now
	m.emit(s, models.EventTranscriptAppended, s.State, speaker, "")
	return s.Clone(), nil
}

// Leave records that identity left the session. A transferred session with
// nobody left in it ends.
func (m *Manager) Leave(ctx context.Context, id, identity string) (session *models.CallSession, err error) {
	start := time.Now()
	defer func() { m.observe("Leave", start, err) }()

	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s.State.IsTerminal() {
		return nil, models.NewError(models.ErrInvalidState, "session %s has ended", id)
	}
	if !s.HasParticipant(identity) {
		return nil, models.NewError(models.ErrInvalidRequest, "%s is not in session %s", identity, id)
	}

	now := m.now()
	removeParticipant(s, identity)
	s.UpdatedAt = now
	m.emit(s, models.EventParticipantLeft, s.State, identity, "")
	slog.Debug("Manager.Leave", "session_id", id, "identity", identity, "remaining", len(s.Participants))

	if s.State == models.CallStateTransferred && len(s.Participants) == 0 {
		if err := m.end(ctx, s, "last participant left"); err != nil {
			return nil, err
		}
	}
	return s.Clone(), nil
}

// AttachPhoneCall records the phone call bridged into the session. Once
// attached, completing the transfer announces Agent B on the call and ending
// the session hangs it up.
func (m *Manager) AttachPhoneCall(ctx context.Context, id, callSID string) (session *models.CallSession, err error) {
	start := time.Now()
	defer func() { m.observe("AttachPhoneCall", start, err) }()

	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	callSID = strings.TrimSpace(callSID)
	if callSID == "" {
		return nil, models.NewError(models.ErrInvalidRequest, "call sid is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s.State.IsTerminal() {
		return nil, models.NewError(models.ErrInvalidState, "session %s has ended", id)
	}

	s.PhoneCallSID = callSID
	s.UpdatedAt = m.now()
	slog.Info("Manager.AttachPhoneCall: phone call attached", "session_id", id, "call_sid", callSID)
	m.emit(s, models.EventPhoneBridged, s.State, s.CallerIdentity, callSID)
	return s.Clone(), nil
}

// EndSession closes a transferred session, releases its agents and deletes its rooms.
func (m *Manager) EndSession(ctx context.Context, id string) (session *models.CallSession, err error) {
	start := time.Now()
	defer func() { m.observe("EndSession", start, err) }()

	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if err := requireState(s, models.CallStateTransferred); err != nil {
		return nil, err
	}
	if err := m.end(ctx, s, "ended"); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// end performs the transferred to ended step. The caller holds the session lock.
func (m *Manager) end(ctx context.Context, s *models.CallSession, detail string) error {
	from := s.State
	if err := transition(s, models.CallStateEnded, m.now()); err != nil {
		return err
	}
	for _, identity := range []string{s.AgentAIdentity, s.AgentBIdentity} {
		if identity != "" {
			m.agents.ReleaseSession(identity, s.SessionID)
		}
	}
	for _, room := range []string{s.FinalRoomName, s.TransferRoomName, s.RoomName} {
		m.deleteRoomQuietly(ctx, room)
	}
	if s.PhoneCallSID != "" && m.phone != nil {
		if err := m.phone.EndCall(ctx, s.PhoneCallSID); err != nil {
			slog.Warn("Manager: failed to hang up phone call", "session_id", s.SessionID, "call_sid", s.PhoneCallSID, "error", err)
		}
	}
	s.Participants = s.Participants[:0]
	slog.Info("Manager: session ended", "session_id", s.SessionID, "reason", detail)
	m.emit(s, models.EventSessionEnded, from, "", detail)
	m.metrics.ActiveSessions(int(m.active.Add(-1)))
	return nil
}

// PruneEnded drops ended sessions whose EndedAt is older than retention and
// returns how many were removed. Their event log entries are kept.
func (m *Manager) PruneEnded(retention time.Duration) int {
	cutoff := m.now().Add(-retention)

	m.mu.RLock()
	entries := make(map[string]*entry, len(m.sessions))
	for id, e := range m.sessions {
		entries[id] = e
	}
	m.mu.RUnlock()

	// Ended is terminal, so a session found stale here stays stale.
	var stale []string
	for id, e := range entries {
		e.mu.Lock()
		s := e.session
		if s.State == models.CallStateEnded && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	if len(stale) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, id := range stale {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	slog.Info("Manager.PruneEnded: removed ended sessions", "count", len(stale), "retention", retention)
	return len(stale)
}
