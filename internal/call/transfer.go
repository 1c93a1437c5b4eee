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

// TransferRequest carries the inputs of InitiateTransfer.
type TransferRequest struct {
	AgentAIdentity string
	// AgentBIdentity may be empty to pick the first idle agent_b.
	AgentBIdentity string
	// Specialty narrows automatic Agent B selection.
	Specialty string
	Reason    string
}

// InitiateTransfer opens a private consultation room for Agent A and Agent B.
func (m *Manager) InitiateTransfer(ctx context.Context, id string, req TransferRequest) (result models.TransferResult, err error) {
	start := time.Now()
	defer func() { m.observe("InitiateTransfer", start, err) }()

	e, err := m.lookup(id)
	if err != nil {
		return models.TransferResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session

	if err := requireState(s, models.CallStateConnected); err != nil {
		return models.TransferResult{}, err
	}
	if req.AgentAIdentity != s.AgentAIdentity {
		return models.TransferResult{}, models.NewError(models.ErrInvalidState, "%s is not agent A of session %s", req.AgentAIdentity, id)
	}
	agentB, err := m.selectAgentB(req.AgentBIdentity, req.Specialty)
	if err != nil {
		return models.TransferResult{}, err
	}
	if agentB.Identity == s.CallerIdentity {
		return models.TransferResult{}, models.NewError(models.ErrInvalidRequest, "agent B %s is the caller of session %s", agentB.Identity, id)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultTransferReason
	}

	now := m.now()
	roomName := util.TransferRoomName(id, now)
	room, err := m.gateway.CreateRoom(ctx, rooms.RoomOptions{
		Name:            roomName,
		MaxParticipants: transferRoomMaxParticipants,
		EmptyTimeout:    rooms.DefaultEmptyTimeout,
	})
	if err != nil {
		return models.TransferResult{}, err
	}
	tokens, err := m.issueTokens(ctx, roomName, map[string]rooms.Grants{
		s.AgentAIdentity: rooms.AgentGrants(m.displayName(s.AgentAIdentity)),
		agentB.Identity:  rooms.AgentGrants(agentB.Name),
	})
	if err != nil {
		m.deleteRoomQuietly(ctx, roomName)
		return models.TransferResult{}, err
	}
	if err := m.agents.Claim(agentB.Identity, id, models.AgentStateInTransfer); err != nil {
		m.deleteRoomQuietly(ctx, roomName)
		return models.TransferResult{}, err
	}
	if err := m.agents.Claim(s.AgentAIdentity, id, models.AgentStateInTransfer); err != nil {
		m.agents.ReleaseSession(agentB.Identity, id)
		m.deleteRoomQuietly(ctx, roomName)
		return models.TransferResult{}, err
	}

	from := s.State
	if err := transition(s, models.CallStateTransferring, now); err != nil {
		return models.TransferResult{}, err
	}
	s.AgentBIdentity = agentB.Identity
	s.TransferRoomName = roomName
	s.TransferRoomSID = room.SID
	s.TransferReason = reason

	slog.Info("Manager.InitiateTransfer: transfer started", "session_id", id, "agent_a", s.AgentAIdentity, "agent_b", agentB.Identity, "room", roomName)
	m.emit(s, models.EventTransferInitiated, from, agentB.Identity, reason)

	return models.TransferResult{
		TransferRoomSID:  room.SID,
		TransferRoomName: roomName,
		Tokens: map[string]string{
			"agent_a": tokens[s.AgentAIdentity],
			"agent_b": tokens[agentB.Identity],
		},
		AgentBIdentity: agentB.Identity,
	}, nil
}

func (m *Manager) selectAgentB(identity, specialty string) (models.Agent, error) {
	if identity == "" {
		a, ok := m.agents.FindIdle(models.AgentRoleB, specialty)
		if !ok {
			if specialty != "" {
				return models.Agent{}, models.NewError(models.ErrNoAgentAvailable, "no idle agent_b with specialty %s", specialty)
			}
			return models.Agent{}, models.NewError(models.ErrNoAgentAvailable, "no idle agent_b available")
		}
		return a, nil
	}
	a, err := m.agents.Get(identity)
	if err != nil {
		return models.Agent{}, models.NewError(models.ErrAgentUnavailable, "agent %s is not registered", identity)
	}
	if a.Role != models.AgentRoleB {
		return models.Agent{}, models.NewError(models.ErrAgentUnavailable, "agent %s has role %s, not agent_b", identity, a.Role)
	}
	if !a.IsIdle() {
		return models.Agent{}, models.NewError(models.ErrAgentUnavailable, "agent %s is %s", identity, a.State)
	}
	return a, nil
}

// ExplainTransfer produces the call summary and Agent B's handoff explanation.
// It reads the transcript but never changes it.
func (m *Manager) ExplainTransfer(ctx context.Context, id, agentAIdentity, agentBIdentity string) (tc models.TransferContext, err error) {
	start := time.Now()
	defer func() { m.observe("ExplainTransfer", start, err) }()

	e, err := m.lookup(id)
	if err != nil {
		return models.TransferContext{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session

	if err := requireState(s, models.CallStateTransferring); err != nil {
		return models.TransferContext{}, err
	}
	if agentAIdentity != s.AgentAIdentity || agentBIdentity != s.AgentBIdentity {
		return models.TransferContext{}, models.NewError(models.ErrInvalidState, "agents %s/%s do not match session %s", agentAIdentity, agentBIdentity, id)
	}

	transcript := append([]models.TranscriptTurn(nil), s.Transcript...)
	summary := m.summarize(ctx, id, transcript)

	var specialty string
	if b, err := m.agents.Get(s.AgentBIdentity); err == nil {
		specialty = b.Specialty
	}
	explanation, err := m.generator.Explain(ctx, summary, s.TransferReason, specialty)
	if err != nil {
		if models.KindOf(err) == nil {
			err = models.WrapError(models.ErrGeneration, err, "generate transfer explanation")
		}
		return models.TransferContext{}, err
	}

	now := m.now()
	s.CallSummary = summary
	s.Explanation = explanation
	s.UpdatedAt = now
	m.emit(s, models.EventTransferExplained, s.State, agentBIdentity, "")

	return models.TransferContext{
		CallSummary:    summary,
		TransferReason: s.TransferReason,
		Explanation:    explanation,
		ReceivedAt:     now,
	}, nil
}

// summarize returns the call summary, or SummaryUnavailable when generation fails.
func (m *Manager) summarize(ctx context.Context, id string, transcript []models.TranscriptTurn) string {
	summary, err := m.generator.Summarize(ctx, transcript)
	if err != nil {
		slog.Warn("Manager: summary generation failed", "session_id", id, "error", err)
		m.metrics.Error("Summarize", err)
		return SummaryUnavailable
	}
	return summary
}

// CompleteTransfer moves the caller and Agent B into the final room and takes
// Agent A out of the call.
func (m *Manager) CompleteTransfer(ctx context.Context, id, agentAIdentity string) (result models.CompletionResult, err error) {
	start := time.Now()
	defer func() { m.observe("CompleteTransfer", start, err) }()

	e, err := m.lookup(id)
	if err != nil {
		return models.CompletionResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session

	if err := requireState(s, models.CallStateTransferring); err != nil {
		return models.CompletionResult{}, err
	}
	if agentAIdentity != s.AgentAIdentity {
		return models.CompletionResult{}, models.NewError(models.ErrInvalidState, "%s is not agent A of session %s", agentAIdentity, id)
	}

	summary := s.CallSummary
	if summary == "" {
		summary = m.summarize(ctx, id, append([]models.TranscriptTurn(nil), s.Transcript...))
	}

	finalRoom := util.FinalRoomName(id)
	room, err := m.gateway.CreateRoom(ctx, rooms.RoomOptions{
		Name:            finalRoom,
		MaxParticipants: finalRoomMaxParticipants,
		EmptyTimeout:    rooms.DefaultEmptyTimeout,
	})
	if err != nil {
		return models.CompletionResult{}, err
	}
	tokens, err := m.issueTokens(ctx, finalRoom, map[string]rooms.Grants{
		s.CallerIdentity: rooms.CallerGrants(s.CallerIdentity),
		s.AgentBIdentity: rooms.AgentGrants(m.displayName(s.AgentBIdentity)),
	})
	if err != nil {
		m.deleteRoomQuietly(ctx, finalRoom)
		return models.CompletionResult{}, err
	}
	for _, r := range []string{s.TransferRoomName, s.RoomName} {
		if err := m.gateway.RemoveParticipant(ctx, r, s.AgentAIdentity); err != nil {
			slog.Warn("Manager.CompleteTransfer: failed to remove agent A", "session_id", id, "room", r, "error", err)
		}
	}

	now := m.now()
	from := s.State
	if err := transition(s, models.CallStateTransferred, now); err != nil {
		return models.CompletionResult{}, err
	}
	s.CallSummary = summary
	s.FinalRoomName = finalRoom
	s.FinalRoomSID = room.SID
	removeParticipant(s, s.AgentAIdentity)
	moveParticipants(s, finalRoom)
	if !s.HasParticipant(s.AgentBIdentity) {
		s.Participants = append(s.Participants, models.Participant{
			Identity: s.AgentBIdentity,
			Name:     m.displayName(s.AgentBIdentity),
			Role:     models.RoleAgentB,
			IsAgent:  true,
			JoinedAt: now,
			RoomName: finalRoom,
		})
	}
	m.agents.ReleaseSession(s.AgentAIdentity, id)
	if err := m.agents.Claim(s.AgentBIdentity, id, models.AgentStateInCall); err != nil {
		slog.Error("Manager.CompleteTransfer: failed to mark agent B in call", "session_id", id, "agent_b", s.AgentBIdentity, "error", err)
	}

	if s.PhoneCallSID != "" && m.phone != nil {
		announcement := HandoffAnnouncement(m.displayName(s.AgentBIdentity))
		if err := m.phone.TransferCall(ctx, s.PhoneCallSID, id, announcement); err != nil {
			slog.Warn("Manager.CompleteTransfer: failed to announce handoff on phone call", "session_id", id, "call_sid", s.PhoneCallSID, "error", err)
		}
	}

	slog.Info("Manager.CompleteTransfer: transfer completed", "session_id", id, "agent_b", s.AgentBIdentity, "room", finalRoom)
	m.emit(s, models.EventTransferCompleted, from, s.AgentBIdentity, finalRoom)

	return models.CompletionResult{
		FinalRoomSID:  room.SID,
		FinalRoomName: finalRoom,
		Tokens: map[string]string{
			"caller":  tokens[s.CallerIdentity],
			"agent_b": tokens[s.AgentBIdentity],
		},
	}, nil
}

// HandoffAnnouncement is spoken to a phone caller once Agent B takes over.
func HandoffAnnouncement(agentName string) string {
	return "You are now connected with " + agentName + "."
}

// moveParticipants points every remaining record at room, collapsing duplicates
// left over from the original and transfer rooms.
func moveParticipants(s *models.CallSession, room string) {
	seen := make(map[string]bool, len(s.Participants))
	moved := s.Participants[:0]
	for _, p := range s.Participants {
		if seen[p.Identity] {
			continue
		}
		seen[p.Identity] = true
		p.RoomName = room
		moved = append(moved, p)
	}
	s.Participants = moved
}
