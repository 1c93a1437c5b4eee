// Package models defines the core data structures for WarmTransfer.
//
// It includes call sessions, participants, agents, transcripts and transfer
// context, which are shared across the orchestrator, the gateways and the API.
package models

import (
	"time"
)

// CallState is the lifecycle state of a call session.
type CallState string

const (
	// CallStateWaiting indicates the session exists but the caller and Agent A have not both joined.
	CallStateWaiting CallState = "waiting"
	// CallStateConnected indicates the caller and Agent A are in the original room.
	CallStateConnected CallState = "connected"
	// CallStateTransferring indicates Agent A has started a warm transfer to Agent B.
	CallStateTransferring CallState = "transferring"
	// CallStateTransferred indicates the caller is with Agent B and Agent A has left.
	CallStateTransferred CallState = "transferred"
	// CallStateEnded is terminal.
	CallStateEnded CallState = "ended"
)

// callStateOrder gives each state its position in the only permitted progression.
var callStateOrder = map[CallState]int{
	CallStateWaiting:      0,
	CallStateConnected:    1,
	CallStateTransferring: 2,
	CallStateTransferred:  3,
	CallStateEnded:        4,
}

// IsValidCallState checks if the given call state is supported.
func IsValidCallState(s CallState) bool {
	_, ok := callStateOrder[s]
	return ok
}

// CanTransition reports whether a session may move from s to next.
// Only single forward steps are allowed; ended is terminal.
func (s CallState) CanTransition(next CallState) bool {
	from, ok := callStateOrder[s]
	if !ok {
		return false
	}
	to, ok := callStateOrder[next]
	if !ok {
		return false
	}
	return to == from+1
}

// IsTerminal reports whether no transition leaves s.
func (s CallState) IsTerminal() bool {
	return s == CallStateEnded
}

// ParticipantRole is the role a participant claims when joining a room.
type ParticipantRole string

const (
	// RoleCaller is the customer on the call.
	RoleCaller ParticipantRole = "caller"
	// RoleAgentA is the agent who answers the call and initiates the transfer.
	RoleAgentA ParticipantRole = "agent_a"
	// RoleAgentB is the specialist agent receiving the transfer.
	RoleAgentB ParticipantRole = "agent_b"
)

// ParseParticipantRole parses a join role. An empty string means caller.
func ParseParticipantRole(s string) (ParticipantRole, error) {
	switch ParticipantRole(s) {
	case "", RoleCaller:
		return RoleCaller, nil
	case RoleAgentA, RoleAgentB:
		return ParticipantRole(s), nil
	default:
		return "", NewError(ErrInvalidRequest, "unknown participant role %q", s)
	}
}

// IsAgent reports whether the role belongs to an agent rather than the caller.
func (r ParticipantRole) IsAgent() bool {
	return r == RoleAgentA || r == RoleAgentB
}

// Participant is one identity's presence in one of the session's rooms.
type Participant struct {
	Identity string          `json:"identity"`
	Name     string          `json:"name"`
	Role     ParticipantRole `json:"role"`
	IsAgent  bool            `json:"is_agent"`
	JoinedAt time.Time       `json:"joined_at"`
	RoomName string          `json:"room_name"`
}

// TranscriptTurn is a single speaker turn in the call transcript.
type TranscriptTurn struct {
	Speaker   string    `json:"speaker"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// CallSession is the orchestrator's record of one call and its transfer.
type CallSession struct {
	SessionID        string           `json:"session_id"`
	CallerIdentity   string           `json:"caller_identity"`
	AgentAIdentity   string           `json:"agent_a_identity,omitempty"`
	AgentBIdentity   string           `json:"agent_b_identity,omitempty"`
	RoomName         string           `json:"room_name"`
	OriginalRoomSID  string           `json:"original_room_sid"`
	TransferRoomName string           `json:"transfer_room_name,omitempty"`
	TransferRoomSID  string           `json:"transfer_room_sid,omitempty"`
	FinalRoomName    string           `json:"final_room_name,omitempty"`
	FinalRoomSID     string           `json:"final_room_sid,omitempty"`
	PhoneCallSID     string           `json:"phone_call_sid,omitempty"`
	State            CallState        `json:"state"`
	CallSummary      string           `json:"call_summary,omitempty"`
	TransferReason   string           `json:"transfer_reason,omitempty"`
	Explanation      string           `json:"explanation,omitempty"`
	Participants     []Participant    `json:"participants"`
	Transcript       []TranscriptTurn `json:"transcript"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	EndedAt          *time.Time       `json:"ended_at,omitempty"`
}

// CurrentRoomName returns the room new joiners are sent to.
func (s *CallSession) CurrentRoomName() string {
	if s.FinalRoomName != "" {
		return s.FinalRoomName
	}
	return s.RoomName
}

// HasParticipant reports whether identity currently has a participant record.
func (s *CallSession) HasParticipant(identity string) bool {
	for _, p := range s.Participants {
		if p.Identity == identity {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the orchestrator.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	c.Transcript = append([]TranscriptTurn(nil), s.Transcript...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// TransferContext carries the generated handoff artifacts from Agent A to Agent B.
type TransferContext struct {
	CallSummary    string    `json:"call_summary"`
	TransferReason string    `json:"transfer_reason"`
	Explanation    string    `json:"explanation"`
	ReceivedAt     time.Time `json:"received_at"`
}

// ConnectionInfo is what a participant needs to join a LiveKit room.
type ConnectionInfo struct {
	AccessToken string `json:"access_token"`
	LiveKitURL  string `json:"livekit_url"`
	RoomName    string `json:"room_name"`
}

// TransferResult is returned when a warm transfer is initiated.
type TransferResult struct {
	TransferRoomSID  string            `json:"transfer_room_sid"`
	TransferRoomName string            `json:"transfer_room_name"`
	Tokens           map[string]string `json:"tokens"`
	AgentBIdentity   string            `json:"agent_b_identity"`
}

// CompletionResult is returned when a warm transfer is completed.
type CompletionResult struct {
	FinalRoomSID  string            `json:"final_room_sid"`
	FinalRoomName string            `json:"final_room_name"`
	Tokens        map[string]string `json:"tokens"`
}
