package models

import "time"

// CallEventType names what happened to a session.
type CallEventType string

const (
	EventSessionCreated     CallEventType = "session_created"
	EventParticipantJoined  CallEventType = "participant_joined"
	EventParticipantLeft    CallEventType = "participant_left"
	EventTranscriptAppended CallEventType = "transcript_appended"
	EventTransferInitiated  CallEventType = "transfer_initiated"
	EventTransferExplained  CallEventType = "transfer_explained"
	EventTransferCompleted  CallEventType = "transfer_completed"
	EventPhoneBridged       CallEventType = "phone_bridged"
	EventSessionEnded       CallEventType = "session_ended"
)

// CallEvent is an audit record of one orchestration step.
// FromState equals ToState for steps that do not change the session state.
type CallEvent struct {
	SessionID string        `json:"session_id"`
	Type      CallEventType `json:"type"`
	FromState CallState     `json:"from_state"`
	ToState   CallState     `json:"to_state"`
	Identity  string        `json:"identity,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Time      time.Time     `json:"time"`
}

// IsTransition reports whether the event moved the session to a new state.
func (e CallEvent) IsTransition() bool {
	return e.FromState != e.ToState
}
