package models

// APIStatusError is the status of every error envelope.
const APIStatusError = "error"

// APIResponse is the error envelope returned by failing requests.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse creates an error API response with a message.
func ErrorResponse(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}

// CreateCallRequest is the payload of POST /api/calls/create. Both fields may
// also be passed as query parameters.
type CreateCallRequest struct {
	CallerIdentity string `json:"caller_identity"`
	AgentAIdentity string `json:"agent_a_identity,omitempty"`
}

// CreateCallResponse is returned by POST /api/calls/create.
type CreateCallResponse struct {
	SessionID      string `json:"session_id"`
	RoomName       string `json:"room_name"`
	AgentAIdentity string `json:"agent_a_identity"`
}

// JoinRequest is the payload of POST /api/calls/{id}/join.
type JoinRequest struct {
	Identity string `json:"identity"`
	Role     string `json:"role,omitempty"`
}

// TransferRequest is the payload of POST /api/calls/{id}/transfer.
type TransferRequest struct {
	AgentAIdentity string `json:"agent_a_identity"`
	AgentBIdentity string `json:"agent_b_identity,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Specialty      string `json:"specialty,omitempty"`
}

// ExplainRequest is the payload of POST /api/calls/{id}/explain.
type ExplainRequest struct {
	AgentAIdentity string `json:"agent_a_identity"`
	AgentBIdentity string `json:"agent_b_identity"`
}

// ExplainResponse is returned by POST /api/calls/{id}/explain.
type ExplainResponse struct {
	Explanation string `json:"explanation"`
	CallSummary string `json:"call_summary"`
}

// CompleteRequest is the payload of POST /api/calls/{id}/complete.
type CompleteRequest struct {
	AgentAIdentity string `json:"agent_a_identity"`
}

// CompleteResponse is returned by POST /api/calls/{id}/complete.
type CompleteResponse struct {
	Success      bool              `json:"success"`
	FinalRoomSID string            `json:"final_room_sid"`
	Message      string            `json:"message"`
	Tokens       map[string]string `json:"tokens,omitempty"`
}

// TranscriptRequest is the payload of POST /api/calls/{id}/transcript.
type TranscriptRequest struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// LeaveRequest is the payload of POST /api/calls/{id}/leave.
type LeaveRequest struct {
	Identity string `json:"identity"`
}

// TwilioCallRequest is the payload of POST /api/twilio/call.
type TwilioCallRequest struct {
	PhoneNumber   string `json:"phone_number"`
	SessionID     string `json:"session_id"`
	AgentIdentity string `json:"agent_identity"`
	Context       string `json:"context,omitempty"`
}

// Validate checks the required fields of a TwilioCallRequest.
func (r *TwilioCallRequest) Validate() error {
	if r.PhoneNumber == "" {
		return NewError(ErrInvalidRequest, "phone_number is required")
	}
	if r.SessionID == "" {
		return NewError(ErrInvalidRequest, "session_id is required")
	}
	return nil
}

// TwilioCallResponse is returned by POST /api/twilio/call.
type TwilioCallResponse struct {
	CallSID     string `json:"call_sid"`
	PhoneNumber string `json:"phone_number"`
	SessionID   string `json:"session_id"`
}
