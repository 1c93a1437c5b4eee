package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the orchestrator. Match with errors.Is.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentUnavailable = errors.New("agent unavailable")
	ErrNoAgentAvailable = errors.New("no agent available")
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrGateway          = errors.New("gateway error")
	ErrGeneration       = errors.New("generation error")
)

var errorKinds = []error{
	ErrSessionNotFound,
	ErrAgentNotFound,
	ErrAgentUnavailable,
	ErrNoAgentAvailable,
	ErrInvalidState,
	ErrInvalidRequest,
	ErrGateway,
	ErrGeneration,
}

// Error is a typed orchestration error: a kind, a human-readable message and
// an optional underlying cause such as a provider error.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NewError builds an Error of the given kind.
func NewError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind around a cause.
func WrapError(kind error, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the error kind err belongs to, or nil if it is not one of ours.
func KindOf(err error) error {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName returns a short label for err's kind, suitable for metrics.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrSessionNotFound:
		return "session_not_found"
	case ErrAgentNotFound:
		return "agent_not_found"
	case ErrAgentUnavailable:
		return "agent_unavailable"
	case ErrNoAgentAvailable:
		return "no_agent_available"
	case ErrInvalidState:
		return "invalid_state"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrGateway:
		return "gateway"
	case ErrGeneration:
		return "generation"
	default:
		return "internal"
	}
}
