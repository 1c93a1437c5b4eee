package call

import (
	"context"
	"time"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// Generator produces the natural-language artifacts of a transfer.
type Generator interface {
	Summarize(ctx context.Context, transcript []models.TranscriptTurn) (string, error)
	Explain(ctx context.Context, summary, reason, targetContext string) (string, error)
}

// AgentDirectory is the subset of the agent registry the manager needs.
type AgentDirectory interface {
	Get(identity string) (models.Agent, error)
	FindIdle(role models.AgentRole, specialty string) (models.Agent, bool)
	Claim(identity, sessionID string, state models.AgentState) error
	ReleaseSession(identity, sessionID string) bool
}

// EventSink receives every CallEvent after the session has been updated.
// Publish is called with the session lock held, in event order, so a slow
// sink delays later operations on that session but no other session.
type EventSink interface {
	Publish(event models.CallEvent)
}

// PhoneLine controls phone calls bridged into a session's conference.
type PhoneLine interface {
	TransferCall(ctx context.Context, callSID, sessionID, announcement string) error
	EndCall(ctx context.Context, callSID string) error
}

// Metrics observes orchestration outcomes.
type Metrics interface {
	Transition(from, to models.CallState)
	Error(operation string, err error)
	ActiveSessions(n int)
	ObserveDuration(operation string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Transition(from, to models.CallState) {}
func (noopMetrics) Error(operation string, err error) {}
func (noopMetrics) ActiveSessions(n int) {}
func (noopMetrics) ObserveDuration(operation string, d time.Duration) {}
