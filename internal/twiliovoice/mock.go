package twiliovoice

import (
	"context"
	"fmt"
	"sync"
)

// PlacedCall records a MockClient.InitiateCall.
type PlacedCall struct {
	To        string
	SessionID string
	CallSID   string
}

// TransferredCall records a MockClient.TransferCall.
type TransferredCall struct {
	CallSID      string
	SessionID    string
	Announcement string
}

// MockClient is an in-memory VoiceBridge for tests.
type MockClient struct {
	mu sync.Mutex

	Calls       []PlacedCall
	Transfers   []TransferredCall
	Ended       []string
	InitiateErr error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) InitiateCall(ctx context.Context, to, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InitiateErr != nil {
		return "", m.InitiateErr
	}
	sid := fmt.Sprintf("CA%032d", len(m.Calls)+1)
	m.Calls = append(m.Calls, PlacedCall{To: to, SessionID: sessionID, CallSID: sid})
	return sid, nil
}

func (m *MockClient) TransferCall(ctx context.Context, callSID, sessionID, announcement string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transfers = append(m.Transfers, TransferredCall{CallSID: callSID, SessionID: sessionID, Announcement: announcement})
	return nil
}

func (m *MockClient) EndCall(ctx context.Context, callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ended = append(m.Ended, callSID)
	return nil
}

// Snapshot returns copies of the recorded transfers and hangups.
func (m *MockClient) Snapshot() ([]TransferredCall, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransferredCall(nil), m.Transfers...), append([]string(nil), m.Ended...)
}
