package rooms

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/WarmTransfer/internal/models"
)

// IssuedToken records a token handed out by MockGateway.
type IssuedToken struct {
	Room     string
	Identity string
	Grants   Grants
	Token    string
}

// RemovedParticipant records a RemoveParticipant call.
type RemovedParticipant struct {
	Room     string
	Identity string
}

// MockGateway is an in-memory Gateway for tests. Set the Err fields to make
// the matching call fail with a gateway error.
type MockGateway struct {
	mu sync.Mutex

	CreatedRooms []RoomOptions
	Tokens       []IssuedToken
	Removed      []RemovedParticipant
	DeletedRooms []string

	CreateRoomErr        error
	IssueTokenErr        error
	RemoveParticipantErr error
	DeleteRoomErr        error

	nextSID int
}

// NewMockGateway creates an empty MockGateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

func (m *MockGateway) URL() string {
	return "wss://mock.livekit.local"
}

func (m *MockGateway) CreateRoom(ctx context.Context, opts RoomOptions) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateRoomErr != nil {
		return Room{}, models.WrapError(models.ErrGateway, m.CreateRoomErr, "create room %s", opts.Name)
	}
	m.nextSID++
	m.CreatedRooms = append(m.CreatedRooms, opts)
	return Room{SID: fmt.Sprintf("RM_mock%04d", m.nextSID), Name: opts.Name}, nil
}

func (m *MockGateway) IssueToken(roomName, identity string, grants Grants) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.IssueTokenErr != nil {
		return "", models.WrapError(models.ErrGateway, m.IssueTokenErr, "sign token for %s in %s", identity, roomName)
	}
	token := "token:" + roomName + ":" + identity
	m.Tokens = append(m.Tokens, IssuedToken{Room: roomName, Identity: identity, Grants: grants, Token: token})
	return token, nil
}

func (m *MockGateway) RemoveParticipant(ctx context.Context, roomName, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveParticipantErr != nil {
		return models.WrapError(models.ErrGateway, m.RemoveParticipantErr, "remove %s from %s", identity, roomName)
	}
	m.Removed = append(m.Removed, RemovedParticipant{Room: roomName, Identity: identity})
	return nil
}

func (m *MockGateway) DeleteRoom(ctx context.Context, roomName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteRoomErr != nil {
		return models.WrapError(models.ErrGateway, m.DeleteRoomErr, "delete room %s", roomName)
	}
	m.DeletedRooms = append(m.DeletedRooms, roomName)
	return nil
}

// RoomCount returns how many rooms have been created.
func (m *MockGateway) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CreatedRooms)
}

// TokensFor returns the tokens issued to identity, in order.
func (m *MockGateway) TokensFor(identity string) []IssuedToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []IssuedToken
	for _, t := range m.Tokens {
		if t.Identity == identity {
			out = append(out, t)
		}
	}
	return out
}

// RemovedFrom reports whether identity was removed from roomName.
func (m *MockGateway) RemovedFrom(roomName, identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Removed {
		if r.Room == roomName && r.Identity == identity {
			return true
		}
	}
	return false
}
