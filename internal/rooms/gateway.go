// Package rooms is the room and token gateway for WarmTransfer.
//
// It hides the real-time communication provider behind the Gateway interface:
// creating rooms, signing access tokens and moving participants out of rooms.
package rooms

import (
	"context"
	"time"
)

// Defaults applied to rooms created by the orchestrator.
const (
	// DefaultEmptyTimeout is how long the provider keeps an empty room alive.
	DefaultEmptyTimeout = 5 * time.Minute
	// DefaultTokenTTL is the validity of issued access tokens.
	DefaultTokenTTL = 6 * time.Hour
)

// AgentTrackSources are the publish sources granted to agents.
var AgentTrackSources = []string{"camera", "microphone", "screen_share"}

// Room identifies a provider room.
type Room struct {
	SID  string `json:"sid"`
	Name string `json:"name"`
}

// RoomOptions configures a room at creation.
type RoomOptions struct {
	Name            string
	MaxParticipants uint32
	EmptyTimeout    time.Duration
	Metadata        string
}

// Grants are the capabilities embedded in an access token.
type Grants struct {
	DisplayName  string
	IsAgent      bool
	CanPublish   bool
	CanSubscribe bool
}

// CallerGrants returns the standard grants for the caller.
func CallerGrants(displayName string) Grants {
	return Grants{DisplayName: displayName, CanPublish: true, CanSubscribe: true}
}

// AgentGrants returns grants for an agent: publish, subscribe and the extra agent sources.
func AgentGrants(displayName string) Grants {
	return Grants{DisplayName: displayName, IsAgent: true, CanPublish: true, CanSubscribe: true}
}

// Gateway abstracts the provider's room-management and token-signing calls.
// Implementations return errors wrapping models.ErrGateway and never retry.
type Gateway interface {
	// URL is the client-facing URL participants connect to.
	URL() string
	// CreateRoom creates a room and returns its provider identifier.
	CreateRoom(ctx context.Context, opts RoomOptions) (Room, error)
	// IssueToken signs an access token for identity to join roomName.
	IssueToken(roomName, identity string, grants Grants) (string, error)
	// RemoveParticipant disconnects identity from roomName.
	RemoveParticipant(ctx context.Context, roomName, identity string) error
	// DeleteRoom closes roomName and disconnects everyone in it.
	DeleteRoom(ctx context.Context, roomName string) error
}
