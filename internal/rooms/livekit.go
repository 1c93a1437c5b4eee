package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BTreeMap/WarmTransfer/internal/models"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// roomService is the subset of the LiveKit room service used here.
type roomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	RemoveParticipant(ctx context.Context, req *livekit.RoomParticipantIdentity) (*livekit.RemoveParticipantResponse, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
}

// Opts holds configuration options for the LiveKit gateway.
type Opts struct {
	URL          string
	APIKey       string
	APISecret    string
	TokenTTL     time.Duration
	EmptyTimeout time.Duration
}

// Option defines a configuration option for the LiveKit gateway.
type Option func(*Opts)

// WithURL sets the LiveKit server URL (ws:// or wss://).
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithAPIKey sets the LiveKit API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithAPISecret sets the LiveKit API secret.
func WithAPISecret(secret string) Option {
	return func(o *Opts) { o.APISecret = secret }
}

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TokenTTL = ttl }
}

// WithEmptyTimeout overrides DefaultEmptyTimeout.
func WithEmptyTimeout(d time.Duration) Option {
	return func(o *Opts) { o.EmptyTimeout = d }
}

// LiveKitGateway implements Gateway on the LiveKit server SDK.
type LiveKitGateway struct {
	rooms        roomService
	url          string
	apiKey       string
	apiSecret    string
	tokenTTL     time.Duration
	emptyTimeout time.Duration
}

// NewLiveKitGateway creates a gateway from options, falling back to the
// LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET environment variables.
func NewLiveKitGateway(opts ...Option) (*LiveKitGateway, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		cfg.URL = os.Getenv("LIVEKIT_URL")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("LIVEKIT_API_KEY")
	}
	if cfg.APISecret == "" {
		cfg.APISecret = os.Getenv("LIVEKIT_API_SECRET")
	}
	slog.Debug("LiveKit gateway config loaded",
		"url", cfg.URL,
		"api_key_set", cfg.APIKey != "",
		"api_secret_set", cfg.APISecret != "")

	if cfg.URL == "" {
		return nil, fmt.Errorf("livekit URL must be provided")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("livekit API key and secret must be provided")
	}

	client := lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	return newLiveKitGateway(client, cfg), nil
}

func newLiveKitGateway(svc roomService, cfg Opts) *LiveKitGateway {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.EmptyTimeout <= 0 {
		cfg.EmptyTimeout = DefaultEmptyTimeout
	}
	return &LiveKitGateway{
		rooms:        svc,
		url:          cfg.URL,
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		tokenTTL:     cfg.TokenTTL,
		emptyTimeout: cfg.EmptyTimeout,
	}
}

// URL returns the LiveKit URL clients connect to.
func (g *LiveKitGateway) URL() string {
	return g.url
}

// CreateRoom creates a LiveKit room.
func (g *LiveKitGateway) CreateRoom(ctx context.Context, opts RoomOptions) (Room, error) {
	emptyTimeout := opts.EmptyTimeout
	if emptyTimeout <= 0 {
		emptyTimeout = g.emptyTimeout
	}
	metadata := opts.Metadata
	if metadata == "" {
		metadata = "Created at " + time.Now().Format(time.RFC3339)
	}
	req := &livekit.CreateRoomRequest{
		Name:            opts.Name,
		EmptyTimeout:    uint32(emptyTimeout / time.Second),
		MaxParticipants: opts.MaxParticipants,
		Metadata:        metadata,
	}
	room, err := g.rooms.CreateRoom(ctx, req)
	if err != nil {
		slog.Error("LiveKitGateway.CreateRoom failed", "room", opts.Name, "error", err)
		return Room{}, models.WrapError(models.ErrGateway, err, "create room %s", opts.Name)
	}
	slog.Info("LiveKitGateway.CreateRoom succeeded", "room", room.GetName(), "sid", room.GetSid())
	return Room{SID: room.GetSid(), Name: room.GetName()}, nil
}

// IssueToken signs a LiveKit access token for identity in roomName.
func (g *LiveKitGateway) IssueToken(roomName, identity string, grants Grants) (string, error) {
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	grant.SetCanPublish(grants.CanPublish)
	grant.SetCanSubscribe(grants.CanSubscribe)
	grant.SetCanPublishData(true)
	grant.SetCanUpdateOwnMetadata(true)
	if grants.IsAgent {
		grant.CanPublishSources = append([]string(nil), AgentTrackSources...)
		grant.Hidden = false
		grant.Recorder = true
	}

	at := auth.NewAccessToken(g.apiKey, g.apiSecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(g.tokenTTL)
	if grants.DisplayName != "" {
		at.SetName(grants.DisplayName)
	}

	token, err := at.ToJWT()
	if err != nil {
		slog.Error("LiveKitGateway.IssueToken failed", "room", roomName, "identity", identity, "error", err)
		return "", models.WrapError(models.ErrGateway, err, "sign token for %s in %s", identity, roomName)
	}
	slog.Debug("LiveKitGateway.IssueToken succeeded", "room", roomName, "identity", identity, "agent", grants.IsAgent)
	return token, nil
}

// RemoveParticipant disconnects identity from roomName.
func (g *LiveKitGateway) RemoveParticipant(ctx context.Context, roomName, identity string) error {
	_, err := g.rooms.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{Room: roomName, Identity: identity})
	if err != nil {
		slog.Warn("LiveKitGateway.RemoveParticipant failed", "room", roomName, "identity", identity, "error", err)
		return models.WrapError(models.ErrGateway, err, "remove %s from %s", identity, roomName)
	}
	slog.Info("LiveKitGateway.RemoveParticipant succeeded", "room", roomName, "identity", identity)
	return nil
}

// DeleteRoom closes roomName.
func (g *LiveKitGateway) DeleteRoom(ctx context.Context, roomName string) error {
	_, err := g.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomName})
	if err != nil {
		slog.Warn("LiveKitGateway.DeleteRoom failed", "room", roomName, "error", err)
		return models.WrapError(models.ErrGateway, err, "delete room %s", roomName)
	}
	slog.Info("LiveKitGateway.DeleteRoom succeeded", "room", roomName)
	return nil
}
