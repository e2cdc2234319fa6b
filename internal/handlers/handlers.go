package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/tariel-x/callsignal/internal/models"
	"github.com/tariel-x/callsignal/internal/notify"
	"github.com/tariel-x/callsignal/internal/presence"
	"github.com/tariel-x/callsignal/internal/rooms"
	"github.com/tariel-x/callsignal/internal/storage"
	"github.com/tariel-x/callsignal/internal/turn"
)

type RoomStats interface {
	Stats() rooms.Stats
}

type RecordingCounter interface {
	ActiveRecordings() int
}

type ICEProvider interface {
	ICEConfig(ctx context.Context, userID string) turn.ICEConfig
}

type LiveKit interface {
	Token(room, identity, name string) (string, error)
	CreateRoom(ctx context.Context, room string) error
}

type Presence interface {
	SetBusy(ctx context.Context, userID string, busy bool) presence.Result
}

type Notifier interface {
	Notify(ctx context.Context, userID string, n notify.Notification) (notify.Report, error)
	PublicKey() string
}

type PushStore interface {
	ReplacePushSubscription(ctx context.Context, sub *models.PushSubscription) error
}

type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (presence.UserInfo, error)
}

type RecordingBrowser interface {
	List(ctx context.Context, room string) ([]storage.Recording, error)
}

// Deps lists the collaborators of the HTTP API. Nil optional collaborators
// turn their endpoints into 503 responses.
type Deps struct {
	Rooms      RoomStats
	Recordings RecordingCounter
	ICE        ICEProvider
	LiveKit    LiveKit
	LiveKitURL string
	Presence   Presence
	Notifier   Notifier
	Push       PushStore
	Users      UserDirectory
	Browser    RecordingBrowser
	Debug      bool
	Logger     *slog.Logger
}

type Handlers struct {
	deps   Deps
	logger *slog.Logger
	nowFn  func() time.Time
}

func New(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		deps:   deps,
		logger: logger,
		nowFn:  time.Now,
	}
}
