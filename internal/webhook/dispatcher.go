// Package webhook receives LiveKit webhook notifications and feeds them to the
// recording orchestrator.
package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lkwebhook "github.com/livekit/protocol/webhook"

	"github.com/tariel-x/callsignal/internal/metrics"
)

const handleTimeout = 30 * time.Second

// Receiver authenticates and decodes one webhook request.
type Receiver func(r *http.Request) (*livekit.WebhookEvent, error)

// Handler reacts to room lifecycle events.
type Handler interface {
	ParticipantJoined(ctx context.Context, room, identity string)
	ParticipantLeft(ctx context.Context, room, identity string)
	RoomFinished(ctx context.Context, room string)
	EgressEnded(room, egressID string) bool
}

type Dispatcher struct {
	receive Receiver
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher verifies requests against the API key pair in provider.
func NewDispatcher(provider auth.KeyProvider, h Handler, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return newDispatcher(func(r *http.Request) (*livekit.WebhookEvent, error) {
		return lkwebhook.ReceiveWebhookEvent(r, provider)
	}, h, logger, m)
}

func newDispatcher(receive Receiver, h Handler, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Dispatcher{
		receive: receive,
		handler: h,
		logger:  logger,
		metrics: m,
	}
}

// Handle is the gin handler for POST /livekit/webhook.
func (d *Dispatcher) Handle(c *gin.Context) {
	event, err := d.receive(c.Request)
	if err != nil {
		d.logger.Warn("webhook rejected", "remote", c.ClientIP(), "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), handleTimeout)
	defer cancel()

	d.Dispatch(ctx, event)
	c.String(http.StatusOK, "ok")
}

func (d *Dispatcher) Dispatch(ctx context.Context, event *livekit.WebhookEvent) {
	kind := event.GetEvent()
	room := event.GetRoom().GetName()
	identity := event.GetParticipant().GetIdentity()

	d.metrics.WebhookEvents.WithLabelValues(metricLabel(kind)).Inc()
	d.logger.Debug("webhook event", "event", kind, "room", room, "identity", identity, "num_participants", event.GetRoom().GetNumParticipants())

	switch kind {
	case lkwebhook.EventRoomStarted:
		d.logger.Info("room started", "room", room)
	case lkwebhook.EventParticipantJoined:
		d.handler.ParticipantJoined(ctx, room, identity)
	case lkwebhook.EventParticipantLeft:
		d.handler.ParticipantLeft(ctx, room, identity)
	case lkwebhook.EventRoomFinished:
		d.handler.RoomFinished(ctx, room)
	case lkwebhook.EventEgressEnded:
		info := event.GetEgressInfo()
		cleared := d.handler.EgressEnded(info.GetRoomName(), info.GetEgressId())
		d.logger.Info("egress ended", "room", info.GetRoomName(), "egress_id", info.GetEgressId(), "cleared", cleared)
	default:
		d.logger.Info("unhandled webhook event", "event", kind)
	}
}

func metricLabel(kind string) string {
	switch kind {
	case lkwebhook.EventRoomStarted,
		lkwebhook.EventParticipantJoined,
		lkwebhook.EventParticipantLeft,
		lkwebhook.EventRoomFinished,
		lkwebhook.EventEgressEnded:
		return kind
	}
	return "other"
}
