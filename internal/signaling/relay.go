// Package signaling relays session negotiation between the participants of a
// call room and keeps the room registry in step with their connections.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/tariel-x/callsignal/internal/grace"
	"github.com/tariel-x/callsignal/internal/metrics"
	"github.com/tariel-x/callsignal/internal/models"
	"github.com/tariel-x/callsignal/internal/presence"
	"github.com/tariel-x/callsignal/internal/rooms"
)

// Sender delivers an encoded frame to one connection.
type Sender interface {
	Send(connectionID string, payload []byte) bool
}

type Presence interface {
	SetBusy(ctx context.Context, userID string, busy bool) presence.Result
}

type Relay struct {
	registry *rooms.Registry
	grace    *grace.Manager
	out      Sender
	presence Presence
	logger   *slog.Logger
	metrics  *metrics.Metrics
	nowFn    func() time.Time
}

func NewRelay(registry *rooms.Registry, gm *grace.Manager, out Sender, p Presence, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Relay{
		registry: registry,
		grace:    gm,
		out:      out,
		presence: p,
		logger:   logger,
		metrics:  m,
		nowFn:    time.Now,
	}
}

// JoinRoom registers the connection in roomID, answers it with the other
// participants and announces it to them.
func (r *Relay) JoinRoom(ctx context.Context, roomID, userID, connectionID string) rooms.JoinResult {
	res := r.registry.Join(roomID, userID, connectionID, r.nowFn())
	if r.grace.Cancel(grace.Key{UserID: userID, RoomID: roomID}) {
		r.logger.Info("participant reconnected within grace period", "room", roomID, "user_id", userID, "connection_id", connectionID)
	}

	r.send(connectionID, Envelope{
		Type: TypeRoomJoined,
		Data: mustMarshal(roomJoinedData{RoomID: roomID, Participants: views(res.Others)}),
	})

	joined := r.encode(Envelope{
		Type: TypeUserJoined,
		Data: mustMarshal(participantView{UserID: userID, ConnectionID: connectionID}),
	})
	for _, p := range res.Others {
		r.out.Send(p.ConnectionID, joined)
	}

	r.logger.Info("joined room", "room", roomID, "user_id", userID, "connection_id", connectionID,
		"participants", res.Room.ParticipantsCount(), "call_connected", res.CallConnected)
	r.updateGauges()

	if r.presence != nil {
		r.presence.SetBusy(ctx, userID, true)
	}
	return res
}

// LeaveRoom removes the connection from roomID on the client's request. A
// pending grace removal is cancelled only when it belongs to this connection.
func (r *Relay) LeaveRoom(ctx context.Context, roomID, userID, connectionID string) error {
	res, err := r.registry.Remove(roomID, connectionID)
	if err != nil {
		return err
	}

	key := grace.Key{UserID: userID, RoomID: roomID}
	if pendingConn, ok := r.grace.Pending(key); ok && pendingConn == connectionID {
		r.grace.Cancel(key)
	}
	r.left(ctx, roomID, res)
	return nil
}

// Disconnect defers the removal of connectionID from every room it is in.
func (r *Relay) Disconnect(connectionID, userID string) {
	for _, roomID := range r.registry.RoomsWithConnection(connectionID) {
		r.grace.Schedule(grace.Key{UserID: userID, RoomID: roomID}, connectionID, r.expire)
	}
}

// Forward relays msg from the sender to msg.To. Unknown targets are dropped.
func (r *Relay) Forward(fromConnectionID, fromUserID string, msg Envelope) bool {
	if msg.To == "" {
		r.logger.Debug("relay without target dropped", "type", msg.Type, "from", fromConnectionID)
		return false
	}

	msg.From = fromConnectionID
	msg.FromUserID = fromUserID
	target := msg.To
	msg.To = ""

	ok := r.out.Send(target, r.encode(msg))
	r.metrics.RelayedMessages.WithLabelValues(msg.Type, strconv.FormatBool(ok)).Inc()
	if !ok {
		// Avoid logging SDP or candidates; they carry addresses.
		r.logger.Debug("relay target not connected", "type", msg.Type, "from", fromConnectionID, "to", target, "data_bytes", len(msg.Data))
	}
	return ok
}

func (r *Relay) expire(key grace.Key, connectionID string) {
	res, err := r.registry.Remove(key.RoomID, connectionID)
	if err != nil {
		if !errors.Is(err, rooms.ErrRoomNotFound) && !errors.Is(err, rooms.ErrParticipantNotFound) {
			r.logger.Error("grace removal failed", "room", key.RoomID, "user_id", key.UserID, "error", err)
		}
		return
	}

	r.metrics.GraceExpirations.Inc()
	r.logger.Info("participant removed after grace period", "room", key.RoomID, "user_id", key.UserID, "connection_id", connectionID)
	r.left(context.Background(), key.RoomID, res)
}

func (r *Relay) left(ctx context.Context, roomID string, res rooms.LeaveResult) {
	note := r.encode(Envelope{
		Type: TypeUserLeft,
		Data: mustMarshal(participantView{UserID: res.Removed.UserID, ConnectionID: res.Removed.ConnectionID}),
	})
	for _, p := range res.Remaining {
		r.out.Send(p.ConnectionID, note)
	}

	r.logger.Info("left room", "room", roomID, "user_id", res.Removed.UserID, "connection_id", res.Removed.ConnectionID,
		"remaining", len(res.Remaining), "room_deleted", res.RoomDeleted)
	r.updateGauges()

	if r.presence != nil {
		r.presence.SetBusy(ctx, res.Removed.UserID, false)
	}
}

func (r *Relay) send(connectionID string, env Envelope) bool {
	return r.out.Send(connectionID, r.encode(env))
}

func (r *Relay) encode(env Envelope) []byte {
	b, _ := json.Marshal(env)
	return b
}

func (r *Relay) updateGauges() {
	stats := r.registry.Stats()
	r.metrics.Rooms.Set(float64(stats.TotalRooms))
	r.metrics.Participants.Set(float64(stats.TotalParticipants))
}

func views(ps []models.Participant) []participantView {
	out := make([]participantView, 0, len(ps))
	for _, p := range ps {
		out = append(out, participantView{UserID: p.UserID, ConnectionID: p.ConnectionID})
	}
	return out
}
