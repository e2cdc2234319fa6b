package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/tariel-x/callsignal/internal/metrics"
	"github.com/tariel-x/callsignal/internal/presence"
	"github.com/tariel-x/callsignal/internal/turn"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 70 * time.Second
	wsPingPeriod   = 30 * time.Second
	wsMaxMessage   = 64 << 10
	maxRoomIDBytes = 100
)

type Authenticator interface {
	UserFromRequest(r *http.Request) (string, error)
}

type ICEProvider interface {
	ICEConfig(ctx context.Context, userID string) turn.ICEConfig
}

type ServerOptions struct {
	// AllowGuests admits connections without a valid token under a
	// guest-<connectionId> identity. Otherwise they are refused with 401.
	AllowGuests bool
	CheckOrigin func(r *http.Request) bool
}

// Server upgrades client connections and runs their pumps.
type Server struct {
	relay       *Relay
	hub         *Hub
	authn       Authenticator
	ice         ICEProvider
	allowGuests bool
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewServer(relay *Relay, hub *Hub, authn Authenticator, ice ICEProvider, opts ServerOptions, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		relay:       relay,
		hub:         hub,
		authn:       authn,
		ice:         ice,
		allowGuests: opts.AllowGuests,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger:  logger,
		metrics: m,
	}
}

func (s *Server) HandleWebSocket(c *gin.Context) {
	connectionID, err := gonanoid.New()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not allocate connection id"})
		return
	}

	userID, err := s.authn.UserFromRequest(c.Request)
	if err != nil {
		if !s.allowGuests {
			s.logger.Debug("ws unauthenticated connection refused", "ip", c.ClientIP(), "error", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		userID = presence.GuestPrefix + connectionID
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "connection_id", connectionID, "error", err)
		return
	}

	cl := newClient(conn, connectionID, userID)
	s.hub.add(cl)
	s.metrics.Connections.Inc()
	s.logger.Debug("ws connected", "connection_id", connectionID, "user_id", userID, "ip", c.ClientIP())

	hello, _ := json.Marshal(Envelope{
		Type: TypeConnected,
		Data: mustMarshal(connectedData{ConnectionID: connectionID, UserID: userID}),
	})
	cl.trySend(hello)

	go s.writePump(cl)
	s.readPump(cl)
}

func (s *Server) readPump(cl *client) {
	defer func() {
		s.logger.Debug("ws disconnect", "connection_id", cl.connectionID, "user_id", cl.userID)
		_ = cl.conn.Close()
		s.hub.remove(cl)
		s.metrics.Connections.Dec()
		s.relay.Disconnect(cl.connectionID, cl.userID)
	}()

	cl.conn.SetReadLimit(wsMaxMessage)
	_ = cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		_ = cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	ctx := context.Background()
	for {
		_, payload, err := cl.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("ws read error", "connection_id", cl.connectionID, "error", err)
			return
		}

		var msg Envelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("ws bad json", "connection_id", cl.connectionID, "error", err)
			s.replyError(cl, "", "malformed message")
			continue
		}

		s.handle(ctx, cl, msg)
	}
}

func (s *Server) handle(ctx context.Context, cl *client, msg Envelope) {
	switch {
	case msg.Type == TypePing:
		return

	case msg.Type == TypeJoinRoom:
		roomID, ok := parseRoomID(msg.Data)
		if !ok {
			s.replyError(cl, msg.ID, "roomId is required")
			return
		}
		s.relay.JoinRoom(ctx, roomID, cl.userID, cl.connectionID)

	case msg.Type == TypeLeaveRoom:
		roomID, ok := parseRoomID(msg.Data)
		if !ok {
			s.replyError(cl, msg.ID, "roomId is required")
			return
		}
		if err := s.relay.LeaveRoom(ctx, roomID, cl.userID, cl.connectionID); err != nil {
			s.logger.Debug("ws leave ignored", "room", roomID, "connection_id", cl.connectionID, "error", err)
		}

	case isRelayed(msg.Type):
		s.relay.Forward(cl.connectionID, cl.userID, msg)

	case msg.Type == TypeGetRelayCfg:
		var cfg turn.ICEConfig
		if s.ice != nil {
			cfg = s.ice.ICEConfig(ctx, cl.userID)
		}
		reply, _ := json.Marshal(Envelope{Type: TypeRelayConfig, ID: msg.ID, Data: mustMarshal(cfg)})
		cl.trySend(reply)

	default:
		s.replyError(cl, msg.ID, "unknown message type")
	}
}

func (s *Server) writePump(cl *client) {
	defer func() {
		_ = cl.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-cl.send:
			if !ok {
				_ = cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = cl.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) replyError(cl *client, id, message string) {
	b, _ := json.Marshal(Envelope{Type: TypeError, ID: id, Data: mustMarshal(errorData{Message: message})})
	cl.trySend(b)
}

func parseRoomID(data json.RawMessage) (string, bool) {
	var d roomData
	if err := json.Unmarshal(data, &d); err != nil {
		return "", false
	}
	if d.RoomID == "" || len(d.RoomID) > maxRoomIDBytes {
		return "", false
	}
	return d.RoomID, true
}
