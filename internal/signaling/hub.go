package signaling

import (
	"sync"

	"github.com/gorilla/websocket"
)

const sendBuffer = 64

type client struct {
	conn         *websocket.Conn
	send         chan []byte
	connectionID string
	userID       string
	closeOnce    sync.Once
}

func newClient(conn *websocket.Conn, connectionID, userID string) *client {
	return &client{
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		connectionID: connectionID,
		userID:       userID,
	}
}

func (c *client) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub indexes open connections by connection id.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.connectionID] = c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.connectionID]; ok && cur == c {
		delete(h.clients, c.connectionID)
	}
	c.closeSend()
}

// Send queues payload for connectionID. A full queue means the peer stopped
// reading; its connection is closed.
func (h *Hub) Send(connectionID string, payload []byte) bool {
	h.mu.Lock()
	c := h.clients[connectionID]
	h.mu.Unlock()

	if c == nil {
		return false
	}
	if !c.trySend(payload) {
		_ = c.conn.Close()
		return false
	}
	return true
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll drops every connection, used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}
