// Package grace defers the removal of participants whose connection dropped
// abruptly, so that a quick reconnect to the same room is not seen as a leave.
package grace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultDelay = 15 * time.Second

// Key identifies a pending removal.
type Key struct {
	UserID string
	RoomID string
}

// ExpireFunc runs once when a pending removal was not cancelled in time.
type ExpireFunc func(key Key, connectionID string)

type pending struct {
	timer        *clock.Timer
	connectionID string
}

type Manager struct {
	clock  clock.Clock
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[Key]*pending
	closed  bool
}

func NewManager(delay time.Duration, clk clock.Clock, logger *slog.Logger) *Manager {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clock:   clk,
		delay:   delay,
		logger:  logger,
		pending: make(map[Key]*pending),
	}
}

func (m *Manager) Delay() time.Duration {
	return m.delay
}

// Schedule arms a removal for key. An earlier pending removal for the same key
// is replaced.
func (m *Manager) Schedule(key Key, connectionID string, expire ExpireFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if old, ok := m.pending[key]; ok {
		old.timer.Stop()
	}

	p := &pending{connectionID: connectionID}
	p.timer = m.clock.AfterFunc(m.delay, func() {
		m.fire(key, p, expire)
	})
	m.pending[key] = p

	m.logger.Debug("grace removal scheduled", "user_id", key.UserID, "room", key.RoomID, "connection_id", connectionID, "delay", m.delay)
}

// Cancel drops the pending removal for key. It reports false when nothing was
// pending, including when the removal already started running.
func (m *Manager) Cancel(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[key]
	if !ok {
		return false
	}
	delete(m.pending, key)
	p.timer.Stop()

	m.logger.Debug("grace removal cancelled", "user_id", key.UserID, "room", key.RoomID, "connection_id", p.connectionID)
	return true
}

func (m *Manager) Pending(key Key) (connectionID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[key]
	if !ok {
		return "", false
	}
	return p.connectionID, true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops every pending timer. Later Schedule calls are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for key, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, key)
	}
}

func (m *Manager) fire(key Key, p *pending, expire ExpireFunc) {
	m.mu.Lock()
	// The entry must leave the map before the body runs; a concurrent Cancel
	// then finds nothing instead of racing the removal.
	if cur, ok := m.pending[key]; !ok || cur != p {
		m.mu.Unlock()
		return
	}
	delete(m.pending, key)
	m.mu.Unlock()

	m.logger.Debug("grace removal expired", "user_id", key.UserID, "room", key.RoomID, "connection_id", p.connectionID)
	expire(key, p.connectionID)
}
