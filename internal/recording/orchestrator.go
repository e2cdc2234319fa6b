// Package recording starts and stops server-side room recordings from the
// stream of participant events reported by the media router.
//
// Events arrive late, twice or out of order, so every decision re-reads the
// router's live view before acting. Starts for one room are serialized by the
// room's start lock and stops by its stop lock. A start and a stop for the same
// room may still interleave; the egress_ended event and the orphan sweep
// reconcile what that leaves behind.
//
// A join that lands while its room is inside the start path is not dropped:
// it is counted and the running start re-evaluates the room once more before
// releasing it.
package recording

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tariel-x/callsignal/internal/metrics"
	"github.com/tariel-x/callsignal/internal/presence"
)

var (
	ErrAlreadyRecording  = errors.New("room is already being recorded")
	ErrRecordingNotFound = errors.New("recording not found")
)

const defaultCallTimeout = 10 * time.Second

// Egress is an active recording as reported by the media router.
type Egress struct {
	ID       string
	RoomName string
}

// MediaRouter is the part of the media router control API the orchestrator
// relies on.
type MediaRouter interface {
	// LiveParticipants returns the room's participant count. exists is false
	// when the router no longer knows the room.
	LiveParticipants(ctx context.Context, room string) (count int, exists bool, err error)
	ActiveRecordings(ctx context.Context, room string) ([]string, error)
	AllActiveRecordings(ctx context.Context) ([]Egress, error)
	StartRecording(ctx context.Context, room string) (egressID string, err error)
	StopRecording(ctx context.Context, egressID string) error
}

type Presence interface {
	SetBusy(ctx context.Context, userID string, busy bool) presence.Result
}

type Session struct {
	ID        string    `json:"egressId"`
	StartTime time.Time `json:"startTime"`
}

type Orchestrator struct {
	router   MediaRouter
	presence Presence
	logger   *slog.Logger
	metrics  *metrics.Metrics
	nowFn    func() time.Time
	timeout  time.Duration

	mu       sync.Mutex
	counters map[string]int
	sessions map[string]Session
	// processing holds rooms inside the start path. The value asks the
	// running evaluation to go around once more.
	processing map[string]bool

	startLocks *keyedMutex
	stopLocks  *keyedMutex
}

func NewOrchestrator(router MediaRouter, p Presence, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Orchestrator{
		router:     router,
		presence:   p,
		logger:     logger,
		metrics:    m,
		nowFn:      time.Now,
		timeout:    defaultCallTimeout,
		counters:   make(map[string]int),
		sessions:   make(map[string]Session),
		processing: make(map[string]bool),
		startLocks: newKeyedMutex(),
		stopLocks:  newKeyedMutex(),
	}
}

// ParticipantJoined counts the participant and starts a recording once the
// room has two live participants.
func (o *Orchestrator) ParticipantJoined(ctx context.Context, room, identity string) {
	if isRecorder(identity) {
		return
	}

	o.mu.Lock()
	o.counters[room]++
	if _, running := o.processing[room]; running {
		o.processing[room] = true
		o.mu.Unlock()
		o.logger.Debug("recording start already in progress", "room", room)
		return
	}
	o.processing[room] = false
	o.mu.Unlock()

	unlock := o.startLocks.Lock(room)
	defer unlock()

	for {
		o.evaluateStart(ctx, room)

		o.mu.Lock()
		if !o.processing[room] {
			delete(o.processing, room)
			o.mu.Unlock()
			return
		}
		o.processing[room] = false
		o.mu.Unlock()
	}
}

func (o *Orchestrator) evaluateStart(ctx context.Context, room string) {
	o.mu.Lock()
	count := o.counters[room]
	_, recording := o.sessions[room]
	o.mu.Unlock()

	if count < 2 || recording {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	live, exists, err := o.router.LiveParticipants(ctx, room)
	if err != nil {
		o.failed("list_rooms", room, err)
		return
	}
	if !exists || live < 2 {
		o.logger.Debug("not enough live participants to record", "room", room, "live", live, "exists", exists)
		return
	}

	existing, err := o.router.ActiveRecordings(ctx, room)
	if err != nil {
		o.failed("list_egress", room, err)
		return
	}
	if len(existing) > 0 {
		o.setSession(room, existing[0])
		o.logger.Info("adopted running recording", "room", room, "egress_id", existing[0])
		return
	}

	egressID, err := o.router.StartRecording(ctx, room)
	if errors.Is(err, ErrAlreadyRecording) {
		o.logger.Info("room already recording", "room", room)
		return
	}
	if err != nil {
		o.failed("start", room, err)
		return
	}

	o.setSession(room, egressID)
	o.metrics.RecordingsStarted.Inc()
	o.logger.Info("recording started", "room", room, "egress_id", egressID)
}

// ParticipantLeft clears the leaver's busy flag and stops the recording when
// the router reports at most one participant left.
func (o *Orchestrator) ParticipantLeft(ctx context.Context, room, identity string) {
	if o.presence != nil {
		o.presence.SetBusy(ctx, identity, false)
	}
	if isRecorder(identity) {
		return
	}

	o.mu.Lock()
	if c := o.counters[room]; c > 0 {
		o.counters[room] = c - 1
	}
	o.mu.Unlock()

	unlock := o.stopLocks.Lock(room)
	defer unlock()

	sess, ok := o.Session(room)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	live, exists, err := o.router.LiveParticipants(ctx, room)
	if err != nil {
		o.failed("list_rooms", room, err)
		return
	}
	if exists && live > 1 {
		return
	}

	o.stop(ctx, room, sess)
}

// RoomFinished stops the room's recording, if any, and forgets everything the
// orchestrator knew about the room.
func (o *Orchestrator) RoomFinished(ctx context.Context, room string) {
	o.mu.Lock()
	delete(o.counters, room)
	o.mu.Unlock()

	unlock := o.stopLocks.Lock(room)
	defer unlock()

	if sess, ok := o.Session(room); ok {
		ctx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		if !o.stop(ctx, room, sess) {
			o.logger.Warn("recording may still be running, stop it manually", "room", room, "egress_id", sess.ID)
		}
	}

	o.mu.Lock()
	delete(o.sessions, room)
	o.mu.Unlock()
}

// EgressEnded clears the session recorded for room when it matches egressID.
// An empty room searches all sessions.
func (o *Orchestrator) EgressEnded(room, egressID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if room == "" {
		for r, sess := range o.sessions {
			if sess.ID == egressID {
				room = r
				break
			}
		}
	}

	sess, ok := o.sessions[room]
	if !ok || sess.ID != egressID {
		return false
	}
	delete(o.sessions, room)
	o.logger.Info("recording ended", "room", room, "egress_id", egressID)
	return true
}

// stop reports whether the router no longer runs the egress.
func (o *Orchestrator) stop(ctx context.Context, room string, sess Session) bool {
	err := o.router.StopRecording(ctx, sess.ID)
	if err != nil && !errors.Is(err, ErrRecordingNotFound) {
		o.failed("stop", room, err)
		return false
	}

	o.mu.Lock()
	if cur, ok := o.sessions[room]; ok && cur.ID == sess.ID {
		delete(o.sessions, room)
	}
	o.mu.Unlock()

	if err == nil {
		o.metrics.RecordingsStopped.Inc()
	}
	o.logger.Info("recording stopped", "room", room, "egress_id", sess.ID)
	return true
}

func (o *Orchestrator) setSession(room, egressID string) {
	o.mu.Lock()
	o.sessions[room] = Session{ID: egressID, StartTime: o.nowFn()}
	o.mu.Unlock()
}

func (o *Orchestrator) failed(op, room string, err error) {
	o.metrics.RecordingErrors.WithLabelValues(op).Inc()
	o.logger.Error("recording "+op+" failed", "room", room, "error", err)
}

func (o *Orchestrator) Session(room string) (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[room]
	return s, ok
}

func (o *Orchestrator) Counter(room string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters[room]
}

func (o *Orchestrator) ActiveRecordings() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func isRecorder(identity string) bool {
	return strings.HasPrefix(identity, presence.RecorderPrefix)
}
