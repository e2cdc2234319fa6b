// Package presence flips the isBusy flag of users as they enter and leave
// calls. Updates are best-effort: failures come back as values and are never
// returned as errors to the caller.
package presence

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tariel-x/callsignal/internal/metrics"
	"github.com/tariel-x/callsignal/internal/store"
)

const (
	GuestPrefix    = "guest-"
	RecorderPrefix = "EG_"

	defaultTimeout = 5 * time.Second
)

var ErrUserNotFound = store.ErrUserNotFound

// Store persists the busy flag.
type Store interface {
	SetBusy(ctx context.Context, userID string, busy bool) error
}

// Result is the outcome of one update. Skipped is set for identities that have
// no presence document, Err for a store failure.
type Result struct {
	UserID  string
	Busy    bool
	Skipped bool
	Err     error
}

func (r Result) OK() bool {
	return !r.Skipped && r.Err == nil
}

// IsSynthetic reports whether identity belongs to a guest or to the recorder.
func IsSynthetic(identity string) bool {
	return identity == "" ||
		strings.HasPrefix(identity, GuestPrefix) ||
		strings.HasPrefix(identity, RecorderPrefix)
}

type Updater struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpdater returns an updater writing to s. A nil s turns every update into a
// skip.
func NewUpdater(s Store, logger *slog.Logger, m *metrics.Metrics) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Updater{
		store:   s,
		timeout: defaultTimeout,
		logger:  logger,
		metrics: m,
	}
}

func (u *Updater) SetBusy(ctx context.Context, userID string, busy bool) Result {
	res := Result{UserID: userID, Busy: busy}

	if u.store == nil || IsSynthetic(userID) {
		res.Skipped = true
		u.metrics.PresenceUpdates.WithLabelValues("skipped").Inc()
		return res
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()

	if err := u.store.SetBusy(ctx, userID, busy); err != nil {
		res.Err = err
		u.metrics.PresenceUpdates.WithLabelValues("failed").Inc()
		u.logger.Warn("presence update failed", "user_id", userID, "busy", busy, "error", err)
		return res
	}

	u.metrics.PresenceUpdates.WithLabelValues("ok").Inc()
	u.logger.Debug("presence updated", "user_id", userID, "busy", busy)
	return res
}
