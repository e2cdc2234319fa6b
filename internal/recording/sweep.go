package recording

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/workerpool"
)

const sweepWorkers = 4

// SweepResult summarizes one orphan sweep.
type SweepResult struct {
	Checked int
	Stopped int
	Adopted int
	Failed  int
}

// SweepOrphans walks every active recording known to the router. Recordings of
// rooms that are gone or have at most one participant are stopped. The rest
// are adopted as the room's session when none is recorded yet, so a restarted
// process still stops them later.
func (o *Orchestrator) SweepOrphans(ctx context.Context) (SweepResult, error) {
	listCtx, cancel := context.WithTimeout(ctx, o.timeout)
	egresses, err := o.router.AllActiveRecordings(listCtx)
	cancel()
	if err != nil {
		o.metrics.RecordingErrors.WithLabelValues("list_egress").Inc()
		return SweepResult{}, err
	}

	var (
		mu  sync.Mutex
		res = SweepResult{Checked: len(egresses)}
	)

	wp := workerpool.New(sweepWorkers)
	for _, eg := range egresses {
		wp.Submit(func() {
			outcome := o.sweepOne(ctx, eg)
			mu.Lock()
			switch outcome {
			case sweepStopped:
				res.Stopped++
			case sweepAdopted:
				res.Adopted++
			case sweepFailed:
				res.Failed++
			}
			mu.Unlock()
		})
	}
	wp.StopWait()

	o.logger.Info("orphaned recordings sweep finished",
		"checked", res.Checked, "stopped", res.Stopped, "adopted", res.Adopted, "failed", res.Failed)
	return res, nil
}

type sweepOutcome int

const (
	sweepKept sweepOutcome = iota
	sweepStopped
	sweepAdopted
	sweepFailed
)

func (o *Orchestrator) sweepOne(ctx context.Context, eg Egress) sweepOutcome {
	unlock := o.stopLocks.Lock(eg.RoomName)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	live, exists, err := o.router.LiveParticipants(ctx, eg.RoomName)
	if err != nil {
		o.failed("list_rooms", eg.RoomName, err)
		return sweepFailed
	}

	if !exists || live <= 1 {
		o.logger.Info("stopping orphaned recording", "room", eg.RoomName, "egress_id", eg.ID, "live", live)
		err := o.router.StopRecording(ctx, eg.ID)
		if err != nil && !errors.Is(err, ErrRecordingNotFound) {
			o.failed("stop", eg.RoomName, err)
			return sweepFailed
		}
		o.mu.Lock()
		if cur, ok := o.sessions[eg.RoomName]; ok && cur.ID == eg.ID {
			delete(o.sessions, eg.RoomName)
		}
		o.mu.Unlock()
		o.metrics.RecordingsStopped.Inc()
		return sweepStopped
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[eg.RoomName]; ok {
		return sweepKept
	}
	o.sessions[eg.RoomName] = Session{ID: eg.ID, StartTime: o.nowFn()}
	return sweepAdopted
}
