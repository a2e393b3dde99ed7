package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/metrics"
	"github.com/mattjoyce/backpost/internal/storage"
)

// SweepReport summarizes one watchdog pass.
type SweepReport struct {
	Released int `json:"released"`
	Failed   int `json:"failed"`
	Checked  int `json:"checked"`
}

func (r SweepReport) Changed() bool { return r.Released > 0 || r.Failed > 0 }

// Watchdog reclaims jobs left running by a worker that died mid-flight.
type Watchdog struct {
	store       *Store
	staleAfter  time.Duration
	maxAttempts int
	log         *slog.Logger
}

func NewWatchdog(store *Store, staleAfter time.Duration, maxAttempts int) *Watchdog {
	return &Watchdog{
		store:       store,
		staleAfter:  staleAfter,
		maxAttempts: maxAttempts,
		log:         log.WithComponent("watchdog"),
	}
}

// staleRow is the scan result a sweep decides on. Attempts grows once per
// claim, so the conditional updates skip rows reclaimed since the scan.
type staleRow struct {
	ID        int64   `db:"id"`
	Attempts  int     `db:"attempts"`
	StartedAt *string `db:"started_at"`
}

// Sweep requeues stale running jobs, or fails them once attempts reached the
// maximum. Requeueing never resets attempts.
func (w *Watchdog) Sweep(ctx context.Context) (SweepReport, error) {
	s := w.store
	now := s.now()
	cutoff := storage.FormatTime(now.Add(-w.staleAfter))

	var rows []staleRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`
SELECT id, attempts, started_at
FROM jobs
WHERE status = ? AND (started_at IS NULL OR started_at < ?)
ORDER BY id ASC;
`), StatusRunning, cutoff); err != nil {
		return SweepReport{}, fmt.Errorf("scan stale jobs: %w", err)
	}

	var rep SweepReport
	for _, r := range rows {
		rep.Checked++
		var elapsed time.Duration
		if r.StartedAt != nil {
			elapsed = now.Sub(storage.ParseTime(*r.StartedAt)).Round(time.Second)
		}

		if w.maxAttempts > 0 && r.Attempts >= w.maxAttempts {
			ok, err := w.fail(ctx, r, elapsed)
			if err != nil {
				return rep, err
			}
			if ok {
				rep.Failed++
				w.log.Warn("stale job failed", "job_id", r.ID, "attempts", r.Attempts, "elapsed", elapsed.String())
			}
			continue
		}

		ok, err := w.requeue(ctx, r)
		if err != nil {
			return rep, err
		}
		if ok {
			rep.Released++
			w.log.Info("stale job requeued", "job_id", r.ID, "attempts", r.Attempts, "elapsed", elapsed.String())
		}
	}

	metrics.AddWatchdog("released", rep.Released)
	metrics.AddWatchdog("failed", rep.Failed)
	return rep, nil
}

func (w *Watchdog) fail(ctx context.Context, r staleRow, elapsed time.Duration) (bool, error) {
	s := w.store
	detail := fmt.Sprintf("running for %s after %d attempts", elapsed, r.Attempts)
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE jobs
SET status = ?, finished_at = ?, error = ?, error_detail = ?
WHERE id = ? AND status = ? AND attempts = ?;
`), StatusFailed, s.nowS(), CodeTimeoutMaxAttempts, detail, r.ID, StatusRunning, r.Attempts)
	if err != nil {
		return false, fmt.Errorf("fail stale job %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}
	s.retireMirror(ctx, r.ID, StatusFailed)
	return true, nil
}

func (w *Watchdog) requeue(ctx context.Context, r staleRow) (bool, error) {
	s := w.store
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE jobs
SET status = ?, started_at = NULL, finished_at = NULL, pid = NULL, error = NULL, error_detail = NULL
WHERE id = ? AND status = ? AND attempts = ?;
`), StatusQueued, r.ID, StatusRunning, r.Attempts)
	if err != nil {
		return false, fmt.Errorf("requeue stale job %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}
	if err := s.mirror.SetStatus(ctx, r.ID, StatusQueued); err != nil {
		w.log.Warn("queue mirror status update failed", "job_id", r.ID, "error", err)
	}
	return true, nil
}
