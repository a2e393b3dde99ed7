package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/metrics"
	"github.com/mattjoyce/backpost/internal/storage"
)

const defaultClaimBatch = 50

// Limits bounds a single claim pass.
type Limits struct {
	Batch         int
	MaxPerProject int // 0 disables the per-project cap
}

// Claimer picks the next eligible queued job and wins it with a conditional
// update. Losing a race to another worker is normal and only logged at debug.
type Claimer struct {
	store  *Store
	limits Limits
	log    *slog.Logger
}

func NewClaimer(store *Store, limits Limits) *Claimer {
	if limits.Batch <= 0 {
		limits.Batch = defaultClaimBatch
	}
	return &Claimer{store: store, limits: limits, log: log.WithComponent("claimer")}
}

type candidate struct {
	ID        int64 `db:"id"`
	ProjectID int64 `db:"project_id"`
}

// ClaimNext returns the claimed job, or nil when nothing is eligible.
func (c *Claimer) ClaimNext(ctx context.Context) (*Job, error) {
	s := c.store
	now := s.nowS()

	var cands []candidate
	if err := s.db.SelectContext(ctx, &cands, s.q(`
SELECT id, project_id
FROM jobs
WHERE status = ? AND scheduled_at <= ?
ORDER BY scheduled_at ASC, id ASC
LIMIT ?;
`), StatusQueued, now, c.limits.Batch); err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	if len(cands) == 0 {
		return nil, nil
	}

	running, err := s.RunningByProject(ctx)
	if err != nil {
		return nil, err
	}

	for _, cand := range cands {
		if c.limits.MaxPerProject > 0 && running[cand.ProjectID] >= c.limits.MaxPerProject {
			continue
		}

		won, err := c.tryClaim(ctx, cand, now)
		if err != nil {
			return nil, err
		}
		if !won {
			metrics.IncContention()
			c.log.Debug("claim lost to concurrent worker", "job_id", cand.ID)
			continue
		}

		metrics.IncClaim()
		j, err := s.Get(ctx, cand.ID)
		if err != nil {
			return nil, err
		}
		if err := s.mirror.Upsert(ctx, entryFor(j, s.now())); err != nil {
			c.log.Warn("queue mirror upsert failed", "job_id", j.ID, "error", err)
		}
		c.log.Info("job claimed", "job_id", j.ID, "job_uuid", j.UUID, "project_id", j.ProjectID, "attempts", j.Attempts)
		return j, nil
	}
	return nil, nil
}

// tryClaim reports whether this worker's conditional update won the row. The
// per-project cap is re-checked inside the same statement so it holds even
// when another worker claimed a sibling job since the candidate scan.
//
// SQLite serializes writers, which makes that re-check exclusive. Postgres
// under READ COMMITTED does not, so there the update runs in a transaction
// holding the project's advisory lock.
func (c *Claimer) tryClaim(ctx context.Context, cand candidate, now string) (bool, error) {
	s := c.store
	query := `
UPDATE jobs
SET status = ?, started_at = ?, finished_at = NULL, attempts = attempts + 1
WHERE id = ? AND status = ?`
	args := []any{StatusRunning, now, cand.ID, StatusQueued}
	if c.limits.MaxPerProject == 0 {
		res, err := s.db.ExecContext(ctx, s.q(query+";"), args...)
		return claimed(cand.ID, res, err)
	}

	query += `
  AND (SELECT COUNT(*) FROM jobs r WHERE r.project_id = ? AND r.status = ?) < ?`
	args = append(args, cand.ProjectID, StatusRunning, c.limits.MaxPerProject)
	if s.db.DriverName() != storage.DriverPostgres {
		res, err := s.db.ExecContext(ctx, s.q(query+";"), args...)
		return claimed(cand.ID, res, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("claim job %d: begin: %w", cand.ID, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2);`, claimLockSpace, int32(cand.ProjectID)); err != nil {
		return false, fmt.Errorf("claim job %d: project lock: %w", cand.ID, err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query+";"), args...)
	won, err := claimed(cand.ID, res, err)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("claim job %d: commit: %w", cand.ID, err)
	}
	return won, nil
}

// claimLockSpace namespaces the per-project advisory locks.
const claimLockSpace int32 = 0x62706331

func claimed(id int64, res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return n == 1, nil
}
