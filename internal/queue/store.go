package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/storage"
)

// Store performs row operations on jobs. All cross-worker coordination goes
// through conditional updates on the status column.
type Store struct {
	db     *sqlx.DB
	mirror Mirror
	now    func() time.Time
	log    *slog.Logger
}

// NewStore wraps db. A nil mirror selects the job_queue table.
func NewStore(db *sqlx.DB, mirror Mirror) *Store {
	if mirror == nil {
		mirror = NewSQLMirror(db)
	}
	return &Store{
		db:     db,
		mirror: mirror,
		now:    time.Now,
		log:    log.WithComponent("queue"),
	}
}

func (s *Store) DB() *sqlx.DB          { return s.db }
func (s *Store) Mirror() Mirror        { return s.mirror }
func (s *Store) nowS() string          { return storage.FormatTime(s.now()) }
func (s *Store) q(query string) string { return s.db.Rebind(query) }

func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.ProjectID <= 0 {
		return nil, fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if req.TargetURL == "" {
		return nil, fmt.Errorf("%w: target_url is empty", ErrInvalidRequest)
	}

	now := s.now()
	scheduled := req.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	id := uuid.NewString()
	var jobID int64
	err := s.db.QueryRowxContext(ctx, s.q(`
INSERT INTO jobs(uuid, project_id, target_url, anchor, network, status, attempts, scheduled_at, created_at, job_payload)
VALUES(?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
RETURNING id;
`), id, req.ProjectID, req.TargetURL, nullable(req.Anchor), nullable(req.Network), StatusQueued,
		storage.FormatTime(scheduled), storage.FormatTime(now), payload).Scan(&jobID)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if err := s.mirror.Upsert(ctx, Entry{
		JobID:     jobID,
		JobUUID:   id,
		ProjectID: req.ProjectID,
		Network:   req.Network,
		Status:    StatusQueued,
		UpdatedAt: now.UTC(),
	}); err != nil {
		s.log.Warn("queue mirror upsert failed", "job_id", jobID, "error", err)
	}
	s.log.Info("job enqueued", "job_id", jobID, "job_uuid", id, "project_id", req.ProjectID)
	return s.Get(ctx, jobID)
}

func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?;`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return r.toJob(), nil
}

func (s *Store) GetByUUID(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrJobNotFound
	}
	var r jobRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+jobColumns+` FROM jobs WHERE uuid = ?;`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return r.toJob(), nil
}

// EnsureUUID backfills the correlation id the first time a worker sees a row
// without one. A concurrent backfill by another worker wins and is adopted.
func (s *Store) EnsureUUID(ctx context.Context, j *Job) error {
	if j.UUID != "" {
		return nil
	}
	candidate := uuid.NewString()
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE jobs SET uuid = ? WHERE id = ? AND (uuid IS NULL OR uuid = '');
`), candidate, j.ID)
	if err != nil {
		return fmt.Errorf("backfill uuid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		j.UUID = candidate
	} else {
		var existing sql.NullString
		if err := s.db.GetContext(ctx, &existing, s.q(`SELECT uuid FROM jobs WHERE id = ?;`), j.ID); err != nil {
			return fmt.Errorf("reload uuid: %w", err)
		}
		j.UUID = existing.String
	}

	if err := s.mirror.Upsert(ctx, entryFor(j, s.now())); err != nil {
		s.log.Warn("queue mirror upsert failed", "job_id", j.ID, "error", err)
	}
	return nil
}

func (s *Store) RunningCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM jobs WHERE status = ?;`), StatusRunning); err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}

func (s *Store) RunningByProject(ctx context.Context) (map[int64]int, error) {
	var rows []struct {
		ProjectID int64 `db:"project_id"`
		N         int   `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(`
SELECT project_id, COUNT(*) AS n FROM jobs WHERE status = ? GROUP BY project_id;
`), StatusRunning); err != nil {
		return nil, fmt.Errorf("count running by project: %w", err)
	}
	out := make(map[int64]int, len(rows))
	for _, r := range rows {
		out[r.ProjectID] = r.N
	}
	return out, nil
}

// RecordPID stores the publisher's process id as soon as it is known.
func (s *Store) RecordPID(ctx context.Context, id int64, pid int) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET pid = ? WHERE id = ? AND status = ?;`), pid, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("record pid: %w", err)
	}
	return nil
}

func (s *Store) SetLogFile(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET log_file = ? WHERE id = ?;`), nullable(path), id)
	if err != nil {
		return fmt.Errorf("set log file: %w", err)
	}
	return nil
}

func (s *Store) CancelRequested(ctx context.Context, id int64) (bool, error) {
	var flag int
	err := s.db.GetContext(ctx, &flag, s.q(`SELECT cancel_requested FROM jobs WHERE id = ?;`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// RequestCancel is the external actor's side of cooperative cancellation.
// A queued job is cancelled outright; a running job gets its flag set and the
// holding worker terminates the publisher at its next poll.
func (s *Store) RequestCancel(ctx context.Context, jobUUID string) (Status, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE jobs
SET status = ?, cancel_requested = 1, finished_at = ?, error = ?
WHERE uuid = ? AND status = ?;
`), StatusCancelled, storage.FormatTime(now), CodeCancelled, jobUUID, StatusQueued)
	if err != nil {
		return "", fmt.Errorf("cancel queued job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		j, err := s.GetByUUID(ctx, jobUUID)
		if err == nil {
			s.retireMirror(ctx, j.ID, StatusCancelled)
			s.log.Info("queued job cancelled", "job_id", j.ID, "job_uuid", jobUUID)
		}
		return StatusCancelled, nil
	}

	res, err = s.db.ExecContext(ctx, s.q(`
UPDATE jobs SET cancel_requested = 1 WHERE uuid = ? AND status = ?;
`), jobUUID, StatusRunning)
	if err != nil {
		return "", fmt.Errorf("flag running job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		s.log.Info("cancellation requested", "job_uuid", jobUUID)
		return StatusRunning, nil
	}

	j, err := s.GetByUUID(ctx, jobUUID)
	if err != nil {
		return "", err
	}
	return j.Status, ErrNotCancellable
}

// Finish writes the terminal record for a job this worker holds. It only
// succeeds while the row is still running, so a watchdog requeue or a
// concurrent terminal write is never overwritten.
func (s *Store) Finish(ctx context.Context, id int64, out Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", out.Status)
	}
	var details any
	if len(out.VerificationDetails) > 0 {
		details = string(out.VerificationDetails)
	}

	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE jobs
SET status = ?, finished_at = ?, error = ?, error_detail = ?,
    network = COALESCE(?, network),
    published_url = COALESCE(?, published_url),
    log_file = COALESCE(?, log_file),
    verification_status = ?, verification_details = ?
WHERE id = ? AND status = ?;
`), out.Status, s.nowS(), nullable(out.Error), nullable(out.ErrorDetail),
		nullable(out.Network), nullable(out.PublishedURL), nullable(out.LogFile),
		nullable(out.VerificationStatus), details, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotRunning
	}

	s.retireMirror(ctx, id, out.Status)
	return nil
}

// retireMirror reflects a terminal status in the mirror, then drops the entry.
func (s *Store) retireMirror(ctx context.Context, id int64, st Status) {
	if err := s.mirror.SetStatus(ctx, id, st); err != nil {
		s.log.Warn("queue mirror status update failed", "job_id", id, "error", err)
	}
	if err := s.mirror.Delete(ctx, id); err != nil {
		s.log.Warn("queue mirror delete failed", "job_id", id, "error", err)
	}
}

// Settings returns the external key/value settings table.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, value FROM settings;`); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value;
`), key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func entryFor(j *Job, now time.Time) Entry {
	return Entry{
		JobID:     j.ID,
		JobUUID:   j.UUID,
		ProjectID: j.ProjectID,
		Network:   j.Network,
		Status:    j.Status,
		UpdatedAt: now.UTC(),
	}
}
