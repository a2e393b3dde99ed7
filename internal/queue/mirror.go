package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mattjoyce/backpost/internal/storage"
)

// Entry is the denormalized listing projection of a live job. It is never
// the source of truth and is removed once the job is terminal.
type Entry struct {
	JobID     int64     `json:"job_id"`
	JobUUID   string    `json:"job_uuid"`
	ProjectID int64     `json:"project_id"`
	Network   string    `json:"network,omitempty"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mirror keeps the listing projection in step with job status.
type Mirror interface {
	Upsert(ctx context.Context, e Entry) error
	SetStatus(ctx context.Context, jobID int64, st Status) error
	Delete(ctx context.Context, jobID int64) error
	List(ctx context.Context, limit int) ([]Entry, error)
}

// SQLMirror stores entries in the job_queue table next to the jobs.
type SQLMirror struct {
	db *sqlx.DB
}

func NewSQLMirror(db *sqlx.DB) *SQLMirror {
	return &SQLMirror{db: db}
}

func (m *SQLMirror) Upsert(ctx context.Context, e Entry) error {
	_, err := m.db.ExecContext(ctx, m.db.Rebind(`
INSERT INTO job_queue(job_id, job_uuid, project_id, network, status, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
  job_uuid = excluded.job_uuid,
  project_id = excluded.project_id,
  network = excluded.network,
  status = excluded.status,
  updated_at = excluded.updated_at;
`), e.JobID, nullable(e.JobUUID), e.ProjectID, nullable(e.Network), e.Status, storage.FormatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert mirror entry: %w", err)
	}
	return nil
}

func (m *SQLMirror) SetStatus(ctx context.Context, jobID int64, st Status) error {
	_, err := m.db.ExecContext(ctx, m.db.Rebind(`
UPDATE job_queue SET status = ?, updated_at = ? WHERE job_id = ?;
`), st, storage.FormatTime(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("update mirror status: %w", err)
	}
	return nil
}

func (m *SQLMirror) Delete(ctx context.Context, jobID int64) error {
	if _, err := m.db.ExecContext(ctx, m.db.Rebind(`DELETE FROM job_queue WHERE job_id = ?;`), jobID); err != nil {
		return fmt.Errorf("delete mirror entry: %w", err)
	}
	return nil
}

func (m *SQLMirror) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		JobID     int64   `db:"job_id"`
		JobUUID   *string `db:"job_uuid"`
		ProjectID int64   `db:"project_id"`
		Network   *string `db:"network"`
		Status    string  `db:"status"`
		UpdatedAt string  `db:"updated_at"`
	}
	if err := m.db.SelectContext(ctx, &rows, m.db.Rebind(`
SELECT job_id, job_uuid, project_id, network, status, updated_at
FROM job_queue
ORDER BY job_id ASC
LIMIT ?;
`), limit); err != nil {
		return nil, fmt.Errorf("list mirror: %w", err)
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			JobID:     r.JobID,
			ProjectID: r.ProjectID,
			Status:    Status(r.Status),
			UpdatedAt: storage.ParseTime(r.UpdatedAt),
		}
		if r.JobUUID != nil {
			e.JobUUID = *r.JobUUID
		}
		if r.Network != nil {
			e.Network = *r.Network
		}
		out = append(out, e)
	}
	return out, nil
}
