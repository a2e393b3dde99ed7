package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/backpost/internal/storage"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status is finished for good.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Error codes written by the queue itself.
const (
	CodeTimeoutMaxAttempts = "TIMEOUT_MAX_ATTEMPTS"
	CodeCancelled          = "CANCELLED"
)

type Job struct {
	ID                  int64
	UUID                string
	ProjectID           int64
	TargetURL           string
	Anchor              string
	Network             string
	Status              Status
	Attempts            int
	ScheduledAt         time.Time
	CreatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time
	CancelRequested     bool
	PID                 int
	Error               string
	ErrorDetail         string
	LogFile             string
	PublishedURL        string
	VerificationStatus  string
	VerificationDetails json.RawMessage
	Payload             json.RawMessage
}

type EnqueueRequest struct {
	ProjectID   int64
	TargetURL   string
	Anchor      string
	Network     string
	Payload     json.RawMessage
	ScheduledAt time.Time // zero means now
}

// Outcome is the terminal record a worker writes for a job it holds.
type Outcome struct {
	Status              Status
	Error               string
	ErrorDetail         string
	Network             string // network actually dispatched to; empty keeps the row's value
	PublishedURL        string
	LogFile             string
	VerificationStatus  string
	VerificationDetails json.RawMessage
}

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrNotRunning      = errors.New("job is not running")
	ErrNotCancellable  = errors.New("job already finished")
	ErrCancelRequested = errors.New("cancellation requested")
	ErrInvalidRequest  = errors.New("invalid enqueue request")
)

const jobColumns = `id, uuid, project_id, target_url, anchor, network, status, attempts,
  scheduled_at, created_at, started_at, finished_at, cancel_requested, pid, error,
  error_detail, log_file, published_url, verification_status, verification_details, job_payload`

type jobRow struct {
	ID                  int64          `db:"id"`
	UUID                sql.NullString `db:"uuid"`
	ProjectID           int64          `db:"project_id"`
	TargetURL           string         `db:"target_url"`
	Anchor              sql.NullString `db:"anchor"`
	Network             sql.NullString `db:"network"`
	Status              string         `db:"status"`
	Attempts            int            `db:"attempts"`
	ScheduledAt         string         `db:"scheduled_at"`
	CreatedAt           string         `db:"created_at"`
	StartedAt           sql.NullString `db:"started_at"`
	FinishedAt          sql.NullString `db:"finished_at"`
	CancelRequested     int            `db:"cancel_requested"`
	PID                 sql.NullInt64  `db:"pid"`
	Error               sql.NullString `db:"error"`
	ErrorDetail         sql.NullString `db:"error_detail"`
	LogFile             sql.NullString `db:"log_file"`
	PublishedURL        sql.NullString `db:"published_url"`
	VerificationStatus  sql.NullString `db:"verification_status"`
	VerificationDetails sql.NullString `db:"verification_details"`
	JobPayload          sql.NullString `db:"job_payload"`
}

func (r jobRow) toJob() *Job {
	j := &Job{
		ID:                 r.ID,
		UUID:               r.UUID.String,
		ProjectID:          r.ProjectID,
		TargetURL:          r.TargetURL,
		Anchor:             r.Anchor.String,
		Network:            r.Network.String,
		Status:             Status(r.Status),
		Attempts:           r.Attempts,
		ScheduledAt:        storage.ParseTime(r.ScheduledAt),
		CreatedAt:          storage.ParseTime(r.CreatedAt),
		StartedAt:          storage.ParseNullTime(r.StartedAt),
		FinishedAt:         storage.ParseNullTime(r.FinishedAt),
		CancelRequested:    r.CancelRequested != 0,
		PID:                int(r.PID.Int64),
		Error:              r.Error.String,
		ErrorDetail:        r.ErrorDetail.String,
		LogFile:            r.LogFile.String,
		PublishedURL:       r.PublishedURL.String,
		VerificationStatus: r.VerificationStatus.String,
	}
	if r.VerificationDetails.Valid && r.VerificationDetails.String != "" {
		j.VerificationDetails = json.RawMessage(r.VerificationDetails.String)
	}
	if r.JobPayload.Valid && r.JobPayload.String != "" {
		j.Payload = json.RawMessage(r.JobPayload.String)
	}
	return j
}

// nullable maps "" to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
