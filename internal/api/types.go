package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/backpost/internal/queue"
)

// EnqueueRequest is the JSON body for POST /jobs.
type EnqueueRequest struct {
	ProjectID   int64           `json:"project_id"`
	TargetURL   string          `json:"target_url"`
	Anchor      string          `json:"anchor,omitempty"`
	Network     string          `json:"network,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

// JobResponse is returned by POST /jobs and GET /jobs/{uuid}.
type JobResponse struct {
	UUID                string          `json:"uuid"`
	ProjectID           int64           `json:"project_id"`
	TargetURL           string          `json:"target_url"`
	Anchor              string          `json:"anchor,omitempty"`
	Network             string          `json:"network,omitempty"`
	Status              string          `json:"status"`
	Attempts            int             `json:"attempts"`
	ScheduledAt         time.Time       `json:"scheduled_at"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
	CancelRequested     bool            `json:"cancel_requested"`
	PID                 int             `json:"pid,omitempty"`
	Error               string          `json:"error,omitempty"`
	ErrorDetail         string          `json:"error_detail,omitempty"`
	PublishedURL        string          `json:"published_url,omitempty"`
	LogFile             string          `json:"log_file,omitempty"`
	VerificationStatus  string          `json:"verification_status,omitempty"`
	VerificationDetails json.RawMessage `json:"verification_details,omitempty"`
}

func jobResponse(j *queue.Job) JobResponse {
	return JobResponse{
		UUID:                j.UUID,
		ProjectID:           j.ProjectID,
		TargetURL:           j.TargetURL,
		Anchor:              j.Anchor,
		Network:             j.Network,
		Status:              string(j.Status),
		Attempts:            j.Attempts,
		ScheduledAt:         j.ScheduledAt,
		CreatedAt:           j.CreatedAt,
		StartedAt:           j.StartedAt,
		FinishedAt:          j.FinishedAt,
		CancelRequested:     j.CancelRequested,
		PID:                 j.PID,
		Error:               j.Error,
		ErrorDetail:         j.ErrorDetail,
		PublishedURL:        j.PublishedURL,
		LogFile:             j.LogFile,
		VerificationStatus:  j.VerificationStatus,
		VerificationDetails: j.VerificationDetails,
	}
}

// CancelResponse is returned by POST /jobs/{uuid}/cancel.
type CancelResponse struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
	// Pending is true when the job is running and the worker has yet to
	// observe the flag.
	Pending bool `json:"pending"`
}

// QueueResponse is returned by GET /queue.
type QueueResponse struct {
	Entries []queue.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// RunAccepted is returned by POST /worker/run.
type RunAccepted struct {
	Accepted bool `json:"accepted"`
	MaxJobs  int  `json:"max_jobs"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	RunningJobs   int    `json:"running_jobs"`
}
