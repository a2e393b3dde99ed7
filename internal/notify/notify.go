// Package notify announces terminal job outcomes to interested consumers.
// Delivery is best effort: a failed notification never changes a job.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the message published when a job reaches a terminal status.
type Event struct {
	JobID        int64           `json:"job_id"`
	JobUUID      string          `json:"job_uuid"`
	ProjectID    int64           `json:"project_id"`
	Network      string          `json:"network,omitempty"`
	Status       string          `json:"status"`
	Error        string          `json:"error,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	PublishedURL string          `json:"published_url,omitempty"`
	Verification json.RawMessage `json:"verification,omitempty"`
	Attempts     int             `json:"attempts"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// Notifier receives terminal outcomes.
type Notifier interface {
	JobFinished(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) JobFinished(context.Context, Event) error { return nil }
