// Package inspect renders a single job for operators: its row, the stored
// verification details and the tail of the publisher transcript.
package inspect

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/backpost/internal/queue"
)

const DefaultTail = 20

// Report is the structured JSON representation of a job report.
type Report struct {
	JobID          int64           `json:"job_id"`
	UUID           string          `json:"uuid"`
	ProjectID      int64           `json:"project_id"`
	TargetURL      string          `json:"target_url"`
	Network        string          `json:"network,omitempty"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Duration       string          `json:"duration,omitempty"`
	PID            int             `json:"pid,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
	PublishedURL   string          `json:"published_url,omitempty"`
	Verification   json.RawMessage `json:"verification,omitempty"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	Transcript     []string        `json:"transcript,omitempty"`
}

// Gather builds the report. A missing transcript is not an error; the file
// may have been rotated away.
func Gather(j *queue.Job, dataDir string, tail int) (*Report, error) {
	if j == nil {
		return nil, errors.New("job is required")
	}
	r := &Report{
		JobID:        j.ID,
		UUID:         j.UUID,
		ProjectID:    j.ProjectID,
		TargetURL:    j.TargetURL,
		Network:      j.Network,
		Status:       string(j.Status),
		Attempts:     j.Attempts,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
		PID:          j.PID,
		Error:        j.Error,
		ErrorDetail:  j.ErrorDetail,
		PublishedURL: j.PublishedURL,
		Verification: j.VerificationDetails,
	}
	if j.StartedAt != nil && j.FinishedAt != nil {
		r.Duration = j.FinishedAt.Sub(*j.StartedAt).Round(time.Millisecond).String()
	}

	if j.LogFile == "" {
		return r, nil
	}
	r.TranscriptPath = j.LogFile
	if !filepath.IsAbs(r.TranscriptPath) && dataDir != "" {
		r.TranscriptPath = filepath.Join(dataDir, j.LogFile)
	}
	lines, err := tailFile(r.TranscriptPath, tail)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	r.Transcript = lines
	return r, nil
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(j *queue.Job, dataDir string, tail int) (string, error) {
	r, err := Gather(j, dataDir, tail)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job         : %d (%s)\n", r.JobID, r.UUID)
	fmt.Fprintf(&out, "Project     : %d\n", r.ProjectID)
	fmt.Fprintf(&out, "Target      : %s\n", r.TargetURL)
	fmt.Fprintf(&out, "Network     : %s\n", orNone(r.Network))
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Attempts    : %d\n", r.Attempts)
	if r.Duration != "" {
		fmt.Fprintf(&out, "Duration    : %s\n", r.Duration)
	}
	if r.PID != 0 {
		fmt.Fprintf(&out, "PID         : %d\n", r.PID)
	}
	if r.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", r.Error)
		if r.ErrorDetail != "" {
			fmt.Fprintf(&out, "Detail      : %s\n", r.ErrorDetail)
		}
	}
	fmt.Fprintf(&out, "Published   : %s\n", orNone(r.PublishedURL))

	if len(r.Verification) > 0 {
		fmt.Fprintf(&out, "\nVerification:\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(r.Verification)), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	if r.TranscriptPath != "" {
		fmt.Fprintf(&out, "\nTranscript (%s):\n", r.TranscriptPath)
		if len(r.Transcript) == 0 {
			fmt.Fprintf(&out, "  <unavailable>\n")
		}
		for _, line := range r.Transcript {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(j *queue.Job, dataDir string, tail int) (string, error) {
	r, err := Gather(j, dataDir, tail)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func tailFile(path string, n int) ([]string, error) {
	if n <= 0 {
		n = DefaultTail
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
