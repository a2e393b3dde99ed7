package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Settings keys read from the external key/value settings table.
const (
	KeyMaxConcurrentJobs       = "max_concurrent_jobs"
	KeyMaxConcurrentPerProject = "max_concurrent_per_project"
	KeyJobTimeoutSeconds       = "job_timeout_seconds"
	KeyMaxAttempts             = "max_attempts"
	KeyJobSpacingSeconds       = "min_job_spacing_seconds"
	KeyStaleAfterSeconds       = "stale_after_seconds"
	KeyClaimBatch              = "claim_batch"
)

// Snapshot is the immutable set of limits a worker invocation runs with.
// Callers build a fresh one per invocation; nothing reads settings globally.
type Snapshot struct {
	MaxConcurrent int
	MaxPerProject int // 0 disables the per-project cap
	JobTimeout    time.Duration
	MaxAttempts   int
	JobSpacing    time.Duration
	StaleAfter    time.Duration
	ClaimBatch    int
}

// SnapshotFrom seeds a Snapshot from the YAML worker section.
func SnapshotFrom(w WorkerConfig) Snapshot {
	return Snapshot{
		MaxConcurrent: w.MaxConcurrentJobs,
		MaxPerProject: w.MaxConcurrentPerProject,
		JobTimeout:    w.JobTimeout,
		MaxAttempts:   w.MaxAttempts,
		JobSpacing:    w.JobSpacing,
		StaleAfter:    w.StaleAfter,
		ClaimBatch:    w.ClaimBatch,
	}
}

// Overlay returns a copy with values from the settings table applied.
// Unparsable or out-of-range values are skipped and reported as warnings.
func (s Snapshot) Overlay(settings map[string]string) (Snapshot, []string) {
	out := s
	var warnings []string

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := strings.TrimSpace(settings[key])
		var target *int
		var dur *time.Duration
		floor := 0
		switch key {
		case KeyMaxConcurrentJobs:
			target, floor = &out.MaxConcurrent, 1
		case KeyMaxConcurrentPerProject:
			target = &out.MaxPerProject
		case KeyMaxAttempts:
			target, floor = &out.MaxAttempts, 1
		case KeyClaimBatch:
			target, floor = &out.ClaimBatch, 1
		case KeyJobTimeoutSeconds:
			dur, floor = &out.JobTimeout, 1
		case KeyJobSpacingSeconds:
			dur = &out.JobSpacing
		case KeyStaleAfterSeconds:
			dur, floor = &out.StaleAfter, 1
		default:
			continue
		}

		n, err := strconv.Atoi(raw)
		if err != nil || n < floor {
			warnings = append(warnings, fmt.Sprintf("setting %s=%q ignored", key, raw))
			continue
		}
		if target != nil {
			*target = n
		} else {
			*dur = time.Duration(n) * time.Second
		}
	}
	return out, warnings
}
