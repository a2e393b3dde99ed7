// Package worker drives jobs through the pipeline: watchdog sweep, claim,
// assemble, dispatch, verify, persist. Each Run is independent; several
// worker processes may run against the same store at once, coordinated only
// by the claimer's conditional update.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/backpost/internal/assemble"
	"github.com/mattjoyce/backpost/internal/config"
	"github.com/mattjoyce/backpost/internal/dispatch"
	"github.com/mattjoyce/backpost/internal/log"
	"github.com/mattjoyce/backpost/internal/metrics"
	"github.com/mattjoyce/backpost/internal/notify"
	"github.com/mattjoyce/backpost/internal/queue"
	"github.com/mattjoyce/backpost/internal/verify"
)

const (
	CodeInternal         = "INTERNAL_ERROR"
	codeVerificationPfx  = "VERIFICATION_"
	defaultCancelPolling = 200 * time.Millisecond
)

// Why a run stopped before max_jobs.
const (
	StopMaxJobs    = "max_jobs"
	StopQueueEmpty = "queue_empty"
	StopAtCapacity = "at_capacity"
	StopCancelled  = "cancelled"
)

// RunReport summarizes one Run.
type RunReport struct {
	Sweep    queue.SweepReport    `json:"sweep"`
	Claimed  int                  `json:"claimed"`
	Outcomes map[queue.Status]int `json:"outcomes"`
	Stopped  string               `json:"stopped"`
}

type Deps struct {
	Store     JobStore
	Claimer   Claimer
	Sweeper   Sweeper
	Assembler Assembler
	Publisher Publisher
	Verifier  Verifier
	Notifier  notify.Notifier
}

type Options struct {
	// Snapshot is the configuration the worker runs with.
	Snapshot config.Snapshot
	// Refresh, when set, is called before every Loop iteration to pick up
	// settings changes.
	Refresh      func(ctx context.Context) config.Snapshot
	CancelPoll   time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
	DisableSweep bool
}

// Worker runs jobs. A Worker is not safe for concurrent Run calls; start one
// per goroutine or process.
type Worker struct {
	deps Deps
	opts Options
	snap config.Snapshot
	log  *slog.Logger
}

func New(deps Deps, opts Options) *Worker {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = defaultCancelPolling
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Worker{
		deps: deps,
		opts: opts,
		snap: opts.Snapshot,
		log:  log.WithComponent("worker"),
	}
}

// Run sweeps once, then processes up to maxJobs jobs. It returns an error only
// when the store itself cannot be read; per-job failures are persisted on the
// job and never abort the run.
func (w *Worker) Run(ctx context.Context, maxJobs int) (RunReport, error) {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	rep := RunReport{Outcomes: map[queue.Status]int{}, Stopped: StopMaxJobs}

	if !w.opts.DisableSweep && w.deps.Sweeper != nil {
		sweep, err := w.deps.Sweeper.Sweep(ctx)
		if err != nil {
			w.log.Warn("watchdog sweep failed", "error", err)
		} else if sweep.Changed() {
			w.log.Info("watchdog sweep",
				"released", sweep.Released,
				"failed", sweep.Failed,
				"checked", sweep.Checked,
			)
		}
		rep.Sweep = sweep
	}

	for i := 0; i < maxJobs; i++ {
		if ctx.Err() != nil {
			rep.Stopped = StopCancelled
			break
		}

		if w.snap.MaxConcurrent > 0 {
			running, err := w.deps.Store.RunningCount(ctx)
			if err != nil {
				return rep, fmt.Errorf("failed to count running jobs: %w", err)
			}
			if running >= w.snap.MaxConcurrent {
				w.log.Info("at global capacity", "running", running, "max", w.snap.MaxConcurrent)
				rep.Stopped = StopAtCapacity
				break
			}
		}

		job, err := w.deps.Claimer.ClaimNext(ctx)
		if err != nil {
			return rep, fmt.Errorf("failed to claim job: %w", err)
		}
		if job == nil {
			rep.Stopped = StopQueueEmpty
			break
		}
		rep.Claimed++
		rep.Outcomes[w.Process(ctx, job)]++

		if w.snap.JobSpacing > 0 && i < maxJobs-1 {
			if err := w.opts.Sleep(ctx, w.snap.JobSpacing); err != nil {
				rep.Stopped = StopCancelled
				break
			}
		}
	}

	w.log.Info("worker run finished",
		"claimed", rep.Claimed,
		"outcomes", rep.Outcomes,
		"stopped", rep.Stopped,
	)
	return rep, nil
}

// Loop calls Run every pollInterval until ctx is done. A run that hit
// max_jobs is followed immediately by another.
func (w *Worker) Loop(ctx context.Context, pollInterval time.Duration, maxJobs int) error {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	w.log.Info("worker loop started", "poll_interval", pollInterval, "max_jobs", maxJobs)
	for {
		if w.opts.Refresh != nil {
			w.snap = w.opts.Refresh(ctx)
		}
		rep, err := w.Run(ctx, maxJobs)
		if err != nil {
			w.log.Error("worker run failed", "error", err)
		}
		if ctx.Err() != nil {
			w.log.Info("worker loop stopped")
			return nil
		}
		if err == nil && rep.Stopped == StopMaxJobs {
			continue
		}
		if err := w.opts.Sleep(ctx, pollInterval); err != nil {
			w.log.Info("worker loop stopped")
			return nil
		}
	}
}

// Process runs the per-job pipeline for a job this worker has claimed and
// returns the terminal status written. It never panics.
func (w *Worker) Process(ctx context.Context, job *queue.Job) (status queue.Status) {
	logger := log.WithJob(job.ID, job.UUID)
	network := job.Network

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing job", "panic", r, "stack", string(debug.Stack()))
			status = w.finish(ctx, job, network, queue.Outcome{
				Status:      queue.StatusFailed,
				Error:       CodeInternal,
				ErrorDetail: fmt.Sprint(r),
			})
		}
	}()

	if err := w.deps.Store.EnsureUUID(ctx, job); err != nil {
		logger.Warn("failed to backfill uuid", "error", err)
	}
	logger = log.WithJob(job.ID, job.UUID)
	logger.Info("job claimed", "project_id", job.ProjectID, "attempts", job.Attempts)

	if flagged, err := w.deps.Store.CancelRequested(ctx, job.ID); err == nil && flagged {
		logger.Info("job cancelled before dispatch")
		return w.finish(ctx, job, network, queue.Outcome{
			Status:      queue.StatusCancelled,
			Error:       queue.CodeCancelled,
			ErrorDetail: "cancellation requested before dispatch",
		})
	}

	desc, err := w.deps.Assembler.Assemble(ctx, job)
	if err != nil {
		code, detail := assemble.CodeAssemblyFailed, err.Error()
		var fe *assemble.FatalError
		if errors.As(err, &fe) {
			code, detail = fe.Code, fe.Detail
		}
		logger.Error("job assembly failed", "code", code, "detail", detail)
		return w.finish(ctx, job, network, queue.Outcome{Status: queue.StatusFailed, Error: code, ErrorDetail: detail})
	}
	network = desc.Network.Slug
	logger.Info("job assembled",
		"network", network,
		"language", desc.Language,
		"fingerprint", assemble.Fingerprint(desc),
	)

	dctx, stop := queue.WatchCancel(ctx, w.deps.Store, job.ID, w.opts.CancelPoll)
	res := w.deps.Publisher.Dispatch(dctx, dispatch.Request{
		JobID:      job.ID,
		JobUUID:    job.UUID,
		Network:    desc.Network,
		Descriptor: desc,
		Timeout:    w.snap.JobTimeout,
	}, func(pid int) {
		if err := w.deps.Store.RecordPID(ctx, job.ID, pid); err != nil {
			logger.Warn("failed to record pid", "pid", pid, "error", err)
		}
	})
	cancelCause := context.Cause(dctx)
	stop()

	if !res.OK {
		out := queue.Outcome{
			Status:      queue.StatusFailed,
			Error:       res.Code,
			ErrorDetail: res.Detail,
			LogFile:     res.LogFile,
		}
		if w.cancelRequested(ctx, job.ID, cancelCause) {
			out.Status = queue.StatusCancelled
			out.Error = queue.CodeCancelled
		}
		logger.Warn("dispatch failed", "code", res.Code, "detail", res.Detail, "status", out.Status)
		return w.finish(ctx, job, network, out)
	}

	exp := verify.FromProtocol(res.Response.Verification, desc.Target.URL)
	vr := w.deps.Verifier.Verify(ctx, res.PublishedURL(), exp, network)
	out := queue.Outcome{
		Status:              statusFor(vr),
		PublishedURL:        res.PublishedURL(),
		LogFile:             res.LogFile,
		VerificationStatus:  vr.Status,
		VerificationDetails: vr.JSON(),
	}
	if out.Status == queue.StatusFailed {
		out.Error = codeVerificationPfx + strings.ToUpper(vr.Reason)
		out.ErrorDetail = strings.Join(vr.Errors, "; ")
	}
	logger.Info("verification finished",
		"url", out.PublishedURL,
		"verification", vr.Status,
		"reason", vr.Reason,
		"transient", vr.Transient,
		"attempts", vr.Attempts,
	)
	return w.finish(ctx, job, network, out)
}

func (w *Worker) cancelRequested(ctx context.Context, id int64, cause error) bool {
	if errors.Is(cause, queue.ErrCancelRequested) {
		return true
	}
	flagged, err := w.deps.Store.CancelRequested(context.WithoutCancel(ctx), id)
	return err == nil && flagged
}

// statusFor maps a verification result onto the job's terminal status.
func statusFor(vr verify.Result) queue.Status {
	switch vr.Status {
	case verify.StatusSuccess, verify.StatusSkipped:
		return queue.StatusSuccess
	case verify.StatusPartial:
		return queue.StatusPartial
	default:
		return queue.StatusFailed
	}
}

// finish persists the outcome. It uses a context detached from cancellation
// so a worker shutting down still records what it knows.
func (w *Worker) finish(ctx context.Context, job *queue.Job, network string, out queue.Outcome) queue.Status {
	logger := log.WithJob(job.ID, job.UUID)
	pctx := context.WithoutCancel(ctx)
	if out.Network == "" {
		out.Network = network
	}

	if err := w.deps.Store.Finish(pctx, job.ID, out); err != nil {
		if errors.Is(err, queue.ErrNotRunning) {
			logger.Warn("job no longer running, outcome dropped", "status", out.Status)
		} else {
			logger.Error("failed to persist outcome", "status", out.Status, "error", err)
		}
		return out.Status
	}
	metrics.IncJobFinished(string(out.Status))
	logger.Info("job finished",
		"status", out.Status,
		"network", network,
		"error", out.Error,
		"published_url", out.PublishedURL,
	)

	ev := notify.Event{
		JobID:        job.ID,
		JobUUID:      job.UUID,
		ProjectID:    job.ProjectID,
		Network:      network,
		Status:       string(out.Status),
		Error:        out.Error,
		ErrorDetail:  out.ErrorDetail,
		PublishedURL: out.PublishedURL,
		Verification: out.VerificationDetails,
		Attempts:     job.Attempts,
		FinishedAt:   time.Now().UTC(),
	}
	if err := w.deps.Notifier.JobFinished(pctx, ev); err != nil {
		logger.Warn("outcome notification failed", "error", err)
	}
	return out.Status
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
