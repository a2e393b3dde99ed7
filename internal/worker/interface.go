package worker

import (
	"context"

	"github.com/mattjoyce/backpost/internal/assemble"
	"github.com/mattjoyce/backpost/internal/dispatch"
	"github.com/mattjoyce/backpost/internal/queue"
	"github.com/mattjoyce/backpost/internal/verify"
)

//go:generate mockgen -destination=mocks/mock_worker.go -package=mocks github.com/mattjoyce/backpost/internal/worker JobStore,Claimer,Sweeper,Assembler,Publisher,Verifier

// JobStore is the part of the queue store the worker writes through.
type JobStore interface {
	EnsureUUID(ctx context.Context, j *queue.Job) error
	RunningCount(ctx context.Context) (int, error)
	RecordPID(ctx context.Context, id int64, pid int) error
	CancelRequested(ctx context.Context, id int64) (bool, error)
	Finish(ctx context.Context, id int64, out queue.Outcome) error
}

type Claimer interface {
	ClaimNext(ctx context.Context) (*queue.Job, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (queue.SweepReport, error)
}

type Assembler interface {
	Assemble(ctx context.Context, j *queue.Job) (*assemble.Descriptor, error)
}

// Publisher runs the out-of-process publisher for one job.
type Publisher interface {
	Dispatch(ctx context.Context, req dispatch.Request, onStart dispatch.PIDRecorder) dispatch.Result
}

type Verifier interface {
	Verify(ctx context.Context, publishedURL string, exp verify.Expectations, networkSlug string) verify.Result
}
