package queue

import (
	"context"
	"time"
)

// CancelChecker reads the cooperative cancellation flag of a job row.
type CancelChecker interface {
	CancelRequested(ctx context.Context, id int64) (bool, error)
}

// WatchCancel derives a context that is cancelled with cause
// ErrCancelRequested once the job's flag is observed set. The flag is polled
// every interval until the returned stop func is called or parent ends.
// Read errors are ignored; the next tick tries again.
func WatchCancel(parent context.Context, checker CancelChecker, id int64, interval time.Duration) (context.Context, context.CancelFunc) {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancelCause(parent)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				set, err := checker.CancelRequested(ctx, id)
				if err == nil && set {
					cancel(ErrCancelRequested)
					return
				}
			}
		}
	}()

	return ctx, func() { cancel(context.Canceled) }
}
