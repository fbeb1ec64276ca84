package remote

import (
	"context"
	"time"

	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/oxerr"
)

const (
	// maxUploadWorkers bounds concurrent transfers.
	maxUploadWorkers = 8
	// maxAttempts bounds retries of a retriable transfer before it
	// surfaces as a failure.
	maxAttempts = 5
)

// withRetry runs fn, retrying RemoteUnavailable failures with exponential
// backoff. Conflict, AuthFailed, and Corrupt surface immediately.
func withRetry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoffTime := time.Duration(100*(1<<attempt)) * time.Millisecond
			logging.Debugf("%s failed, retrying in %v: %v", what, backoffTime, err)
			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return oxerr.Wrapf(oxerr.Timeout, ctx.Err(), "%s cancelled", what)
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !oxerr.IsKind(err, oxerr.RemoteUnavailable) {
			return err
		}
	}
	return err
}

// workerPool fans work out over a bounded number of goroutines and joins
// on the first error.
type workerPool struct {
	sem    chan struct{}
	errs   chan error
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
}

func newWorkerPool(ctx context.Context, workers int) *workerPool {
	poolCtx, cancel := context.WithCancel(ctx)
	return &workerPool{
		sem:    make(chan struct{}, workers),
		errs:   make(chan error, 1),
		parent: ctx,
		ctx:    poolCtx,
		cancel: cancel,
	}
}

// Go schedules one task, blocking while all workers are busy.
func (p *workerPool) Go(fn func(ctx context.Context) error) {
	select {
	case p.sem <- struct{}{}:
	case <-p.ctx.Done():
		return
	}
	go func() {
		defer func() { <-p.sem }()
		if err := fn(p.ctx); err != nil {
			select {
			case p.errs <- err:
				p.cancel()
			default:
			}
		}
	}()
}

// Wait drains the pool and returns the first failure, if any.
func (p *workerPool) Wait() error {
	for i := 0; i < cap(p.sem); i++ {
		select {
		case p.sem <- struct{}{}:
		case err := <-p.errs:
			p.cancel()
			return err
		}
	}
	p.cancel()
	select {
	case err := <-p.errs:
		return err
	default:
	}
	// Cancellation with no task error still means tasks were dropped.
	if err := p.parent.Err(); err != nil {
		return oxerr.Wrap(oxerr.Timeout, err, "transfer cancelled")
	}
	return nil
}
