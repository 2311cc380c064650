// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/admwrd/robin/internal/log"
)

// WorkerState is the state of one worker of a pool.
type WorkerState int32

const (
	// WorkerIdle indicates the worker is waiting for a job.
	WorkerIdle WorkerState = iota

	// WorkerLeasing indicates the worker holds a lease and looks up the handler.
	WorkerLeasing

	// WorkerExecuting indicates the worker runs a handler.
	WorkerExecuting

	// WorkerResolving indicates the worker completes, requeues or
	// dead-letters the leased job.
	WorkerResolving

	// WorkerShutdown indicates the worker exited.
	WorkerShutdown
)

var workerStates = []string{
	"idle",
	"leasing",
	"executing",
	"resolving",
	"shutdown",
}

func (s WorkerState) String() string {
	if WorkerIdle <= s && s <= WorkerShutdown {
		return workerStates[s]
	}
	return "unknown state"
}

const (
	// Number of attempts to resolve a lease while redis is unreachable.
	resolveAttempts = 3

	// Timeout of a single resolve call.
	resolveTimeout = 5 * time.Second
)

// errAborted is the error of an execution cancelled by a pool shutdown.
var errAborted = errors.New("robin: execution aborted by shutdown")

// worker repeatedly leases a job, runs its handler and resolves the lease.
type worker struct {
	id     int
	logger *log.Logger
	conn   *Conn

	registry *Registry
	policy   RetryPolicy
	metrics  *instruments

	baseCtxFn func() context.Context

	// cancelled when in-flight executions have to be abandoned.
	abortCtx context.Context

	dequeueTimeout time.Duration
	errorBackoff   time.Duration

	// rate limiter to prevent spamming logs with a bunch of errors.
	errLogLimiter *rate.Limiter

	state atomic.Int32

	// closed to stop leasing new jobs.
	quit     chan struct{}
	quitOnce sync.Once
}

type workerParams struct {
	id             int
	logger         *log.Logger
	conn           *Conn
	registry       *Registry
	policy         RetryPolicy
	metrics        *instruments
	baseCtxFn      func() context.Context
	abortCtx       context.Context
	dequeueTimeout time.Duration
	errorBackoff   time.Duration
}

func newWorker(params workerParams) *worker {
	return &worker{
		id:             params.id,
		logger:         params.logger,
		conn:           params.conn,
		registry:       params.registry,
		policy:         params.policy,
		metrics:        params.metrics,
		baseCtxFn:      params.baseCtxFn,
		abortCtx:       params.abortCtx,
		dequeueTimeout: params.dequeueTimeout,
		errorBackoff:   params.errorBackoff,
		errLogLimiter:  rate.NewLimiter(rate.Every(3*time.Second), 1),
		quit:           make(chan struct{}),
	}
}

func (w *worker) currentState() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

// stop signals the worker to stop leasing new jobs.
// The job in flight, if any, is still resolved.
func (w *worker) stop() {
	w.quitOnce.Do(func() {
		w.logger.Debugf("Worker %d stopping...", w.id)
		close(w.quit)
	})
}

func (w *worker) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-w.quit:
				w.setState(WorkerShutdown)
				w.logger.Debugf("Worker %d done", w.id)
				return
			default:
				w.exec()
			}
		}
	}()
}

// exec leases at most one job and resolves it.
func (w *worker) exec() {
	w.setState(WorkerIdle)
	lease, err := w.conn.Dequeue(context.Background(), w.dequeueTimeout)
	if err != nil {
		if w.errLogLimiter.Allow() {
			w.logger.Errorf("Dequeue error: %v", err)
		}
		w.sleep(w.errorBackoff)
		return
	}
	if lease == nil {
		return
	}

	w.setState(WorkerLeasing)
	job := lease.Job
	ns := w.conn.Namespace()
	ctx, cancel := context.WithDeadline(w.baseCtxFn(), lease.Deadline())
	defer cancel()
	stopAbort := context.AfterFunc(w.abortCtx, cancel)
	defer stopAbort()

	ctx, span := w.metrics.startSpan(ctx, ns, job)
	start := time.Now()

	var (
		outcome Outcome
		jobErr  error
	)
	h, err := w.registry.Lookup(job.Type)
	if err != nil {
		outcome, jobErr = OutcomeUnknownType, err
	} else {
		w.setState(WorkerExecuting)
		outcome, jobErr = w.execute(ctx, h, lease)
	}

	w.setState(WorkerResolving)
	var d Decision
	if errors.Is(jobErr, errAborted) {
		// Hand the job back untouched; the next pool picks it up.
		d = Decision{Action: ActionRequeue, Attempt: job.Attempt}
	} else {
		d = w.policy.Decide(outcome, job.Attempt)
	}
	w.metrics.record(ctx, span, ns, job, time.Since(start), outcome, d.Action, jobErr)
	w.logResult(job, outcome, d, jobErr)
	w.resolve(lease, d, jobErr)
}

// execute runs the handler and waits until it returns or ctx is done.
// A handler still running when its lease expires is abandoned; it keeps the
// expired context.
func (w *worker) execute(ctx context.Context, h Handler, l *Lease) (Outcome, error) {
	resCh := make(chan error, 1)
	go func() {
		resCh <- w.perform(ctx, h, l.Job)
	}()

	select {
	case err := <-resCh:
		if !l.lease.IsValid() {
			return OutcomeTimeout, context.DeadlineExceeded
		}
		if err != nil {
			return OutcomeFailure, err
		}
		return OutcomeSuccess, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return OutcomeTimeout, errAborted
		}
		return OutcomeTimeout, ctx.Err()
	}
}

// perform calls the handler for job, converting a panic into an error.
func (w *worker) perform(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if x := recover(); x != nil {
			w.logger.Errorf("recovering from panic in job %s of type %q. See the stack trace below for details:\n%s",
				job.ID, job.Type, debug.Stack())
			err = fmt.Errorf("panic: %v", x)
		}
	}()
	return h.ProcessJob(ctx, w.conn, job)
}

// resolve applies d to the leased job. Calls failing because redis is
// unreachable are retried a few times; the lease is left to expire if they
// keep failing.
func (w *worker) resolve(l *Lease, d Decision, jobErr error) {
	if d.Action == ActionLeaveUnresolved {
		return
	}
	var errMsg string
	if jobErr != nil {
		errMsg = jobErr.Error()
	}
	for i := 1; ; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		var err error
		switch d.Action {
		case ActionComplete:
			err = w.conn.Complete(ctx, l)
		case ActionRequeue:
			err = w.conn.Requeue(ctx, l, d.Attempt, d.Delay, errMsg)
		case ActionDropDead:
			err = w.conn.DropDead(ctx, l, errMsg)
		}
		cancel()

		switch {
		case err == nil:
			return
		case errors.Is(err, ErrLeaseLost):
			w.logger.Warnf("Lease on job %s expired before it could be resolved (%s); the job was already handed back",
				l.Job.ID, d.Action)
			return
		case errors.Is(err, ErrStoreUnavailable) && i < resolveAttempts:
			w.sleep(w.errorBackoff)
		default:
			w.logger.Errorf("Could not %s job %s: %v", d.Action, l.Job.ID, err)
			return
		}
	}
}

func (w *worker) logResult(job *Job, outcome Outcome, d Decision, err error) {
	switch {
	case outcome == OutcomeSuccess:
		w.logger.Debugf("Job %s of type %q succeeded", job.ID, job.Type)
	case errors.Is(err, errAborted):
		w.logger.Warnf("Job %s of type %q aborted by shutdown; requeueing", job.ID, job.Type)
	case outcome == OutcomeUnknownType:
		w.logger.Errorf("Job %s has unknown type %q; dropping it as dead", job.ID, job.Type)
	case outcome == OutcomeTimeout && d.Action == ActionLeaveUnresolved:
		w.logger.Warnf("Job %s of type %q timed out; leaving it unresolved", job.ID, job.Type)
	case outcome == OutcomeTimeout:
		w.logger.Warnf("Job %s of type %q timed out; requeueing", job.ID, job.Type)
	case d.Action == ActionRequeue:
		w.logger.Warnf("Job %s of type %q failed (attempt %d), retrying in %v: %v",
			job.ID, job.Type, job.Attempt, d.Delay, err)
	default:
		w.logger.Errorf("Job %s of type %q failed (attempt %d), dropping it as dead: %v",
			job.ID, job.Type, job.Attempt, err)
	}
}

// sleep waits for d or until the worker is stopped.
func (w *worker) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.quit:
	case <-t.C:
	}
}
