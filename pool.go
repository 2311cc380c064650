// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/admwrd/robin/internal/base"
	"github.com/admwrd/robin/internal/log"
)

// Pool is responsible for job processing and job lifecycle management.
//
// Pool runs Config.WorkerCount workers, each with its own Conn. A worker
// leases a job, runs the handler registered for its type and resolves the
// job according to the RetryPolicy built from the Config.
//
// A job will be retried until either the job gets processed successfully
// or until it reaches its retry count limit. A job that exhausts its
// retries, or whose type has no handler, is moved to the dead-letter archive.
type Pool struct {
	logger *log.Logger

	cfg      Config
	registry *Registry
	metrics  *instruments

	state *poolState

	// connection used by the background components.
	control *Conn

	workers []*worker
	conns   []*Conn

	// cancels in-flight executions once the shutdown timeout elapsed.
	abort context.CancelFunc

	// cancels the connection attempts of Start.
	cancelStart context.CancelFunc

	// closed once Start returns.
	started chan struct{}

	// rate limiter to prevent spamming logs while redis is unreachable.
	errLogLimiter *rate.Limiter

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	workerWG      sync.WaitGroup
	forwarder     *forwarder
	recoverer     *recoverer
	healthchecker *healthchecker
	janitor       *janitor
}

type poolState struct {
	mu    sync.Mutex
	value poolStateValue
}

type poolStateValue int

const (
	// StateNew represents a new pool.
	poolStateNew poolStateValue = iota

	// StateStarting indicates the pool is connecting to redis.
	poolStateStarting

	// StateActive indicates the pool is up and active.
	poolStateActive

	// StateStopped indicates the pool is up but no longer leasing new jobs.
	poolStateStopped

	// StateClosed indicates the pool has been shutdown.
	poolStateClosed
)

var poolStates = []string{
	"new",
	"starting",
	"active",
	"stopped",
	"closed",
}

func (s poolStateValue) String() string {
	if poolStateNew <= s && s <= poolStateClosed {
		return poolStates[s]
	}
	return "unknown status"
}

// NewPool returns a new Pool processing the jobs of cfg.Namespace with the
// handlers of reg. It seals reg; registering more job types afterwards fails.
//
// NewPool does not connect to redis; Start does.
func NewPool(cfg Config, reg *Registry) (*Pool, error) {
	if reg == nil {
		return nil, fmt.Errorf("robin: pool cannot run with nil registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	reg.seal()
	return &Pool{
		logger:   cfg.newLogger(),
		cfg:      cfg,
		registry: reg,
		metrics:  newInstruments(cfg.MeterProvider, cfg.TracerProvider),
		state:    &poolState{value: poolStateNew},

		errLogLimiter: rate.NewLimiter(rate.Every(3*time.Second), 1),
	}, nil
}

// Boot creates a pool for cfg and reg and runs it until ctx is done.
func Boot(ctx context.Context, cfg Config, reg *Registry) error {
	p, err := NewPool(cfg, reg)
	if err != nil {
		return err
	}
	return p.Boot(ctx)
}

// Boot starts the pool and blocks until ctx is done. Once ctx is done, it
// gracefully shuts down all workers.
//
// While redis is unreachable Boot keeps trying to connect; it returns nil if
// ctx is done before the pool could start.
func (p *Pool) Boot(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	<-ctx.Done()
	p.Shutdown()
	return nil
}

// Run starts the job processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it gracefully shuts down all active workers and other
// goroutines to process the jobs.
//
// Signals are handled while the pool is still waiting for redis.
func (p *Pool) Run() error {
	startErr := make(chan error, 1)
	go func() {
		startErr <- p.Start(context.Background())
	}()
	if err := p.waitForSignals(startErr); err != nil {
		return err
	}
	p.Shutdown()
	return nil
}

// Start connects every worker to redis and starts processing.
//
// While redis cannot be reached Start keeps retrying every
// Config.ErrorBackoff until ctx is done or the pool is shut down. Other
// connection errors are returned at once.
func (p *Pool) Start(ctx context.Context) error {
	ctx, started, err := p.start(ctx)
	if err != nil {
		return err
	}
	defer close(started)

	conns, err := p.connect(ctx)

	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	p.cancelStart()
	if p.state.value == poolStateClosed {
		closeConns(conns)
		return ErrPoolClosed
	}
	if err != nil {
		p.state.value = poolStateNew
		return err
	}
	p.logger.Infof("Starting robin %s: processing namespace %q with %d workers, job types %v",
		base.Version, p.cfg.Namespace, p.cfg.WorkerCount, p.registry.Names())

	p.control = conns[0]
	p.conns = conns[1:]
	abortCtx, abort := context.WithCancel(context.Background())
	p.abort = abort
	policy := newRetryPolicy(p.cfg)
	p.workers = make([]*worker, len(p.conns))
	for i, conn := range p.conns {
		p.workers[i] = newWorker(workerParams{
			id:             i,
			logger:         p.logger,
			conn:           conn,
			registry:       p.registry,
			policy:         policy,
			metrics:        p.metrics,
			baseCtxFn:      p.cfg.BaseContext,
			abortCtx:       abortCtx,
			dequeueTimeout: p.cfg.DequeueTimeout,
			errorBackoff:   p.cfg.ErrorBackoff,
		})
	}

	broker := p.control.broker
	p.forwarder = newForwarder(forwarderParams{
		logger:   p.logger,
		broker:   broker,
		interval: p.cfg.DelayedJobCheckInterval,
	})
	p.recoverer = newRecoverer(recovererParams{
		logger:      p.logger,
		broker:      broker,
		enabled:     p.cfg.RepeatOnTimeout,
		interval:    defaultRecoverInterval,
		gracePeriod: p.cfg.RecoverGracePeriod,
	})
	p.healthchecker = newHealthChecker(healthcheckerParams{
		logger:          p.logger,
		broker:          broker,
		interval:        p.cfg.HealthCheckInterval,
		healthcheckFunc: p.cfg.HealthCheckFunc,
	})
	p.janitor = newJanitor(janitorParams{
		logger:   p.logger,
		broker:   broker,
		interval: p.cfg.JanitorInterval,
	})

	p.state.value = poolStateActive
	p.healthchecker.start(&p.wg)
	p.recoverer.start(&p.wg)
	p.forwarder.start(&p.wg)
	p.janitor.start(&p.wg)
	for _, w := range p.workers {
		w.start(&p.workerWG)
	}
	return nil
}

// connect establishes the control connection followed by one connection
// per worker.
func (p *Pool) connect(ctx context.Context) ([]*Conn, error) {
	conns := make([]*Conn, p.cfg.WorkerCount+1)
	g, ctx := errgroup.WithContext(ctx)
	for i := range conns {
		g.Go(func() error {
			c, err := p.establish(ctx)
			conns[i] = c
			return err
		})
	}
	if err := g.Wait(); err != nil {
		closeConns(conns)
		return nil, err
	}
	return conns, nil
}

// establish connects to redis, waiting ErrorBackoff between attempts while
// the server is unreachable.
func (p *Pool) establish(ctx context.Context) (*Conn, error) {
	for {
		c, err := Establish(ctx, p.cfg)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		if p.errLogLimiter.Allow() {
			p.logger.Errorf("Could not connect to redis, retrying every %v: %v", p.cfg.ErrorBackoff, err)
		}
		t := time.NewTimer(p.cfg.ErrorBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func closeConns(conns []*Conn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}

// Checks pool state and returns an error if pre-condition is not met.
// Otherwise it sets the pool state to starting and returns the context
// the connections are established with.
func (p *Pool) start(ctx context.Context) (context.Context, chan struct{}, error) {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	switch p.state.value {
	case poolStateStarting:
		return nil, nil, fmt.Errorf("robin: the pool is already starting")
	case poolStateActive:
		return nil, nil, fmt.Errorf("robin: the pool is already running")
	case poolStateStopped:
		return nil, nil, fmt.Errorf("robin: the pool is in the stopped state. Waiting for shutdown.")
	case poolStateClosed:
		return nil, nil, ErrPoolClosed
	}
	p.state.value = poolStateStarting
	ctx, p.cancelStart = context.WithCancel(ctx)
	p.started = make(chan struct{})
	return ctx, p.started, nil
}

// Shutdown gracefully shuts down the pool.
//
// Workers stop leasing jobs and the jobs in flight are given
// Config.ShutdownTimeout to finish. Executions still running after that have
// their context cancelled and their jobs are requeued.
//
// A pool still connecting to redis stops trying and Shutdown waits for Start
// to return.
func (p *Pool) Shutdown() {
	p.state.mu.Lock()
	switch p.state.value {
	case poolStateNew, poolStateClosed:
		p.state.mu.Unlock()
		return
	case poolStateStarting:
		p.state.value = poolStateClosed
		p.cancelStart()
		started := p.started
		p.state.mu.Unlock()
		<-started
		return
	}
	p.state.value = poolStateClosed
	p.state.mu.Unlock()

	p.logger.Info("Starting graceful shutdown")
	for _, w := range p.workers {
		w.stop()
	}
	timer := time.AfterFunc(p.cfg.ShutdownTimeout, func() {
		p.logger.Warn("Shutdown timeout elapsed; aborting jobs in flight")
		p.abort()
	})
	p.workerWG.Wait()
	timer.Stop()
	p.abort()

	p.forwarder.shutdown()
	p.recoverer.shutdown()
	p.janitor.shutdown()
	p.healthchecker.shutdown()
	p.wg.Wait()

	closeConns(p.conns)
	p.control.Close()
	p.logger.Info("Exiting")
}

// Stop signals the pool to stop leasing new jobs.
// Jobs in flight are still resolved. Call Shutdown to exit.
func (p *Pool) Stop() {
	p.state.mu.Lock()
	if p.state.value != poolStateActive {
		p.state.mu.Unlock()
		return
	}
	p.state.value = poolStateStopped
	p.state.mu.Unlock()

	p.logger.Info("Stopping workers")
	for _, w := range p.workers {
		w.stop()
	}
	p.workerWG.Wait()
	p.logger.Info("Workers stopped")
}

// Ping performs a ping against the redis connection.
func (p *Pool) Ping(ctx context.Context) error {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	switch p.state.value {
	case poolStateNew, poolStateStarting, poolStateClosed:
		return nil
	}
	return p.control.Ping(ctx)
}

// WorkerStates returns the current state of every worker.
// It returns nil if the pool has not been started.
func (p *Pool) WorkerStates() []WorkerState {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	if p.state.value == poolStateNew || p.state.value == poolStateStarting {
		return nil
	}
	states := make([]WorkerState, len(p.workers))
	for i, w := range p.workers {
		states[i] = w.currentState()
	}
	return states
}
