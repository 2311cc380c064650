// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"sync"
	"time"

	"github.com/admwrd/robin/internal/base"
	"github.com/admwrd/robin/internal/log"
)

// A recoverer requeues jobs whose lease expired without the job being
// resolved, which happens when the worker holding it crashed. Recovered jobs
// keep their attempt count.
//
// It only runs if lease-expired jobs are to be repeated; otherwise such jobs
// stay where they are until an operator reconciles them.
type recoverer struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "recoverer" goroutine.
	done chan struct{}

	enabled bool

	// poll interval.
	interval time.Duration

	// how long after its lease expired a job is recovered.
	gracePeriod time.Duration
}

type recovererParams struct {
	logger      *log.Logger
	broker      base.Broker
	enabled     bool
	interval    time.Duration
	gracePeriod time.Duration
}

func newRecoverer(params recovererParams) *recoverer {
	return &recoverer{
		logger:      params.logger,
		broker:      params.broker,
		done:        make(chan struct{}),
		enabled:     params.enabled,
		interval:    params.interval,
		gracePeriod: params.gracePeriod,
	}
}

func (r *recoverer) shutdown() {
	if !r.enabled {
		return
	}
	r.logger.Debug("Recoverer shutting down...")
	// Signal the recoverer goroutine to stop polling.
	r.done <- struct{}{}
}

func (r *recoverer) start(wg *sync.WaitGroup) {
	if !r.enabled {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.recover()
		timer := time.NewTimer(r.interval)
		for {
			select {
			case <-r.done:
				r.logger.Debug("Recoverer done")
				timer.Stop()
				return
			case <-timer.C:
				r.recover()
				timer.Reset(r.interval)
			}
		}
	}()
}

func (r *recoverer) recover() {
	cutoff := time.Now().Add(-r.gracePeriod)
	n, err := r.broker.RequeueLeaseExpired(context.Background(), cutoff)
	if err != nil {
		r.logger.Warnf("recoverer: could not requeue lease-expired jobs: %v", err)
		return
	}
	if n > 0 {
		r.logger.Infof("recoverer: requeued %d lease-expired jobs", n)
	}
}
