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

// healthchecker is responsible for periodically checking the health of the
// redis server and invoking a user provided callback with the result.
type healthchecker struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "healthchecker" goroutine.
	done chan struct{}

	// interval between healthchecks.
	interval time.Duration

	// function to call periodically.
	healthcheckFunc func(error)
}

type healthcheckerParams struct {
	logger          *log.Logger
	broker          base.Broker
	interval        time.Duration
	healthcheckFunc func(error)
}

func newHealthChecker(params healthcheckerParams) *healthchecker {
	return &healthchecker{
		logger:          params.logger,
		broker:          params.broker,
		done:            make(chan struct{}),
		interval:        params.interval,
		healthcheckFunc: params.healthcheckFunc,
	}
}

func (hc *healthchecker) shutdown() {
	if hc.healthcheckFunc == nil {
		return
	}

	hc.logger.Debug("Healthchecker shutting down...")
	// Signal the healthchecker goroutine to stop.
	hc.done <- struct{}{}
}

func (hc *healthchecker) start(wg *sync.WaitGroup) {
	if hc.healthcheckFunc == nil {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(hc.interval)
		for {
			select {
			case <-hc.done:
				hc.logger.Debug("Healthchecker done")
				timer.Stop()
				return
			case <-timer.C:
				hc.exec()
				timer.Reset(hc.interval)
			}
		}
	}()
}

func (hc *healthchecker) exec() {
	ctx, cancel := context.WithTimeout(context.Background(), hc.interval)
	defer cancel()
	err := hc.broker.Ping(ctx)
	if err != nil {
		hc.logger.Warnf("Health check of redis server failed: %v", err)
	}
	hc.healthcheckFunc(storeError(err))
}
