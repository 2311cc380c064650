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

// A forwarder is responsible for moving jobs whose retry delay elapsed
// back to the pending list.
type forwarder struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "forwarder" goroutine.
	done chan struct{}

	// poll interval on average
	avgInterval time.Duration
}

type forwarderParams struct {
	logger   *log.Logger
	broker   base.Broker
	interval time.Duration
}

func newForwarder(params forwarderParams) *forwarder {
	return &forwarder{
		logger:      params.logger,
		broker:      params.broker,
		done:        make(chan struct{}),
		avgInterval: params.interval,
	}
}

func (f *forwarder) shutdown() {
	f.logger.Debug("Forwarder shutting down...")
	// Signal the forwarder goroutine to stop polling.
	f.done <- struct{}{}
}

// start starts the "forwarder" goroutine.
func (f *forwarder) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(f.avgInterval)
		for {
			select {
			case <-f.done:
				f.logger.Debug("Forwarder done")
				timer.Stop()
				return
			case <-timer.C:
				f.exec()
				timer.Reset(f.avgInterval)
			}
		}
	}()
}

func (f *forwarder) exec() {
	n, err := f.broker.ForwardIfReady(context.Background())
	if err != nil {
		f.logger.Errorf("Failed to forward retry jobs: %v", err)
		return
	}
	if n > 0 {
		f.logger.Debugf("Forwarded %d retry jobs to pending", n)
	}
}
