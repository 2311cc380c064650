// Copyright 2022 Kentaro Hibino. All rights reserved.
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

// janitor is responsible for periodically trimming the dead-letter archive
// to its size and age limits.
type janitor struct {
	logger *log.Logger
	broker base.Broker

	// channel to communicate back to the long running "janitor" goroutine.
	done chan struct{}

	// interval between cleanup runs.
	interval time.Duration
}

type janitorParams struct {
	logger   *log.Logger
	broker   base.Broker
	interval time.Duration
}

func newJanitor(params janitorParams) *janitor {
	return &janitor{
		logger:   params.logger,
		broker:   params.broker,
		done:     make(chan struct{}),
		interval: params.interval,
	}
}

func (j *janitor) shutdown() {
	j.logger.Debug("Janitor shutting down...")
	// Signal the janitor goroutine to stop.
	j.done <- struct{}{}
}

func (j *janitor) start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(j.interval)
		for {
			select {
			case <-j.done:
				j.logger.Debug("Janitor done")
				timer.Stop()
				return
			case <-timer.C:
				j.exec()
				timer.Reset(j.interval)
			}
		}
	}()
}

func (j *janitor) exec() {
	n, err := j.broker.DeleteExpiredDeadJobs(context.Background())
	if err != nil {
		j.logger.Errorf("Failed to trim dead jobs of namespace %q: %v", j.broker.Namespace(), err)
		return
	}
	if n > 0 {
		j.logger.Debugf("Deleted %d dead jobs of namespace %q", n, j.broker.Namespace())
	}
}
