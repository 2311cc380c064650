// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

//go:build !windows

package robin

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// waitForSignals waits for signals and handles them.
// It handles SIGTERM, SIGINT, and SIGTSTP.
// SIGTERM and SIGINT will signal the process to exit.
// SIGTSTP will signal the process to stop leasing new jobs.
//
// It returns early with the error received on startErr, if any.
func (p *Pool) waitForSignals(startErr <-chan error) error {
	p.logger.Info("Send signal TSTP to stop leasing new jobs")
	p.logger.Info("Send signal TERM or INT to terminate the process")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT, unix.SIGTSTP)
	defer signal.Stop(sigs)
	for {
		select {
		case err := <-startErr:
			if err != nil {
				return err
			}
			startErr = nil
		case sig := <-sigs:
			if sig == unix.SIGTSTP {
				p.Stop()
				continue
			}
			return nil
		}
	}
}
