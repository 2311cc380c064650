// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

//go:build windows

package robin

import (
	"os"
	"os/signal"

	"golang.org/x/sys/windows"
)

// waitForSignals waits for signals and handles them.
// It handles SIGTERM and SIGINT.
// SIGTERM and SIGINT will signal the process to exit.
// It returns early with the error received on startErr, if any.
//
// Note: Currently SIGTSTP is not supported for windows build.
func (p *Pool) waitForSignals(startErr <-chan error) error {
	p.logger.Info("Send signal TERM or INT to terminate the process")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, windows.SIGTERM, windows.SIGINT)
	defer signal.Stop(sigs)
	for {
		select {
		case err := <-startErr:
			if err != nil {
				return err
			}
			startErr = nil
		case <-sigs:
			return nil
		}
	}
}
