// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"errors"
	"fmt"

	internalerrors "github.com/admwrd/robin/internal/errors"
)

var (
	// ErrUnknownJobType indicates that no handler is registered for a job type.
	// Jobs of an unknown type are dead-lettered without being retried.
	ErrUnknownJobType = errors.New("robin: unknown job type")

	// ErrDuplicateJobType indicates that a job type name was registered twice.
	ErrDuplicateJobType = errors.New("robin: job type already registered")

	// ErrRegistrySealed indicates that a registry was modified after a pool
	// started using it.
	ErrRegistrySealed = errors.New("robin: registry is sealed")

	// ErrStoreUnavailable indicates that the redis server could not be reached.
	ErrStoreUnavailable = errors.New("robin: store unavailable")

	// ErrLeaseLost indicates that a lease expired and its job was handed to
	// someone else, or that the job is gone. Resolving such a lease is a no-op.
	ErrLeaseLost = internalerrors.ErrLeaseLost

	// ErrPoolClosed indicates that the operation is now illegal because the
	// pool has been shut down.
	ErrPoolClosed = errors.New("robin: pool closed")

	// ErrInvalidConfig indicates that a Config failed validation.
	ErrInvalidConfig = errors.New("robin: invalid config")

	// ErrJobNotFound indicates that the job with the given ID is not in the
	// state the operation expects it in.
	ErrJobNotFound = errors.New("robin: job not found")
)

// storeError translates errors returned by the broker into errors matched by
// the exported sentinels.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case internalerrors.IsUnavailable(err):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	case internalerrors.IsJobNotFound(err):
		return fmt.Errorf("%w: %w", ErrJobNotFound, err)
	}
	return err
}
