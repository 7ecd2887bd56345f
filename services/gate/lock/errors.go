// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
)

// Sentinel errors for lease operations.
var (
	// ErrBusy indicates a live lease is held by someone else and the bounded
	// wait ran out.
	ErrBusy = errors.New("lease is held by another invocation")

	// ErrLockNotHeld indicates a release of a lease that is no longer ours.
	ErrLockNotHeld = errors.New("lease not held by this holder")

	// ErrInvalidKey indicates a key outside the allowed grammar.
	ErrInvalidKey = errors.New("invalid lock key")
)

// LeaseError provides detail about a lease conflict.
//
// # Fields
//
//   - Key: The contended key.
//   - Holder: The live lease at the time of the last attempt, if readable.
//   - Err: The underlying error (typically ErrBusy).
type LeaseError struct {
	Key    string
	Holder *Lease
	Err    error
}

// Error returns a human-readable error message.
func (e *LeaseError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("%s is held by %s (pid %d) since %s: %v",
			e.Key, e.Holder.Holder, e.Holder.PID,
			e.Holder.AcquiredAt.Format("15:04:05"), e.Err)
	}
	return fmt.Sprintf("%s is locked: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LeaseError) Unwrap() error {
	return e.Err
}
