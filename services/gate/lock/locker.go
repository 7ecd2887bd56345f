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
	"os"

	"golang.org/x/sys/unix"
)

// FileLocker guards the short read-modify-write of one lease file.
//
// # Thread Safety
//
// flock(2) locks belong to the open file description, so two goroutines
// of one process that open the guard separately exclude each other just
// like two processes do.
type FileLocker interface {
	// Lock blocks until an exclusive lock on f is held.
	Lock(f *os.File) error

	// Unlock releases the lock. Safe to call even if not locked.
	Unlock(f *os.File) error
}

// FlockLocker implements FileLocker with flock(2).
type FlockLocker struct{}

// Lock takes LOCK_EX, retrying on EINTR.
func (FlockLocker) Lock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Unlock releases the lock with LOCK_UN.
func (FlockLocker) Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// IsProcessAlive checks if a process with the given PID is still running.
//
// Signal 0 checks existence without affecting the process. EPERM means the
// process exists but belongs to someone else, which still counts as alive.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
