// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrPollTimeout is returned by Poll when the condition never held.
var ErrPollTimeout = errors.New("condition not met before timeout")

// BackoffConfig configures Poll.
type BackoffConfig struct {
	// Timeout bounds the whole poll.
	Timeout time.Duration

	// InitialInterval is the first sleep between attempts.
	InitialInterval time.Duration

	// MaxInterval caps the sleep.
	MaxInterval time.Duration

	// Multiplier grows the interval after each attempt.
	Multiplier float64

	// Jitter randomizes each sleep by a factor in [1-Jitter, 1+Jitter].
	Jitter float64
}

// DefaultBackoffConfig returns a two-minute poll starting at one second.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Timeout:         2 * time.Minute,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// Poll calls check until it reports done, returns an error wrapped as
// permanent, or the timeout passes.
//
// # Description
//
// Attempts run immediately and then after exponentially growing, jittered
// sleeps. A non-permanent error from check is treated as "not yet" and is
// carried into the timeout error so the caller can report the last cause.
//
// # Outputs
//
//   - error: nil once check reports done; the permanent error; or
//     ErrPollTimeout joined with the last check error.
func Poll(ctx context.Context, cfg BackoffConfig, check func(ctx context.Context) (bool, error)) error {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}

	pollCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	interval := cfg.InitialInterval
	var last error
	attempts := 0
	for {
		attempts++
		done, err := check(pollCtx)
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if err == nil && done {
			return nil
		}
		if err != nil {
			last = err
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			timeoutErr := fmt.Errorf("%w after %v (%d attempts)", ErrPollTimeout, cfg.Timeout, attempts)
			if last != nil {
				return errors.Join(timeoutErr, last)
			}
			return timeoutErr
		case <-time.After(applyJitter(interval, cfg.Jitter)):
		}
		interval = nextInterval(interval, cfg.MaxInterval, cfg.Multiplier)
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Poll stops retrying and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// applyJitter multiplies interval by a factor in [1-jitter, 1+jitter].
func applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(interval) * factor)
}

func nextInterval(current, max time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}
