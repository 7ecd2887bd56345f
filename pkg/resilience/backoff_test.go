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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(timeout time.Duration) BackoffConfig {
	return BackoffConfig{
		Timeout:         timeout,
		InitialInterval: 2 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.1,
	}
}

func TestPoll_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Poll(context.Background(), fastBackoff(time.Second), func(context.Context) (bool, error) {
		attempts++
		if attempts < 3 {
			return false, errors.New("starting")
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPoll_TimeoutCarriesLastError(t *testing.T) {
	cause := errors.New("container api is unhealthy")
	err := Poll(context.Background(), fastBackoff(30*time.Millisecond), func(context.Context) (bool, error) {
		return false, cause
	})
	require.ErrorIs(t, err, ErrPollTimeout)
	assert.ErrorIs(t, err, cause)
}

func TestPoll_PermanentStopsImmediately(t *testing.T) {
	cause := errors.New("container exited")
	attempts := 0
	err := Poll(context.Background(), fastBackoff(time.Second), func(context.Context) (bool, error) {
		attempts++
		return false, Permanent(cause)
	})
	require.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, 1, attempts)
	assert.NoError(t, Permanent(nil))
}

func TestPoll_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poll(ctx, fastBackoff(time.Second), func(context.Context) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextIntervalAndJitter(t *testing.T) {
	assert.Equal(t, 4*time.Second, nextInterval(2*time.Second, 10*time.Second, 2))
	assert.Equal(t, 10*time.Second, nextInterval(8*time.Second, 10*time.Second, 2))
	assert.Equal(t, time.Second, applyJitter(time.Second, 0))
	for range 50 {
		d := applyJitter(time.Second, 0.2)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
