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
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func createTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	config := DefaultManagerConfig()
	config.LockDir = filepath.Join(t.TempDir(), "locks")
	config.PollInterval = 20 * time.Millisecond
	manager, err := NewManager(config, opts...)
	require.NoError(t, err)
	return manager
}

func writeRawLease(t *testing.T, m *Manager, lease Lease) {
	t.Helper()
	data, err := json.Marshal(lease)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.leasePath(lease.Key), data, 0o640))
}

func TestManager_AcquireRelease(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, DeployKey("staging", "api"), "ci@runner", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "deploy/staging/api", lease.Key)
	assert.Equal(t, "ci@runner", lease.Holder)
	assert.NotEmpty(t, lease.Token)
	assert.Equal(t, os.Getpid(), lease.PID)
	assert.WithinDuration(t, lease.AcquiredAt.Add(time.Hour), lease.ExpiresAt, time.Second)
	assert.FileExists(t, filepath.Join(m.dir, "deploy.staging.api.lease"))

	require.NoError(t, m.Release(lease))
	assert.NoFileExists(t, filepath.Join(m.dir, "deploy.staging.api.lease"))
	assert.ErrorIs(t, m.Release(lease), ErrLockNotHeld, "second release")
}

func TestManager_BusyAfterBoundedWait(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, RoutingKey, "first", 0)
	require.NoError(t, err)
	defer m.Release(first)

	start := time.Now()
	_, err = m.Acquire(ctx, RoutingKey, "second", 100*time.Millisecond)
	require.ErrorIs(t, err, ErrBusy)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	var le *LeaseError
	require.True(t, errors.As(err, &le))
	require.NotNil(t, le.Holder)
	assert.Equal(t, "first", le.Holder.Holder)

	_, err = m.Acquire(ctx, RoutingKey, "third", 0)
	assert.ErrorIs(t, err, ErrBusy, "zero timeout makes a single attempt")
}

func TestManager_WaiterWokenByRelease(t *testing.T) {
	config := DefaultManagerConfig()
	config.LockDir = filepath.Join(t.TempDir(), "locks")
	config.PollInterval = 10 * time.Second // only the file event can wake the waiter in time
	m, err := NewManager(config)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := m.Acquire(ctx, RecordsKey, "first", 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		lease, err := m.Acquire(ctx, RecordsKey, "second", 5*time.Second)
		if err == nil {
			err = m.Release(lease)
		}
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Release(first))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not woken by the release")
	}
}

func TestManager_ConcurrentAcquireExactlyOneWins(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()
	key := DeployKey("production", "web")

	var wins atomic.Int32
	var busy atomic.Int32
	leases := make(chan *Lease, 8)
	var wg sync.WaitGroup
	startGate := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startGate
			lease, err := m.Acquire(ctx, key, "racer", 150*time.Millisecond)
			switch {
			case err == nil:
				wins.Add(1)
				leases <- lease
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(startGate)
	wg.Wait()
	close(leases)

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), busy.Load())
	for lease := range leases {
		require.NoError(t, m.Release(lease))
	}
}

func TestManager_BreaksExpiredLease(t *testing.T) {
	m := createTestManager(t)
	writeRawLease(t, m, Lease{
		Key: RoutingKey, Holder: "old", Token: "t-old", PID: os.Getpid(),
		AcquiredAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Hour),
	})

	lease, err := m.Acquire(context.Background(), RoutingKey, "new", 0)
	require.NoError(t, err)
	assert.NotEqual(t, "t-old", lease.Token)
	require.NoError(t, m.Release(lease))
}

func TestManager_BreaksDeadHolderLease(t *testing.T) {
	const deadPID = 999999
	m := createTestManager(t, WithProcessCheck(func(pid int) bool { return pid != deadPID }))
	writeRawLease(t, m, Lease{
		Key: RecordsKey, Holder: "crashed", Token: "t-old", PID: deadPID,
		AcquiredAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	})

	statuses, err := m.List()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Stale)

	lease, err := m.Acquire(context.Background(), RecordsKey, "new", 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(lease))
}

func TestManager_ReleaseIgnoresForeignToken(t *testing.T) {
	m := createTestManager(t)
	lease, err := m.Acquire(context.Background(), RoutingKey, "me", 0)
	require.NoError(t, err)

	forged := *lease
	forged.Token = "not-mine"
	assert.ErrorIs(t, m.Release(&forged), ErrLockNotHeld)
	assert.FileExists(t, m.leasePath(RoutingKey), "lease survives a release with the wrong token")

	assert.ErrorIs(t, m.Release(nil), ErrLockNotHeld)
	require.NoError(t, m.Release(lease))
}

func TestManager_InvalidKeys(t *testing.T) {
	m := createTestManager(t)
	for _, key := range []string{"", "../etc", "deploy/Staging/api", "deploy//api", "routing/", "a.b"} {
		_, err := m.Acquire(context.Background(), key, "x", 0)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestManager_ContextCancelledWhileWaiting(t *testing.T) {
	m := createTestManager(t)
	first, err := m.Acquire(context.Background(), RoutingKey, "first", 0)
	require.NoError(t, err)
	defer m.Release(first)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, RoutingKey, "second", 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_ListSorted(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()
	b, err := m.Acquire(ctx, RoutingKey, "b", 0)
	require.NoError(t, err)
	a, err := m.Acquire(ctx, DeployKey("dev", "api"), "a", 0)
	require.NoError(t, err)

	statuses, err := m.List()
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "deploy/dev/api", statuses[0].Key)
	assert.Equal(t, "routing", statuses[1].Key)
	assert.False(t, statuses[0].Stale)

	require.NoError(t, m.Release(a))
	require.NoError(t, m.Release(b))
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-1))
}
