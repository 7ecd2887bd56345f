// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deploygate/pkg/logging"
	"github.com/AleutianAI/deploygate/pkg/resilience"
	"github.com/AleutianAI/deploygate/services/gate/lock"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
)

// fakeRouter records calls and fails on demand.
type fakeRouter struct {
	mu sync.Mutex

	validate func(path string) error
	reload   func(path string) error
	restart  func() error
	probe    func() error

	validated []string
	reloads   int
	restarts  int
	probes    int
}

func (f *fakeRouter) Validate(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, _ := os.ReadFile(path)
	f.validated = append(f.validated, string(data))
	if f.validate != nil {
		return f.validate(path)
	}
	return nil
}

func (f *fakeRouter) Reload(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	if f.reload != nil {
		return f.reload(path)
	}
	return nil
}

func (f *fakeRouter) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	if f.restart != nil {
		return f.restart()
	}
	return nil
}

func (f *fakeRouter) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probe != nil {
		return f.probe()
	}
	return nil
}

type fixture struct {
	dir      string
	live     string
	router   *fakeRouter
	leases   *lock.Manager
	reloader *Reloader
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	lockCfg := lock.DefaultManagerConfig()
	lockCfg.LockDir = filepath.Join(dir, "locks")
	lockCfg.PollInterval = 10 * time.Millisecond
	leases, err := lock.NewManager(lockCfg)
	require.NoError(t, err)

	cfg := DefaultConfig(filepath.Join(dir, "Caddyfile"))
	cfg.LockTimeout = 100 * time.Millisecond
	cfg.Probe = resilience.BackoffConfig{
		Timeout:         100 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	router := &fakeRouter{}
	r, err := NewReloader(cfg, router, leases, "test", WithLogger(logging.Discard().Slog()),
		WithFragments(Fragments{Dir: filepath.Join(dir, "routes.d"), Base: filepath.Join(dir, "base.conf")}))
	require.NoError(t, err)

	return &fixture{dir: dir, live: cfg.LivePath, router: router, leases: leases, reloader: r}
}

func (f *fixture) writeLive(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.live, []byte(content), 0o644))
}

func (f *fixture) readLive(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.live)
	require.NoError(t, err)
	return string(data)
}

func TestReloader_Healthy(t *testing.T) {
	f := newFixture(t, nil)
	f.writeLive(t, "old\n")

	res, err := f.reloader.Apply(context.Background(), []byte("new\n"))
	require.NoError(t, err)
	assert.Equal(t, Healthy, res.State)
	assert.Equal(t, "new\n", f.readLive(t))
	assert.Equal(t, []string{"new\n"}, f.router.validated)
	assert.Equal(t, 1, f.router.reloads)
	assert.Zero(t, f.router.restarts)

	snap, err := os.ReadFile(res.SnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(snap))

	info, err := os.Stat(f.live)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestReloader_InvalidCandidateLeavesLiveUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.writeLive(t, "old\n")
	before, err := os.Stat(f.live)
	require.NoError(t, err)
	f.router.validate = func(string) error { return errors.New("unknown directive") }

	res, err := f.reloader.Apply(context.Background(), []byte("bogus\n"))
	assert.Equal(t, Rejected, res.State)
	assert.ErrorIs(t, err, outcome.ErrValidationFailure)
	assert.Equal(t, outcome.StageRouting, outcome.StageOf(err))

	assert.Equal(t, "old\n", f.readLive(t))
	after, err := os.Stat(f.live)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after))
	assert.Zero(t, f.router.reloads)
	assert.Zero(t, f.router.restarts)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".candidate-")
	}
}

func TestReloader_Unchanged(t *testing.T) {
	f := newFixture(t, nil)
	f.writeLive(t, "same\n")

	res, err := f.reloader.Apply(context.Background(), []byte("same\n"))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.State)
	assert.Empty(t, f.router.validated)
	assert.Zero(t, f.router.reloads)
}

func TestReloader_ProbeFailureRollsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.writeLive(t, "old\n")
	f.router.probe = func() error { return errors.New("connection refused") }

	res, err := f.reloader.Apply(context.Background(), []byte("new\n"))
	assert.Equal(t, RolledBack, res.State)
	assert.Equal(t, "probe", res.FailedStep)
	assert.ErrorIs(t, err, outcome.ErrExecutionFailure)
	assert.Equal(t, outcome.StageRouting, outcome.StageOf(err))

	assert.Equal(t, "old\n", f.readLive(t))
	assert.Equal(t, 2, f.router.reloads, "apply reload plus restore reload")
}

func TestReloader_ReloadFallsBackToRestart(t *testing.T) {
	f := newFixture(t, nil)
	f.writeLive(t, "old\n")
	f.router.reload = func(string) error { return errors.New("admin api down") }

	res, err := f.reloader.Apply(context.Background(), []byte("new\n"))
	require.NoError(t, err)
	assert.Equal(t, Healthy, res.State)
	assert.Equal(t, 1, f.router.restarts)
}

func TestReloader_BrokenWhenRestoreFails(t *testing.T) {
	f := newFixture(t, nil)
	f.writeLive(t, "old\n")
	f.router.reload = func(string) error { return errors.New("admin api down") }
	f.router.restart = func() error { return errors.New("unit failed") }

	res, err := f.reloader.Apply(context.Background(), []byte("new\n"))
	assert.Equal(t, Broken, res.State)
	assert.Equal(t, "reload", res.FailedStep)
	assert.ErrorIs(t, err, outcome.ErrExecutionFailure)
	assert.Contains(t, err.Error(), res.SnapshotPath)

	// The file itself is restored even though the process could not be.
	assert.Equal(t, "old\n", f.readLive(t))
}

func TestReloader_AbsentLiveFile(t *testing.T) {
	f := newFixture(t, nil)
	f.router.probe = func() error { return errors.New("down") }

	res, err := f.reloader.Apply(context.Background(), []byte("new\n"))
	require.Error(t, err)
	assert.Equal(t, RolledBack, res.State)
	_, statErr := os.Stat(f.live)
	assert.True(t, os.IsNotExist(statErr))

	f.router.probe = nil
	res, err = f.reloader.Apply(context.Background(), []byte("new\n"))
	require.NoError(t, err)
	assert.Equal(t, Healthy, res.State)
	assert.Equal(t, "new\n", f.readLive(t))
}

func TestReloader_BusyLease(t *testing.T) {
	f := newFixture(t, nil)
	held, err := f.leases.Acquire(context.Background(), lock.RoutingKey, "other", time.Second)
	require.NoError(t, err)
	defer f.leases.Release(held)

	_, err = f.reloader.Apply(context.Background(), []byte("new\n"))
	assert.ErrorIs(t, err, outcome.ErrLockContention)
	assert.Equal(t, outcome.ExitBusy, outcome.ExitCodeFor(outcome.Rejected, err))
	assert.Empty(t, f.router.validated)
}

func TestReloader_CancelledCallerStillFinishes(t *testing.T) {
	f := newFixture(t, nil)
	f.writeLive(t, "old\n")

	ctx, cancel := context.WithCancel(context.Background())
	f.router.reload = func(string) error {
		cancel()
		return nil
	}

	res, err := f.reloader.Apply(ctx, []byte("new\n"))
	require.NoError(t, err)
	assert.Equal(t, Healthy, res.State)
	assert.Equal(t, "new\n", f.readLive(t))
}

func TestReloader_PrunesSnapshots(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.KeepSnapshots = 2 })
	for _, content := range []string{"a\n", "b\n", "c\n", "d\n"} {
		_, err := f.reloader.Apply(context.Background(), []byte(content))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	snaps, err := f.reloader.Snapshots().List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Taken.After(snaps[1].Taken))

	data, err := os.ReadFile(snaps[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "c\n", string(data))
}

func TestReloader_ApplyFragment(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "base.conf"), []byte("{\n\tadmin localhost:2019\n}\n"), 0o644))

	api := FragmentKey{Environment: "staging", Workload: "api"}
	web := FragmentKey{Environment: "production", Workload: "web"}

	_, err := f.reloader.ApplyFragment(context.Background(), api, []byte("api.staging.example {\n\treverse_proxy api:8080\n}\n"))
	require.NoError(t, err)
	res, err := f.reloader.ApplyFragment(context.Background(), web, []byte("www.example {\n\treverse_proxy web:80\n}\n"))
	require.NoError(t, err)
	assert.Equal(t, Healthy, res.State)

	want := "{\n\tadmin localhost:2019\n}\n" +
		"\n# deploygate: production/web\nwww.example {\n\treverse_proxy web:80\n}\n" +
		"\n# deploygate: staging/api\napi.staging.example {\n\treverse_proxy api:8080\n}\n"
	assert.Equal(t, want, f.readLive(t))

	// Same fragment again: nothing to do.
	reloads := f.router.reloads
	res, err = f.reloader.ApplyFragment(context.Background(), web, []byte("www.example {\n\treverse_proxy web:80\n}\n"))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.State)
	assert.Equal(t, reloads, f.router.reloads)
}

func TestReloader_RejectedFragmentIsNotInstalled(t *testing.T) {
	f := newFixture(t, nil)
	k := FragmentKey{Environment: "staging", Workload: "api"}

	_, err := f.reloader.ApplyFragment(context.Background(), k, []byte("good\n"))
	require.NoError(t, err)

	f.router.validate = func(string) error { return errors.New("parse error") }
	_, err = f.reloader.ApplyFragment(context.Background(), k, []byte("bad\n"))
	assert.ErrorIs(t, err, outcome.ErrValidationFailure)

	installed, err := f.reloader.Fragments().Installed(k)
	require.NoError(t, err)
	assert.Equal(t, "good\n", string(installed))
}

func TestReloader_RemoveFragment(t *testing.T) {
	f := newFixture(t, nil)
	k := FragmentKey{Environment: "staging", Workload: "api"}

	_, err := f.reloader.ApplyFragment(context.Background(), k, []byte("api\n"))
	require.NoError(t, err)
	_, err = f.reloader.ApplyFragment(context.Background(), k, nil)
	require.NoError(t, err)

	installed, err := f.reloader.Fragments().Installed(k)
	require.NoError(t, err)
	assert.Nil(t, installed)
	assert.NotContains(t, f.readLive(t), "api")
}

func TestSnapshotStore_RestoreAndList(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "Caddyfile")
	store, err := NewSnapshotStore(filepath.Join(dir, "snaps"), live, 3)
	require.NoError(t, err)

	absent, err := store.Take(live)
	require.NoError(t, err)
	assert.True(t, absent.Absent)

	require.NoError(t, os.WriteFile(live, []byte("v1"), 0o600))
	snap, err := store.Take(live)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Size)

	require.NoError(t, os.WriteFile(live, []byte("v2"), 0o600))
	require.NoError(t, store.Restore(snap, live))
	data, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	info, err := os.Stat(live)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, store.Restore(absent, live))
	_, err = os.Stat(live)
	assert.True(t, os.IsNotExist(err))

	snaps, err := store.List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, snap.Path, snaps[0].Path)
	assert.True(t, snaps[1].Absent)
}

func TestNewSnapshotStore_KeepMustBePositive(t *testing.T) {
	_, err := NewSnapshotStore(t.TempDir(), "Caddyfile", 0)
	assert.Error(t, err)
}

func TestNewReloader_RequiresLivePath(t *testing.T) {
	_, err := NewReloader(Config{}, &fakeRouter{}, nil, "test")
	assert.Error(t, err)
}

func TestReloader_CheckFragment(t *testing.T) {
	f := newFixture(t, nil)
	f.writeLive(t, "old\n")
	k := FragmentKey{Environment: "staging", Workload: "api"}

	require.NoError(t, f.reloader.CheckFragment(context.Background(), k, []byte("api\n")))
	assert.Equal(t, []string{"\n# deploygate: staging/api\napi\n"}, f.router.validated)

	f.router.validate = func(string) error { return errors.New("bad") }
	err := f.reloader.CheckFragment(context.Background(), k, []byte("api\n"))
	assert.ErrorIs(t, err, outcome.ErrValidationFailure)

	assert.Equal(t, "old\n", f.readLive(t))
	assert.Zero(t, f.router.reloads)
	installed, err := f.reloader.Fragments().Installed(k)
	require.NoError(t, err)
	assert.Nil(t, installed)
}
