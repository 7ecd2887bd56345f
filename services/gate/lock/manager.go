// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides inter-process leases over files in a shared lock
// directory. Every invocation of the gateway is its own process, so the
// leases are the only coordination between concurrent deployments.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	leaseExt = ".lease"
	guardExt = ".guard"
)

// Well-known keys.
const (
	// RoutingKey serializes every change to the shared routing process.
	RoutingKey = "routing"

	// RecordsKey serializes access to the deployment record store.
	RecordsKey = "records"
)

// DeployKey returns the lease key for mutating one workload.
func DeployKey(env, workload string) string {
	return "deploy/" + env + "/" + workload
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*(/[a-z0-9][a-z0-9-]*)*$`)

// Lease is the content of a lease file.
type Lease struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the lease has passed its expiry at now.
func (l *Lease) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LeaseStatus is a lease as seen by List.
type LeaseStatus struct {
	Lease
	Stale bool `json:"stale"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// LockDir holds the lease and guard files. Created if missing.
	LockDir string

	// DefaultTTL is how long a lease lives before others may break it.
	DefaultTTL time.Duration

	// PollInterval is the longest a waiter sleeps between attempts when no
	// file event wakes it.
	PollInterval time.Duration
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LockDir:      "/var/lib/deploygate/locks",
		DefaultTTL:   time.Hour,
		PollInterval: 250 * time.Millisecond,
	}
}

// Manager acquires and releases leases.
//
// # Description
//
// A lease is a JSON file per key. Reading and replacing it happens under an
// exclusive flock on a sibling guard file, so at most one live lease exists
// per key across all processes. A lease whose expiry has passed, or whose
// holder process is gone, is broken on the next acquire.
//
// # Thread Safety
//
// Safe for concurrent use. Two goroutines of one process contend exactly
// like two processes.
type Manager struct {
	dir    string
	ttl    time.Duration
	poll   time.Duration
	locker FileLocker
	logger *slog.Logger

	alive func(pid int) bool
	now   func() time.Time
	pid   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithProcessCheck replaces the liveness check, for tests.
func WithProcessCheck(alive func(pid int) bool) Option {
	return func(m *Manager) { m.alive = alive }
}

// WithClock replaces the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lease manager.
//
// # Example
//
//	config := lock.DefaultManagerConfig()
//	config.LockDir = "/run/deploygate/locks"
//	manager, err := lock.NewManager(config)
func NewManager(config ManagerConfig, opts ...Option) (*Manager, error) {
	defaults := DefaultManagerConfig()
	if config.LockDir == "" {
		config.LockDir = defaults.LockDir
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if err := os.MkdirAll(config.LockDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating lock directory %s: %w", config.LockDir, err)
	}

	m := &Manager{
		dir:    filepath.Clean(config.LockDir),
		ttl:    config.DefaultTTL,
		poll:   config.PollInterval,
		locker: FlockLocker{},
		logger: slog.Default(),
		alive:  IsProcessAlive,
		now:    time.Now,
		pid:    os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Acquire takes the lease for key, waiting at most timeout.
//
// # Description
//
// Attempts immediately, then waits for the lease file to be removed (an
// fsnotify event on the lock directory) or for the poll interval, whichever
// comes first, and tries again. A timeout of zero makes a single attempt.
//
// # Inputs
//
//   - ctx: Cancels the wait. The attempt itself is short and not cancelled.
//   - key: "routing", "records" or "deploy/<env>/<workload>".
//   - holder: Who is asking, recorded in the lease for operators.
//   - timeout: Bound on the total wait.
//
// # Outputs
//
//   - *Lease: The acquired lease, to be passed to Release.
//   - error: *LeaseError wrapping ErrBusy once the wait is exhausted,
//     ErrInvalidKey, ctx.Err() or an I/O error.
func (m *Manager) Acquire(ctx context.Context, key, holder string, timeout time.Duration) (*Lease, error) {
	if !keyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	deadline := m.now().Add(timeout)

	var watcher *fsnotify.Watcher
	defer func() {
		if watcher != nil {
			watcher.Close()
		}
	}()

	for {
		lease, current, err := m.tryAcquire(key, holder)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return nil, &LeaseError{Key: key, Holder: current, Err: ErrBusy}
		}

		if watcher == nil {
			watcher = m.watch()
		}
		if err := m.wait(ctx, watcher, key, min(remaining, m.poll)); err != nil {
			return nil, err
		}
	}
}

// Release removes the lease if it is still the one described by lease.
//
// A lease that was broken and re-acquired by someone else is left alone and
// ErrLockNotHeld is returned.
func (m *Manager) Release(lease *Lease) error {
	if lease == nil {
		return ErrLockNotHeld
	}
	return m.guarded(lease.Key, func() error {
		current, err := m.readLease(m.leasePath(lease.Key))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return ErrLockNotHeld
			}
			return err
		}
		if current.Token != lease.Token {
			return ErrLockNotHeld
		}
		if err := os.Remove(m.leasePath(lease.Key)); err != nil {
			return fmt.Errorf("removing lease %s: %w", lease.Key, err)
		}
		m.logger.Debug("Released lease", "key", lease.Key, "holder", lease.Holder)
		return nil
	})
}

// List returns every lease file in the lock directory, sorted by key, with
// stale leases flagged. It breaks nothing.
func (m *Manager) List() ([]LeaseStatus, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lock directory: %w", err)
	}

	var out []LeaseStatus
	now := m.now()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != leaseExt {
			continue
		}
		lease, err := m.readLease(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			m.logger.Warn("Failed to read lease", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, LeaseStatus{Lease: *lease, Stale: m.stale(lease, now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// =============================================================================
// Internal helpers
// =============================================================================

// tryAcquire makes one attempt. It returns the new lease on success, or the
// live lease that blocked it.
func (m *Manager) tryAcquire(key, holder string) (acquired, current *Lease, err error) {
	err = m.guarded(key, func() error {
		path := m.leasePath(key)
		existing, err := m.readLease(path)
		switch {
		case err == nil:
			now := m.now()
			if !m.stale(existing, now) {
				current = existing
				return nil
			}
			m.logger.Info("Breaking stale lease",
				"key", key,
				"old_holder", existing.Holder,
				"old_pid", existing.PID,
				"expired", existing.IsExpired(now))
		case errors.Is(err, fs.ErrNotExist):
		default:
			// An unreadable lease cannot be proven live; it was written by
			// a process that died mid-write or by hand.
			m.logger.Warn("Replacing unreadable lease", "key", key, "error", err)
		}

		now := m.now()
		lease := &Lease{
			Key:        key,
			Holder:     holder,
			Token:      uuid.NewString(),
			PID:        m.pid,
			AcquiredAt: now,
			ExpiresAt:  now.Add(m.ttl),
		}
		if err := m.writeLease(path, lease); err != nil {
			return fmt.Errorf("writing lease %s: %w", key, err)
		}
		acquired = lease
		m.logger.Debug("Acquired lease",
			"key", key,
			"holder", holder,
			"expires_at", lease.ExpiresAt.Format(time.RFC3339))
		return nil
	})
	return acquired, current, err
}

func (m *Manager) stale(l *Lease, now time.Time) bool {
	return l.IsExpired(now) || !m.alive(l.PID)
}

// guarded runs fn with the key's guard file locked.
func (m *Manager) guarded(key string, fn func() error) error {
	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(m.basePath(key)+guardExt, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("opening guard for %s: %w", key, err)
	}
	defer f.Close()

	if err := m.locker.Lock(f); err != nil {
		return fmt.Errorf("locking guard for %s: %w", key, err)
	}
	defer func() {
		if err := m.locker.Unlock(f); err != nil {
			m.logger.Warn("Failed to unlock guard", "key", key, "error", err)
		}
	}()
	return fn()
}

// basePath maps a key to a file name. Keys never contain ".", so replacing
// "/" with "." keeps distinct keys distinct.
func (m *Manager) basePath(key string) string {
	return filepath.Join(m.dir, strings.ReplaceAll(key, "/", "."))
}

func (m *Manager) leasePath(key string) string {
	return m.basePath(key) + leaseExt
}

func (m *Manager) readLease(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// writeLease replaces the lease file atomically.
func (m *Manager) writeLease(path string, lease *Lease) error {
	data, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.dir, ".lease-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// watch starts a directory watcher. A nil watcher just means waiters fall
// back to polling.
func (m *Manager) watch() *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Debug("File watcher unavailable, polling", "error", err)
		return nil
	}
	if err := w.Add(m.dir); err != nil {
		m.logger.Debug("Cannot watch lock directory, polling", "error", err)
		w.Close()
		return nil
	}
	return w
}

// wait returns when the key's lease file is removed or renamed, after d, or
// when ctx ends.
func (m *Manager) wait(ctx context.Context, w *fsnotify.Watcher, key string, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w != nil {
		events, errs = w.Events, w.Errors
	}
	target := m.leasePath(key)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == target && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Debug("File watcher error", "error", err)
		}
	}
}
