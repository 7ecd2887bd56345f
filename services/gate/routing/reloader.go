// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing applies changes to the single routing configuration shared
// by every environment: snapshot, validate, atomic write, live reload, probe,
// and restore on failure.
package routing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/deploygate/pkg/resilience"
	"github.com/AleutianAI/deploygate/services/gate/lock"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
	"github.com/AleutianAI/deploygate/services/gate/telemetry"
)

var tracer = otel.Tracer("github.com/AleutianAI/deploygate/services/gate/routing")

// =============================================================================
// Ports
// =============================================================================

// Router drives the routing process.
type Router interface {
	// Validate checks the configuration at path without side effects.
	Validate(ctx context.Context, path string) error

	// Reload applies the configuration at path without dropping connections.
	Reload(ctx context.Context, path string) error

	// Restart hard-restarts the routing process.
	Restart(ctx context.Context) error

	// Probe makes one health check against the running process.
	Probe(ctx context.Context) error
}

// Leaser is the part of the lock manager the reloader needs.
type Leaser interface {
	Acquire(ctx context.Context, key, holder string, timeout time.Duration) (*lock.Lease, error)
	Release(lease *lock.Lease) error
}

// =============================================================================
// Results
// =============================================================================

// State is the terminal state of one apply.
type State string

const (
	// Unchanged means the candidate equals the live configuration. Nothing
	// was written or reloaded.
	Unchanged State = "CURRENT"

	// Rejected means validation failed. The live file is untouched.
	Rejected State = "REJECTED"

	// Healthy means the candidate is live and the probe passed.
	Healthy State = "HEALTHY"

	// RolledBack means the candidate was applied, failed, and the snapshot
	// was restored and reloaded.
	RolledBack State = "ROLLED_BACK"

	// Broken means the restore itself failed. Manual intervention needed.
	Broken State = "BROKEN"
)

// Result reports one apply.
type Result struct {
	State State

	// SnapshotPath is the snapshot taken before the attempt. Empty for
	// Unchanged.
	SnapshotPath string

	// FailedStep names the step that failed, if any.
	FailedStep string
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Reloader.
type Config struct {
	// LivePath is the configuration file the routing process serves.
	LivePath string

	// SnapshotDir holds snapshots of LivePath.
	SnapshotDir string

	// KeepSnapshots is how many snapshots survive pruning.
	KeepSnapshots int

	// LockTimeout bounds the wait for the routing lease.
	LockTimeout time.Duration

	// ValidateTimeout, ReloadTimeout and RestartTimeout bound each call to
	// the routing process.
	ValidateTimeout time.Duration
	ReloadTimeout   time.Duration
	RestartTimeout  time.Duration

	// Probe controls the post-reload health probe.
	Probe resilience.BackoffConfig
}

// DefaultConfig returns production defaults for the given live file.
func DefaultConfig(livePath string) Config {
	return Config{
		LivePath:        livePath,
		SnapshotDir:     filepath.Join(filepath.Dir(livePath), "snapshots"),
		KeepSnapshots:   10,
		LockTimeout:     2 * time.Minute,
		ValidateTimeout: 30 * time.Second,
		ReloadTimeout:   30 * time.Second,
		RestartTimeout:  60 * time.Second,
		Probe: resilience.BackoffConfig{
			Timeout:         20 * time.Second,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     4 * time.Second,
			Multiplier:      2,
			Jitter:          0.1,
		},
	}
}

// =============================================================================
// Reloader
// =============================================================================

// Reloader applies routing configuration changes under the global routing
// lease.
//
// # Thread Safety
//
// Safe for concurrent use. Every apply is serialized by the routing lease,
// across processes as well as goroutines.
type Reloader struct {
	cfg       Config
	router    Router
	leaser    Leaser
	snapshots *SnapshotStore
	fragments Fragments
	holder    string
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reloader) { r.logger = logger }
}

// WithMetrics records reload outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reloader) { r.metrics = m }
}

// WithFragments enables ApplyFragment.
func WithFragments(f Fragments) Option {
	return func(r *Reloader) { r.fragments = f }
}

// NewReloader creates a Reloader.
func NewReloader(cfg Config, router Router, leaser Leaser, holder string, opts ...Option) (*Reloader, error) {
	if cfg.LivePath == "" {
		return nil, errors.New("routing: live config path is required")
	}
	snaps, err := NewSnapshotStore(cfg.SnapshotDir, cfg.LivePath, cfg.KeepSnapshots)
	if err != nil {
		return nil, err
	}
	r := &Reloader{
		cfg:       cfg,
		router:    router,
		leaser:    leaser,
		snapshots: snaps,
		holder:    holder,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Snapshots returns the snapshot store.
func (r *Reloader) Snapshots() *SnapshotStore { return r.snapshots }

// Apply replaces the live configuration with candidate.
//
// # Description
//
// Takes the routing lease, then runs the apply protocol. Only acquiring the
// lease honors ctx: once the lease is held, the protocol runs to a terminal
// state on a detached context bounded by the configured timeouts.
//
// # Outputs
//
//   - Result: Always populated.
//   - error: outcome.Validation for Rejected; an execution failure at
//     StageRouting for RolledBack or Broken; a contention error when the
//     lease could not be taken.
func (r *Reloader) Apply(ctx context.Context, candidate []byte) (Result, error) {
	lease, err := r.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer r.release(lease)
	return r.apply(context.WithoutCancel(ctx), candidate)
}

// ApplyFragment installs a workload's route fragment.
//
// # Description
//
// Under the routing lease, assembles the base file and every installed
// fragment with k's replaced by fragment, applies the result and, only if
// it ends Healthy or Unchanged, installs the fragment. An identical
// fragment is Unchanged without touching the routing process.
func (r *Reloader) ApplyFragment(ctx context.Context, k FragmentKey, fragment []byte) (Result, error) {
	if r.fragments.Dir == "" {
		return Result{}, errors.New("routing: fragments are not configured")
	}
	lease, err := r.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer r.release(lease)
	ctx = context.WithoutCancel(ctx)

	installed, err := r.fragments.Installed(k)
	if err != nil {
		return Result{}, outcome.Execution(outcome.StageRouting, fmt.Errorf("read installed fragment: %w", err))
	}
	if bytes.Equal(installed, fragment) {
		r.metrics.ObserveReload(string(Unchanged))
		return Result{State: Unchanged}, nil
	}

	candidate, err := r.fragments.Assemble(k, fragment)
	if err != nil {
		return Result{}, outcome.Execution(outcome.StageRouting, err)
	}
	res, err := r.apply(ctx, candidate)
	if err != nil {
		return res, err
	}
	if err := r.fragments.Install(k, fragment); err != nil {
		return res, outcome.Execution(outcome.StageRouting, fmt.Errorf("install fragment %s: %w", k, err))
	}
	return res, nil
}

// CheckFragment validates the configuration that installing fragment for k
// would produce. It takes no lease, writes nothing but a temp file and
// never reloads, so it is safe to call before anything is applied.
func (r *Reloader) CheckFragment(ctx context.Context, k FragmentKey, fragment []byte) error {
	if r.fragments.Dir == "" {
		return errors.New("routing: fragments are not configured")
	}
	candidate, err := r.fragments.Assemble(k, fragment)
	if err != nil {
		return outcome.Execution(outcome.StageValidating, err)
	}
	vctx, cancel := context.WithTimeout(ctx, r.cfg.ValidateTimeout)
	defer cancel()
	if err := r.validate(vctx, candidate); err != nil {
		return outcome.Validation(err)
	}
	return nil
}

// Fragments returns the installed fragment store.
func (r *Reloader) Fragments() Fragments { return r.fragments }

func (r *Reloader) acquire(ctx context.Context) (*lock.Lease, error) {
	start := time.Now()
	lease, err := r.leaser.Acquire(ctx, lock.RoutingKey, r.holder, r.cfg.LockTimeout)
	r.metrics.ObserveLockWait(lock.RoutingKey, time.Since(start), err == nil)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return nil, outcome.Contention(outcome.StageRouting, err)
		}
		return nil, outcome.Execution(outcome.StageRouting, fmt.Errorf("acquire routing lease: %w", err))
	}
	return lease, nil
}

func (r *Reloader) release(lease *lock.Lease) {
	if err := r.leaser.Release(lease); err != nil {
		r.logger.Warn("Failed to release routing lease", "error", err)
	}
}

// apply runs the protocol. The caller holds the routing lease.
func (r *Reloader) apply(ctx context.Context, candidate []byte) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "routing.apply")
	defer func() {
		span.SetAttributes(attribute.String("routing.state", string(res.State)))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.ObserveReload(string(res.State))
	}()

	live := r.cfg.LivePath
	current, rerr := os.ReadFile(live)
	if rerr == nil && bytes.Equal(current, candidate) {
		r.logger.Info("Routing config unchanged")
		return Result{State: Unchanged}, nil
	}
	if change, derr := Compare(live, "candidate", current, candidate); derr != nil {
		r.logger.Warn("Could not diff routing config", "error", derr)
	} else {
		span.SetAttributes(attribute.Int("routing.lines_added", change.Added), attribute.Int("routing.lines_removed", change.Removed))
		r.logger.Info("Routing config change", "lines_added", change.Added, "lines_removed", change.Removed)
	}

	var (
		snap     Snapshot
		reloaded bool
	)
	saga := resilience.NewSaga(resilience.SagaConfig{
		Logger:              r.logger,
		CompensationTimeout: r.cfg.ReloadTimeout + r.cfg.RestartTimeout,
	})
	saga.AddStep(resilience.SagaStep{
		Name: "snapshot",
		Execute: func(context.Context) error {
			var err error
			snap, err = r.snapshots.Take(live)
			return err
		},
		Compensate: func(ctx context.Context) error {
			if !reloaded {
				return nil
			}
			return r.reload(ctx, live)
		},
	})
	saga.AddStep(resilience.SagaStep{
		Name:    "validate",
		Timeout: r.cfg.ValidateTimeout,
		Execute: func(ctx context.Context) error {
			return r.validate(ctx, candidate)
		},
	})
	saga.AddStep(resilience.SagaStep{
		Name: "write",
		Execute: func(context.Context) error {
			mode := os.FileMode(0o644)
			if info, err := os.Stat(live); err == nil {
				mode = info.Mode().Perm()
			}
			return writeAtomic(live, candidate, mode)
		},
		Compensate: func(context.Context) error {
			return r.snapshots.Restore(snap, live)
		},
	})
	saga.AddStep(resilience.SagaStep{
		Name:    "reload",
		Timeout: r.cfg.ReloadTimeout + r.cfg.RestartTimeout,
		Execute: func(ctx context.Context) error {
			reloaded = true
			return r.reload(ctx, live)
		},
	})
	saga.AddStep(resilience.SagaStep{
		Name:    "probe",
		Timeout: r.cfg.Probe.Timeout + time.Second,
		Execute: func(ctx context.Context) error {
			return resilience.Poll(ctx, r.cfg.Probe, func(ctx context.Context) (bool, error) {
				if err := r.router.Probe(ctx); err != nil {
					return false, err
				}
				return true, nil
			})
		},
	})

	sagaRes, sagaErr := saga.Execute(ctx)
	r.prune()

	res = Result{SnapshotPath: snap.Path, FailedStep: sagaRes.FailedStep}
	switch {
	case sagaErr == nil:
		res.State = Healthy
		r.logger.Info("Routing config applied", "snapshot", snap.Path)
		return res, nil
	case sagaRes.FailedStep == "validate":
		res.State = Rejected
		r.logger.Warn("Routing config rejected", "error", sagaRes.Error)
		return res, outcome.Validation(sagaRes.Error)
	case sagaRes.FailedStep == "snapshot":
		res.State = Unchanged
		return res, outcome.Execution(outcome.StageRouting, fmt.Errorf("snapshot routing config: %w", sagaRes.Error))
	case !sagaRes.Compensated:
		res.State = Broken
		var errs []error
		for _, ce := range sagaRes.CompensationErrors {
			errs = append(errs, fmt.Errorf("%s: %w", ce.StepName, ce.Error))
		}
		r.logger.Error("Routing rollback failed; manual intervention required",
			"failed_step", sagaRes.FailedStep, "completed_steps", sagaRes.CompletedSteps,
			"snapshot", snap.Path, "error", errors.Join(errs...))
		return res, outcome.Execution(outcome.StageRouting, fmt.Errorf(
			"%s failed (%w) and restoring snapshot %s failed: %w", sagaRes.FailedStep, sagaRes.Error, snap.Path, errors.Join(errs...)))
	default:
		res.State = RolledBack
		r.logger.Warn("Routing config rolled back",
			"failed_step", sagaRes.FailedStep, "completed_steps", sagaRes.CompletedSteps, "error", sagaRes.Error)
		return res, outcome.Execution(outcome.StageRouting, fmt.Errorf("%s failed, restored previous config: %w", sagaRes.FailedStep, sagaRes.Error))
	}
}

// validate writes candidate next to the live file, so relative imports
// resolve the same way, and asks the router to check it. The temp file is
// always removed.
func (r *Reloader) validate(ctx context.Context, candidate []byte) error {
	dir := filepath.Dir(r.cfg.LivePath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.cfg.LivePath)+".candidate-*")
	if err != nil {
		return fmt.Errorf("stage candidate: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(candidate); err != nil {
		tmp.Close()
		return fmt.Errorf("stage candidate: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage candidate: %w", err)
	}
	return r.router.Validate(ctx, tmp.Name())
}

// reload tries a live reload and falls back to a hard restart.
func (r *Reloader) reload(ctx context.Context, path string) error {
	reloadCtx, cancel := context.WithTimeout(ctx, r.cfg.ReloadTimeout)
	err := r.router.Reload(reloadCtx, path)
	cancel()
	if err == nil {
		return nil
	}
	r.logger.Warn("Live reload failed, restarting routing process", "error", err)

	restartCtx, cancel := context.WithTimeout(ctx, r.cfg.RestartTimeout)
	defer cancel()
	if rerr := r.router.Restart(restartCtx); rerr != nil {
		return fmt.Errorf("reload: %w; restart: %w", err, rerr)
	}
	return nil
}

func (r *Reloader) prune() {
	n, err := r.snapshots.Prune()
	if err != nil {
		r.logger.Warn("Failed to prune routing snapshots", "error", err)
	}
	if n > 0 {
		r.logger.Debug("Pruned routing snapshots", "removed", n)
	}
}
