// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deploy runs one deployment of one workload release end to end:
// lease, validate, pin, converge, verify, route, and roll back on failure.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/deploygate/pkg/resilience"
	"github.com/AleutianAI/deploygate/services/gate/audit"
	"github.com/AleutianAI/deploygate/services/gate/fsperm"
	"github.com/AleutianAI/deploygate/services/gate/lock"
	"github.com/AleutianAI/deploygate/services/gate/manifest"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
	"github.com/AleutianAI/deploygate/services/gate/records"
	"github.com/AleutianAI/deploygate/services/gate/routing"
	"github.com/AleutianAI/deploygate/services/gate/secrets"
	"github.com/AleutianAI/deploygate/services/gate/telemetry"
	policy "github.com/AleutianAI/deploygate/services/policy_engine"
)

var tracer = otel.Tracer("github.com/AleutianAI/deploygate/services/gate/deploy")

// Reasons recorded for outcomes that carry no rule ids.
const (
	ReasonLockContention  = "lock-contention"
	ReasonPolicyViolation = "policy-violation"
	ReasonSecretMissing   = "secret-missing"
	ReasonRoutesInvalid   = "routes-invalid"
	ReasonInternal        = "internal-error"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds executor paths and per-phase timeouts.
type Config struct {
	// AppDir holds pinned releases and rendered engine files.
	AppDir string

	// OverridePath is the policy override file. Absent means strictest.
	OverridePath string

	// LockTimeout bounds the wait for the workload's deploy lease.
	LockTimeout time.Duration

	// ResolveTimeout bounds digest resolution for all images together.
	ResolveTimeout time.Duration

	// ResolveConcurrency caps parallel digest lookups.
	ResolveConcurrency int

	// ConvergeTimeout bounds one engine converge.
	ConvergeTimeout time.Duration

	// Verify controls the post-converge health poll.
	Verify resilience.BackoffConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AppDir:             "/var/lib/deploygate/apps",
		OverridePath:       "/etc/deploygate/policy.yaml",
		LockTimeout:        30 * time.Second,
		ResolveTimeout:     2 * time.Minute,
		ResolveConcurrency: 4,
		ConvergeTimeout:    10 * time.Minute,
		Verify: resilience.BackoffConfig{
			Timeout:         3 * time.Minute,
			InitialInterval: 2 * time.Second,
			MaxInterval:     15 * time.Second,
			Multiplier:      2,
			Jitter:          0.2,
		},
	}
}

// Deps are the executor's collaborators. Routes may be nil when no routing
// process is configured; a release that ships routes is then rejected.
type Deps struct {
	Tree    manifest.Tree
	Policy  *policy.PolicyEngine
	Secrets SecretSource
	Leases  Leaser
	Engine  Engine
	Routes  Routes
	Records records.Store
	Audit   audit.Logger
	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// Stat checks override file ownership. Defaults to fsperm.Lstat.
	Stat fsperm.Stat
}

// =============================================================================
// Request and result
// =============================================================================

// Request asks for one release of one workload.
type Request struct {
	Environment string
	Workload    string
	Version     string
	Caller      string
}

// Ref returns "<workload>@<version>".
func (r Request) Ref() string { return r.Workload + "@" + r.Version }

// Result is the terminal outcome of one deployment.
type Result struct {
	DeploymentID string
	Ref          string
	Outcome      outcome.Outcome

	// Stage is where a non-success outcome was decided.
	Stage outcome.Stage

	RuleIDs    []string
	Violations []policy.Finding
	Warnings   []policy.Finding

	NoOp   bool
	Reason string

	// Routing is the reloader's final state when routes were applied.
	Routing routing.State
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs deployments.
//
// # Description
//
// Each Deploy is one pass through PENDING, VALIDATING, EXECUTING and a
// terminal state, under the workload's deploy lease. Nothing before
// EXECUTING mutates running state. Once EXECUTING begins the caller's
// context no longer cancels anything; each phase is bounded by its own
// timeout instead.
//
// # Thread Safety
//
// Safe for concurrent use. Deploys of the same workload, in this process or
// any other, are serialized by the deploy lease.
type Executor struct {
	cfg      Config
	deps     Deps
	releases ReleaseStore
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New creates an Executor.
func New(cfg Config, deps Deps) (*Executor, error) {
	switch {
	case cfg.AppDir == "":
		return nil, errors.New("deploy: app dir is required")
	case deps.Policy == nil, deps.Secrets == nil, deps.Leases == nil,
		deps.Engine == nil, deps.Records == nil:
		return nil, errors.New("deploy: policy, secrets, leases, engine and records are required")
	}
	if cfg.ResolveConcurrency < 1 {
		cfg.ResolveConcurrency = 1
	}
	if deps.Audit == nil {
		deps.Audit = audit.NopLogger{}
	}
	if deps.Stat == nil {
		deps.Stat = fsperm.Lstat
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		deps:     deps,
		releases: ReleaseStore{Dir: cfg.AppDir},
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Releases returns the store of pinned releases.
func (e *Executor) Releases() ReleaseStore { return e.releases }

// Deploy runs one deployment to a terminal outcome.
//
// # Outputs
//
//   - Result: always populated with the terminal outcome.
//   - error: nil only for Succeeded. Otherwise an error from the outcome
//     taxonomy, so outcome.ExitCodeFor(res.Outcome, err) gives the exit
//     code. A record that could not be written is joined in.
//
// # Example
//
//	res, err := exec.Deploy(ctx, deploy.Request{
//	    Environment: "staging", Workload: "api", Version: "1.4.2", Caller: "ci",
//	})
//	code := outcome.ExitCodeFor(res.Outcome, err)
func (e *Executor) Deploy(ctx context.Context, req Request) (Result, error) {
	start := e.now()
	res := Result{DeploymentID: e.newID(), Ref: req.Ref()}

	ctx, span := tracer.Start(ctx, "deploy", trace.WithAttributes(
		attribute.String("deploy.environment", req.Environment),
		attribute.String("deploy.ref", res.Ref),
		attribute.String("deploy.id", res.DeploymentID),
	))
	defer span.End()

	logger := e.logger.With("deployment_id", res.DeploymentID, "environment", req.Environment, "ref", res.Ref)

	key := lock.DeployKey(req.Environment, req.Workload)
	waitStart := time.Now()
	lease, err := e.deps.Leases.Acquire(ctx, key, req.Caller, e.cfg.LockTimeout)
	e.deps.Metrics.ObserveLockWait(key, time.Since(waitStart), err == nil)
	if err != nil {
		res.Outcome, res.Stage = outcome.Rejected, outcome.StagePending
		if errors.Is(err, lock.ErrBusy) {
			res.Reason = ReasonLockContention
			return e.finish(ctx, span, logger, req, res, start, outcome.Contention(outcome.StagePending, err))
		}
		res.Reason = ReasonInternal
		return e.finish(ctx, span, logger, req, res, start, fmt.Errorf("acquire deploy lease: %w", err))
	}
	defer func() {
		if err := e.deps.Leases.Release(lease); err != nil {
			logger.Warn("Failed to release deploy lease", "error", err)
		}
	}()

	res, err = e.run(ctx, logger, req, res)
	return e.finish(ctx, span, logger, req, res, start, err)
}

// run executes everything after the lease is held.
func (e *Executor) run(ctx context.Context, logger *slog.Logger, req Request, res Result) (Result, error) {
	env, workload := req.Environment, req.Workload

	// --- VALIDATING ---
	res.Stage = outcome.StageValidating
	override, err := policy.LoadOverride(e.cfg.OverridePath, env, e.deps.Stat)
	if err != nil {
		return reject(res, e.deps.Policy.OverrideRejected(err))
	}
	rel, err := e.deps.Tree.Load(env, workload, req.Version)
	if err != nil {
		return reject(res, e.deps.Policy.Unparseable(err))
	}
	decision := e.deps.Policy.Evaluate(rel.Workload, override)
	res.Warnings = decision.Warnings
	for _, w := range decision.Warnings {
		logger.Info("Policy warning", "rule", w.RuleID, "service", w.Service, "permitted_by", w.PermittedBy)
	}
	if !decision.Accepted {
		return reject(res, decision)
	}

	session, err := e.deps.Secrets.Open(res.DeploymentID)
	if err != nil {
		res.Outcome, res.Reason = outcome.Rejected, ReasonInternal
		return res, fmt.Errorf("open secrets session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Error("Failed to wipe decrypted secrets", "error", err)
		}
	}()
	resolved, err := session.ResolveAll(ctx, env, rel.Workload.SecretNames())
	if err != nil {
		res.Outcome, res.Reason = outcome.Rejected, ReasonSecretMissing
		return res, err
	}

	fragKey := routing.FragmentKey{Environment: env, Workload: workload}
	if rel.Routes != nil {
		if e.deps.Routes == nil {
			res.Outcome, res.Reason = outcome.Rejected, ReasonRoutesInvalid
			return res, outcome.Validation(errors.New("release ships routes but no routing process is configured"))
		}
		if err := e.deps.Routes.CheckFragment(ctx, fragKey, rel.Routes); err != nil {
			res.Outcome, res.Reason = outcome.Rejected, ReasonRoutesInvalid
			return res, err
		}
	}

	state, err := e.deps.Records.GetState(ctx, env, workload)
	if errors.Is(err, records.ErrNoState) {
		state, err = records.State{Environment: env, Workload: workload}, nil
	}
	if err != nil {
		res.Outcome, res.Reason = outcome.Rejected, ReasonInternal
		return res, fmt.Errorf("read workload state: %w", err)
	}

	if state.Healthy(res.Ref) {
		logger.Info("Release already applied and healthy")
		res.Outcome, res.Stage, res.NoOp = outcome.Succeeded, "", true
		return res, nil
	}

	// --- EXECUTING ---
	// Nothing below observes the caller's cancellation.
	ectx := context.WithoutCancel(ctx)
	res.Stage = outcome.StageExecuting
	logger.Info("Executing deployment", "known_good", state.KnownGoodRef)

	images, err := e.pin(ectx, rel.Workload)
	if err != nil {
		res.Outcome = outcome.Failed
		res.Reason = manualIntervention(outcome.StageExecuting, state.KnownGoodRef)
		return res, outcome.Execution(outcome.StageExecuting, err)
	}
	pinned, err := manifest.Render(rel.Workload, manifest.RenderOptions{Images: images})
	if err == nil {
		err = e.releases.SavePinned(env, workload, req.Version, pinned)
	}
	if err != nil {
		res.Outcome = outcome.Failed
		res.Reason = manualIntervention(outcome.StageExecuting, state.KnownGoodRef)
		return res, outcome.Execution(outcome.StageExecuting, fmt.Errorf("persist pinned release: %w", err))
	}

	project, err := e.converge(ectx, rel.Workload, images, resolved)
	state.AppliedRef = res.Ref
	if err != nil {
		return e.fail(ectx, logger, req, res, state, session, outcome.StageExecuting, outcome.Execution(outcome.StageExecuting, err))
	}

	if err := e.verify(ectx, rel.Workload, project); err != nil {
		return e.fail(ectx, logger, req, res, state, session, outcome.StageVerifying, outcome.Verification(err))
	}

	if rel.Routes != nil {
		rres, err := e.deps.Routes.ApplyFragment(ectx, fragKey, rel.Routes)
		res.Routing = rres.State
		if err != nil {
			return e.fail(ectx, logger, req, res, state, session, outcome.StageRouting, err)
		}
	}

	// --- SUCCEEDED ---
	state.KnownGoodRef = res.Ref
	state.UpdatedAt = e.now().UTC()
	res.Outcome, res.Stage = outcome.Succeeded, ""
	if err := e.deps.Records.PutState(ectx, state); err != nil {
		return res, fmt.Errorf("write workload state: %w", err)
	}
	return res, nil
}

// fail resolves a post-mutation failure: roll back to the known-good
// release when there is one, otherwise report FAILED.
func (e *Executor) fail(ctx context.Context, logger *slog.Logger, req Request, res Result, state records.State,
	session *secrets.Session, stage outcome.Stage, cause error) (Result, error) {
	res.Stage = stage
	logger.Error("Deployment failed", "stage", stage, "error", cause)

	if state.KnownGoodRef == "" {
		res.Outcome = outcome.Failed
		res.Reason = manualIntervention(stage, "")
		return res, errors.Join(cause, e.putState(ctx, state))
	}

	converged, rbErr := e.rollback(ctx, req, state.KnownGoodRef, session)
	if converged {
		state.AppliedRef = state.KnownGoodRef
	}
	if rbErr != nil {
		logger.Error("Rollback failed", "known_good", state.KnownGoodRef, "error", rbErr)
		res.Outcome = outcome.Failed
		res.Reason = fmt.Sprintf("%s: %v", restoreFailed(stage, state.KnownGoodRef), rbErr)
		return res, errors.Join(cause, fmt.Errorf("rollback to %s: %w", state.KnownGoodRef, rbErr), e.putState(ctx, state))
	}

	logger.Warn("Rolled back to known-good release", "known_good", state.KnownGoodRef)
	res.Outcome = outcome.RolledBack
	res.Reason = "restored " + state.KnownGoodRef
	return res, errors.Join(cause, e.putState(ctx, state))
}

// rollback converges the known-good pinned release and verifies it.
func (e *Executor) rollback(ctx context.Context, req Request, knownGood string, session *secrets.Session) (converged bool, err error) {
	ctx, span := tracer.Start(ctx, "deploy.rollback", trace.WithAttributes(attribute.String("deploy.known_good", knownGood)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	_, version, ok := strings.Cut(knownGood, "@")
	if !ok {
		return false, fmt.Errorf("malformed known-good ref %q", knownGood)
	}
	data, err := e.releases.LoadPinned(req.Environment, req.Workload, version)
	if err != nil {
		return false, err
	}
	w, err := manifest.Parse(data, manifest.Source{
		Environment: req.Environment,
		Name:        req.Workload,
		Version:     version,
		Dir:         e.deps.Tree.ReleaseDir(req.Environment, req.Workload, version),
	})
	if err != nil {
		return false, fmt.Errorf("parse pinned release: %w", err)
	}
	resolved, err := session.ResolveAll(ctx, req.Environment, w.SecretNames())
	if err != nil {
		return false, err
	}
	project, err := e.converge(ctx, w, nil, resolved)
	if err != nil {
		return false, err
	}
	return true, e.verify(ctx, w, project)
}

// converge renders the engine file for w and converges the engine to it.
func (e *Executor) converge(ctx context.Context, w *manifest.Workload, images map[string]string, resolved map[string]secrets.Secret) (Project, error) {
	ctx, span := tracer.Start(ctx, "deploy.converge")
	defer span.End()

	files := make(map[string]string, len(resolved))
	for name, s := range resolved {
		files[name] = s.Path
	}
	rendered, err := manifest.Render(w, manifest.RenderOptions{Images: images, SecretFiles: files})
	if err != nil {
		telemetry.RecordError(span, err)
		return Project{}, err
	}
	path, err := e.releases.WriteEngineFile(w.Environment, w.Name, rendered)
	if err != nil {
		telemetry.RecordError(span, err)
		return Project{}, fmt.Errorf("write engine file: %w", err)
	}

	p := Project{Name: w.Environment + "-" + w.Name, Dir: w.Dir, File: path}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ConvergeTimeout)
	defer cancel()
	if err := e.deps.Engine.Converge(cctx, p); err != nil {
		telemetry.RecordError(span, err)
		return p, fmt.Errorf("converge %s: %w", p.Name, err)
	}
	return p, nil
}

func (e *Executor) putState(ctx context.Context, st records.State) error {
	st.UpdatedAt = e.now().UTC()
	if err := e.deps.Records.PutState(ctx, st); err != nil {
		return fmt.Errorf("write workload state: %w", err)
	}
	return nil
}

// finish writes the record and the audit line for a terminal outcome.
func (e *Executor) finish(ctx context.Context, span trace.Span, logger *slog.Logger, req Request, res Result, start time.Time, err error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()

	rec := records.Record{
		ID:          res.DeploymentID,
		Environment: req.Environment,
		Workload:    req.Workload,
		Ref:         res.Ref,
		Timestamp:   now,
		Outcome:     res.Outcome,
		RuleIDs:     res.RuleIDs,
		Stage:       res.Stage,
		Reason:      res.Reason,
		NoOp:        res.NoOp,
		Caller:      req.Caller,
	}
	if recErr := e.deps.Records.Append(ctx, rec); recErr != nil {
		logger.Error("Failed to write deployment record", "error", recErr)
		err = errors.Join(err, fmt.Errorf("write deployment record: %w", recErr))
	}
	if auditErr := e.deps.Audit.Deploy(ctx, audit.DeployEvent{
		Timestamp:    now,
		DeploymentID: res.DeploymentID,
		Caller:       req.Caller,
		Environment:  req.Environment,
		Workload:     req.Workload,
		Ref:          res.Ref,
		Outcome:      res.Outcome,
		RuleIDs:      res.RuleIDs,
		Stage:        res.Stage,
		NoOp:         res.NoOp,
	}); auditErr != nil {
		logger.Error("Failed to write deploy audit line", "error", auditErr)
		err = errors.Join(err, fmt.Errorf("write deploy audit: %w", auditErr))
	}

	e.deps.Metrics.ObserveDeploy(req.Environment, string(res.Outcome), e.now().Sub(start))
	span.SetAttributes(
		attribute.String("deploy.outcome", string(res.Outcome)),
		attribute.String("deploy.stage", string(res.Stage)),
		attribute.Bool("deploy.no_op", res.NoOp),
	)
	telemetry.RecordError(span, err)

	if res.Outcome == outcome.Succeeded && err == nil {
		logger.Info("Deployment succeeded", "no_op", res.NoOp, "duration", e.now().Sub(start))
	} else {
		logger.Warn("Deployment finished", "outcome", res.Outcome, "stage", res.Stage, "rules", res.RuleIDs, "error", err)
	}
	return res, err
}

func reject(res Result, d policy.Decision) (Result, error) {
	res.Outcome = outcome.Rejected
	res.RuleIDs = d.RuleIDs()
	res.Violations = d.Violations
	res.Reason = ReasonPolicyViolation
	return res, d.Err()
}

func manualIntervention(stage outcome.Stage, knownGood string) string {
	if knownGood != "" {
		return fmt.Sprintf("failed at %s before anything was converged; %s is still running", stage, knownGood)
	}
	return fmt.Sprintf("failed at %s with no known-good release to restore; manual intervention required", stage)
}

func restoreFailed(stage outcome.Stage, knownGood string) string {
	return fmt.Sprintf("failed at %s and restoring known-good %s also failed; manual intervention required", stage, knownGood)
}
