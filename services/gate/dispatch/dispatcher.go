// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch is the only entry point of the restricted caller. It
// parses one command line, runs the matching operation and relays a single
// outcome line and exit code.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/deploygate/services/gate/audit"
	"github.com/AleutianAI/deploygate/services/gate/deploy"
	"github.com/AleutianAI/deploygate/services/gate/manifest"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
	"github.com/AleutianAI/deploygate/services/gate/records"
	"github.com/AleutianAI/deploygate/services/gate/telemetry"
)

var tracer = otel.Tracer("github.com/AleutianAI/deploygate/services/gate/dispatch")

const truncatedMark = " [truncated]"

// Audit outcomes for invocations that are not a single deployment.
const (
	AuditUsage    = "usage"
	AuditInternal = "internal-error"
)

// Deployer runs one deployment.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

// Tree lists the workloads of an environment and their desired versions.
type Tree interface {
	Workloads(env string) ([]string, error)
	Desired(env, workload string) (string, error)
}

var (
	_ Deployer = (*deploy.Executor)(nil)
	_ Tree     = manifest.Tree{}
)

// Deps are the dispatcher's collaborators.
type Deps struct {
	Deployer Deployer
	Tree     Tree
	Records  records.Store
	Audit    audit.Logger
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger

	// Out receives the outcome lines relayed to the caller.
	Out io.Writer
}

// Dispatcher maps command lines to operations.
//
// # Thread Safety
//
// Safe for concurrent use. One invocation of the binary runs one Dispatch.
type Dispatcher struct {
	deps Deps

	// StatusRecords is how many recent records status prints per workload.
	StatusRecords int

	now func() time.Time
}

// New creates a Dispatcher.
func New(deps Deps) (*Dispatcher, error) {
	if deps.Deployer == nil || deps.Tree == nil || deps.Records == nil {
		return nil, errors.New("dispatch: deployer, tree and records are required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.NopLogger{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Out == nil {
		deps.Out = io.Discard
	}
	return &Dispatcher{deps: deps, StatusRecords: 5, now: time.Now}, nil
}

// Dispatch parses and runs line on behalf of caller and returns the exit
// code to relay.
//
// # Description
//
// Exactly one dispatch audit line is written per call, including refused
// input. Only outcome lines reach Out; errors are logged, never relayed.
//
// # Example
//
//	code := d.Dispatch(ctx, "ci@runner", os.Getenv("SSH_ORIGINAL_COMMAND"))
//	os.Exit(code)
func (d *Dispatcher) Dispatch(ctx context.Context, caller, line string) int {
	ctx, span := tracer.Start(ctx, "dispatch")
	defer span.End()

	logger := d.deps.Logger.With("caller", caller)

	cmd, err := Parse(line)
	if err != nil {
		logger.Warn("Refused command", "reason", err)
		fmt.Fprintln(d.deps.Out, "usage: sync <env> | deploy <env> <workload>@<version> | status <env>")
		return d.audit(ctx, logger, caller, line, "invalid", AuditUsage, outcome.ExitUsage)
	}
	span.SetAttributes(attribute.String("dispatch.verb", cmd.Verb), attribute.String("dispatch.environment", cmd.Environment))
	logger = logger.With("command", cmd.String())
	logger.Info("Dispatching command")

	var code int
	var result string
	switch cmd.Verb {
	case VerbDeploy:
		code, result = d.deploy(ctx, caller, cmd.Environment, cmd.Workload, cmd.Version)
	case VerbSync:
		code, result = d.sync(ctx, logger, caller, cmd.Environment)
	case VerbStatus:
		code, result = d.status(ctx, logger, cmd.Environment)
	}
	span.SetAttributes(attribute.Int("dispatch.exit_code", code))
	return d.audit(ctx, logger, caller, line, cmd.Verb, result, code)
}

func (d *Dispatcher) audit(ctx context.Context, logger *slog.Logger, caller, line, verb, result string, code int) int {
	d.deps.Metrics.ObserveDispatch(verb, code)
	err := d.deps.Audit.Dispatch(context.WithoutCancel(ctx), audit.DispatchEvent{
		Timestamp: d.now().UTC(),
		Caller:    caller,
		Command:   clip(line),
		Outcome:   result,
		ExitCode:  code,
	})
	if err != nil {
		logger.Error("Failed to write dispatch audit line", "error", err)
		if code == outcome.ExitOK {
			return outcome.ExitInternal
		}
	}
	return code
}

// clip bounds an audited command line to MaxLineLen bytes, cut on a rune
// boundary, and marks the cut.
func clip(line string) string {
	if len(line) <= MaxLineLen {
		return line
	}
	cut := MaxLineLen
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + truncatedMark
}

// deploy runs one deployment and prints its outcome line.
func (d *Dispatcher) deploy(ctx context.Context, caller, env, workload, version string) (int, string) {
	res, err := d.deps.Deployer.Deploy(ctx, deploy.Request{
		Environment: env,
		Workload:    workload,
		Version:     version,
		Caller:      caller,
	})
	code := outcome.ExitCodeFor(res.Outcome, err)
	if err != nil {
		d.deps.Logger.Warn("Deployment did not succeed", "ref", res.Ref, "outcome", res.Outcome, "exit_code", code, "error", err)
	}
	fmt.Fprintln(d.deps.Out, outcomeLine(env, res, code))
	return code, string(res.Outcome)
}

// sync deploys the desired version of every workload, one at a time, and
// returns the most severe exit code.
func (d *Dispatcher) sync(ctx context.Context, logger *slog.Logger, caller, env string) (int, string) {
	workloads, err := d.deps.Tree.Workloads(env)
	if err != nil {
		logger.Error("Failed to list workloads", "error", err)
		fmt.Fprintf(d.deps.Out, "%s: internal error\n", env)
		return outcome.ExitInternal, AuditInternal
	}

	worst, result := outcome.ExitOK, string(outcome.Succeeded)
	deployed := 0
	for _, wl := range workloads {
		version, err := d.deps.Tree.Desired(env, wl)
		if errors.Is(err, manifest.ErrNotFound) {
			logger.Info("Skipping workload without a desired version", "workload", wl)
			continue
		}
		code, res := outcome.ExitRejected, string(outcome.Rejected)
		if err != nil {
			logger.Warn("Unreadable desired version", "workload", wl, "error", err)
			fmt.Fprintf(d.deps.Out, "%s %s rejected reason=desired-version-invalid\n", env, wl)
		} else {
			code, res = d.deploy(ctx, caller, env, wl, version)
			deployed++
		}
		if outcome.Severity(code) > outcome.Severity(worst) {
			worst, result = code, res
		}
	}
	if deployed == 0 && worst == outcome.ExitOK {
		fmt.Fprintf(d.deps.Out, "%s: nothing to sync\n", env)
	}
	return worst, result
}

// status prints applied and known-good refs plus recent records per
// workload. It takes no deploy lease.
func (d *Dispatcher) status(ctx context.Context, logger *slog.Logger, env string) (int, string) {
	states, err := d.deps.Records.States(ctx, env)
	if err != nil {
		logger.Error("Failed to read workload states", "error", err)
		fmt.Fprintf(d.deps.Out, "%s: status store unreadable\n", env)
		return outcome.ExitInternal, AuditInternal
	}
	if len(states) == 0 {
		fmt.Fprintf(d.deps.Out, "%s: no deployments\n", env)
		return outcome.ExitOK, string(outcome.Succeeded)
	}
	for _, st := range states {
		fmt.Fprintf(d.deps.Out, "%s %s applied=%s known_good=%s\n",
			env, st.Workload, orNone(st.AppliedRef), orNone(st.KnownGoodRef))
		recs, err := d.deps.Records.List(ctx, env, st.Workload, d.StatusRecords)
		if err != nil {
			logger.Error("Failed to list records", "workload", st.Workload, "error", err)
			return outcome.ExitInternal, AuditInternal
		}
		for _, r := range recs {
			fmt.Fprintf(d.deps.Out, "  %s %s %s%s\n", r.Timestamp.UTC().Format(time.RFC3339), r.Ref, r.Outcome, details(r.Stage, r.RuleIDs, r.NoOp))
		}
	}
	return outcome.ExitOK, string(outcome.Succeeded)
}

// outcomeLine is the single line relayed for one deployment.
func outcomeLine(env string, res deploy.Result, code int) string {
	line := fmt.Sprintf("%s %s %s%s", env, res.Ref, res.Outcome, details(res.Stage, res.RuleIDs, res.NoOp))
	if res.Reason != "" && len(res.RuleIDs) == 0 {
		line += fmt.Sprintf(" reason=%q", res.Reason)
	}
	return fmt.Sprintf("%s exit=%d id=%s", line, code, res.DeploymentID)
}

func details(stage outcome.Stage, rules []string, noop bool) string {
	var b strings.Builder
	if noop {
		b.WriteString(" no-op")
	}
	if stage != "" {
		b.WriteString(" stage=" + string(stage))
	}
	if len(rules) > 0 {
		b.WriteString(" rules=" + strings.Join(rules, ","))
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
