// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AleutianAI/deploygate/cmd/deploygate/config"
	"github.com/AleutianAI/deploygate/cmd/deploygate/internal/infra/compose"
	"github.com/AleutianAI/deploygate/cmd/deploygate/internal/infra/process"
	"github.com/AleutianAI/deploygate/cmd/deploygate/internal/infra/router"
	"github.com/AleutianAI/deploygate/pkg/logging"
	"github.com/AleutianAI/deploygate/services/gate/audit"
	"github.com/AleutianAI/deploygate/services/gate/deploy"
	"github.com/AleutianAI/deploygate/services/gate/dispatch"
	"github.com/AleutianAI/deploygate/services/gate/lock"
	"github.com/AleutianAI/deploygate/services/gate/manifest"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
	"github.com/AleutianAI/deploygate/services/gate/records"
	"github.com/AleutianAI/deploygate/services/gate/routing"
	"github.com/AleutianAI/deploygate/services/gate/secrets"
	store "github.com/AleutianAI/deploygate/services/gate/storage/badger"
	"github.com/AleutianAI/deploygate/services/gate/telemetry"
	policy "github.com/AleutianAI/deploygate/services/policy_engine"
)

// app holds what one invocation builds from the configuration.
type app struct {
	cfg     config.Config
	log     *logging.Logger
	metrics *telemetry.Metrics
	leases  *lock.Manager
	records records.Store
	holder  string

	stopTracing func(context.Context) error
}

type appOptions struct {
	// quietConsole keeps logs off stderr, which an SSH client would see.
	quietConsole bool
	stderr       io.Writer
}

// newApp loads the configuration and builds the shared collaborators.
// Every error is a gateway configuration problem.
func newApp(ctx context.Context, flags *globalFlags, opts appOptions) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, exitWith(outcome.ExitInternal, err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, exitWith(outcome.ExitInternal, err)
	}
	if flags.verbose {
		level = logging.LevelDebug
	}
	log := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "deploygate",
		JSON:    cfg.Logging.JSON,
		Quiet:   opts.quietConsole && !flags.verbose,
		Output:  opts.stderr,
	})

	a := &app{cfg: cfg, log: log, holder: fmt.Sprintf("deploygate/%d", os.Getpid())}
	fail := func(err error) (*app, error) {
		a.close(ctx)
		return nil, exitWith(outcome.ExitInternal, err)
	}

	tcfg := cfg.Telemetry
	tcfg.ServiceVersion = version
	if a.stopTracing, err = telemetry.Init(ctx, tcfg); err != nil {
		return fail(fmt.Errorf("init tracing: %w", err))
	}
	if a.metrics, err = telemetry.NewMetrics(); err != nil {
		return fail(fmt.Errorf("init metrics: %w", err))
	}
	if a.leases, err = lock.NewManager(cfg.LockManager(), lock.WithLogger(log.Slog())); err != nil {
		return fail(fmt.Errorf("init lock manager: %w", err))
	}

	dbCfg := store.DefaultConfig(cfg.Paths.Records)
	dbCfg.Logger = log.Slog()
	a.records = records.NewGuarded(dbCfg, a.leases, a.holder, cfg.Lock.RecordsTimeout, log.Slog())
	return a, nil
}

// close flushes metrics to the textfile and stops telemetry.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if a.metrics != nil {
		if path := a.cfg.Metrics.TextfilePath; path != "" {
			if err := a.metrics.WriteTextfile(path); err != nil {
				a.log.Warn("Failed to write metrics textfile", "path", path, "error", err)
			}
		}
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.log.Debug("Metrics shutdown", "error", err)
		}
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.log.Debug("Tracing shutdown", "error", err)
		}
	}
	a.log.Close()
}

func (a *app) runner() process.Runner {
	return process.NewExecRunner(a.cfg.ChildEnv)
}

// reloader builds the config reloader, or nil when routing is disabled.
func (a *app) reloader(runner process.Runner) (*routing.Reloader, error) {
	if !a.cfg.Routing.Enabled {
		return nil, nil
	}
	rt, err := router.New(a.cfg.Router, runner)
	if err != nil {
		return nil, fmt.Errorf("init router: %w", err)
	}
	return routing.NewReloader(a.cfg.Reloader(), rt, a.leases, a.holder,
		routing.WithLogger(a.log.Slog()),
		routing.WithMetrics(a.metrics),
		routing.WithFragments(a.cfg.Fragments()),
	)
}

// dispatcher wires the full deployment path.
func (a *app) dispatcher(out io.Writer) (*dispatch.Dispatcher, error) {
	logger := a.log.Slog()
	runner := a.runner()

	engine, err := compose.New(a.cfg.Compose, runner)
	if err != nil {
		return nil, err
	}
	rules, err := policy.NewPolicyEngine()
	if err != nil {
		return nil, fmt.Errorf("load policy rules: %w", err)
	}
	resolver, err := secrets.NewResolver(a.cfg.SecretsResolver(), secrets.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewFileLogger(a.cfg.Paths.AuditDir)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	tree := manifest.Tree{Root: a.cfg.Paths.Manifests}
	deps := deploy.Deps{
		Tree:    tree,
		Policy:  rules,
		Secrets: resolver,
		Leases:  a.leases,
		Engine:  engine,
		Records: a.records,
		Audit:   auditLog,
		Metrics: a.metrics,
		Logger:  logger,
	}
	reloader, err := a.reloader(runner)
	if err != nil {
		return nil, err
	}
	if reloader != nil {
		deps.Routes = reloader
	}

	exec, err := deploy.New(a.cfg.Executor(), deps)
	if err != nil {
		return nil, err
	}
	return dispatch.New(dispatch.Deps{
		Deployer: exec,
		Tree:     tree,
		Records:  a.records,
		Audit:    auditLog,
		Metrics:  a.metrics,
		Logger:   logger,
		Out:      out,
	})
}

var errRoutingDisabled = errors.New("routing is disabled in the configuration")
