// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the gateway configuration file.
package config

import (
	"path/filepath"
	"time"

	"github.com/AleutianAI/deploygate/cmd/deploygate/internal/infra/compose"
	"github.com/AleutianAI/deploygate/cmd/deploygate/internal/infra/router"
	"github.com/AleutianAI/deploygate/pkg/resilience"
	"github.com/AleutianAI/deploygate/services/gate/deploy"
	"github.com/AleutianAI/deploygate/services/gate/lock"
	"github.com/AleutianAI/deploygate/services/gate/routing"
	"github.com/AleutianAI/deploygate/services/gate/secrets"
	"github.com/AleutianAI/deploygate/services/gate/statusapi"
	"github.com/AleutianAI/deploygate/services/gate/telemetry"
)

// DefaultPath is where the gateway looks for its configuration.
const DefaultPath = "/etc/deploygate/config.yaml"

// Config is the whole gateway configuration.
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Paths     PathsConfig      `yaml:"paths"`
	Lock      LockConfig       `yaml:"lock"`
	Deploy    DeployConfig     `yaml:"deploy"`
	Routing   RoutingConfig    `yaml:"routing"`
	Router    router.Config    `yaml:"router"`
	Compose   compose.Config   `yaml:"compose"`
	Secrets   SecretsConfig    `yaml:"secrets"`
	StatusAPI statusapi.Config `yaml:"status_api"`

	// ChildEnv is the complete environment of engine and router commands,
	// apart from PATH.
	ChildEnv []string `yaml:"child_env" validate:"dive,required"`
}

// LoggingConfig selects log level and destinations.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir enables JSON file logs. Empty disables them.
	Dir string `yaml:"dir"`

	// JSON switches stderr to JSON.
	JSON bool `yaml:"json"`
}

// MetricsConfig controls the end-of-invocation textfile.
type MetricsConfig struct {
	// TextfilePath is a node-exporter textfile. Empty disables it.
	TextfilePath string `yaml:"textfile_path"`
}

// PathsConfig locates the gateway's files.
type PathsConfig struct {
	Manifests  string `yaml:"manifests" validate:"required,startswith=/"`
	AppDir     string `yaml:"app_dir" validate:"required,startswith=/"`
	Records    string `yaml:"records" validate:"required,startswith=/"`
	AuditDir   string `yaml:"audit_dir" validate:"required,startswith=/"`
	PolicyFile string `yaml:"policy_override" validate:"required,startswith=/"`
}

// LockConfig holds lease settings.
type LockConfig struct {
	Dir            string        `yaml:"dir" validate:"required,startswith=/"`
	TTL            time.Duration `yaml:"ttl" validate:"gt=0"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	DeployTimeout  time.Duration `yaml:"deploy_timeout" validate:"gte=0"`
	RecordsTimeout time.Duration `yaml:"records_timeout" validate:"gt=0"`
}

// PollConfig is a backoff poll in file form.
type PollConfig struct {
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`
	Multiplier      float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter          float64       `yaml:"jitter" validate:"gte=0,lt=1"`
}

// Backoff converts p.
func (p PollConfig) Backoff() resilience.BackoffConfig {
	return resilience.BackoffConfig{
		Timeout:         p.Timeout,
		InitialInterval: p.InitialInterval,
		MaxInterval:     p.MaxInterval,
		Multiplier:      p.Multiplier,
		Jitter:          p.Jitter,
	}
}

func pollFrom(b resilience.BackoffConfig) PollConfig {
	return PollConfig{
		Timeout:         b.Timeout,
		InitialInterval: b.InitialInterval,
		MaxInterval:     b.MaxInterval,
		Multiplier:      b.Multiplier,
		Jitter:          b.Jitter,
	}
}

// DeployConfig holds executor timeouts.
type DeployConfig struct {
	ResolveTimeout     time.Duration `yaml:"resolve_timeout" validate:"gt=0"`
	ResolveConcurrency int           `yaml:"resolve_concurrency" validate:"min=1,max=32"`
	ConvergeTimeout    time.Duration `yaml:"converge_timeout" validate:"gt=0"`
	Verify             PollConfig    `yaml:"verify"`
}

// RoutingConfig locates the shared routing configuration.
type RoutingConfig struct {
	// Enabled wires the routing process. Releases that ship routes are
	// rejected while it is off.
	Enabled bool `yaml:"enabled"`

	LivePath      string `yaml:"live_path" validate:"required_if=Enabled true,omitempty,startswith=/"`
	SnapshotDir   string `yaml:"snapshot_dir" validate:"omitempty,startswith=/"`
	BasePath      string `yaml:"base_path" validate:"omitempty,startswith=/"`
	FragmentDir   string `yaml:"fragment_dir" validate:"omitempty,startswith=/"`
	KeepSnapshots int    `yaml:"keep_snapshots" validate:"min=1"`

	LockTimeout     time.Duration `yaml:"lock_timeout" validate:"gte=0"`
	ValidateTimeout time.Duration `yaml:"validate_timeout" validate:"gt=0"`
	ReloadTimeout   time.Duration `yaml:"reload_timeout" validate:"gt=0"`
	RestartTimeout  time.Duration `yaml:"restart_timeout" validate:"gt=0"`
	Probe           PollConfig    `yaml:"probe"`
}

// SecretsConfig locates the secrets tree.
type SecretsConfig struct {
	Root       string `yaml:"root" validate:"required,startswith=/"`
	GroupGID   uint32 `yaml:"group_gid"`
	KeyFile    string `yaml:"key_file" validate:"omitempty,startswith=/"`
	RuntimeDir string `yaml:"runtime_dir" validate:"required,startswith=/"`
}

// Default returns the production configuration.
func Default() Config {
	exec := deploy.DefaultConfig()
	locks := lock.DefaultManagerConfig()
	rt := routing.DefaultConfig("/etc/caddy/Caddyfile")

	return Config{
		Logging:   LoggingConfig{Level: "info", Dir: "/var/log/deploygate"},
		Telemetry: telemetry.DefaultConfig(),
		Metrics:   MetricsConfig{TextfilePath: "/var/lib/node_exporter/textfile_collector/deploygate.prom"},
		Paths: PathsConfig{
			Manifests:  "/srv/deploygate/manifests",
			AppDir:     exec.AppDir,
			Records:    "/var/lib/deploygate/records",
			AuditDir:   "/var/log/deploygate/audit",
			PolicyFile: exec.OverridePath,
		},
		Lock: LockConfig{
			Dir:            locks.LockDir,
			TTL:            locks.DefaultTTL,
			PollInterval:   locks.PollInterval,
			DeployTimeout:  exec.LockTimeout,
			RecordsTimeout: 30 * time.Second,
		},
		Deploy: DeployConfig{
			ResolveTimeout:     exec.ResolveTimeout,
			ResolveConcurrency: exec.ResolveConcurrency,
			ConvergeTimeout:    exec.ConvergeTimeout,
			Verify:             pollFrom(exec.Verify),
		},
		Routing: RoutingConfig{
			Enabled:         true,
			LivePath:        rt.LivePath,
			SnapshotDir:     "/var/lib/deploygate/routing/snapshots",
			BasePath:        "/etc/deploygate/routing/base.caddyfile",
			FragmentDir:     "/var/lib/deploygate/routing/fragments",
			KeepSnapshots:   rt.KeepSnapshots,
			LockTimeout:     rt.LockTimeout,
			ValidateTimeout: rt.ValidateTimeout,
			ReloadTimeout:   rt.ReloadTimeout,
			RestartTimeout:  rt.RestartTimeout,
			Probe:           pollFrom(rt.Probe),
		},
		Router:  router.DefaultConfig(),
		Compose: compose.DefaultConfig(),
		Secrets: SecretsConfig{
			Root:       "/etc/deploygate/secrets",
			GroupGID:   990,
			RuntimeDir: "/run/deploygate",
		},
		StatusAPI: statusapi.DefaultConfig(),
		ChildEnv:  []string{"LANG=C.UTF-8", "HOME=/var/lib/deploygate"},
	}
}

// =============================================================================
// Component configurations
// =============================================================================

// LockManager returns the lock manager configuration.
func (c Config) LockManager() lock.ManagerConfig {
	return lock.ManagerConfig{LockDir: c.Lock.Dir, DefaultTTL: c.Lock.TTL, PollInterval: c.Lock.PollInterval}
}

// DeployBudget is the longest a deployment can hold its lease: every
// phase timeout of a forward apply, a routing apply with compensation and
// a rollback, plus the records lease waits in between. The lease TTL must
// exceed it, or a live deployment could have its lease broken.
func (c Config) DeployBudget() time.Duration {
	verify := c.Deploy.ConvergeTimeout + c.Deploy.Verify.Timeout
	budget := c.Deploy.ResolveTimeout + 2*verify + 4*c.Lock.RecordsTimeout
	if c.Routing.Enabled {
		r := c.Routing
		budget += r.LockTimeout + 2*r.ValidateTimeout + 2*(r.ReloadTimeout+r.RestartTimeout+r.Probe.Timeout)
	}
	return budget
}

// Executor returns the deployment executor configuration.
func (c Config) Executor() deploy.Config {
	return deploy.Config{
		AppDir:             c.Paths.AppDir,
		OverridePath:       c.Paths.PolicyFile,
		LockTimeout:        c.Lock.DeployTimeout,
		ResolveTimeout:     c.Deploy.ResolveTimeout,
		ResolveConcurrency: c.Deploy.ResolveConcurrency,
		ConvergeTimeout:    c.Deploy.ConvergeTimeout,
		Verify:             c.Deploy.Verify.Backoff(),
	}
}

// Reloader returns the config reloader configuration.
func (c Config) Reloader() routing.Config {
	snapshots := c.Routing.SnapshotDir
	if snapshots == "" {
		snapshots = filepath.Join(filepath.Dir(c.Routing.LivePath), "snapshots")
	}
	return routing.Config{
		LivePath:        c.Routing.LivePath,
		SnapshotDir:     snapshots,
		KeepSnapshots:   c.Routing.KeepSnapshots,
		LockTimeout:     c.Routing.LockTimeout,
		ValidateTimeout: c.Routing.ValidateTimeout,
		ReloadTimeout:   c.Routing.ReloadTimeout,
		RestartTimeout:  c.Routing.RestartTimeout,
		Probe:           c.Routing.Probe.Backoff(),
	}
}

// Fragments returns the route fragment layout.
func (c Config) Fragments() routing.Fragments {
	dir := c.Routing.FragmentDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(c.Routing.LivePath), "routes.d")
	}
	return routing.Fragments{Dir: dir, Base: c.Routing.BasePath}
}

// SecretsResolver returns the secrets resolver configuration.
func (c Config) SecretsResolver() secrets.Config {
	return secrets.Config{
		Root:       c.Secrets.Root,
		GroupGID:   c.Secrets.GroupGID,
		KeyFile:    c.Secrets.KeyFile,
		RuntimeDir: c.Secrets.RuntimeDir,
	}
}
