// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deploygate/services/gate/fsperm"
)

// rootOwned reports every file as owned by root.
func rootOwned(path string) (fsperm.Info, error) {
	info, err := fsperm.Lstat(path)
	info.UID = 0
	return info, err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chmod(path, 0o644))
	return path
}

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), WithStat(rootOwned))
	require.NoError(t, err)
	assert.Equal(t, Default().Paths, cfg.Paths)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
paths:
  manifests: /srv/gitops
lock:
  deploy_timeout: 45s
deploy:
  verify:
    timeout: 5m
    initial_interval: 1s
    max_interval: 10s
    multiplier: 1.5
routing:
  enabled: false
router:
  validate_argv: [caddy, validate, --config, "{config}"]
  reload_argv: [caddy, reload, --config, "{config}"]
  restart_argv: [systemctl, restart, caddy]
compose:
  compose_argv: [podman-compose]
  image_argv: [podman]
`)
	cfg, err := Load(path, WithStat(rootOwned))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/srv/gitops", cfg.Paths.Manifests)
	assert.Equal(t, Default().Paths.AppDir, cfg.Paths.AppDir)
	assert.False(t, cfg.Routing.Enabled)
	assert.Equal(t, []string{"podman-compose"}, cfg.Compose.ComposeArgv)

	exec := cfg.Executor()
	assert.Equal(t, 45*time.Second, exec.LockTimeout)
	assert.Equal(t, 5*time.Minute, exec.Verify.Timeout)
	assert.Equal(t, 1.5, exec.Verify.Multiplier)
	assert.Equal(t, cfg.Paths.PolicyFile, exec.OverridePath)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "paths:\n  manifest: /srv\n")
	_, err := Load(path, WithStat(rootOwned))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "manifest")
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"level":        "logging:\n  level: loud\n",
		"relative":     "paths:\n  app_dir: apps\n",
		"exporter":     "telemetry:\n  trace_exporter: zipkin\n",
		"otlp":         "telemetry:\n  trace_exporter: otlp\n",
		"live path":    "routing:\n  enabled: true\n  live_path: \"\"\n",
		"concurrency":  "deploy:\n  resolve_concurrency: 0\n",
		"empty argv":   "compose:\n  compose_argv: []\n",
		"listen":       "status_api:\n  listen: loopback\n",
		"max interval": "deploy:\n  verify:\n    initial_interval: 10s\n    max_interval: 1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body), WithStat(rootOwned))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_TTLMustCoverDeployBudget(t *testing.T) {
	def := Default()
	assert.Greater(t, def.Lock.TTL, def.DeployBudget())

	_, err := Load(writeConfig(t, "lock:\n  ttl: 30m\n"), WithStat(rootOwned))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "lock.ttl")

	// Disabling routing removes its phases from the budget.
	body := "lock:\n  ttl: 35m\nrouting:\n  enabled: false\n"
	cfg, err := Load(writeConfig(t, body), WithStat(rootOwned))
	require.NoError(t, err)
	assert.Less(t, cfg.DeployBudget(), 35*time.Minute)

	_, err = Load(writeConfig(t, "lock:\n  ttl: 35m\n"), WithStat(rootOwned))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad_InsecureOwnership(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	_, err := Load(path, WithStat(func(p string) (fsperm.Info, error) {
		info, err := fsperm.Lstat(p)
		info.UID = 1000
		return info, err
	}))
	assert.ErrorIs(t, err, fsperm.ErrInsecure)

	require.NoError(t, os.Chmod(path, 0o666))
	_, err = Load(path, WithStat(rootOwned))
	assert.ErrorIs(t, err, fsperm.ErrInsecure)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""), WithStat(rootOwned))
	require.NoError(t, err)
	assert.Equal(t, Default().Lock, cfg.Lock)
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Routing.SnapshotDir = ""
	cfg.Routing.FragmentDir = ""
	cfg.Routing.LivePath = "/etc/caddy/Caddyfile"

	assert.Equal(t, "/etc/caddy/snapshots", cfg.Reloader().SnapshotDir)
	assert.Equal(t, "/etc/caddy/routes.d", cfg.Fragments().Dir)
	assert.Equal(t, cfg.Lock.Dir, cfg.LockManager().LockDir)
	assert.Equal(t, cfg.Secrets.GroupGID, cfg.SecretsResolver().GroupGID)
}
