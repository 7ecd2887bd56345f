// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router drives the routing process (Caddy by default) through
// configurable command templates and probes it over HTTP.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/deploygate/cmd/deploygate/internal/infra/process"
)

// ConfigPlaceholder in an argv template is replaced by the config path.
const ConfigPlaceholder = "{config}"

// ErrProbeFailed is returned when a probe URL answers with the wrong status.
var ErrProbeFailed = errors.New("routing probe failed")

// Config holds the command templates and probe targets.
type Config struct {
	// ValidateArgv checks a config file. Must contain {config}.
	ValidateArgv []string `yaml:"validate_argv" validate:"required,min=1"`

	// ReloadArgv applies a config file without dropping connections.
	ReloadArgv []string `yaml:"reload_argv" validate:"required,min=1"`

	// RestartArgv hard-restarts the routing process.
	RestartArgv []string `yaml:"restart_argv" validate:"required,min=1"`

	// ProbeURLs must all answer ExpectedStatus for Probe to pass.
	ProbeURLs []string `yaml:"probe_urls" validate:"dive,url"`

	// ExpectedStatus is the healthy HTTP status. Zero accepts any 2xx.
	ExpectedStatus int `yaml:"expected_status" validate:"omitempty,min=100,max=599"`

	// ProbeTimeout bounds one HTTP request.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// DefaultConfig returns templates for a systemd-managed Caddy with its
// admin API on localhost.
func DefaultConfig() Config {
	return Config{
		ValidateArgv:   []string{"caddy", "validate", "--config", ConfigPlaceholder, "--adapter", "caddyfile"},
		ReloadArgv:     []string{"caddy", "reload", "--config", ConfigPlaceholder, "--adapter", "caddyfile"},
		RestartArgv:    []string{"systemctl", "restart", "caddy"},
		ProbeURLs:      []string{"http://localhost:2019/config/"},
		ExpectedStatus: http.StatusOK,
		ProbeTimeout:   5 * time.Second,
	}
}

// HTTPClient is the subset of *http.Client used for probes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Router implements the routing port.
//
// # Thread Safety
//
// Safe for concurrent use; callers serialize applies with the routing lease.
type Router struct {
	cfg    Config
	runner process.Runner
	client HTTPClient
}

// Option configures a Router.
type Option func(*Router)

// WithHTTPClient replaces the probe client.
func WithHTTPClient(c HTTPClient) Option {
	return func(r *Router) { r.client = c }
}

// New creates a Router.
func New(cfg Config, runner process.Runner, opts ...Option) (*Router, error) {
	for name, argv := range map[string][]string{
		"validate": cfg.ValidateArgv,
		"reload":   cfg.ReloadArgv,
		"restart":  cfg.RestartArgv,
	} {
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("router: %s command is empty", name)
		}
	}
	if !hasPlaceholder(cfg.ValidateArgv) {
		return nil, fmt.Errorf("router: validate command must contain %s", ConfigPlaceholder)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	r := &Router{
		cfg:    cfg,
		runner: runner,
		client: &http.Client{
			Timeout:   cfg.ProbeTimeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Validate runs the validate template against path.
func (r *Router) Validate(ctx context.Context, path string) error {
	if _, err := r.runner.Run(ctx, expand(r.cfg.ValidateArgv, path)); err != nil {
		return fmt.Errorf("validate routing config: %w", err)
	}
	return nil
}

// Reload runs the reload template against path.
func (r *Router) Reload(ctx context.Context, path string) error {
	if _, err := r.runner.Run(ctx, expand(r.cfg.ReloadArgv, path)); err != nil {
		return fmt.Errorf("reload routing process: %w", err)
	}
	return nil
}

// Restart runs the restart template.
func (r *Router) Restart(ctx context.Context) error {
	if _, err := r.runner.Run(ctx, expand(r.cfg.RestartArgv, "")); err != nil {
		return fmt.Errorf("restart routing process: %w", err)
	}
	return nil
}

// Probe checks every probe URL once. No URLs always passes.
func (r *Router) Probe(ctx context.Context) error {
	var errs []error
	for _, u := range r.cfg.ProbeURLs {
		if err := r.probeOne(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) probeOne(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if !r.healthy(resp.StatusCode) {
		return fmt.Errorf("%w: %s answered HTTP %d", ErrProbeFailed, url, resp.StatusCode)
	}
	return nil
}

func (r *Router) healthy(code int) bool {
	if r.cfg.ExpectedStatus == 0 {
		return code >= 200 && code < 300
	}
	return code == r.cfg.ExpectedStatus
}

func expand(argv []string, path string) process.Command {
	args := make([]string, 0, len(argv)-1)
	for _, a := range argv[1:] {
		args = append(args, strings.ReplaceAll(a, ConfigPlaceholder, path))
	}
	return process.Command{Name: argv[0], Args: args}
}

func hasPlaceholder(argv []string) bool {
	for _, a := range argv {
		if strings.Contains(a, ConfigPlaceholder) {
			return true
		}
	}
	return false
}
