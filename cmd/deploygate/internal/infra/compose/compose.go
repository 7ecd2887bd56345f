// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose implements the container engine port over the docker
// compose CLI.
package compose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/deploygate/cmd/deploygate/internal/infra/process"
	"github.com/AleutianAI/deploygate/services/gate/deploy"
)

// ErrNoDigest is returned when an image has no registry digest after pull.
var ErrNoDigest = errors.New("no registry digest for image")

// =============================================================================
// Configuration
// =============================================================================

// Config selects the engine binaries and the converge flags.
type Config struct {
	// ComposeArgv is the compose entry point, e.g. ["docker", "compose"].
	ComposeArgv []string `yaml:"compose_argv" validate:"required,min=1"`

	// ImageArgv is the image CLI used for pull and inspect, e.g. ["docker"].
	ImageArgv []string `yaml:"image_argv" validate:"required,min=1"`

	// UpArgs follow "up" on converge.
	UpArgs []string `yaml:"up_args"`

	// Env is added to every engine invocation.
	Env []string `yaml:"env"`
}

// DefaultConfig returns the docker compose v2 CLI.
func DefaultConfig() Config {
	return Config{
		ComposeArgv: []string{"docker", "compose"},
		ImageArgv:   []string{"docker"},
		UpArgs:      []string{"--detach", "--remove-orphans", "--quiet-pull"},
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine drives compose projects through a process.Runner.
//
// # Thread Safety
//
// Safe for concurrent use. Converges of one project are serialized by the
// deploy lease held by the caller.
type Engine struct {
	cfg    Config
	runner process.Runner
}

var _ deploy.Engine = (*Engine)(nil)

// New creates an Engine.
func New(cfg Config, runner process.Runner) (*Engine, error) {
	if len(cfg.ComposeArgv) == 0 || len(cfg.ImageArgv) == 0 {
		return nil, errors.New("compose: compose_argv and image_argv are required")
	}
	if runner == nil {
		return nil, errors.New("compose: runner is required")
	}
	return &Engine{cfg: cfg, runner: runner}, nil
}

// ResolveDigest pulls image and returns the digest the registry served.
//
// # Description
//
// The pull makes the registry the source of truth for mutable tags; the
// digest is then read from the local image's RepoDigests, choosing the
// entry for image's repository.
//
// # Outputs
//
//   - string: "sha256:<hex>".
//   - error: a wrapped *process.CommandError, or ErrNoDigest.
func (e *Engine) ResolveDigest(ctx context.Context, image string) (string, error) {
	if _, err := e.run(ctx, e.imageCommand("pull", "--quiet", image)); err != nil {
		return "", fmt.Errorf("pull %s: %w", image, err)
	}
	out, err := e.run(ctx, e.imageCommand("image", "inspect", "--format", "{{json .RepoDigests}}", image))
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", image, err)
	}
	return pickDigest(image, out)
}

// Converge brings project p to its engine file.
func (e *Engine) Converge(ctx context.Context, p deploy.Project) error {
	args := append([]string{"up"}, e.cfg.UpArgs...)
	if _, err := e.run(ctx, e.composeCommand(p, args...)); err != nil {
		return fmt.Errorf("compose up: %w", err)
	}
	return nil
}

// Status lists the containers of project p.
func (e *Engine) Status(ctx context.Context, p deploy.Project) ([]deploy.ServiceStatus, error) {
	out, err := e.run(ctx, e.composeCommand(p, "ps", "--all", "--format", "json"))
	if err != nil {
		return nil, fmt.Errorf("compose ps: %w", err)
	}
	return parseStatus(out)
}

func (e *Engine) run(ctx context.Context, c process.Command) ([]byte, error) {
	c.Env = append(c.Env, e.cfg.Env...)
	return e.runner.Run(ctx, c)
}

func (e *Engine) imageCommand(args ...string) process.Command {
	argv := append(append([]string{}, e.cfg.ImageArgv...), args...)
	return process.Command{Name: argv[0], Args: argv[1:]}
}

func (e *Engine) composeCommand(p deploy.Project, args ...string) process.Command {
	argv := append([]string{}, e.cfg.ComposeArgv...)
	argv = append(argv, "--project-name", p.Name, "--project-directory", p.Dir, "--file", p.File)
	argv = append(argv, args...)
	return process.Command{Name: argv[0], Args: argv[1:], Dir: p.Dir}
}

// =============================================================================
// Output parsing
// =============================================================================

// pickDigest selects image's repository entry from a RepoDigests JSON list.
func pickDigest(image string, out []byte) (string, error) {
	var repoDigests []string
	if err := json.Unmarshal(bytes.TrimSpace(out), &repoDigests); err != nil {
		return "", fmt.Errorf("parse RepoDigests of %s: %w", image, err)
	}
	want := normalizeRepo(repoName(image))
	for _, rd := range repoDigests {
		repo, digest, ok := strings.Cut(rd, "@")
		if ok && normalizeRepo(repo) == want {
			return digest, nil
		}
	}
	if len(repoDigests) == 1 {
		if _, digest, ok := strings.Cut(repoDigests[0], "@"); ok {
			return digest, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoDigest, image)
}

// repoName strips the tag and digest from an image reference.
func repoName(image string) string {
	if i := strings.Index(image, "@"); i >= 0 {
		image = image[:i]
	}
	slash := strings.LastIndex(image, "/")
	if colon := strings.LastIndex(image, ":"); colon > slash {
		image = image[:colon]
	}
	return image
}

// normalizeRepo expands Docker Hub short names the way the engine reports
// them.
func normalizeRepo(repo string) string {
	first, _, found := strings.Cut(repo, "/")
	if !found {
		return "docker.io/library/" + repo
	}
	if !strings.ContainsAny(first, ".:") && first != "localhost" {
		return "docker.io/" + repo
	}
	return repo
}

type psEntry struct {
	Service string `json:"Service"`
	Name    string `json:"Name"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

// parseStatus accepts both output shapes of "compose ps --format json": a
// JSON array (older releases) and one object per line.
func parseStatus(out []byte) ([]deploy.ServiceStatus, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}

	var entries []psEntry
	if out[0] == '[' {
		if err := json.Unmarshal(out, &entries); err != nil {
			return nil, fmt.Errorf("parse compose ps: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(out))
		for dec.More() {
			var e psEntry
			if err := dec.Decode(&e); err != nil {
				return nil, fmt.Errorf("parse compose ps: %w", err)
			}
			entries = append(entries, e)
		}
	}

	statuses := make([]deploy.ServiceStatus, 0, len(entries))
	for _, e := range entries {
		svc := e.Service
		if svc == "" {
			svc = e.Name
		}
		statuses = append(statuses, deploy.ServiceStatus{
			Service: svc,
			State:   strings.ToLower(e.State),
			Health:  strings.ToLower(e.Health),
		})
	}
	return statuses, nil
}
