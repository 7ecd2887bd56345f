// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import (
	"context"
	"time"

	"github.com/AleutianAI/deploygate/services/gate/lock"
	"github.com/AleutianAI/deploygate/services/gate/routing"
	"github.com/AleutianAI/deploygate/services/gate/secrets"
)

// =============================================================================
// Container engine port
// =============================================================================

// Project identifies one converged workload to the container engine.
type Project struct {
	// Name is the engine's project name, "<env>-<workload>".
	Name string

	// Dir is the project directory relative paths resolve against.
	Dir string

	// File is the rendered compose file handed to the engine.
	File string
}

// ServiceStatus is the engine's view of one service.
type ServiceStatus struct {
	Service string
	State   string // e.g. "running", "exited", "restarting"
	Health  string // "", "starting", "healthy" or "unhealthy"
}

// Engine drives the container engine.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// ResolveDigest returns the content digest ("sha256:...") the image
	// reference currently points to.
	ResolveDigest(ctx context.Context, image string) (string, error)

	// Converge brings the project to the state described by its file.
	Converge(ctx context.Context, p Project) error

	// Status reports every service of the project.
	Status(ctx context.Context, p Project) ([]ServiceStatus, error)
}

// =============================================================================
// Collaborators
// =============================================================================

// Leaser is the part of the lock manager the executor needs.
type Leaser interface {
	Acquire(ctx context.Context, key, holder string, timeout time.Duration) (*lock.Lease, error)
	Release(lease *lock.Lease) error
}

// Routes installs route fragments through the config reloader.
type Routes interface {
	CheckFragment(ctx context.Context, k routing.FragmentKey, fragment []byte) error
	ApplyFragment(ctx context.Context, k routing.FragmentKey, fragment []byte) (routing.Result, error)
}

// SecretSource opens a per-deployment secrets session.
type SecretSource interface {
	Open(deploymentID string) (*secrets.Session, error)
}

var (
	_ Leaser       = (*lock.Manager)(nil)
	_ Routes       = (*routing.Reloader)(nil)
	_ SecretSource = (*secrets.Resolver)(nil)
)
