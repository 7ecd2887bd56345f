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
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/deploygate/pkg/resilience"
	"github.com/AleutianAI/deploygate/services/gate/manifest"
)

var digestPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)

// pin resolves every unpinned image of w to a digest, in parallel, and
// returns service name to "registry/repository@digest". Services without
// an image (build only) and images already pinned are left as written.
func (e *Executor) pin(ctx context.Context, w *manifest.Workload) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "deploy.pin")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ResolveTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ResolveConcurrency)

	var mu sync.Mutex
	images := make(map[string]string)
	for _, svc := range w.Services {
		if svc.Image.IsZero() || svc.Image.Pinned() {
			continue
		}
		g.Go(func() error {
			digest, err := e.deps.Engine.ResolveDigest(gctx, svc.Image.Original)
			if err != nil {
				return fmt.Errorf("resolve image %s of service %s: %w", svc.Image.Original, svc.Name, err)
			}
			digest = strings.TrimSpace(digest)
			if !digestPattern.MatchString(digest) {
				return fmt.Errorf("resolve image %s of service %s: unexpected digest %q", svc.Image.Original, svc.Name, digest)
			}
			mu.Lock()
			images[svc.Name] = svc.Image.WithDigest(digest)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// verify polls the engine until every service of w is running and, where a
// health check is declared, healthy.
func (e *Executor) verify(ctx context.Context, w *manifest.Workload, p Project) error {
	ctx, span := tracer.Start(ctx, "deploy.verify")
	defer span.End()

	return resilience.Poll(ctx, e.cfg.Verify, func(ctx context.Context) (bool, error) {
		statuses, err := e.deps.Engine.Status(ctx, p)
		if err != nil {
			return false, fmt.Errorf("engine status: %w", err)
		}
		if pending := unready(w, statuses); len(pending) > 0 {
			return false, fmt.Errorf("services not ready: %s", strings.Join(pending, ", "))
		}
		return true, nil
	})
}

// unready lists "service (state/health)" for every service of w that is
// not yet up, sorted. A replicated service is as ready as its worst
// container.
func unready(w *manifest.Workload, statuses []ServiceStatus) []string {
	byName := make(map[string]ServiceStatus, len(statuses))
	for _, s := range statuses {
		if prev, ok := byName[s.Service]; ok && readiness(prev) <= readiness(s) {
			continue
		}
		byName[s.Service] = s
	}
	var out []string
	for _, svc := range w.Services {
		s, ok := byName[svc.Name]
		switch {
		case !ok:
			out = append(out, svc.Name+" (missing)")
		case s.State != "running":
			out = append(out, fmt.Sprintf("%s (%s)", svc.Name, s.State))
		case svc.HealthCheck.Defined() && s.Health != "healthy":
			health := s.Health
			if health == "" {
				health = "no health reported"
			}
			out = append(out, fmt.Sprintf("%s (%s)", svc.Name, health))
		}
	}
	sort.Strings(out)
	return out
}

func readiness(s ServiceStatus) int {
	switch {
	case s.State != "running":
		return 0
	case s.Health != "" && s.Health != "healthy":
		return 1
	}
	return 2
}
