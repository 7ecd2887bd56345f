// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deploygate/cmd/deploygate/internal/infra/process"
	"github.com/AleutianAI/deploygate/services/gate/deploy"
)

const hexDigest = "sha256:0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f"

var project = deploy.Project{Name: "staging-api", Dir: "/srv/manifests/staging/api/1.0.0", File: "/var/lib/deploygate/apps/staging/api/compose.yaml"}

func newEngine(t *testing.T, fn func(context.Context, process.Command) ([]byte, error)) (*Engine, *process.MockRunner) {
	t.Helper()
	mock := &process.MockRunner{RunFunc: fn}
	cfg := DefaultConfig()
	cfg.Env = []string{"DOCKER_HOST=unix:///run/docker.sock"}
	e, err := New(cfg, mock)
	require.NoError(t, err)
	return e, mock
}

func TestResolveDigest_PullsThenInspects(t *testing.T) {
	e, mock := newEngine(t, func(_ context.Context, c process.Command) ([]byte, error) {
		if len(c.Args) > 0 && c.Args[0] == "image" {
			return []byte(`["ghcr.io/other/api@sha256:aaaa","ghcr.io/acme/api@` + hexDigest + `"]` + "\n"), nil
		}
		return nil, nil
	})

	digest, err := e.ResolveDigest(context.Background(), "ghcr.io/acme/api:1.0.0")
	require.NoError(t, err)
	assert.Equal(t, hexDigest, digest)

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "docker pull --quiet ghcr.io/acme/api:1.0.0", calls[0].String())
	assert.Equal(t, "docker image inspect --format {{json .RepoDigests}} ghcr.io/acme/api:1.0.0", calls[1].String())
	assert.Contains(t, calls[0].Env, "DOCKER_HOST=unix:///run/docker.sock")
}

func TestResolveDigest_DockerHubShortName(t *testing.T) {
	e, _ := newEngine(t, func(_ context.Context, c process.Command) ([]byte, error) {
		return []byte(`["nginx@` + hexDigest + `"]`), nil
	})
	digest, err := e.ResolveDigest(context.Background(), "docker.io/library/nginx:1.27")
	require.NoError(t, err)
	assert.Equal(t, hexDigest, digest)
}

func TestResolveDigest_Errors(t *testing.T) {
	pullErr := process.NewCommandError("docker pull", 1, "manifest unknown", nil)
	e, _ := newEngine(t, func(_ context.Context, c process.Command) ([]byte, error) {
		return nil, pullErr
	})
	_, err := e.ResolveDigest(context.Background(), "ghcr.io/acme/api:9")
	assert.ErrorIs(t, err, pullErr)
	var cmdErr *process.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "manifest unknown", cmdErr.Stderr)

	e, _ = newEngine(t, func(_ context.Context, c process.Command) ([]byte, error) {
		return []byte("[]"), nil
	})
	_, err = e.ResolveDigest(context.Background(), "ghcr.io/acme/api:1")
	assert.ErrorIs(t, err, ErrNoDigest)
}

func TestConverge_BuildsProjectCommand(t *testing.T) {
	e, mock := newEngine(t, func(context.Context, process.Command) ([]byte, error) { return nil, nil })
	require.NoError(t, e.Converge(context.Background(), project))

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, project.Dir, calls[0].Dir)
	assert.Equal(t, "docker compose --project-name staging-api --project-directory "+project.Dir+
		" --file "+project.File+" up --detach --remove-orphans --quiet-pull", calls[0].String())
}

func TestConverge_WrapsFailure(t *testing.T) {
	boom := errors.New("boom")
	e, _ := newEngine(t, func(context.Context, process.Command) ([]byte, error) { return nil, boom })
	err := e.Converge(context.Background(), project)
	assert.ErrorIs(t, err, boom)
	assert.True(t, strings.HasPrefix(err.Error(), "compose up"))
}

func TestStatus_ParsesBothShapes(t *testing.T) {
	ndjson := `{"Name":"staging-api-api-1","Service":"api","State":"running","Health":"healthy"}
{"Name":"staging-api-worker-1","Service":"worker","State":"exited","Health":""}
`
	array := `[{"Service":"api","State":"running","Health":"healthy"},{"Service":"worker","State":"exited"}]`
	want := []deploy.ServiceStatus{
		{Service: "api", State: "running", Health: "healthy"},
		{Service: "worker", State: "exited"},
	}

	for name, out := range map[string]string{"ndjson": ndjson, "array": array} {
		t.Run(name, func(t *testing.T) {
			e, mock := newEngine(t, func(context.Context, process.Command) ([]byte, error) { return []byte(out), nil })
			got, err := e.Status(context.Background(), project)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Contains(t, mock.Calls()[0].String(), " ps --all --format json")
		})
	}
}

func TestStatus_EmptyAndMalformed(t *testing.T) {
	got, err := parseStatus([]byte("\n"))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseStatus([]byte("{not json"))
	assert.Error(t, err)
}

func TestRepoName(t *testing.T) {
	cases := map[string]string{
		"ghcr.io/acme/api:1.0.0":           "ghcr.io/acme/api",
		"localhost:5000/api":               "localhost:5000/api",
		"localhost:5000/api:2":             "localhost:5000/api",
		"ghcr.io/acme/api@" + hexDigest:    "ghcr.io/acme/api",
		"nginx":                            "nginx",
	}
	for in, want := range cases {
		assert.Equal(t, want, repoName(in), in)
	}
	assert.Equal(t, "docker.io/library/nginx", normalizeRepo("nginx"))
	assert.Equal(t, "docker.io/acme/api", normalizeRepo("acme/api"))
	assert.Equal(t, "localhost/api", normalizeRepo("localhost/api"))
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{}, &process.MockRunner{})
	assert.Error(t, err)
	_, err = New(DefaultConfig(), nil)
	assert.Error(t, err)
}
