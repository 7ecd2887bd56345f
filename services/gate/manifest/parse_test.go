// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullManifest = `
x-common: &common
  restart: unless-stopped
services:
  api:
    image: ghcr.io/acme/api:1.4.2
    ports:
      - "127.0.0.1:8080:8080"
    volumes:
      - ./data:/data:ro
      - cache:/cache
    environment:
      LOG_LEVEL: ${LOG_LEVEL:-info}
    healthcheck:
      test: ["CMD", "wget", "-qO-", "http://localhost:8080/healthz"]
      interval: 10s
    deploy:
      resources:
        limits:
          cpus: "0.50"
          memory: 256M
          pids: 128
    cap_drop: [ALL]
    secrets:
      - db_password
  worker:
    image: redis
    tmpfs: /tmp
volumes:
  cache: {}
secrets:
  db_password: {}
`

func parse(t *testing.T, doc string) (*Workload, error) {
	t.Helper()
	return Parse([]byte(doc), Source{Environment: "staging", Name: "api", Version: "1.4.2", Dir: "/srv/manifests/staging/api/1.4.2"})
}

func TestParse_FullManifest(t *testing.T) {
	w, err := parse(t, fullManifest)
	require.NoError(t, err)

	require.Len(t, w.Services, 2)
	assert.Equal(t, "api", w.Services[0].Name, "service order follows the manifest")
	assert.Equal(t, "worker", w.Services[1].Name)
	assert.Equal(t, "api@1.4.2", w.Ref())

	api := w.Service("api")
	require.NotNil(t, api)

	want := Service{
		Name: "api",
		Image: ImageRef{
			Registry:   "ghcr.io",
			Repository: "acme/api",
			Tag:        "1.4.2",
			Original:   "ghcr.io/acme/api:1.4.2",
		},
		Ports: []PortBinding{{HostIP: "127.0.0.1", HostPort: "8080", ContainerPort: "8080", Protocol: "tcp"}},
		Mounts: []Mount{
			{Kind: MountBind, Source: "./data", Target: "/data", ReadOnly: true},
			{Kind: MountVolume, Source: "cache", Target: "/cache"},
		},
		CapDrop:     []string{"ALL"},
		Limits:      Limits{CPUs: "0.50", Memory: "256M", PIDs: 128},
		HealthCheck: HealthCheck{Present: true},
		Secrets:     []string{"db_password"},
	}
	if diff := cmp.Diff(want, *api); diff != "" {
		t.Errorf("api service mismatch (-want +got):\n%s", diff)
	}

	worker := w.Service("worker")
	require.NotNil(t, worker)
	assert.Equal(t, []Mount{{Kind: MountTmpfs, Target: "/tmp"}}, worker.Mounts)
	assert.Equal(t, "docker.io", worker.Image.Registry)
	assert.Equal(t, "library/redis", worker.Image.Repository)
	assert.Equal(t, "latest", worker.Image.Tag)

	assert.Equal(t, []string{"db_password"}, w.SecretNames())
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"not a mapping", "- a\n- b\n"},
		{"no services", "volumes: {}\n"},
		{"unknown top-level key", "services:\n  a:\n    image: x\nconfigs: {}\n"},
		{"unknown service key", "services:\n  a:\n    image: x\n    cgroup_parent: /\n"},
		{"duplicate service key", "services:\n  a:\n    image: x\n    image: y\n"},
		{"duplicate service", "services:\n  a:\n    image: x\n  a:\n    image: y\n"},
		{"merge key", "x-d: &d\n  image: x\nservices:\n  a:\n    <<: *d\n"},
		{"alias value", "x-d: &d x\nservices:\n  a:\n    image: *d\n"},
		{"interpolated image", "services:\n  a:\n    image: ${IMAGE}\n"},
		{"interpolated privileged", "services:\n  a:\n    image: x\n    privileged: ${P}\n"},
		{"privileged wrong type", "services:\n  a:\n    image: x\n    privileged: [true]\n"},
		{"privileged yes", "services:\n  a:\n    image: x\n    privileged: yes\n"},
		{"no image", "services:\n  a:\n    restart: always\n"},
		{"two documents", "services:\n  a:\n    image: x\n---\nservices: {}\n"},
		{"secret with file source", "services:\n  a:\n    image: x\nsecrets:\n  s:\n    file: /etc/shadow\n"},
		{"undeclared secret", "services:\n  a:\n    image: x\n    secrets: [s]\n"},
		{"undeclared volume", "services:\n  a:\n    image: x\n    volumes: ['data:/d']\n"},
		{"shared propagation", "services:\n  a:\n    image: x\n    volumes: ['/srv:/srv:rshared']\n"},
		{"bad port", "services:\n  a:\n    image: x\n    ports: ['abc:80']\n"},
		{"unbracketed ipv6", "services:\n  a:\n    image: x\n    ports: ['::1:80:80']\n"},
		{"bad digest", "services:\n  a:\n    image: nginx@sha256:abc\n"},
		{"unknown mount type", "services:\n  a:\n    image: x\n    volumes:\n      - type: npipe\n        source: a\n        target: b\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse), "error %v should wrap ErrParse", err)
		})
	}
}

func TestParse_Ports(t *testing.T) {
	doc := `
services:
  a:
    image: x
    ports:
      - "80"
      - "8080:80"
      - "0.0.0.0:443:443/tcp"
      - "[::1]:9000:9000"
      - "5353:53/udp"
      - target: 8443
        published: "8443"
        host_ip: 127.0.0.1
`
	w, err := parse(t, doc)
	require.NoError(t, err)

	ports := w.Services[0].Ports
	require.Len(t, ports, 6)

	assert.Equal(t, PortBinding{ContainerPort: "80", Protocol: "tcp"}, ports[0])
	assert.False(t, ports[0].IsLoopback(), "bare container port publishes on all interfaces")

	assert.Equal(t, "8080", ports[1].HostPort)
	assert.False(t, ports[1].IsLoopback())

	assert.Equal(t, "0.0.0.0", ports[2].HostIP)
	assert.False(t, ports[2].IsLoopback())

	assert.Equal(t, "::1", ports[3].HostIP)
	assert.True(t, ports[3].IsLoopback())

	assert.Equal(t, "udp", ports[4].Protocol)

	assert.Equal(t, "127.0.0.1", ports[5].HostIP)
	assert.True(t, ports[5].IsLoopback())
	assert.Equal(t, "127.0.0.1:8443:8443", ports[5].String())
}

func TestParse_HostNamespacesAndNetworks(t *testing.T) {
	doc := `
services:
  a:
    image: x
    network_mode: host
    pid: host
  b:
    image: x
    networks: [hostnet, internal]
  c:
    image: x
    ipc: shareable
networks:
  hostnet:
    external: true
    name: host
  internal: {}
`
	w, err := parse(t, doc)
	require.NoError(t, err)

	assert.Equal(t, []string{"network", "pid"}, w.Service("a").SharesHostNamespace())
	assert.Equal(t, []string{"network"}, w.Service("b").SharesHostNamespace())
	assert.Empty(t, w.Service("c").SharesHostNamespace())
}

func TestParse_BindDeviceVolume(t *testing.T) {
	doc := `
services:
  a:
    image: x
    volumes:
      - type: volume
        source: etc
        target: /host-etc
volumes:
  etc:
    driver: local
    driver_opts:
      type: none
      o: bind
      device: /etc
`
	w, err := parse(t, doc)
	require.NoError(t, err)
	require.Len(t, w.Services[0].Mounts, 1)
	assert.Equal(t, Mount{Kind: MountBind, Source: "/etc", Target: "/host-etc"}, w.Services[0].Mounts[0])
}

func TestParse_HealthCheckDisabled(t *testing.T) {
	w, err := parse(t, "services:\n  a:\n    image: x\n    healthcheck:\n      test: [\"NONE\"]\n")
	require.NoError(t, err)
	hc := w.Services[0].HealthCheck
	assert.True(t, hc.Present)
	assert.False(t, hc.Defined())

	w, err = parse(t, "services:\n  a:\n    image: x\n    healthcheck:\n      disable: true\n")
	require.NoError(t, err)
	assert.False(t, w.Services[0].HealthCheck.Defined())
}

func TestParse_ShortFormLimitsAndDevices(t *testing.T) {
	doc := `
services:
  a:
    image: x
    cpus: "1.5"
    mem_limit: 1g
    pids_limit: 64
    devices:
      - /dev/fuse:/dev/fuse
    security_opt:
      - no-new-privileges:true
    env_file:
      - .env
      - path: ../shared.env
        required: false
    build: .
`
	w, err := parse(t, doc)
	require.NoError(t, err)
	svc := w.Services[0]
	assert.Equal(t, Limits{CPUs: "1.5", Memory: "1g", PIDs: 64}, svc.Limits)
	assert.Equal(t, []string{"/dev/fuse:/dev/fuse"}, svc.Devices)
	assert.Equal(t, []string{"no-new-privileges:true"}, svc.SecurityOpt)
	assert.Equal(t, []string{".env", "../shared.env"}, svc.EnvFiles)
	assert.True(t, svc.HasBuild)
}

func TestParse_ErrorCarriesLocation(t *testing.T) {
	_, err := parse(t, "services:\n  api:\n    image: x\n    sysctls: {}\n")
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "services.api.sysctls", pe.Path)
	assert.Equal(t, 4, pe.Line)
}
