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
	"fmt"
	"path/filepath"
	"strings"
)

// =============================================================================
// Workload
// =============================================================================

// Workload is the parsed form of one versioned compose manifest.
//
// # Description
//
// A Workload is a pure function of the bytes on disk. It never reflects
// running state, and carries only the fields the policy engine and the
// executor need. Services keep the order of the `services:` mapping.
//
// # Thread Safety
//
// Treat a parsed Workload as immutable.
type Workload struct {
	// Environment, Name and Version locate the manifest in the tree.
	Environment string
	Name        string
	Version     string

	// Dir is the directory the manifest lives in. Relative mount sources
	// resolve against it.
	Dir string

	// Services in manifest order.
	Services []Service

	// Volumes are the top-level named volume declarations.
	Volumes map[string]Volume

	// Networks are the top-level network declarations.
	Networks map[string]Network

	// Secrets are the names declared in the top-level `secrets:` mapping.
	Secrets []string

	// Raw holds the original bytes for rendering.
	Raw []byte

	// Resolved maps absolute host paths named by bind mounts and env files
	// to their symlink-free form. Filled by Tree.Load.
	Resolved map[string]string
}

// HostPath returns the absolute, cleaned form of a host path written in the
// manifest, resolving relative paths against Dir. The second result is
// false for paths whose meaning the gateway cannot know ("~" expansion).
func (w *Workload) HostPath(p string) (string, bool) {
	if strings.HasPrefix(p, "~") {
		return "", false
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.Dir, p)
	}
	return filepath.Clean(p), true
}

// RealPath returns the symlink-free form of an absolute host path when the
// loader resolved one, otherwise the path itself.
func (w *Workload) RealPath(abs string) string {
	if resolved, ok := w.Resolved[abs]; ok {
		return resolved
	}
	return abs
}

// Ref returns "<workload>@<version>".
func (w *Workload) Ref() string {
	return w.Name + "@" + w.Version
}

// Service returns the named service, or nil.
func (w *Workload) Service(name string) *Service {
	for i := range w.Services {
		if w.Services[i].Name == name {
			return &w.Services[i]
		}
	}
	return nil
}

// SecretNames returns every secret referenced by any service, deduplicated,
// in first-reference order.
func (w *Workload) SecretNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, svc := range w.Services {
		for _, s := range svc.Secrets {
			if !seen[s] {
				seen[s] = true
				names = append(names, s)
			}
		}
	}
	return names
}

// =============================================================================
// Service
// =============================================================================

// Service is one entry of the `services:` mapping.
type Service struct {
	Name string

	// Image is the parsed image reference. Zero when only `build:` is set.
	Image ImageRef

	// HasBuild is true when a `build:` directive is present.
	HasBuild bool

	Ports    []PortBinding
	Mounts   []Mount
	EnvFiles []string

	CapAdd  []string
	CapDrop []string

	Privileged bool

	// Namespace modes as written. "host" shares the host namespace.
	NetworkMode string
	PIDMode     string
	IPCMode     string
	UsernsMode  string

	// HostNetworks lists attached networks that resolve to the host network.
	HostNetworks []string

	Limits      Limits
	HealthCheck HealthCheck

	SecurityOpt []string
	Devices     []string

	// Secrets are the secret names this service consumes.
	Secrets []string
}

// SharesHostNamespace reports which host namespaces the service joins, as a
// subset of "network", "pid", "ipc", "userns".
func (s *Service) SharesHostNamespace() []string {
	var out []string
	if s.NetworkMode == "host" || len(s.HostNetworks) > 0 {
		out = append(out, "network")
	}
	if s.PIDMode == "host" {
		out = append(out, "pid")
	}
	if s.IPCMode == "host" {
		out = append(out, "ipc")
	}
	if s.UsernsMode == "host" {
		out = append(out, "userns")
	}
	return out
}

// JoinsContainerNamespace maps each namespace the service takes from another
// container ("container:<name>") to that container's name.
func (s *Service) JoinsContainerNamespace() map[string]string {
	out := map[string]string{}
	for ns, mode := range map[string]string{"network": s.NetworkMode, "pid": s.PIDMode, "ipc": s.IPCMode} {
		if target, ok := strings.CutPrefix(mode, "container:"); ok {
			out[ns] = target
		}
	}
	return out
}

// ImageRef is a parsed container image reference.
type ImageRef struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string

	// Original is the reference exactly as written.
	Original string
}

// IsZero reports whether no image was given.
func (r ImageRef) IsZero() bool {
	return r.Original == ""
}

// Pinned reports whether the reference carries a content digest.
func (r ImageRef) Pinned() bool {
	return r.Digest != ""
}

// String returns registry/repository[:tag][@digest].
func (r ImageRef) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteByte('/')
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
	}
	return b.String()
}

// WithDigest returns registry/repository@digest, the form written into
// pinned manifests.
func (r ImageRef) WithDigest(digest string) string {
	return fmt.Sprintf("%s/%s@%s", r.Registry, r.Repository, digest)
}

// PortBinding is one published port.
type PortBinding struct {
	// HostIP is the interface the port binds to. Empty means all interfaces.
	HostIP string

	// HostPort is the published port; 0 means an engine-assigned port.
	HostPort      string
	ContainerPort string
	Protocol      string
}

// MountKind distinguishes bind mounts from volumes and tmpfs.
type MountKind string

const (
	MountBind   MountKind = "bind"
	MountVolume MountKind = "volume"
	MountTmpfs  MountKind = "tmpfs"
)

// Mount is one entry of a service's `volumes:` or `tmpfs:`.
type Mount struct {
	Kind     MountKind
	Source   string
	Target   string
	ReadOnly bool
}

// Limits are the resource ceilings requested for a service.
type Limits struct {
	CPUs   string
	Memory string
	PIDs   int64
}

// HasCPU reports whether a CPU limit is set.
func (l Limits) HasCPU() bool { return l.CPUs != "" }

// HasMemory reports whether a memory limit is set.
func (l Limits) HasMemory() bool { return l.Memory != "" }

// HealthCheck records whether a health check is declared.
type HealthCheck struct {
	Present  bool
	Disabled bool
}

// Defined reports a usable health check: present and not disabled.
func (h HealthCheck) Defined() bool {
	return h.Present && !h.Disabled
}

// Volume is a top-level named volume declaration.
type Volume struct {
	Name     string
	External bool

	// BindDevice is the host path of a `driver_opts: {o: bind, device: ...}`
	// volume. Such volumes are bind mounts in disguise.
	BindDevice string
}

// Network is a top-level network declaration.
type Network struct {
	Name     string
	Driver   string
	External bool
}

// IsHost reports whether attaching to this network joins the host network.
func (n Network) IsHost() bool {
	return n.Driver == "host" || n.Name == "host"
}
