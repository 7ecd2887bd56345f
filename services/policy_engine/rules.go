// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"fmt"
	"path"
	"strings"

	"github.com/AleutianAI/deploygate/services/gate/manifest"
)

// Workload-wide rules. They have no per-service predicate.
const (
	RuleManifestUnparseable = "manifest-unparseable"
	RuleOverrideInvalid     = "policy-override-invalid"
)

// EngineSockets are the control sockets of the container engines the
// gateway may run beside. Components are matched with path.Match.
var EngineSockets = []string{
	"/var/run/docker.sock",
	"/run/docker.sock",
	"/run/podman/podman.sock",
	"/var/run/podman/podman.sock",
	"/run/containerd/containerd.sock",
	"/var/run/containerd/containerd.sock",
	"/run/user/*/podman/podman.sock",
	"/run/user/*/docker.sock",
}

// hit is one offending item found by a predicate. permitted names the
// override key that allows it, empty when nothing does.
type hit struct {
	detail    string
	permitted string
}

type predicate func(w *manifest.Workload, svc *manifest.Service, o Override) []hit

// predicates maps rule ids to code. Every id in the embedded ruleset except
// the workload-wide ones must appear here.
var predicates = map[string]predicate{
	"privileged-container":    checkPrivileged,
	"capability-escalation":   checkCapabilities,
	"host-namespace-sharing":  checkHostNamespaces,
	"engine-socket-mount":     checkEngineSocket,
	"mount-outside-workload":  checkMountScope,
	"published-port-public":   checkPublicPorts,
	"published-port-loopback": checkLoopbackPorts,
	"build-directive":         checkBuild,
	"confinement-disabled":    checkConfinement,
	"host-device":             checkDevices,
	"mutable-image-tag":       checkImageTag,
	"resource-limits-missing": checkLimits,
	"healthcheck-missing":     checkHealth,
}

// escalations maps warn rules to the override flag that makes them deny.
var escalations = map[string]func(Override) bool{
	"mutable-image-tag":       func(o Override) bool { return o.StrictImageTags },
	"resource-limits-missing": func(o Override) bool { return o.RequireResourceLimits },
}

func permit(allowed bool, key string) string {
	if allowed {
		return key
	}
	return ""
}

func checkPrivileged(_ *manifest.Workload, svc *manifest.Service, o Override) []hit {
	if !svc.Privileged {
		return nil
	}
	return []hit{{detail: "privileged: true", permitted: permit(o.AllowPrivileged, "allow_privileged")}}
}

func checkCapabilities(_ *manifest.Workload, svc *manifest.Service, o Override) []hit {
	var hits []hit
	for _, c := range svc.CapAdd {
		hits = append(hits, hit{
			detail:    "cap_add " + normalizeCapability(c),
			permitted: permit(o.CapabilityAllowed(c), "allowed_capabilities"),
		})
	}
	return hits
}

func checkHostNamespaces(_ *manifest.Workload, svc *manifest.Service, o Override) []hit {
	var hits []hit
	for _, ns := range svc.SharesHostNamespace() {
		hits = append(hits, hit{
			detail:    "shares host " + ns + " namespace",
			permitted: permit(o.AllowHostNamespaces[ns], "allow_host_namespaces"),
		})
	}
	// The target container is outside the manifest and may itself share host
	// namespaces, so no override permits it.
	joined := svc.JoinsContainerNamespace()
	for _, ns := range []string{"network", "pid", "ipc"} {
		if target, ok := joined[ns]; ok {
			hits = append(hits, hit{detail: fmt.Sprintf("joins %s namespace of container %s", ns, target)})
		}
	}
	return hits
}

// checkEngineSocket fires for a bind source that is an engine socket or a
// directory containing one, judged on both the written and the resolved
// path. There is no override.
func checkEngineSocket(w *manifest.Workload, svc *manifest.Service, _ Override) []hit {
	var hits []hit
	for _, m := range svc.Mounts {
		if m.Kind != manifest.MountBind {
			continue
		}
		abs, ok := w.HostPath(m.Source)
		if !ok {
			continue
		}
		resolved := w.RealPath(abs)
		if socket, ok := exposesEngineSocket(abs); ok {
			hits = append(hits, hit{detail: fmt.Sprintf("mount %s exposes %s", m.Source, socket)})
		} else if socket, ok := exposesEngineSocket(resolved); ok {
			hits = append(hits, hit{detail: fmt.Sprintf("mount %s resolves to %s and exposes %s", m.Source, resolved, socket)})
		}
	}
	return hits
}

// exposesEngineSocket reports whether p is, or is an ancestor of, a path
// matching one of EngineSockets.
func exposesEngineSocket(p string) (string, bool) {
	parts := splitPath(p)
	for _, socket := range EngineSockets {
		pattern := splitPath(socket)
		if len(parts) > len(pattern) {
			continue
		}
		matched := true
		for i, part := range parts {
			if ok, err := path.Match(pattern[i], part); err != nil || !ok {
				matched = false
				break
			}
		}
		if matched {
			return socket, true
		}
	}
	return "", false
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// checkMountScope covers bind mounts (including named volumes backed by a
// bind device) and env files. "~" paths always fire.
func checkMountScope(w *manifest.Workload, svc *manifest.Service, o Override) []hit {
	var hits []hit
	check := func(what, src string) {
		abs, ok := w.HostPath(src)
		if !ok {
			hits = append(hits, hit{detail: fmt.Sprintf("%s %s uses home-directory expansion", what, src)})
			return
		}
		resolved := w.RealPath(abs)
		if within(resolved, w.Dir) {
			return
		}
		prefix, allowed := o.MountPrefixFor(resolved)
		detail := fmt.Sprintf("%s %s is outside the release directory", what, src)
		if resolved != abs {
			detail = fmt.Sprintf("%s %s resolves to %s outside the release directory", what, src, resolved)
		}
		if allowed {
			detail += " under " + prefix
		}
		hits = append(hits, hit{detail: detail, permitted: permit(allowed, "mount_allow_prefixes")})
	}
	for _, m := range svc.Mounts {
		if m.Kind == manifest.MountBind {
			check("mount", m.Source)
		}
	}
	for _, f := range svc.EnvFiles {
		check("env_file", f)
	}
	return hits
}

func checkPublicPorts(_ *manifest.Workload, svc *manifest.Service, o Override) []hit {
	var hits []hit
	for _, p := range svc.Ports {
		if !p.IsLoopback() {
			hits = append(hits, hit{
				detail:    "publishes " + p.String() + " on a non-loopback interface",
				permitted: permit(o.AllowPublicPorts, "allow_public_ports"),
			})
		}
	}
	return hits
}

func checkLoopbackPorts(_ *manifest.Workload, svc *manifest.Service, o Override) []hit {
	var hits []hit
	for _, p := range svc.Ports {
		if !p.IsLoopback() {
			continue
		}
		key := ""
		switch {
		case o.AllowLoopbackPorts:
			key = "allow_loopback_ports"
		case o.AllowPublicPorts:
			key = "allow_public_ports"
		}
		hits = append(hits, hit{detail: "publishes " + p.String() + " on loopback", permitted: key})
	}
	return hits
}

func checkBuild(_ *manifest.Workload, svc *manifest.Service, o Override) []hit {
	if !svc.HasBuild {
		return nil
	}
	return []hit{{detail: "build directive present", permitted: permit(o.AllowBuild, "allow_build")}}
}

// checkConfinement fires for security_opt entries that switch off kernel
// confinement. Both "key=value" and "key:value" spellings are accepted by
// engines, so both are matched.
func checkConfinement(_ *manifest.Workload, svc *manifest.Service, o Override) []hit {
	var hits []hit
	for _, opt := range svc.SecurityOpt {
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			key, value, _ = strings.Cut(opt, ":")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.ToLower(strings.TrimSpace(value))

		var off bool
		switch key {
		case "seccomp", "apparmor", "systempaths":
			off = value == "unconfined"
		case "label":
			off = value == "disable" || strings.Contains(value, "unconfined_t")
		case "no-new-privileges":
			off = value == "false"
		}
		if off {
			hits = append(hits, hit{detail: "security_opt " + opt, permitted: permit(o.AllowUnconfined, "allow_unconfined")})
		}
	}
	return hits
}

func checkDevices(_ *manifest.Workload, svc *manifest.Service, o Override) []hit {
	var hits []hit
	for _, d := range svc.Devices {
		hits = append(hits, hit{detail: "maps device " + d, permitted: permit(o.AllowDevices, "allow_devices")})
	}
	return hits
}

func checkImageTag(_ *manifest.Workload, svc *manifest.Service, _ Override) []hit {
	if svc.Image.IsZero() || svc.Image.Pinned() || !svc.Image.IsFloating() {
		return nil
	}
	return []hit{{detail: fmt.Sprintf("image %s uses mutable tag %q", svc.Image.Original, svc.Image.Tag)}}
}

func checkLimits(_ *manifest.Workload, svc *manifest.Service, _ Override) []hit {
	var missing []string
	if !svc.Limits.HasCPU() {
		missing = append(missing, "cpu")
	}
	if !svc.Limits.HasMemory() {
		missing = append(missing, "memory")
	}
	if len(missing) == 0 {
		return nil
	}
	return []hit{{detail: "no " + strings.Join(missing, " or ") + " limit"}}
}

func checkHealth(_ *manifest.Workload, svc *manifest.Service, _ Override) []hit {
	if svc.HealthCheck.Defined() {
		return nil
	}
	if svc.HealthCheck.Disabled {
		return []hit{{detail: "health check disabled"}}
	}
	return []hit{{detail: "no health check"}}
}
