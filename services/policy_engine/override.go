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
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/deploygate/services/gate/fsperm"
	"gopkg.in/yaml.v3"
)

// OverrideVersion is the only override document version understood.
const OverrideVersion = 1

// ErrOverrideInvalid is returned for an override file that cannot be
// trusted or understood. Callers reject the deployment rather than guess.
var ErrOverrideInvalid = errors.New("invalid policy override")

// Environments is the closed set of deployment environments.
var Environments = []string{"dev", "staging", "production"}

// ValidEnvironment reports whether env is one of Environments.
func ValidEnvironment(env string) bool {
	for _, e := range Environments {
		if e == env {
			return true
		}
	}
	return false
}

var hostNamespaces = map[string]bool{"network": true, "pid": true, "ipc": true, "userns": true}

// =============================================================================
// Document
// =============================================================================

// OverrideFields is one section of the override file. Nil means the section
// says nothing about the field, so a less specific section applies.
type OverrideFields struct {
	AllowPrivileged       *bool    `yaml:"allow_privileged"`
	AllowedCapabilities   []string `yaml:"allowed_capabilities"`
	AllowHostNamespaces   []string `yaml:"allow_host_namespaces"`
	MountAllowPrefixes    []string `yaml:"mount_allow_prefixes"`
	AllowPublicPorts      *bool    `yaml:"allow_public_ports"`
	AllowLoopbackPorts    *bool    `yaml:"allow_loopback_ports"`
	AllowBuild            *bool    `yaml:"allow_build"`
	AllowUnconfined       *bool    `yaml:"allow_unconfined"`
	AllowDevices          *bool    `yaml:"allow_devices"`
	StrictImageTags       *bool    `yaml:"strict_image_tags"`
	RequireResourceLimits *bool    `yaml:"require_resource_limits"`
}

// overlay returns f with every field top sets replaced by top's value.
func (f OverrideFields) overlay(top OverrideFields) OverrideFields {
	pick := func(base, over *bool) *bool {
		if over != nil {
			return over
		}
		return base
	}
	list := func(base, over []string) []string {
		if over != nil {
			return over
		}
		return base
	}
	return OverrideFields{
		AllowPrivileged:       pick(f.AllowPrivileged, top.AllowPrivileged),
		AllowedCapabilities:   list(f.AllowedCapabilities, top.AllowedCapabilities),
		AllowHostNamespaces:   list(f.AllowHostNamespaces, top.AllowHostNamespaces),
		MountAllowPrefixes:    list(f.MountAllowPrefixes, top.MountAllowPrefixes),
		AllowPublicPorts:      pick(f.AllowPublicPorts, top.AllowPublicPorts),
		AllowLoopbackPorts:    pick(f.AllowLoopbackPorts, top.AllowLoopbackPorts),
		AllowBuild:            pick(f.AllowBuild, top.AllowBuild),
		AllowUnconfined:       pick(f.AllowUnconfined, top.AllowUnconfined),
		AllowDevices:          pick(f.AllowDevices, top.AllowDevices),
		StrictImageTags:       pick(f.StrictImageTags, top.StrictImageTags),
		RequireResourceLimits: pick(f.RequireResourceLimits, top.RequireResourceLimits),
	}
}

type overrideDocument struct {
	Version        int `yaml:"version"`
	OverrideFields `yaml:",inline"`
	Environments   map[string]OverrideFields `yaml:"environments"`
}

// =============================================================================
// Resolved override
// =============================================================================

// Override is the immutable, resolved policy override for one environment.
//
// # Description
//
// The zero value is the strictest policy: every gated deny stays a deny and
// the two warn rules stay warnings. A value is built once per invocation and
// passed explicitly to Evaluate; nothing in this package caches it.
type Override struct {
	// Source is the file the override came from, empty for the default.
	Source      string
	Environment string

	AllowPrivileged     bool
	AllowedCapabilities map[string]bool
	AllowHostNamespaces map[string]bool
	MountAllowPrefixes  []string

	AllowPublicPorts   bool
	AllowLoopbackPorts bool
	AllowBuild         bool
	AllowUnconfined    bool
	AllowDevices       bool

	StrictImageTags       bool
	RequireResourceLimits bool
}

// DefaultOverride returns the strictest policy for env.
func DefaultOverride(env string) Override {
	return Override{Environment: env}
}

// CapabilityAllowed reports whether cap may be added.
func (o Override) CapabilityAllowed(cap string) bool {
	return o.AllowedCapabilities[normalizeCapability(cap)]
}

// MountPrefixFor returns the allowlisted prefix that contains p, if any.
func (o Override) MountPrefixFor(p string) (string, bool) {
	for _, prefix := range o.MountAllowPrefixes {
		if within(p, prefix) {
			return prefix, true
		}
	}
	return "", false
}

func normalizeCapability(c string) string {
	return strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(c)), "CAP_")
}

// =============================================================================
// Loading
// =============================================================================

// LoadOverride reads the override file at path and resolves it for env.
//
// # Description
//
// A missing file yields DefaultOverride with no error. An existing file must
// be a regular file owned by root and not writable by group or others;
// stat performs that check and defaults to fsperm.Lstat when nil.
//
// # Outputs
//
// Any problem with an existing file wraps ErrOverrideInvalid.
func LoadOverride(path, env string, stat fsperm.Stat) (Override, error) {
	if stat == nil {
		stat = fsperm.Lstat
	}
	if path == "" {
		return DefaultOverride(env), nil
	}
	if err := fsperm.RootOnlyWritable.Check(stat, path, false); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultOverride(env), nil
		}
		return Override{}, fmt.Errorf("%w: %v", ErrOverrideInvalid, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Override{}, fmt.Errorf("%w: read %s: %v", ErrOverrideInvalid, path, err)
	}
	o, err := ParseOverride(data, env)
	if err != nil {
		return Override{}, err
	}
	o.Source = path
	return o, nil
}

// ParseOverride decodes an override document and resolves it for env.
//
// # Description
//
// Unknown keys, a version other than OverrideVersion and unknown
// environment sections are rejected. Every environment section is checked
// for contradictions, including sections for other environments, so the
// file is valid or invalid as a whole. The environment section wins over
// the global section field by field.
func ParseOverride(data []byte, env string) (Override, error) {
	if !ValidEnvironment(env) {
		return Override{}, fmt.Errorf("%w: unknown environment %q", ErrOverrideInvalid, env)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc overrideDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Override{}, fmt.Errorf("%w: empty document", ErrOverrideInvalid)
		}
		return Override{}, fmt.Errorf("%w: %v", ErrOverrideInvalid, err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Override{}, fmt.Errorf("%w: more than one document", ErrOverrideInvalid)
	}
	if doc.Version != OverrideVersion {
		return Override{}, fmt.Errorf("%w: version %d, want %d", ErrOverrideInvalid, doc.Version, OverrideVersion)
	}

	names := make([]string, 0, len(doc.Environments))
	for name := range doc.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !ValidEnvironment(name) {
			return Override{}, fmt.Errorf("%w: unknown environment section %q", ErrOverrideInvalid, name)
		}
	}

	var resolved Override
	for _, name := range Environments {
		merged := doc.OverrideFields.overlay(doc.Environments[name])
		o, err := resolve(merged, name)
		if err != nil {
			return Override{}, err
		}
		if name == env {
			resolved = o
		}
	}
	return resolved, nil
}

func resolve(f OverrideFields, env string) (Override, error) {
	val := func(b *bool) bool { return b != nil && *b }

	if val(f.AllowPublicPorts) && f.AllowLoopbackPorts != nil && !*f.AllowLoopbackPorts {
		return Override{}, fmt.Errorf("%w: %s: allow_public_ports is true while allow_loopback_ports is false",
			ErrOverrideInvalid, env)
	}

	o := Override{
		Environment:           env,
		AllowPrivileged:       val(f.AllowPrivileged),
		AllowPublicPorts:      val(f.AllowPublicPorts),
		AllowLoopbackPorts:    val(f.AllowLoopbackPorts),
		AllowBuild:            val(f.AllowBuild),
		AllowUnconfined:       val(f.AllowUnconfined),
		AllowDevices:          val(f.AllowDevices),
		StrictImageTags:       val(f.StrictImageTags),
		RequireResourceLimits: val(f.RequireResourceLimits),
	}

	if len(f.AllowedCapabilities) > 0 {
		o.AllowedCapabilities = make(map[string]bool)
		for _, c := range f.AllowedCapabilities {
			n := normalizeCapability(c)
			if n == "" || strings.IndexFunc(n, func(r rune) bool { return (r < 'A' || r > 'Z') && r != '_' }) >= 0 {
				return Override{}, fmt.Errorf("%w: %s: invalid capability %q", ErrOverrideInvalid, env, c)
			}
			o.AllowedCapabilities[n] = true
		}
	}

	if len(f.AllowHostNamespaces) > 0 {
		o.AllowHostNamespaces = make(map[string]bool)
		for _, ns := range f.AllowHostNamespaces {
			if !hostNamespaces[ns] {
				return Override{}, fmt.Errorf("%w: %s: unknown host namespace %q", ErrOverrideInvalid, env, ns)
			}
			o.AllowHostNamespaces[ns] = true
		}
	}

	for _, p := range f.MountAllowPrefixes {
		if !filepath.IsAbs(p) {
			return Override{}, fmt.Errorf("%w: %s: mount prefix %q is not absolute", ErrOverrideInvalid, env, p)
		}
		o.MountAllowPrefixes = append(o.MountAllowPrefixes, filepath.Clean(p))
	}
	return o, nil
}

// within reports whether p equals dir or lies beneath it. Both must be
// absolute and clean.
func within(p, dir string) bool {
	if dir == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
