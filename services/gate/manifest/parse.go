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
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrParse is the sentinel wrapped by every ParseError.
var ErrParse = errors.New("manifest parse error")

// ParseError locates a manifest construct the parser refused.
type ParseError struct {
	// Path is a dotted location such as "services.api.ports[1]".
	Path string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("manifest: %s (line %d): %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("manifest: %s: %s", e.Path, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrParse }

// Source identifies where a manifest came from.
type Source struct {
	Environment string
	Name        string
	Version     string
	Dir         string
}

// Parse decodes a compose manifest into a Workload.
//
// # Description
//
// Parsing is strict and fails closed. It rejects:
//   - unknown keys at any level the gateway understands,
//   - duplicate mapping keys, YAML aliases and merge keys,
//   - more than one YAML document,
//   - variable interpolation ("$") in any field the policy inspects,
//   - values of the wrong type.
//
// Top-level keys starting with "x-" are extension fields and are ignored.
// Fields that cannot affect host isolation (environment, command, labels and
// similar) are accepted without inspection.
//
// # Inputs
//
//   - data: Raw manifest bytes.
//   - src: Location in the manifest tree.
//
// # Outputs
//
//   - *Workload: Parsed workload.
//   - error: *ParseError (wrapping ErrParse) on any refusal.
func Parse(data []byte, src Source) (*Workload, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Path: "$", Msg: "empty manifest"}
		}
		return nil, &ParseError{Path: "$", Msg: err.Error()}
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, &ParseError{Path: "$", Msg: "multiple YAML documents are not supported"}
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, &ParseError{Path: "$", Msg: "expected a single document"}
	}

	p := &parser{}
	w := &Workload{
		Environment: src.Environment,
		Name:        src.Name,
		Version:     src.Version,
		Dir:         src.Dir,
		Volumes:     map[string]Volume{},
		Networks:    map[string]Network{},
		Raw:         data,
	}
	if err := p.parseRoot(doc.Content[0], w); err != nil {
		return nil, err
	}
	return w, nil
}

// =============================================================================
// Parser
// =============================================================================

type parser struct{}

type pair struct {
	key   string
	keyN  *yaml.Node
	value *yaml.Node
}

func fail(path string, n *yaml.Node, format string, args ...any) error {
	line := 0
	if n != nil {
		line = n.Line
	}
	return &ParseError{Path: path, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// mapping returns the key/value pairs of a mapping node, rejecting
// duplicates, aliases and merge keys. Values are checked by whichever
// helper consumes them.
func mapping(path string, n *yaml.Node) ([]pair, error) {
	if err := noAlias(path, n); err != nil {
		return nil, err
	}
	if n.Kind != yaml.MappingNode {
		return nil, fail(path, n, "expected a mapping")
	}
	seen := make(map[string]bool, len(n.Content)/2)
	pairs := make([]pair, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if err := noAlias(path, k); err != nil {
			return nil, err
		}
		if k.Kind != yaml.ScalarNode {
			return nil, fail(path, k, "mapping keys must be scalars")
		}
		if k.Tag == "!!merge" || k.Value == "<<" {
			return nil, fail(path, k, "merge keys are not supported")
		}
		if seen[k.Value] {
			return nil, fail(path+"."+k.Value, k, "duplicate key")
		}
		seen[k.Value] = true
		pairs = append(pairs, pair{key: k.Value, keyN: k, value: v})
	}
	return pairs, nil
}

func noAlias(path string, n *yaml.Node) error {
	if n.Kind == yaml.AliasNode || n.Anchor != "" {
		return fail(path, n, "YAML anchors and aliases are not supported")
	}
	return nil
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

func scalar(path string, n *yaml.Node) (string, error) {
	if err := noAlias(path, n); err != nil {
		return "", err
	}
	if n.Kind != yaml.ScalarNode || isNull(n) {
		return "", fail(path, n, "expected a scalar value")
	}
	return n.Value, nil
}

// strictScalar is scalar plus a ban on interpolation.
func strictScalar(path string, n *yaml.Node) (string, error) {
	s, err := scalar(path, n)
	if err != nil {
		return "", err
	}
	if strings.Contains(s, "$") {
		return "", fail(path, n, "variable interpolation is not supported here")
	}
	return s, nil
}

func boolean(path string, n *yaml.Node) (bool, error) {
	s, err := strictScalar(path, n)
	if err != nil {
		return false, err
	}
	if n.Tag != "!!bool" && n.Tag != "!!str" {
		return false, fail(path, n, "expected a boolean")
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fail(path, n, "expected a boolean, got %q", s)
	}
	return b, nil
}

func stringList(path string, n *yaml.Node) ([]string, error) {
	if err := noAlias(path, n); err != nil {
		return nil, err
	}
	if n.Kind != yaml.SequenceNode {
		return nil, fail(path, n, "expected a list")
	}
	out := make([]string, 0, len(n.Content))
	for i, item := range n.Content {
		s, err := strictScalar(fmt.Sprintf("%s[%d]", path, i), item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// stringOrList accepts a single scalar or a list of scalars.
func stringOrList(path string, n *yaml.Node) ([]string, error) {
	if n.Kind == yaml.ScalarNode {
		s, err := strictScalar(path, n)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	return stringList(path, n)
}

// opaque checks structure only: no aliases anywhere beneath n.
func opaque(path string, n *yaml.Node) error {
	if err := noAlias(path, n); err != nil {
		return err
	}
	for _, c := range n.Content {
		if err := opaque(path, c); err != nil {
			return err
		}
	}
	if n.Kind == yaml.MappingNode {
		_, err := mapping(path, n)
		return err
	}
	return nil
}

// =============================================================================
// Top level
// =============================================================================

func (p *parser) parseRoot(root *yaml.Node, w *Workload) error {
	pairs, err := mapping("$", root)
	if err != nil {
		return err
	}

	var servicesNode *yaml.Node
	for _, kv := range pairs {
		switch {
		case kv.key == "services":
			servicesNode = kv.value
		case kv.key == "volumes":
			if err := p.parseVolumes(kv.value, w); err != nil {
				return err
			}
		case kv.key == "networks":
			if err := p.parseNetworks(kv.value, w); err != nil {
				return err
			}
		case kv.key == "secrets":
			if err := p.parseTopSecrets(kv.value, w); err != nil {
				return err
			}
		case kv.key == "version", kv.key == "name":
			if _, err := scalar(kv.key, kv.value); err != nil {
				return err
			}
		case strings.HasPrefix(kv.key, "x-"):
			// extension fields carry no semantics for the engine
		default:
			return fail(kv.key, kv.keyN, "unsupported top-level key %q", kv.key)
		}
	}

	if servicesNode == nil {
		return fail("services", root, "manifest declares no services")
	}
	svcPairs, err := mapping("services", servicesNode)
	if err != nil {
		return err
	}
	if len(svcPairs) == 0 {
		return fail("services", servicesNode, "manifest declares no services")
	}
	for _, kv := range svcPairs {
		svc, err := p.parseService("services."+kv.key, kv.key, kv.value, w)
		if err != nil {
			return err
		}
		w.Services = append(w.Services, svc)
	}
	return nil
}

func (p *parser) parseVolumes(n *yaml.Node, w *Workload) error {
	pairs, err := mapping("volumes", n)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		path := "volumes." + kv.key
		vol := Volume{Name: kv.key}
		if isNull(kv.value) {
			w.Volumes[kv.key] = vol
			continue
		}
		fields, err := mapping(path, kv.value)
		if err != nil {
			return err
		}
		var driverOpts map[string]string
		for _, f := range fields {
			fp := path + "." + f.key
			switch f.key {
			case "external":
				if vol.External, err = boolean(fp, f.value); err != nil {
					return err
				}
			case "name", "driver":
				if _, err := strictScalar(fp, f.value); err != nil {
					return err
				}
			case "labels":
				if err := opaque(fp, f.value); err != nil {
					return err
				}
			case "driver_opts":
				opts, err := mapping(fp, f.value)
				if err != nil {
					return err
				}
				driverOpts = make(map[string]string, len(opts))
				for _, o := range opts {
					v, err := strictScalar(fp+"."+o.key, o.value)
					if err != nil {
						return err
					}
					driverOpts[o.key] = v
				}
			default:
				return fail(fp, f.keyN, "unsupported volume key %q", f.key)
			}
		}
		if dev, ok := driverOpts["device"]; ok {
			vol.BindDevice = dev
		}
		w.Volumes[kv.key] = vol
	}
	return nil
}

func (p *parser) parseNetworks(n *yaml.Node, w *Workload) error {
	pairs, err := mapping("networks", n)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		path := "networks." + kv.key
		netw := Network{Name: kv.key}
		if isNull(kv.value) {
			w.Networks[kv.key] = netw
			continue
		}
		fields, err := mapping(path, kv.value)
		if err != nil {
			return err
		}
		for _, f := range fields {
			fp := path + "." + f.key
			switch f.key {
			case "name":
				if netw.Name, err = strictScalar(fp, f.value); err != nil {
					return err
				}
			case "driver":
				if netw.Driver, err = strictScalar(fp, f.value); err != nil {
					return err
				}
			case "external":
				if netw.External, err = boolean(fp, f.value); err != nil {
					return err
				}
			case "internal", "attachable":
				if _, err := boolean(fp, f.value); err != nil {
					return err
				}
			case "labels", "ipam", "driver_opts":
				if err := opaque(fp, f.value); err != nil {
					return err
				}
			default:
				return fail(fp, f.keyN, "unsupported network key %q", f.key)
			}
		}
		w.Networks[kv.key] = netw
	}
	return nil
}

// parseTopSecrets accepts declarations only. Secret sources are supplied by
// the gateway at render time, never by the manifest.
func (p *parser) parseTopSecrets(n *yaml.Node, w *Workload) error {
	pairs, err := mapping("secrets", n)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		path := "secrets." + kv.key
		if !isNull(kv.value) {
			fields, err := mapping(path, kv.value)
			if err != nil {
				return err
			}
			if len(fields) > 0 {
				return fail(path, fields[0].keyN, "secret sources are supplied by the gateway; %q is not allowed", fields[0].key)
			}
		}
		w.Secrets = append(w.Secrets, kv.key)
	}
	return nil
}

// =============================================================================
// Services
// =============================================================================

// passthroughKeys are accepted without inspection.
var passthroughKeys = map[string]bool{
	"environment":       true,
	"command":           true,
	"entrypoint":        true,
	"restart":           true,
	"labels":            true,
	"depends_on":        true,
	"container_name":    true,
	"hostname":          true,
	"user":              true,
	"working_dir":       true,
	"stop_grace_period": true,
	"stop_signal":       true,
	"init":              true,
	"logging":           true,
	"extra_hosts":       true,
	"dns":               true,
	"shm_size":          true,
	"read_only":         true,
	"expose":            true,
	"ulimits":           true,
	"mem_reservation":   true,
	"platform":          true,
	"pull_policy":       true,
	"tty":               true,
	"stdin_open":        true,
}

func (p *parser) parseService(path, name string, n *yaml.Node, w *Workload) (Service, error) {
	svc := Service{Name: name}
	pairs, err := mapping(path, n)
	if err != nil {
		return svc, err
	}

	for _, kv := range pairs {
		fp := path + "." + kv.key
		switch kv.key {
		case "image":
			s, err := strictScalar(fp, kv.value)
			if err != nil {
				return svc, err
			}
			if svc.Image, err = ParseImageRef(s); err != nil {
				return svc, fail(fp, kv.value, "%v", err)
			}
		case "build":
			if err := opaque(fp, kv.value); err != nil {
				return svc, err
			}
			svc.HasBuild = true
		case "ports":
			if svc.Ports, err = parsePorts(fp, kv.value); err != nil {
				return svc, err
			}
		case "volumes":
			mounts, err := parseServiceVolumes(fp, kv.value, w)
			if err != nil {
				return svc, err
			}
			svc.Mounts = append(svc.Mounts, mounts...)
		case "tmpfs":
			targets, err := stringOrList(fp, kv.value)
			if err != nil {
				return svc, err
			}
			for _, t := range targets {
				svc.Mounts = append(svc.Mounts, Mount{Kind: MountTmpfs, Target: t})
			}
		case "env_file":
			if svc.EnvFiles, err = parseEnvFiles(fp, kv.value); err != nil {
				return svc, err
			}
		case "cap_add":
			if svc.CapAdd, err = stringList(fp, kv.value); err != nil {
				return svc, err
			}
		case "cap_drop":
			if svc.CapDrop, err = stringList(fp, kv.value); err != nil {
				return svc, err
			}
		case "privileged":
			if svc.Privileged, err = boolean(fp, kv.value); err != nil {
				return svc, err
			}
		case "network_mode":
			if svc.NetworkMode, err = strictScalar(fp, kv.value); err != nil {
				return svc, err
			}
		case "pid":
			if svc.PIDMode, err = strictScalar(fp, kv.value); err != nil {
				return svc, err
			}
		case "ipc":
			if svc.IPCMode, err = strictScalar(fp, kv.value); err != nil {
				return svc, err
			}
		case "userns_mode":
			if svc.UsernsMode, err = strictScalar(fp, kv.value); err != nil {
				return svc, err
			}
		case "networks":
			if svc.HostNetworks, err = parseServiceNetworks(fp, kv.value, w); err != nil {
				return svc, err
			}
		case "security_opt":
			if svc.SecurityOpt, err = stringList(fp, kv.value); err != nil {
				return svc, err
			}
		case "devices":
			if svc.Devices, err = parseDevices(fp, kv.value); err != nil {
				return svc, err
			}
		case "healthcheck":
			if svc.HealthCheck, err = parseHealthCheck(fp, kv.value); err != nil {
				return svc, err
			}
		case "deploy":
			if err := parseDeploy(fp, kv.value, &svc.Limits); err != nil {
				return svc, err
			}
		case "cpus":
			if svc.Limits.CPUs, err = strictScalar(fp, kv.value); err != nil {
				return svc, err
			}
		case "mem_limit":
			if svc.Limits.Memory, err = strictScalar(fp, kv.value); err != nil {
				return svc, err
			}
		case "pids_limit":
			if svc.Limits.PIDs, err = intScalar(fp, kv.value); err != nil {
				return svc, err
			}
		case "secrets":
			if svc.Secrets, err = parseServiceSecrets(fp, kv.value); err != nil {
				return svc, err
			}
		default:
			if !passthroughKeys[kv.key] {
				return svc, fail(fp, kv.keyN, "unsupported service key %q", kv.key)
			}
			if err := opaque(fp, kv.value); err != nil {
				return svc, err
			}
		}
	}

	if svc.Image.IsZero() && !svc.HasBuild {
		return svc, fail(path, n, "service has neither image nor build")
	}
	for _, s := range svc.Secrets {
		if !contains(w.Secrets, s) {
			return svc, fail(path+".secrets", n, "secret %q is not declared in the top-level secrets mapping", s)
		}
	}
	return svc, nil
}

func intScalar(path string, n *yaml.Node) (int64, error) {
	s, err := strictScalar(path, n)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fail(path, n, "expected an integer, got %q", s)
	}
	return v, nil
}

func parseEnvFiles(path string, n *yaml.Node) ([]string, error) {
	if n.Kind != yaml.SequenceNode {
		return stringOrList(path, n)
	}
	var out []string
	for i, item := range n.Content {
		ip := fmt.Sprintf("%s[%d]", path, i)
		if item.Kind == yaml.MappingNode {
			fields, err := mapping(ip, item)
			if err != nil {
				return nil, err
			}
			for _, f := range fields {
				switch f.key {
				case "path":
					s, err := strictScalar(ip+".path", f.value)
					if err != nil {
						return nil, err
					}
					out = append(out, s)
				case "required", "format":
					if _, err := scalar(ip+"."+f.key, f.value); err != nil {
						return nil, err
					}
				default:
					return nil, fail(ip, f.keyN, "unsupported env_file key %q", f.key)
				}
			}
			continue
		}
		s, err := strictScalar(ip, item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func parseServiceNetworks(path string, n *yaml.Node, w *Workload) ([]string, error) {
	var names []string
	switch n.Kind {
	case yaml.SequenceNode:
		list, err := stringList(path, n)
		if err != nil {
			return nil, err
		}
		names = list
	case yaml.MappingNode:
		pairs, err := mapping(path, n)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			if err := opaque(path+"."+kv.key, kv.value); err != nil {
				return nil, err
			}
			names = append(names, kv.key)
		}
	default:
		return nil, fail(path, n, "expected a list or mapping")
	}

	var host []string
	for _, name := range names {
		netw, ok := w.Networks[name]
		if name == "host" || (ok && netw.IsHost()) {
			host = append(host, name)
		}
	}
	return host, nil
}

func parseDevices(path string, n *yaml.Node) ([]string, error) {
	if err := noAlias(path, n); err != nil {
		return nil, err
	}
	if n.Kind != yaml.SequenceNode {
		return nil, fail(path, n, "expected a list")
	}
	var out []string
	for i, item := range n.Content {
		ip := fmt.Sprintf("%s[%d]", path, i)
		if item.Kind == yaml.MappingNode {
			fields, err := mapping(ip, item)
			if err != nil {
				return nil, err
			}
			src := ""
			for _, f := range fields {
				if f.key == "source" {
					if src, err = strictScalar(ip+".source", f.value); err != nil {
						return nil, err
					}
				}
			}
			out = append(out, src)
			continue
		}
		s, err := strictScalar(ip, item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func parseHealthCheck(path string, n *yaml.Node) (HealthCheck, error) {
	hc := HealthCheck{Present: true}
	pairs, err := mapping(path, n)
	if err != nil {
		return hc, err
	}
	for _, kv := range pairs {
		fp := path + "." + kv.key
		switch kv.key {
		case "test":
			tests, err := testCommand(fp, kv.value)
			if err != nil {
				return hc, err
			}
			if len(tests) > 0 && strings.EqualFold(tests[0], "NONE") {
				hc.Disabled = true
			}
		case "disable":
			d, err := boolean(fp, kv.value)
			if err != nil {
				return hc, err
			}
			hc.Disabled = hc.Disabled || d
		case "interval", "timeout", "retries", "start_period", "start_interval":
			if _, err := scalar(fp, kv.value); err != nil {
				return hc, err
			}
		default:
			return hc, fail(fp, kv.keyN, "unsupported healthcheck key %q", kv.key)
		}
	}
	return hc, nil
}

// testCommand accepts the health check test in string or list form. Health
// check commands run inside the container, so interpolation is allowed.
func testCommand(path string, n *yaml.Node) ([]string, error) {
	if n.Kind == yaml.ScalarNode {
		s, err := scalar(path, n)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, fail(path, n, "expected a string or list")
	}
	out := make([]string, 0, len(n.Content))
	for i, item := range n.Content {
		s, err := scalar(fmt.Sprintf("%s[%d]", path, i), item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func parseDeploy(path string, n *yaml.Node, limits *Limits) error {
	pairs, err := mapping(path, n)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		fp := path + "." + kv.key
		switch kv.key {
		case "resources":
			res, err := mapping(fp, kv.value)
			if err != nil {
				return err
			}
			for _, r := range res {
				rp := fp + "." + r.key
				switch r.key {
				case "limits":
					if err := parseLimits(rp, r.value, limits); err != nil {
						return err
					}
				case "reservations":
					if err := opaque(rp, r.value); err != nil {
						return err
					}
				default:
					return fail(rp, r.keyN, "unsupported resources key %q", r.key)
				}
			}
		case "restart_policy", "labels", "update_config", "rollback_config":
			if err := opaque(fp, kv.value); err != nil {
				return err
			}
		case "replicas":
			if _, err := intScalar(fp, kv.value); err != nil {
				return err
			}
		default:
			return fail(fp, kv.keyN, "unsupported deploy key %q", kv.key)
		}
	}
	return nil
}

func parseLimits(path string, n *yaml.Node, limits *Limits) error {
	pairs, err := mapping(path, n)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		fp := path + "." + kv.key
		switch kv.key {
		case "cpus":
			if limits.CPUs, err = strictScalar(fp, kv.value); err != nil {
				return err
			}
		case "memory":
			if limits.Memory, err = strictScalar(fp, kv.value); err != nil {
				return err
			}
		case "pids":
			if limits.PIDs, err = intScalar(fp, kv.value); err != nil {
				return err
			}
		default:
			return fail(fp, kv.keyN, "unsupported limits key %q", kv.key)
		}
	}
	return nil
}

func parseServiceSecrets(path string, n *yaml.Node) ([]string, error) {
	if err := noAlias(path, n); err != nil {
		return nil, err
	}
	if n.Kind != yaml.SequenceNode {
		return nil, fail(path, n, "expected a list")
	}
	var out []string
	for i, item := range n.Content {
		ip := fmt.Sprintf("%s[%d]", path, i)
		if item.Kind == yaml.MappingNode {
			fields, err := mapping(ip, item)
			if err != nil {
				return nil, err
			}
			source := ""
			for _, f := range fields {
				switch f.key {
				case "source":
					if source, err = strictScalar(ip+".source", f.value); err != nil {
						return nil, err
					}
				case "target", "uid", "gid", "mode":
					if _, err := strictScalar(ip+"."+f.key, f.value); err != nil {
						return nil, err
					}
				default:
					return nil, fail(ip, f.keyN, "unsupported secret key %q", f.key)
				}
			}
			if source == "" {
				return nil, fail(ip, item, "secret entry needs a source")
			}
			out = append(out, source)
			continue
		}
		s, err := strictScalar(ip, item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
