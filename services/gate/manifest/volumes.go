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
	"strings"

	"gopkg.in/yaml.v3"
)

// isHostPath reports whether a short-syntax volume source is a host path
// rather than a volume name.
func isHostPath(src string) bool {
	return strings.HasPrefix(src, "/") || strings.HasPrefix(src, ".") || strings.HasPrefix(src, "~")
}

func parseServiceVolumes(path string, n *yaml.Node, w *Workload) ([]Mount, error) {
	if err := noAlias(path, n); err != nil {
		return nil, err
	}
	if n.Kind != yaml.SequenceNode {
		return nil, fail(path, n, "expected a list")
	}

	out := make([]Mount, 0, len(n.Content))
	for i, item := range n.Content {
		ip := fmt.Sprintf("%s[%d]", path, i)
		var (
			m   Mount
			err error
		)
		if item.Kind == yaml.MappingNode {
			m, err = parseLongVolume(ip, item)
		} else {
			var s string
			if s, err = strictScalar(ip, item); err == nil {
				m, err = parseShortVolume(s)
				if err != nil {
					err = fail(ip, item, "%v", err)
				}
			}
		}
		if err != nil {
			return nil, err
		}
		if m, err = resolveNamedVolume(m, w); err != nil {
			return nil, fail(ip, item, "%v", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// parseShortVolume parses "[source:]target[:mode]".
func parseShortVolume(s string) (Mount, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return Mount{Kind: MountVolume, Target: parts[0]}, nil
	case 2, 3:
		m := Mount{Source: parts[0], Target: parts[1], Kind: MountVolume}
		if isHostPath(m.Source) {
			m.Kind = MountBind
		}
		if len(parts) == 3 {
			for _, opt := range strings.Split(parts[2], ",") {
				switch opt {
				case "ro":
					m.ReadOnly = true
				case "rw", "z", "Z", "nocopy", "cached", "delegated", "consistent",
					"rprivate", "private", "rslave", "slave":
				case "shared", "rshared":
					return m, fmt.Errorf("mount propagation %q is not allowed", opt)
				default:
					return m, fmt.Errorf("unsupported volume option %q", opt)
				}
			}
		}
		if m.Source == "" || m.Target == "" {
			return m, fmt.Errorf("malformed volume %q", s)
		}
		return m, nil
	default:
		return Mount{}, fmt.Errorf("malformed volume %q", s)
	}
}

func parseLongVolume(path string, n *yaml.Node) (Mount, error) {
	var m Mount
	fields, err := mapping(path, n)
	if err != nil {
		return m, err
	}
	for _, f := range fields {
		fp := path + "." + f.key
		switch f.key {
		case "type":
			t, err := strictScalar(fp, f.value)
			if err != nil {
				return m, err
			}
			switch MountKind(t) {
			case MountBind, MountVolume, MountTmpfs:
				m.Kind = MountKind(t)
			default:
				return m, fail(fp, f.value, "unsupported mount type %q", t)
			}
		case "source":
			if m.Source, err = strictScalar(fp, f.value); err != nil {
				return m, err
			}
		case "target":
			if m.Target, err = strictScalar(fp, f.value); err != nil {
				return m, err
			}
		case "read_only":
			if m.ReadOnly, err = boolean(fp, f.value); err != nil {
				return m, err
			}
		case "bind":
			opts, err := mapping(fp, f.value)
			if err != nil {
				return m, err
			}
			for _, o := range opts {
				v, err := strictScalar(fp+"."+o.key, o.value)
				if err != nil {
					return m, err
				}
				if o.key == "propagation" && strings.Contains(v, "shared") {
					return m, fail(fp, o.value, "mount propagation %q is not allowed", v)
				}
			}
		case "volume", "tmpfs", "consistency":
			if err := opaque(fp, f.value); err != nil {
				return m, err
			}
		default:
			return m, fail(fp, f.keyN, "unsupported mount key %q", f.key)
		}
	}
	if m.Kind == "" {
		return m, fail(path, n, "mount needs a type")
	}
	if m.Target == "" {
		return m, fail(path, n, "mount needs a target")
	}
	if m.Kind == MountBind && m.Source == "" {
		return m, fail(path, n, "bind mount needs a source")
	}
	return m, nil
}

// resolveNamedVolume turns a reference to a driver_opts bind volume into the
// bind mount it really is.
func resolveNamedVolume(m Mount, w *Workload) (Mount, error) {
	if m.Kind != MountVolume || m.Source == "" {
		return m, nil
	}
	vol, ok := w.Volumes[m.Source]
	if !ok {
		return m, fmt.Errorf("volume %q is not declared in the top-level volumes mapping", m.Source)
	}
	if vol.BindDevice != "" {
		m.Kind = MountBind
		m.Source = vol.BindDevice
	}
	return m, nil
}
