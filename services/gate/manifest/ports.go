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
	"net"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var portPattern = regexp.MustCompile(`^[0-9]{1,5}(-[0-9]{1,5})?$`)

// IsLoopback reports whether the binding only listens on a loopback
// interface. An empty host IP binds every interface.
func (b PortBinding) IsLoopback() bool {
	host := strings.Trim(b.HostIP, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// String renders the binding in short syntax.
func (b PortBinding) String() string {
	var sb strings.Builder
	if b.HostIP != "" {
		if strings.Contains(b.HostIP, ":") && !strings.HasPrefix(b.HostIP, "[") {
			sb.WriteString("[" + b.HostIP + "]")
		} else {
			sb.WriteString(b.HostIP)
		}
		sb.WriteByte(':')
	}
	if b.HostPort != "" {
		sb.WriteString(b.HostPort)
		sb.WriteByte(':')
	}
	sb.WriteString(b.ContainerPort)
	if b.Protocol != "" && b.Protocol != "tcp" {
		sb.WriteString("/" + b.Protocol)
	}
	return sb.String()
}

func parsePorts(path string, n *yaml.Node) ([]PortBinding, error) {
	if err := noAlias(path, n); err != nil {
		return nil, err
	}
	if n.Kind != yaml.SequenceNode {
		return nil, fail(path, n, "expected a list")
	}

	out := make([]PortBinding, 0, len(n.Content))
	for i, item := range n.Content {
		ip := fmt.Sprintf("%s[%d]", path, i)
		var (
			b   PortBinding
			err error
		)
		if item.Kind == yaml.MappingNode {
			b, err = parseLongPort(ip, item)
		} else {
			var s string
			if s, err = strictScalar(ip, item); err == nil {
				b, err = parseShortPort(s)
				if err != nil {
					err = fail(ip, item, "%v", err)
				}
			}
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// parseShortPort parses "[[ip:]host:]container[/proto]".
func parseShortPort(s string) (PortBinding, error) {
	b := PortBinding{Protocol: "tcp"}

	if idx := strings.LastIndex(s, "/"); idx != -1 {
		b.Protocol = strings.ToLower(s[idx+1:])
		s = s[:idx]
	}
	if b.Protocol != "tcp" && b.Protocol != "udp" && b.Protocol != "sctp" {
		return b, fmt.Errorf("unsupported protocol %q", b.Protocol)
	}

	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end == -1 || len(s) < end+2 || s[end+1] != ':' {
			return b, fmt.Errorf("malformed IPv6 binding %q", s)
		}
		b.HostIP = s[1:end]
		s = s[end+2:]
		parts := strings.Split(s, ":")
		if len(parts) != 2 {
			return b, fmt.Errorf("malformed port binding %q", s)
		}
		b.HostPort, b.ContainerPort = parts[0], parts[1]
	} else {
		parts := strings.Split(s, ":")
		switch len(parts) {
		case 1:
			b.ContainerPort = parts[0]
		case 2:
			b.HostPort, b.ContainerPort = parts[0], parts[1]
		case 3:
			b.HostIP, b.HostPort, b.ContainerPort = parts[0], parts[1], parts[2]
		default:
			return b, fmt.Errorf("ambiguous port binding %q (bracket IPv6 addresses)", s)
		}
	}

	if err := checkHostIP(b.HostIP); err != nil {
		return b, err
	}
	if b.HostPort != "" && !portPattern.MatchString(b.HostPort) {
		return b, fmt.Errorf("invalid host port %q", b.HostPort)
	}
	if !portPattern.MatchString(b.ContainerPort) {
		return b, fmt.Errorf("invalid container port %q", b.ContainerPort)
	}
	return b, nil
}

func parseLongPort(path string, n *yaml.Node) (PortBinding, error) {
	b := PortBinding{Protocol: "tcp"}
	fields, err := mapping(path, n)
	if err != nil {
		return b, err
	}
	for _, f := range fields {
		fp := path + "." + f.key
		switch f.key {
		case "target":
			if b.ContainerPort, err = strictScalar(fp, f.value); err != nil {
				return b, err
			}
		case "published":
			if b.HostPort, err = strictScalar(fp, f.value); err != nil {
				return b, err
			}
		case "host_ip":
			if b.HostIP, err = strictScalar(fp, f.value); err != nil {
				return b, err
			}
		case "protocol":
			if b.Protocol, err = strictScalar(fp, f.value); err != nil {
				return b, err
			}
		case "mode", "name", "app_protocol":
			if _, err := strictScalar(fp, f.value); err != nil {
				return b, err
			}
		default:
			return b, fail(fp, f.keyN, "unsupported port key %q", f.key)
		}
	}
	if !portPattern.MatchString(b.ContainerPort) {
		return b, fail(path, n, "invalid or missing target port")
	}
	if b.HostPort != "" && !portPattern.MatchString(b.HostPort) {
		return b, fail(path, n, "invalid published port %q", b.HostPort)
	}
	if err := checkHostIP(b.HostIP); err != nil {
		return b, fail(path, n, "%v", err)
	}
	return b, nil
}

func checkHostIP(host string) error {
	if host == "" || host == "localhost" {
		return nil
	}
	if net.ParseIP(host) == nil {
		return fmt.Errorf("host interface %q is not an IP address", host)
	}
	return nil
}
