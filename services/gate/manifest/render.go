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
	"fmt"

	"gopkg.in/yaml.v3"
)

// RenderOptions controls what Render substitutes into the manifest.
type RenderOptions struct {
	// Images maps service name to the pinned reference to write.
	Images map[string]string

	// SecretFiles maps secret name to the file that backs it.
	SecretFiles map[string]string
}

// Render rewrites the original manifest with pinned images and secret
// sources, preserving everything else including key order.
//
// # Description
//
// Render works on the YAML node tree of Workload.Raw, so fields the gateway
// does not model survive untouched. It is used twice per apply: once without
// SecretFiles to produce the pinned release kept for rollback, and once with
// them to produce the file handed to the engine.
//
// # Outputs
//
//   - []byte: The rendered manifest.
//   - error: When the raw manifest no longer decodes, or an image or secret
//     names a service or secret the manifest does not declare.
func Render(w *Workload, opts RenderOptions) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(w.Raw, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest for render: %w", err)
	}
	root := doc.Content[0]

	services := lookup(root, "services")
	if services == nil {
		return nil, fmt.Errorf("render: manifest has no services")
	}

	for name, image := range opts.Images {
		svc := lookup(services, name)
		if svc == nil {
			return nil, fmt.Errorf("render: unknown service %q", name)
		}
		setScalar(svc, "image", image)
	}

	if len(opts.SecretFiles) > 0 {
		secrets := lookup(root, "secrets")
		if secrets == nil {
			return nil, fmt.Errorf("render: manifest declares no secrets")
		}
		for name, file := range opts.SecretFiles {
			idx := indexOf(secrets, name)
			if idx == -1 {
				return nil, fmt.Errorf("render: unknown secret %q", name)
			}
			secrets.Content[idx+1] = &yaml.Node{
				Kind: yaml.MappingNode,
				Tag:  "!!map",
				Content: []*yaml.Node{
					{Kind: yaml.ScalarNode, Tag: "!!str", Value: "file"},
					{Kind: yaml.ScalarNode, Tag: "!!str", Value: file},
				},
			}
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode rendered manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode rendered manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func indexOf(m *yaml.Node, key string) int {
	if m == nil || m.Kind != yaml.MappingNode {
		return -1
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	idx := indexOf(m, key)
	if idx == -1 {
		return nil
	}
	return m.Content[idx+1]
}

func setScalar(m *yaml.Node, key, value string) {
	if idx := indexOf(m, key); idx != -1 {
		m.Content[idx+1] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
		return
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
