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
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// ErrInvalidImage is returned for malformed image references.
var ErrInvalidImage = errors.New("invalid image reference")

var (
	digestPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)
	imagePattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/:@-]*$`)
)

// floatingTags are tags that registries conventionally move.
var floatingTags = map[string]bool{
	"latest":      true,
	"stable":      true,
	"edge":        true,
	"dev":         true,
	"develop":     true,
	"development": true,
	"main":        true,
	"master":      true,
	"head":        true,
	"nightly":     true,
	"canary":      true,
	"beta":        true,
	"alpha":       true,
}

// ParseImageRef splits an image reference into registry, repository, tag and
// digest.
//
// # Description
//
// Follows the engine's normalization: a single path component is an official
// image ("nginx" -> docker.io/library/nginx) and the first component is a
// registry only when it contains "." or ":" or is "localhost". A missing tag
// without a digest means "latest".
//
// # Inputs
//
//   - image: Reference as written in the manifest.
//
// # Outputs
//
//   - ImageRef: Parsed reference.
//   - error: ErrInvalidImage for empty, malformed or short-digest references.
//
// # Example
//
//	ref, _ := ParseImageRef("ghcr.io/acme/api:1.4.2")
//	// ref.Registry == "ghcr.io", ref.Repository == "acme/api", ref.Tag == "1.4.2"
func ParseImageRef(image string) (ImageRef, error) {
	ref := ImageRef{Original: image}

	if image == "" {
		return ref, fmt.Errorf("%w: empty", ErrInvalidImage)
	}
	if !imagePattern.MatchString(image) {
		return ref, fmt.Errorf("%w: %q", ErrInvalidImage, image)
	}

	rest := image
	if idx := strings.Index(rest, "@"); idx != -1 {
		ref.Digest = rest[idx+1:]
		rest = rest[:idx]
		if !digestPattern.MatchString(ref.Digest) {
			return ref, fmt.Errorf("%w: bad digest in %q", ErrInvalidImage, image)
		}
	}

	if idx := strings.LastIndex(rest, ":"); idx != -1 {
		tag := rest[idx+1:]
		if !strings.Contains(tag, "/") {
			ref.Tag = tag
			rest = rest[:idx]
		}
	}

	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = "latest"
	}

	parts := strings.SplitN(rest, "/", 2)
	switch {
	case len(parts) == 1:
		ref.Registry = "docker.io"
		ref.Repository = "library/" + parts[0]
	case strings.ContainsAny(parts[0], ".:") || parts[0] == "localhost":
		ref.Registry = parts[0]
		ref.Repository = parts[1]
	default:
		ref.Registry = "docker.io"
		ref.Repository = rest
	}

	if ref.Repository == "" || strings.HasSuffix(ref.Repository, "/") {
		return ref, fmt.Errorf("%w: %q", ErrInvalidImage, image)
	}

	return ref, nil
}

// IsFloating reports whether the reference can silently change content.
//
// # Description
//
// A digest is never floating. Otherwise a tag is floating when it is one of
// the conventional moving names, or a partial semantic version ("1",
// "v2.3") that registries re-point on every patch release. A full
// major.minor.patch tag is treated as fixed.
func (r ImageRef) IsFloating() bool {
	if r.Digest != "" {
		return false
	}
	tag := strings.ToLower(r.Tag)
	if tag == "" || floatingTags[tag] {
		return true
	}

	v := tag
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if semver.IsValid(v) {
		core := strings.TrimPrefix(v, "v")
		if i := strings.IndexAny(core, "-+"); i != -1 {
			core = core[:i]
		}
		return strings.Count(core, ".") < 2
	}
	return false
}
