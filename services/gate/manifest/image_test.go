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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDigest = "sha256:" + strings.Repeat("ab", 32)

func TestParseImageRef(t *testing.T) {
	tests := []struct {
		in   string
		want ImageRef
	}{
		{"nginx", ImageRef{Registry: "docker.io", Repository: "library/nginx", Tag: "latest"}},
		{"nginx:1.25.3", ImageRef{Registry: "docker.io", Repository: "library/nginx", Tag: "1.25.3"}},
		{"acme/api:2", ImageRef{Registry: "docker.io", Repository: "acme/api", Tag: "2"}},
		{"ghcr.io/acme/api:1.0.0", ImageRef{Registry: "ghcr.io", Repository: "acme/api", Tag: "1.0.0"}},
		{"localhost/api", ImageRef{Registry: "localhost", Repository: "api", Tag: "latest"}},
		{"registry:5000/team/api:v3", ImageRef{Registry: "registry:5000", Repository: "team/api", Tag: "v3"}},
		{"nginx@" + testDigest, ImageRef{Registry: "docker.io", Repository: "library/nginx", Digest: testDigest}},
		{"nginx:1.25@" + testDigest, ImageRef{Registry: "docker.io", Repository: "library/nginx", Tag: "1.25", Digest: testDigest}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseImageRef(tt.in)
			require.NoError(t, err)
			tt.want.Original = tt.in
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseImageRef_Invalid(t *testing.T) {
	for _, in := range []string{"", "ng inx", "nginx@sha256:1234", "-rm", "acme/"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseImageRef(in)
			assert.ErrorIs(t, err, ErrInvalidImage)
		})
	}
}

func TestImageRef_IsFloating(t *testing.T) {
	tests := []struct {
		image    string
		floating bool
	}{
		{"nginx", true},
		{"nginx:latest", true},
		{"nginx:Stable", true},
		{"nginx:1", true},
		{"nginx:1.25", true},
		{"nginx:v2.3", true},
		{"nginx:1.25.3", false},
		{"nginx:v1.2.3-rc.1", false},
		{"nginx:3f2a9c1", false},
		{"nginx@" + testDigest, false},
		{"nginx:latest@" + testDigest, false},
	}

	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			ref, err := ParseImageRef(tt.image)
			require.NoError(t, err)
			assert.Equal(t, tt.floating, ref.IsFloating())
		})
	}
}

func TestImageRef_WithDigest(t *testing.T) {
	ref, err := ParseImageRef("redis:7")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/redis@"+testDigest, ref.WithDigest(testDigest))
	assert.True(t, ref.String() == "docker.io/library/redis:7")
}
