// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fsperm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(info Info) Stat {
	return func(string) (Info, error) { return info, nil }
}

func TestRule_Check(t *testing.T) {
	rule := Rule{OwnerUID: 0, GroupGID: 990, RequireGroup: true, ForbiddenBits: 0o027}

	tests := []struct {
		name    string
		info    Info
		wantDir bool
		ok      bool
	}{
		{"good file", Info{UID: 0, GID: 990, Mode: 0o440, Regular: true}, false, true},
		{"good dir", Info{UID: 0, GID: 990, Mode: 0o750, Dir: true}, true, true},
		{"wrong owner", Info{UID: 1000, GID: 990, Mode: 0o440, Regular: true}, false, false},
		{"wrong group", Info{UID: 0, GID: 0, Mode: 0o440, Regular: true}, false, false},
		{"world readable", Info{UID: 0, GID: 990, Mode: 0o444, Regular: true}, false, false},
		{"group writable", Info{UID: 0, GID: 990, Mode: 0o460, Regular: true}, false, false},
		{"symlink", Info{UID: 0, GID: 990, Mode: 0o777, Symlink: true}, false, false},
		{"dir expected", Info{UID: 0, GID: 990, Mode: 0o440, Regular: true}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rule.Check(fixed(tt.info), "/x", tt.wantDir)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInsecure)
			}
		})
	}
}

func TestLstat_RealFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o640))
	require.NoError(t, os.Chmod(path, 0o640))

	info, err := Lstat(path)
	require.NoError(t, err)
	assert.True(t, info.Regular)
	assert.Equal(t, os.FileMode(0o640), info.Mode)
	assert.Equal(t, uint32(os.Getuid()), info.UID)

	link := filepath.Join(dir, "l")
	require.NoError(t, os.Symlink(path, link))
	info, err = Lstat(link)
	require.NoError(t, err)
	assert.True(t, info.Symlink)

	_, err = Lstat(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRootOnlyWritable(t *testing.T) {
	assert.NoError(t, RootOnlyWritable.Check(fixed(Info{UID: 0, Mode: 0o644, Regular: true}), "/etc/x", false))
	assert.Error(t, RootOnlyWritable.Check(fixed(Info{UID: 0, Mode: 0o664, Regular: true}), "/etc/x", false))
}
