// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fsperm checks ownership and permission bits of files the gateway
// trusts: the policy override file and the secrets tree.
package fsperm

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrInsecure is returned when a file fails an ownership or mode check.
var ErrInsecure = errors.New("insecure file ownership or permissions")

// Info is the subset of lstat(2) the checks need.
type Info struct {
	UID     uint32
	GID     uint32
	Mode    os.FileMode
	Regular bool
	Dir     bool
	Symlink bool
}

// Stat is the lstat implementation. Tests replace it.
type Stat func(path string) (Info, error)

// Lstat reads ownership and mode without following symlinks.
func Lstat(path string) (Info, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Info{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	mode := os.FileMode(st.Mode & 0o777)
	typ := st.Mode & unix.S_IFMT
	return Info{
		UID:     st.Uid,
		GID:     st.Gid,
		Mode:    mode,
		Regular: typ == unix.S_IFREG,
		Dir:     typ == unix.S_IFDIR,
		Symlink: typ == unix.S_IFLNK,
	}, nil
}

// Rule describes what an acceptable file looks like.
type Rule struct {
	// OwnerUID is the required owner.
	OwnerUID uint32

	// GroupGID, when RequireGroup is set, is the required group.
	GroupGID     uint32
	RequireGroup bool

	// ForbiddenBits are mode bits that must be clear.
	ForbiddenBits os.FileMode
}

// RootOnlyWritable forbids group and world write, the rule for the policy
// override file.
var RootOnlyWritable = Rule{OwnerUID: 0, ForbiddenBits: 0o022}

// Check validates one path against a rule.
//
// # Description
//
// Symlinks always fail: the checked file must be the file that will be read.
// The error names the path and the failed property but never the contents.
func (r Rule) Check(stat Stat, path string, wantDir bool) error {
	info, err := stat(path)
	if err != nil {
		return err
	}
	switch {
	case info.Symlink:
		return fmt.Errorf("%w: %s is a symlink", ErrInsecure, path)
	case wantDir && !info.Dir:
		return fmt.Errorf("%w: %s is not a directory", ErrInsecure, path)
	case !wantDir && !info.Regular:
		return fmt.Errorf("%w: %s is not a regular file", ErrInsecure, path)
	case info.UID != r.OwnerUID:
		return fmt.Errorf("%w: %s is owned by uid %d, want %d", ErrInsecure, path, info.UID, r.OwnerUID)
	case r.RequireGroup && info.GID != r.GroupGID:
		return fmt.Errorf("%w: %s has group %d, want %d", ErrInsecure, path, info.GID, r.GroupGID)
	case info.Mode&r.ForbiddenBits != 0:
		return fmt.Errorf("%w: %s has mode %04o", ErrInsecure, path, info.Mode)
	}
	return nil
}
