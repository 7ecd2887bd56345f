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
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// File names inside a release directory.
const (
	ComposeFile = "compose.yaml"
	RoutesFile  = "routes.conf"
	DesiredFile = "desired"
)

// maxManifestSize bounds how much of a manifest is read.
const maxManifestSize = 1 << 20

var (
	// ErrNotFound is returned when a workload, release or desired file is
	// missing from the tree.
	ErrNotFound = errors.New("not found in manifest tree")

	// ErrUnsafePath is returned for symlinks and non-regular files.
	ErrUnsafePath = errors.New("unsafe path in manifest tree")

	namePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// ValidName reports whether s is a legal workload name.
func ValidName(s string) bool { return namePattern.MatchString(s) }

// ValidVersion reports whether s is a legal release version.
func ValidVersion(s string) bool {
	return versionPattern.MatchString(s) && !strings.Contains(s, "..")
}

// Release is one versioned directory of the manifest tree.
type Release struct {
	Workload *Workload

	// Routes is the optional route fragment shipped with the release.
	Routes []byte
}

// Tree reads the versioned manifest tree:
//
//	<root>/<env>/<workload>/desired
//	<root>/<env>/<workload>/<version>/compose.yaml
//	<root>/<env>/<workload>/<version>/routes.conf   (optional)
type Tree struct {
	Root string
}

// ReleaseDir returns the directory of one release.
func (t Tree) ReleaseDir(env, workload, version string) string {
	return filepath.Join(t.Root, env, workload, version)
}

// Load reads and parses one release.
//
// # Description
//
// Names are validated before touching the filesystem. The compose file and
// route fragment must be regular files, never symlinks, so a manifest cannot
// be swapped for a file outside the tree. A parse failure is returned as
// *ParseError.
func (t Tree) Load(env, workload, version string) (*Release, error) {
	if !ValidName(workload) || !ValidVersion(version) {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, workload, version)
	}
	dir := t.ReleaseDir(env, workload, version)
	if err := checkDir(dir); err != nil {
		return nil, err
	}

	data, err := readRegular(filepath.Join(dir, ComposeFile))
	if err != nil {
		return nil, err
	}

	realDir := dir
	if r, err := filepath.EvalSymlinks(dir); err == nil {
		realDir = r
	}

	w, err := Parse(data, Source{Environment: env, Name: workload, Version: version, Dir: realDir})
	if err != nil {
		return nil, err
	}
	resolveHostPaths(w)

	rel := &Release{Workload: w}
	routes, err := readRegular(filepath.Join(dir, RoutesFile))
	switch {
	case err == nil:
		rel.Routes = routes
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}
	return rel, nil
}

// Desired returns the version named by a workload's desired file.
func (t Tree) Desired(env, workload string) (string, error) {
	if !ValidName(workload) {
		return "", fmt.Errorf("%w: workload %q", ErrNotFound, workload)
	}
	data, err := readRegular(filepath.Join(t.Root, env, workload, DesiredFile))
	if err != nil {
		return "", err
	}
	version := strings.TrimSpace(string(data))
	if !ValidVersion(version) {
		return "", fmt.Errorf("desired version %q for %s is not a valid version", version, workload)
	}
	return version, nil
}

// Workloads lists the workload directories of an environment, sorted.
// Entries whose names are not legal workload names are skipped.
func (t Tree) Workloads(env string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(t.Root, env))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workloads for %s: %w", env, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func checkDir(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrUnsafePath, dir)
	}
	return nil
}

func readRegular(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrUnsafePath, path)
	}
	if info.Size() > maxManifestSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrUnsafePath, path, maxManifestSize)
	}
	return os.ReadFile(path)
}

// resolveHostPaths records the symlink-free target of every bind source and
// env file that exists, so a link inside the release cannot point the
// engine somewhere the policy never looked.
func resolveHostPaths(w *Workload) {
	w.Resolved = make(map[string]string)
	add := func(p string) {
		abs, ok := w.HostPath(p)
		if !ok {
			return
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			w.Resolved[abs] = real
		}
	}
	for _, svc := range w.Services {
		for _, m := range svc.Mounts {
			if m.Kind == MountBind {
				add(m.Source)
			}
		}
		for _, f := range svc.EnvFiles {
			add(f)
		}
	}
}
