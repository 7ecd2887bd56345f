// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// PinnedFile is the name of a release's pinned manifest.
const PinnedFile = "compose.pinned.yaml"

// ErrNoPinnedRelease is returned when a release was never pinned.
var ErrNoPinnedRelease = errors.New("no pinned release")

// ReleaseStore keeps gateway-owned files under the app directory:
//
//	<dir>/<env>/<workload>/compose.yaml                         engine file
//	<dir>/<env>/<workload>/releases/<version>/compose.pinned.yaml
//
// The pinned manifest has every image replaced by its digest and no
// resolved secret paths, so it can be rendered again for a rollback.
type ReleaseStore struct {
	Dir string
}

func (s ReleaseStore) workloadDir(env, workload string) string {
	return filepath.Join(s.Dir, env, workload)
}

// PinnedPath returns where the pinned manifest of a release lives.
func (s ReleaseStore) PinnedPath(env, workload, version string) string {
	return filepath.Join(s.workloadDir(env, workload), "releases", version, PinnedFile)
}

// EngineFile returns the rendered compose file of a workload.
func (s ReleaseStore) EngineFile(env, workload string) string {
	return filepath.Join(s.workloadDir(env, workload), "compose.yaml")
}

// SavePinned stores the pinned manifest of a release.
func (s ReleaseStore) SavePinned(env, workload, version string, data []byte) error {
	return writeFile(s.PinnedPath(env, workload, version), data)
}

// LoadPinned reads the pinned manifest of a release.
func (s ReleaseStore) LoadPinned(env, workload, version string) ([]byte, error) {
	data, err := os.ReadFile(s.PinnedPath(env, workload, version))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s@%s", ErrNoPinnedRelease, env, workload, version)
	}
	return data, err
}

// WriteEngineFile replaces the engine file of a workload.
func (s ReleaseStore) WriteEngineFile(env, workload string, data []byte) (string, error) {
	p := s.EngineFile(env, workload)
	return p, writeFile(p, data)
}

// writeFile replaces path through a temp file and rename.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
