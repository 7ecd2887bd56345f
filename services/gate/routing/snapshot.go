// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// snapshotStamp sorts lexically in time order.
const snapshotStamp = "20060102T150405.000000000Z"

const (
	snapshotExt = ".snap"

	// absentExt marks a snapshot of a live file that did not exist.
	// Restoring it removes the live file.
	absentExt = ".absent"
)

// Snapshot is one saved copy of the live routing configuration.
type Snapshot struct {
	Path   string    `json:"path"`
	Taken  time.Time `json:"taken"`
	Absent bool      `json:"absent,omitempty"`
	Size   int64     `json:"size"`
}

// SnapshotStore keeps timestamped copies of one live file.
//
// # Description
//
// Take copies the live file before every apply attempt; Restore writes a
// copy back atomically; Prune keeps the newest Keep snapshots.
//
// # Thread Safety
//
// Not safe for concurrent use. Callers hold the routing lease.
type SnapshotStore struct {
	dir  string
	base string
	keep int
	now  func() time.Time
}

// NewSnapshotStore returns a store in dir for the live file livePath.
func NewSnapshotStore(dir, livePath string, keep int) (*SnapshotStore, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep_snapshots must be at least 1, got %d", keep)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &SnapshotStore{
		dir:  dir,
		base: filepath.Base(livePath),
		keep: keep,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Take copies livePath into the store.
func (s *SnapshotStore) Take(livePath string) (Snapshot, error) {
	taken := s.now()
	name := s.base + "." + taken.Format(snapshotStamp)

	data, err := os.ReadFile(livePath)
	if errors.Is(err, fs.ErrNotExist) {
		snap := Snapshot{Path: filepath.Join(s.dir, name+absentExt), Taken: taken, Absent: true}
		if err := writeAtomic(snap.Path, nil, 0o640); err != nil {
			return Snapshot{}, fmt.Errorf("record absent snapshot: %w", err)
		}
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read live config: %w", err)
	}

	snap := Snapshot{Path: filepath.Join(s.dir, name+snapshotExt), Taken: taken, Size: int64(len(data))}
	if err := writeAtomic(snap.Path, data, 0o640); err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	return snap, nil
}

// Restore writes snap back to livePath.
func (s *SnapshotStore) Restore(snap Snapshot, livePath string) error {
	if snap.Absent {
		if err := os.Remove(livePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove live config: %w", err)
		}
		return nil
	}
	data, err := os.ReadFile(snap.Path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(livePath); err == nil {
		mode = info.Mode().Perm()
	}
	if err := writeAtomic(livePath, data, mode); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

// List returns snapshots newest first.
func (s *SnapshotStore) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	prefix := s.base + "."
	var out []Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		ext := filepath.Ext(name)
		if ext != snapshotExt && ext != absentExt {
			continue
		}
		taken, err := time.Parse(snapshotStamp, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext))
		if err != nil {
			continue
		}
		snap := Snapshot{Path: filepath.Join(s.dir, name), Taken: taken, Absent: ext == absentExt}
		if info, err := e.Info(); err == nil {
			snap.Size = info.Size()
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Taken.After(out[j].Taken) })
	return out, nil
}

// Prune removes all but the newest Keep snapshots and returns how many it
// removed.
func (s *SnapshotStore) Prune() (int, error) {
	snaps, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for i := s.keep; i < len(snaps); i++ {
		if err := os.Remove(snaps[i].Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// writeAtomic replaces path with data via a temp file in the same directory
// and a rename, so readers see either the old or the new content.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
