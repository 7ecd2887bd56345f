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
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const fragmentExt = ".conf"

// FragmentKey names the route fragment of one workload.
type FragmentKey struct {
	Environment string
	Workload    string
}

func (k FragmentKey) String() string { return k.Environment + "/" + k.Workload }

// Fragments is the directory of installed route fragments:
//
//	<dir>/<env>/<workload>.conf
//
// The live configuration is always the base file followed by every
// installed fragment in (env, workload) order, so workloads of different
// environments never overwrite each other's routes.
type Fragments struct {
	Dir  string
	Base string
}

func (f Fragments) path(k FragmentKey) string {
	return filepath.Join(f.Dir, k.Environment, k.Workload+fragmentExt)
}

// Installed returns the fragment currently installed for k, or nil.
func (f Fragments) Installed(k FragmentKey) ([]byte, error) {
	data, err := os.ReadFile(f.path(k))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Install writes the fragment for k. An empty fragment removes it.
func (f Fragments) Install(k FragmentKey, fragment []byte) error {
	p := f.path(k)
	if len(fragment) == 0 {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	return writeAtomic(p, fragment, 0o640)
}

// Assemble builds the routing configuration with k's fragment replaced by
// fragment. A nil fragment drops k.
func (f Fragments) Assemble(k FragmentKey, fragment []byte) ([]byte, error) {
	base, err := os.ReadFile(f.Base)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read base routing config: %w", err)
	}

	parts, err := f.installed()
	if err != nil {
		return nil, err
	}
	if fragment != nil {
		parts[k] = fragment
	} else {
		delete(parts, k)
	}

	keys := make([]FragmentKey, 0, len(parts))
	for key := range parts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Environment != keys[j].Environment {
			return keys[i].Environment < keys[j].Environment
		}
		return keys[i].Workload < keys[j].Workload
	})

	var buf bytes.Buffer
	buf.Write(base)
	for _, key := range keys {
		if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "\n# deploygate: %s\n", key)
		buf.Write(parts[key])
	}
	if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (f Fragments) installed() (map[FragmentKey][]byte, error) {
	parts := make(map[FragmentKey][]byte)
	envs, err := os.ReadDir(f.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return parts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list route fragments: %w", err)
	}
	for _, env := range envs {
		if !env.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(f.Dir, env.Name()))
		if err != nil {
			return nil, fmt.Errorf("list route fragments: %w", err)
		}
		for _, file := range files {
			name := file.Name()
			if !file.Type().IsRegular() || filepath.Ext(name) != fragmentExt || strings.HasPrefix(name, ".") {
				continue
			}
			k := FragmentKey{Environment: env.Name(), Workload: strings.TrimSuffix(name, fragmentExt)}
			data, err := os.ReadFile(filepath.Join(f.Dir, env.Name(), name))
			if err != nil {
				return nil, fmt.Errorf("read route fragment %s: %w", k, err)
			}
			parts[k] = data
		}
	}
	return parts, nil
}
