// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/deploygate/services/gate/lock"
	store "github.com/AleutianAI/deploygate/services/gate/storage/badger"
)

// Leaser is the part of the lock manager Guarded needs.
type Leaser interface {
	Acquire(ctx context.Context, key, holder string, timeout time.Duration) (*lock.Lease, error)
	Release(lease *lock.Lease) error
}

// Guarded is a Store shared by many gateway processes.
//
// # Description
//
// BadgerDB admits one process per directory, while many invocations run at
// once. Every operation takes the "records" lease, opens the database,
// performs the operation and closes it again. Operations are short, so
// holding the lease for their duration costs little.
//
// # Thread Safety
//
// Safe for concurrent use across goroutines and processes.
type Guarded struct {
	config  store.Config
	leaser  Leaser
	holder  string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Store = (*Guarded)(nil)

// NewGuarded returns a Store over the database at config.Path.
//
// # Inputs
//
//   - config: Database configuration.
//   - leaser: Lock manager used for the "records" lease.
//   - holder: Recorded as the lease holder.
//   - timeout: Bound on the wait for the lease.
func NewGuarded(config store.Config, leaser Leaser, holder string, timeout time.Duration, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{config: config, leaser: leaser, holder: holder, timeout: timeout, logger: logger}
}

func (g *Guarded) with(ctx context.Context, fn func(s *BadgerStore) error) (err error) {
	lease, err := g.leaser.Acquire(ctx, lock.RecordsKey, g.holder, g.timeout)
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	defer func() {
		if rerr := g.leaser.Release(lease); rerr != nil {
			g.logger.Warn("Failed to release records lease", "error", rerr)
		}
	}()

	db, err := store.Open(g.config)
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close record store: %w", cerr))
		}
	}()
	return fn(NewBadgerStore(db))
}

// Append implements Store.
func (g *Guarded) Append(ctx context.Context, rec Record) error {
	return g.with(ctx, func(s *BadgerStore) error { return s.Append(ctx, rec) })
}

// List implements Store.
func (g *Guarded) List(ctx context.Context, env, workload string, limit int) (out []Record, err error) {
	err = g.with(ctx, func(s *BadgerStore) error {
		out, err = s.List(ctx, env, workload, limit)
		return err
	})
	return out, err
}

// GetState implements Store.
func (g *Guarded) GetState(ctx context.Context, env, workload string) (st State, err error) {
	err = g.with(ctx, func(s *BadgerStore) error {
		st, err = s.GetState(ctx, env, workload)
		return err
	})
	return st, err
}

// PutState implements Store.
func (g *Guarded) PutState(ctx context.Context, st State) error {
	return g.with(ctx, func(s *BadgerStore) error { return s.PutState(ctx, st) })
}

// States implements Store.
func (g *Guarded) States(ctx context.Context, env string) (out []State, err error) {
	err = g.with(ctx, func(s *BadgerStore) error {
		out, err = s.States(ctx, env)
		return err
	})
	return out, err
}
