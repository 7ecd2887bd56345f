// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package records stores the append-only deployment history and the
// per-workload applied and known-good refs.
package records

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/deploygate/services/gate/outcome"
)

// ErrNoState is returned by GetState for a workload that was never deployed.
var ErrNoState = errors.New("no deployment state")

// Record is one terminal deployment outcome. Records are never mutated.
type Record struct {
	ID          string          `json:"id"`
	Environment string          `json:"environment"`
	Workload    string          `json:"workload"`
	Ref         string          `json:"ref"`
	Timestamp   time.Time       `json:"timestamp"`
	Outcome     outcome.Outcome `json:"outcome"`
	RuleIDs     []string        `json:"rule_ids,omitempty"`
	Stage       outcome.Stage   `json:"stage,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	NoOp        bool            `json:"no_op,omitempty"`
	Caller      string          `json:"caller"`
}

// State is the deployment state of one workload.
type State struct {
	Environment string `json:"environment"`
	Workload    string `json:"workload"`

	// AppliedRef is what the engine was last converged to.
	AppliedRef string `json:"applied_ref,omitempty"`

	// KnownGoodRef is the last ref that passed verification. Rollbacks
	// converge to it.
	KnownGoodRef string `json:"known_good_ref,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Healthy reports whether ref is both applied and known good.
func (s State) Healthy(ref string) bool {
	return ref != "" && s.AppliedRef == ref && s.KnownGoodRef == ref
}

// Store persists records and state.
type Store interface {
	// Append adds a record. The record's ID and Timestamp must be set.
	Append(ctx context.Context, rec Record) error

	// List returns up to limit records of a workload, newest first. An
	// empty workload lists the whole environment.
	List(ctx context.Context, env, workload string, limit int) ([]Record, error)

	// GetState returns the workload's state, or ErrNoState.
	GetState(ctx context.Context, env, workload string) (State, error)

	// PutState replaces the workload's state.
	PutState(ctx context.Context, st State) error

	// States returns the state of every workload of env, sorted by workload.
	States(ctx context.Context, env string) ([]State, error)
}

// Latest returns the newest record of a workload, or false when none exists.
func Latest(ctx context.Context, s Store, env, workload string) (Record, bool, error) {
	recs, err := s.List(ctx, env, workload, 1)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}
