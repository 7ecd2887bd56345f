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
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/deploygate/services/gate/lock"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
	store "github.com/AleutianAI/deploygate/services/gate/storage/badger"
)

func newMemStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerStore(db)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(workload string, minute int, o outcome.Outcome) Record {
	return Record{
		ID:          uuid.NewString(),
		Environment: "staging",
		Workload:    workload,
		Ref:         fmt.Sprintf("%s@1.0.%d", workload, minute),
		Timestamp:   epoch.Add(time.Duration(minute) * time.Minute),
		Outcome:     o,
		Caller:      "ci",
	}
}

func TestBadgerStore_AppendAndList(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, s.Append(ctx, record("api", i, outcome.Succeeded)))
	}
	require.NoError(t, s.Append(ctx, record("web", 10, outcome.Rejected)))

	recs, err := s.List(ctx, "staging", "api", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "api@1.0.4", recs[0].Ref, "newest first")
	assert.Equal(t, "api@1.0.2", recs[2].Ref)

	all, err := s.List(ctx, "staging", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, "web", all[0].Workload, "environment listing is ordered by time across workloads")

	latest, ok, err := Latest(ctx, s, "staging", "api")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "api@1.0.4", latest.Ref)

	_, ok, err = Latest(ctx, s, "production", "api")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerStore_AppendNeverOverwrites(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	rec := record("api", 0, outcome.Succeeded)
	require.NoError(t, s.Append(ctx, rec))

	dup := rec
	dup.Outcome = outcome.Failed
	assert.Error(t, s.Append(ctx, dup))

	recs, err := s.List(ctx, "staging", "api", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, outcome.Succeeded, recs[0].Outcome)
}

func TestBadgerStore_AppendRequiresIdentity(t *testing.T) {
	s := newMemStore(t)
	assert.Error(t, s.Append(context.Background(), Record{Environment: "staging", Workload: "api"}))
}

func TestBadgerStore_RecordFieldsRoundTrip(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()
	rec := record("api", 0, outcome.Rejected)
	rec.RuleIDs = []string{"privileged-container", "published-port-public"}
	rec.Stage = outcome.StageValidating
	rec.Reason = "policy-violation"
	require.NoError(t, s.Append(ctx, rec))

	got, ok, err := Latest(ctx, s, "staging", "api")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestBadgerStore_State(t *testing.T) {
	s := newMemStore(t)
	ctx := context.Background()

	_, err := s.GetState(ctx, "staging", "api")
	assert.ErrorIs(t, err, ErrNoState)

	st := State{Environment: "staging", Workload: "api", AppliedRef: "api@2", KnownGoodRef: "api@1", UpdatedAt: epoch}
	require.NoError(t, s.PutState(ctx, st))
	require.NoError(t, s.PutState(ctx, State{Environment: "staging", Workload: "admin", AppliedRef: "admin@1", KnownGoodRef: "admin@1", UpdatedAt: epoch}))
	require.NoError(t, s.PutState(ctx, State{Environment: "production", Workload: "api", AppliedRef: "api@1", UpdatedAt: epoch}))

	got, err := s.GetState(ctx, "staging", "api")
	require.NoError(t, err)
	assert.Equal(t, st, got)
	assert.False(t, got.Healthy("api@2"))
	assert.True(t, State{AppliedRef: "api@1", KnownGoodRef: "api@1"}.Healthy("api@1"))
	assert.False(t, State{}.Healthy(""))

	states, err := s.States(ctx, "staging")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "admin", states[0].Workload)
	assert.Equal(t, "api", states[1].Workload)

	assert.Error(t, s.PutState(ctx, State{Workload: "api"}))
}

func newGuarded(t *testing.T) *Guarded {
	t.Helper()
	base := t.TempDir()
	cfg := lock.DefaultManagerConfig()
	cfg.LockDir = filepath.Join(base, "locks")
	cfg.PollInterval = 10 * time.Millisecond
	m, err := lock.NewManager(cfg)
	require.NoError(t, err)
	dbCfg := store.DefaultConfig(filepath.Join(base, "records"))
	dbCfg.SyncWrites = false
	return NewGuarded(dbCfg, m, "test", 10*time.Second, nil)
}

func TestGuarded_PersistsAcrossOpens(t *testing.T) {
	g := newGuarded(t)
	ctx := context.Background()

	require.NoError(t, g.Append(ctx, record("api", 0, outcome.Succeeded)))
	require.NoError(t, g.PutState(ctx, State{Environment: "staging", Workload: "api", AppliedRef: "api@1.0.0", KnownGoodRef: "api@1.0.0", UpdatedAt: epoch}))

	recs, err := g.List(ctx, "staging", "api", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	st, err := g.GetState(ctx, "staging", "api")
	require.NoError(t, err)
	assert.Equal(t, "api@1.0.0", st.KnownGoodRef)

	states, err := g.States(ctx, "staging")
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestGuarded_ConcurrentAppends(t *testing.T) {
	g := newGuarded(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.Append(ctx, record("api", i, outcome.Succeeded))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	recs, err := g.List(ctx, "staging", "api", 0)
	require.NoError(t, err)
	assert.Len(t, recs, len(errs))
}
