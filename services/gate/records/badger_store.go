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
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	store "github.com/AleutianAI/deploygate/services/gate/storage/badger"
)

// Key layout:
//
//	rec/<env>/<workload>/<unix-nanos, 20 digits>/<id>  -> Record
//	idx/<env>/<unix-nanos>/<workload>/<id>             -> Record key
//	state/<env>/<workload>                             -> State
//
// Zero-padded timestamps make lexical order chronological.
const (
	recordPrefix = "rec/"
	indexPrefix  = "idx/"
	statePrefix  = "state/"
)

func recordKey(r Record) []byte {
	return fmt.Appendf(nil, "%s%s/%s/%020d/%s", recordPrefix, r.Environment, r.Workload, r.Timestamp.UnixNano(), r.ID)
}

func indexKey(r Record) []byte {
	return fmt.Appendf(nil, "%s%s/%020d/%s/%s", indexPrefix, r.Environment, r.Timestamp.UnixNano(), r.Workload, r.ID)
}

func stateKey(env, workload string) []byte {
	return []byte(statePrefix + env + "/" + workload)
}

// BadgerStore is a Store on an open database.
//
// # Thread Safety
//
// Safe for concurrent use within one process.
type BadgerStore struct {
	db *store.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore wraps db. The caller keeps ownership of db.
func NewBadgerStore(db *store.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Append writes the record and its environment index entry atomically.
// An existing key is never overwritten.
func (s *BadgerStore) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.Timestamp.IsZero() {
		return errors.New("record requires an id and a timestamp")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := recordKey(rec)
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("record %s already exists", rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(rec), key)
	})
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context, env, workload string, limit int) ([]Record, error) {
	var out []Record
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if workload != "" {
			prefix := []byte(recordPrefix + env + "/" + workload + "/")
			return store.ScanReverse(txn, prefix, func(_, value []byte) (bool, error) {
				var rec Record
				if err := json.Unmarshal(value, &rec); err != nil {
					return false, fmt.Errorf("decode record: %w", err)
				}
				out = append(out, rec)
				return limit <= 0 || len(out) < limit, nil
			})
		}
		prefix := []byte(indexPrefix + env + "/")
		return store.ScanReverse(txn, prefix, func(_, recKey []byte) (bool, error) {
			item, err := txn.Get(recKey)
			if err != nil {
				return false, fmt.Errorf("index points at missing record: %w", err)
			}
			var rec Record
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return false, fmt.Errorf("decode record: %w", err)
			}
			out = append(out, rec)
			return limit <= 0 || len(out) < limit, nil
		})
	})
	return out, err
}

// GetState implements Store.
func (s *BadgerStore) GetState(ctx context.Context, env, workload string) (State, error) {
	var st State
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(env, workload))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoState
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &st) })
	})
	return st, err
}

// PutState implements Store.
func (s *BadgerStore) PutState(ctx context.Context, st State) error {
	if st.Environment == "" || st.Workload == "" {
		return errors.New("state requires an environment and a workload")
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(stateKey(st.Environment, st.Workload), data)
	})
}

// States implements Store.
func (s *BadgerStore) States(ctx context.Context, env string) ([]State, error) {
	var out []State
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return store.ScanReverse(txn, []byte(statePrefix+env+"/"), func(_, value []byte) (bool, error) {
			var st State
			if err := json.Unmarshal(value, &st); err != nil {
				return false, fmt.Errorf("decode state: %w", err)
			}
			out = append(out, st)
			return true, nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Workload < out[j].Workload })
	return out, err
}
