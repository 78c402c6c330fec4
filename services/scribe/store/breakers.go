// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/scribe/services/scribe/breaker"
)

const breakerPrefix = "breaker/"

// Store is the engine state database.
//
// # Thread Safety
//
// Store is safe for concurrent use. Close is idempotent.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex
	closed    bool
}

var _ breaker.SnapshotStore = (*Store)(nil)

// Open opens the state database.
//
// # Outputs
//
//   - *Store: Open store. Callers must Close it.
//   - error: Non-nil if the path is missing or BadgerDB cannot open it.
func Open(cfg Config) (*Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if s.gc != nil {
			s.gc.stop()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(fn)
}

// SaveSnapshot stores the snapshot of one breaker.
func (s *Store) SaveSnapshot(ctx context.Context, snap breaker.Snapshot) error {
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(breakerPrefix+snap.RuleID), val)
	})
}

// LoadSnapshot returns the stored snapshot for ruleID, if any.
func (s *Store) LoadSnapshot(ctx context.Context, ruleID string) (breaker.Snapshot, bool, error) {
	var snap breaker.Snapshot
	found := false
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(breakerPrefix + ruleID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return breaker.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", ruleID, err)
	}
	return snap, found, nil
}

// Snapshots returns every stored breaker snapshot keyed by rule id.
func (s *Store) Snapshots(ctx context.Context) (map[string]breaker.Snapshot, error) {
	out := make(map[string]breaker.Snapshot)
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(breakerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var snap breaker.Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			out[snap.RuleID] = snap
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

// DeleteSnapshot removes the snapshot for ruleID.
func (s *Store) DeleteSnapshot(ctx context.Context, ruleID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(breakerPrefix + ruleID))
	})
}
