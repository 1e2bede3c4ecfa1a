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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/pipectl/cmd/pipectl/internal/domain"
)

// Key layout.
var (
	runPrefix    = []byte("run/")
	targetPrefix = []byte("target/")
	runSeqKey    = []byte("seq/run")
)

var (
	// ErrDuplicateRun is returned by Begin when the run ID is taken.
	ErrDuplicateRun = errors.New("run id already used")

	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunFinalized is returned by Finish for a run that already finished.
	ErrRunFinalized = errors.New("run already finalized")
)

// Store persists runs.
//
// # Description
//
// Runs are keyed by ID in big-endian order so listing newest first is a
// reverse prefix scan. IDs come from a badger sequence; IDs chosen by the
// caller are accepted as long as they are unused.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store.
func Open(cfg Config) (*Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close runs one best-effort value log GC pass and closes the database.
func (s *Store) Close() error {
	if !s.db.Opts().InMemory {
		// ErrNoRewrite is the common case for a small store
		_ = s.db.RunValueLogGC(0.5)
	}
	return s.db.Close()
}

func runKey(id uint64) []byte {
	k := make([]byte, len(runPrefix)+8)
	copy(k, runPrefix)
	binary.BigEndian.PutUint64(k[len(runPrefix):], id)
	return k
}

func targetKey(env string) []byte {
	return append(append([]byte{}, targetPrefix...), env...)
}

// NextRunID returns an ID never used before. IDs start at 1.
func (s *Store) NextRunID(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	seq, err := s.db.GetSequence(runSeqKey, 1)
	if err != nil {
		return 0, fmt.Errorf("run sequence: %w", err)
	}
	defer func() { _ = seq.Release() }()

	for {
		n, err := seq.Next()
		if err != nil {
			return 0, fmt.Errorf("run sequence: %w", err)
		}
		id := n + 1
		exists, err := s.Exists(ctx, id)
		if err != nil {
			return 0, err
		}
		if !exists {
			return id, nil
		}
	}
}

// Exists reports whether a run with id was ever begun.
func (s *Store) Exists(ctx context.Context, id uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(runKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup run %d: %w", id, err)
	}
	return true, nil
}

// Begin records a new run. A taken ID is rejected with ErrDuplicateRun.
func (s *Store) Begin(ctx context.Context, run *domain.PipelineRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		key := runKey(run.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicateRun
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("begin run %d: %w", run.ID, err)
	}
	return nil
}

// Finish stores the final state of a run begun earlier.
func (s *Store) Finish(ctx context.Context, run *domain.PipelineRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		key := runKey(run.ID)
		var prev domain.PipelineRun
		if err := get(txn, key, &prev); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRunNotFound
		} else if err != nil {
			return err
		}
		if prev.Overall != domain.OverallRunning {
			return ErrRunFinalized
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("finish run %d: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run.
func (s *Store) GetRun(ctx context.Context, id uint64) (*domain.PipelineRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var run domain.PipelineRun
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, runKey(id), &run)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		err = ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*domain.PipelineRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var runs []*domain.PipelineRun
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = runPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, runPrefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seek); it.ValidForPrefix(runPrefix); it.Next() {
			if limit > 0 && len(runs) >= limit {
				return nil
			}
			var run domain.PipelineRun
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return fmt.Errorf("decode %x: %w", it.Item().Key(), err)
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// SaveTarget remembers what is deployed in env, for the next cleanup.
func (s *Store) SaveTarget(ctx context.Context, env string, target *domain.DeploymentTarget) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("encode target: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(targetKey(env), data)
	})
}

// LastTarget returns the last saved target for env, or nil when none.
func (s *Store) LastTarget(ctx context.Context, env string) (*domain.DeploymentTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var target domain.DeploymentTarget
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, targetKey(env), &target)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last target %s: %w", env, err)
	}
	return &target, nil
}

func get(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
