// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/ManuGH/m3u8d/internal/task"
)

const badgerTaskPrefix = "task:"

// BadgerStore implements Store on BadgerDB. Keys are "task:<id>" with the id
// zero-padded so prefix iteration yields id order.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the database in dir. An empty dir opens an in-memory
// database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger task store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", badgerTaskPrefix, id))
}

func (s *BadgerStore) Save(_ context.Context, d task.Descriptor) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(d.ID), buf)
	})
}

func (s *BadgerStore) Get(_ context.Context, id int64) (task.Descriptor, error) {
	var out task.Descriptor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return task.Descriptor{}, ErrNotFound
	}
	return out, err
}

func (s *BadgerStore) List(_ context.Context) ([]task.Descriptor, error) {
	out := []task.Descriptor{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerTaskPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var d task.Descriptor
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Negative ids sort lexically before the padding, so sort explicitly.
	sortByID(out)
	return out, nil
}

func (s *BadgerStore) update(id int64, fn func(*task.Descriptor)) error {
	key := badgerKey(id)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var d task.Descriptor
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		}); err != nil {
			return err
		}
		fn(&d)
		buf, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return txn.Set(key, buf)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *BadgerStore) UpdatePhase(_ context.Context, id int64, phase task.Phase) error {
	return s.update(id, func(d *task.Descriptor) { applyPhase(d, phase) })
}

func (s *BadgerStore) UpdateProgress(_ context.Context, id int64, completed, total int) error {
	return s.update(id, func(d *task.Descriptor) { applyProgress(d, completed, total) })
}

func (s *BadgerStore) MarkTerminal(_ context.Context, id int64, downloadStatus string) error {
	return s.update(id, func(d *task.Descriptor) { d.DownloadStatus = downloadStatus })
}

func (s *BadgerStore) Close() error { return s.db.Close() }
