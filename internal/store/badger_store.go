// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/streamforge/renditiond/internal/model"
)

const jobPrefix = "job:"

// BadgerStore is the durable StateStore. Records are stored as JSON under
// "job:<id>"; UpdateJob runs read-modify-write inside one badger
// transaction, which serializes conflicting writers.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the database at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func jobKey(id string) []byte { return []byte(jobPrefix + id) }

func (s *BadgerStore) PutJob(ctx context.Context, rec *model.JobRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(rec.ID), buf)
	})
}

func (s *BadgerStore) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	var out model.JobRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateJob(ctx context.Context, id string, fn func(*model.JobRecord) error) (*model.JobRecord, error) {
	// Overlapping read-modify-write transactions on the same key fail with
	// ErrConflict; concurrent rendition commits make that routine, so retry
	// until the closure applies cleanly or the caller gives up.
	for {
		var out model.JobRecord
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(jobKey(id))
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &out)
			}); err != nil {
				return err
			}
			if err := fn(&out); err != nil {
				return err
			}
			out.Version++
			out.UpdatedAtUnix = time.Now().Unix()
			buf, err := json.Marshal(&out)
			if err != nil {
				return err
			}
			return txn.Set(jobKey(id), buf)
		})
		if errors.Is(err, badger.ErrConflict) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return &out, nil
	}
}

func (s *BadgerStore) ListJobs(ctx context.Context, status model.JobStatus) ([]*model.JobRecord, error) {
	var out []*model.JobRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec model.JobRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if status != "" && rec.Status != status {
				continue
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUnix < out[j].CreatedAtUnix })
	return out, nil
}

func (s *BadgerStore) DeleteJob(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}
