// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/streamforge/renditiond/internal/model"
)

// MemoryStore is an in-memory StateStore intended for tests and local
// iteration. Not durable.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.JobRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.JobRecord)}
}

func (m *MemoryStore) Close() error { return nil }

// clone round-trips through JSON so callers never alias stored records.
func clone(rec *model.JobRecord) *model.JobRecord {
	buf, err := json.Marshal(rec)
	if err != nil {
		panic(err) // records are plain data, marshal cannot fail
	}
	var out model.JobRecord
	if err := json.Unmarshal(buf, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *MemoryStore) PutJob(ctx context.Context, rec *model.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.ID] = clone(rec)
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, id string, fn func(*model.JobRecord) error) (*model.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(rec)
	if err := fn(out); err != nil {
		return nil, err
	}
	out.Version++
	out.UpdatedAtUnix = time.Now().Unix()
	m.jobs[id] = clone(out)
	return out, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, status model.JobStatus) ([]*model.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.JobRecord
	for _, rec := range m.jobs {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUnix < out[j].CreatedAtUnix })
	return out, nil
}

func (m *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}
