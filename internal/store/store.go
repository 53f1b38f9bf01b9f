// SPDX-License-Identifier: MIT

// Package store is the durable source of truth for jobs, renditions and
// stage history. All mutation goes through UpdateJob, whose closure runs
// under the backend's serialization guard so concurrent retry and
// cancellation paths cannot lose updates.
package store

import (
	"context"
	"errors"

	"github.com/streamforge/renditiond/internal/model"
)

// ErrNotFound is returned when no job exists under the given identifier.
var ErrNotFound = errors.New("job not found")

// StateStore persists job records and survives process restart (badger
// backend). The memory backend serves tests and local iteration.
type StateStore interface {
	// PutJob creates or replaces a job record.
	PutJob(ctx context.Context, rec *model.JobRecord) error

	// GetJob returns a copy of the record, or ErrNotFound.
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)

	// UpdateJob applies fn to the current record atomically and persists
	// the result with an incremented version. Returning an error from fn
	// aborts the update.
	UpdateJob(ctx context.Context, id string, fn func(*model.JobRecord) error) (*model.JobRecord, error)

	// ListJobs returns jobs filtered by status; empty status returns all.
	ListJobs(ctx context.Context, status model.JobStatus) ([]*model.JobRecord, error)

	// DeleteJob removes a record. Missing records are not an error.
	DeleteJob(ctx context.Context, id string) error

	Close() error
}
