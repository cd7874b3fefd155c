// Package store defines the persistence contract for copy jobs. Backends
// live in sub-packages and share the same testcases.
package store

import (
	"context"
	"errors"
	"snapcopy/internal/model"
)

var (
	// ErrNotFound is returned when no job exists for a (service, name) pair.
	// During initiation it is the signal that a snapshot has not been copied.
	ErrNotFound = errors.New("copy job not found")

	// ErrAlreadyExists is returned by Create when a job with the same
	// identity was written first.
	ErrAlreadyExists = errors.New("copy job already exists")
)

// Store persists CopyJob documents keyed by (service, name). All writes are
// full-document replacements.
type Store interface {
	// Get returns the job for the given identity or ErrNotFound.
	Get(ctx context.Context, service, name string) (*model.CopyJob, error)

	// Create writes a new job, failing with ErrAlreadyExists if one exists.
	Create(ctx context.Context, job *model.CopyJob) error

	// Put inserts or replaces the job.
	Put(ctx context.Context, job *model.CopyJob) error

	// Refresh makes previously written jobs visible to Scan.
	Refresh(ctx context.Context) error

	// Scan returns every job with the given status, or all jobs when status
	// is empty.
	Scan(ctx context.Context, status model.CopyStatus) ([]*model.CopyJob, error)

	Close() error
}
