// Package memory implements the store using an in-memory database. It backs
// tests and dry runs; nothing survives the process.
package memory

import (
	"context"
	"fmt"
	"snapcopy/internal/model"
	"snapcopy/internal/store"

	"github.com/hashicorp/go-memdb"
)

const tblCopyJobs = "copy_jobs"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblCopyJobs: {
			Name: tblCopyJobs,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Service"},
							&memdb.StringFieldIndex{Field: "Name"},
						},
					},
				},
				"status": {
					Name:    "status",
					Indexer: &memdb.StringFieldIndex{Field: "Status"},
				},
			},
		},
	},
}

// DB is an in-memory copy job store.
type DB struct {
	db *memdb.MemDB
}

// New returns a new in-memory store.
func New() (*DB, error) {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}

	return &DB{db: memDB}, nil
}

// Get returns the job for the given identity.
func (d *DB) Get(_ context.Context, service, name string) (*model.CopyJob, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblCopyJobs, "id", service, name)
	if err != nil {
		return nil, fmt.Errorf("find copy job %s/%s: %w", service, name, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s/%s: %w", service, name, store.ErrNotFound)
	}

	return raw.(*model.CopyJob).Clone(), nil
}

// Create inserts the job unless one with the same identity exists.
func (d *DB) Create(_ context.Context, job *model.CopyJob) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblCopyJobs, "id", job.Service, job.Name)
	if err != nil {
		return fmt.Errorf("find copy job %s: %w", job.Key(), err)
	}
	if raw != nil {
		return fmt.Errorf("%s: %w", job.Key(), store.ErrAlreadyExists)
	}

	if err := txn.Insert(tblCopyJobs, job.Clone()); err != nil {
		return fmt.Errorf("insert copy job %s: %w", job.Key(), err)
	}

	txn.Commit()
	return nil
}

// Put inserts or replaces the job.
func (d *DB) Put(_ context.Context, job *model.CopyJob) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tblCopyJobs, job.Clone()); err != nil {
		return fmt.Errorf("put copy job %s: %w", job.Key(), err)
	}

	txn.Commit()
	return nil
}

// Refresh is a no-op; writes are visible once committed.
func (d *DB) Refresh(_ context.Context) error {
	return nil
}

// Scan returns jobs with the given status, or all jobs if status is empty.
func (d *DB) Scan(_ context.Context, status model.CopyStatus) ([]*model.CopyJob, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	var (
		iter memdb.ResultIterator
		err  error
	)
	if status == "" {
		iter, err = txn.Get(tblCopyJobs, "id")
	} else {
		iter, err = txn.Get(tblCopyJobs, "status", string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("scan copy jobs: %w", err)
	}

	var jobs []*model.CopyJob
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		jobs = append(jobs, raw.(*model.CopyJob).Clone())
	}

	return jobs, nil
}

// Close releases nothing; it exists to satisfy store.Store.
func (d *DB) Close() error {
	return nil
}
