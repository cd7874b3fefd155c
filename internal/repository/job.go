package repository

import (
	"context"
	"errors"
	"fmt"
	"snapcopy/internal/model"
	"snapcopy/internal/store"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobRepository stores copy jobs in a relational database through gorm.
type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Get(ctx context.Context, service, name string) (*model.CopyJob, error) {
	var job model.CopyJob
	err := r.db.WithContext(ctx).
		Where("service = ? AND name = ?", service, name).
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", service, name, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get copy job %s/%s: %w", service, name, err)
	}

	return &job, nil
}

func (r *JobRepository) Create(ctx context.Context, job *model.CopyJob) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(job.Clone())
	if result.Error != nil {
		return fmt.Errorf("failed to create copy job %s: %w", job.Key(), result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", job.Key(), store.ErrAlreadyExists)
	}

	return nil
}

func (r *JobRepository) Put(ctx context.Context, job *model.CopyJob) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(job.Clone()).Error
	if err != nil {
		return fmt.Errorf("failed to put copy job %s: %w", job.Key(), err)
	}

	return nil
}

func (r *JobRepository) Refresh(_ context.Context) error {
	return nil
}

func (r *JobRepository) Scan(ctx context.Context, status model.CopyStatus) ([]*model.CopyJob, error) {
	var jobs []*model.CopyJob

	tx := r.db.WithContext(ctx).Order("service, name")
	if status != "" {
		tx = tx.Where("status = ?", status)
	}

	if err := tx.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to scan copy jobs: %w", err)
	}

	return jobs, nil
}

func (r *JobRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
