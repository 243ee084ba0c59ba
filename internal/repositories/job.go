package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labmesh-io/labmesh/internal/db"
)

// activeStatuses are the non-terminal job statuses.
var activeStatuses = []string{db.JobQueued, db.JobRunning}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a GORM-backed JobRepository.
func NewJobRepository(database *gorm.DB) JobRepository {
	return &jobRepository{db: database}
}

func (r *jobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("jobs: get by id: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *jobRepository) Update(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("jobs: update: %w", err)
	}
	return nil
}

func (r *jobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}

	var jobs []db.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

func (r *jobRepository) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("user_id = ? AND status IN ?", userID, activeStatuses).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: count active by user: %w", err)
	}
	return count, nil
}

func (r *jobRepository) ListActive(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list active: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) ListActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status IN ?", agentID, activeStatuses).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list active by agent: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) ListActiveByLab(ctx context.Context, labID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("lab_id = ? AND status IN ?", labID, activeStatuses).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list active by lab: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) CountActiveByAgent(ctx context.Context, agentID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("agent_id = ? AND status IN ?", agentID, activeStatuses).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: count active by agent: %w", err)
	}
	return count, nil
}

func (r *jobRepository) MarkRunning(ctx context.Context, id uuid.UUID, agentID uuid.UUID, at time.Time) error {
	// Guarded transition: the WHERE clause on the source status makes this
	// safe against a concurrent cancellation winning the race.
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", id, db.JobQueued).
		Updates(map[string]any{
			"status":     db.JobRunning,
			"agent_id":   agentID,
			"started_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: mark running: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("jobs: mark running: %w", ErrInvalidTransition)
	}
	return nil
}

func (r *jobRepository) Complete(ctx context.Context, id uuid.UUID, status string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]any{
			"status":       status,
			"completed_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("jobs: complete: %w", ErrInvalidTransition)
	}
	return nil
}

func (r *jobRepository) AppendLog(ctx context.Context, id uuid.UUID, text string) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ?", id).
		Update("log_content", gorm.Expr("log_content || ?", text))
	if res.Error != nil {
		return fmt.Errorf("jobs: append log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("jobs: append log: %w", ErrNotFound)
	}
	return nil
}

func (r *jobRepository) RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", id, db.JobRunning).
		Update("last_heartbeat", at)
	if res.Error != nil {
		return fmt.Errorf("jobs: record heartbeat: %w", res.Error)
	}
	// Heartbeats for jobs that already finished are expected during
	// callback races and are silently dropped.
	return nil
}
