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

type agentUpdateRepository struct {
	db *gorm.DB
}

// NewAgentUpdateRepository creates a GORM-backed AgentUpdateRepository.
func NewAgentUpdateRepository(database *gorm.DB) AgentUpdateRepository {
	return &agentUpdateRepository{db: database}
}

func (r *agentUpdateRepository) Create(ctx context.Context, job *db.AgentUpdateJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("agent updates: create: %w", err)
	}
	return nil
}

func (r *agentUpdateRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AgentUpdateJob, error) {
	var job db.AgentUpdateJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("agent updates: get by id: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("agent updates: get by id: %w", err)
	}
	return &job, nil
}

func (r *agentUpdateRepository) SetStatus(ctx context.Context, id uuid.UUID, status, errorMessage string, completedAt *time.Time) error {
	updates := map[string]any{
		"status":        status,
		"error_message": errorMessage,
	}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	res := r.db.WithContext(ctx).Model(&db.AgentUpdateJob{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("agent updates: set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agent updates: set status: %w", ErrNotFound)
	}
	return nil
}
