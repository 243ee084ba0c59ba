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

type labRepository struct {
	db *gorm.DB
}

// NewLabRepository creates a GORM-backed LabRepository.
func NewLabRepository(database *gorm.DB) LabRepository {
	return &labRepository{db: database}
}

func (r *labRepository) Create(ctx context.Context, lab *db.Lab) error {
	if lab.StateUpdatedAt.IsZero() {
		lab.StateUpdatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(lab).Error; err != nil {
		return fmt.Errorf("labs: create: %w", err)
	}
	return nil
}

func (r *labRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Lab, error) {
	var lab db.Lab
	err := r.db.WithContext(ctx).First(&lab, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("labs: get by id: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("labs: get by id: %w", err)
	}
	return &lab, nil
}

func (r *labRepository) Update(ctx context.Context, lab *db.Lab) error {
	if err := r.db.WithContext(ctx).Save(lab).Error; err != nil {
		return fmt.Errorf("labs: update: %w", err)
	}
	return nil
}

func (r *labRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.Lab{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("labs: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("labs: delete: %w", ErrNotFound)
	}
	return nil
}

func (r *labRepository) List(ctx context.Context, opts ListOptions) ([]db.Lab, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Lab{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("labs: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}

	var labs []db.Lab
	if err := q.Find(&labs).Error; err != nil {
		return nil, 0, fmt.Errorf("labs: list: %w", err)
	}
	return labs, total, nil
}

func (r *labRepository) ListAll(ctx context.Context) ([]db.Lab, error) {
	var labs []db.Lab
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&labs).Error; err != nil {
		return nil, fmt.Errorf("labs: list all: %w", err)
	}
	return labs, nil
}

func (r *labRepository) ListByStates(ctx context.Context, states []string) ([]db.Lab, error) {
	var labs []db.Lab
	err := r.db.WithContext(ctx).
		Where("state IN ?", states).
		Order("id ASC").
		Find(&labs).Error
	if err != nil {
		return nil, fmt.Errorf("labs: list by states: %w", err)
	}
	return labs, nil
}

func (r *labRepository) SetState(ctx context.Context, id uuid.UUID, state, stateError string) error {
	updates := map[string]any{
		"state":            state,
		"state_updated_at": time.Now().UTC(),
	}
	switch state {
	case db.LabError:
		updates["state_error"] = stateError
	case db.LabUnknown:
		// Preserve the previous error so the cause survives until
		// reconciliation settles the lab into a definite state.
	default:
		updates["state_error"] = ""
	}
	res := r.db.WithContext(ctx).Model(&db.Lab{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("labs: set state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("labs: set state: %w", ErrNotFound)
	}
	return nil
}

func (r *labRepository) SetAgent(ctx context.Context, id uuid.UUID, agentID uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Lab{}).
		Where("id = ?", id).
		Update("agent_id", agentID)
	if res.Error != nil {
		return fmt.Errorf("labs: set agent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("labs: set agent: %w", ErrNotFound)
	}
	return nil
}
