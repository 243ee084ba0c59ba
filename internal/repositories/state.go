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

type stateRepository struct {
	db *gorm.DB
}

// NewStateRepository creates a GORM-backed StateRepository.
func NewStateRepository(database *gorm.DB) StateRepository {
	return &stateRepository{db: database}
}

// --- node states ---

func (r *stateRepository) SaveNodeState(ctx context.Context, state *db.NodeState) error {
	if err := r.db.WithContext(ctx).Save(state).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("states: save node state: %w", ErrConflict)
		}
		return fmt.Errorf("states: save node state: %w", err)
	}
	return nil
}

func (r *stateRepository) GetNodeState(ctx context.Context, labID, nodeID uuid.UUID) (*db.NodeState, error) {
	var state db.NodeState
	err := r.db.WithContext(ctx).
		Where("lab_id = ? AND node_id = ?", labID, nodeID).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("states: get node state: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("states: get node state: %w", err)
	}
	return &state, nil
}

func (r *stateRepository) GetNodeStateByName(ctx context.Context, labID uuid.UUID, nodeName string) (*db.NodeState, error) {
	var state db.NodeState
	err := r.db.WithContext(ctx).
		Where("lab_id = ? AND node_name = ?", labID, nodeName).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("states: get node state by name: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("states: get node state by name: %w", err)
	}
	return &state, nil
}

func (r *stateRepository) ListNodeStatesByLab(ctx context.Context, labID uuid.UUID) ([]db.NodeState, error) {
	var states []db.NodeState
	err := r.db.WithContext(ctx).
		Where("lab_id = ?", labID).
		Order("node_name ASC").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("states: list node states: %w", err)
	}
	return states, nil
}

func (r *stateRepository) ListAllNodeStates(ctx context.Context) ([]db.NodeState, error) {
	var states []db.NodeState
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("states: list all node states: %w", err)
	}
	return states, nil
}

func (r *stateRepository) SetActualState(ctx context.Context, id uuid.UUID, actual, errorMessage string) error {
	updates := map[string]any{
		"actual_state":  actual,
		"error_message": errorMessage,
	}
	if actual != db.NodeRunning {
		updates["is_ready"] = false
		updates["boot_started_at"] = nil
	}
	res := r.db.WithContext(ctx).Model(&db.NodeState{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("states: set actual state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("states: set actual state: %w", ErrNotFound)
	}
	return nil
}

func (r *stateRepository) SetDesiredState(ctx context.Context, id uuid.UUID, desired string) error {
	res := r.db.WithContext(ctx).Model(&db.NodeState{}).
		Where("id = ?", id).
		Update("desired_state", desired)
	if res.Error != nil {
		return fmt.Errorf("states: set desired state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("states: set desired state: %w", ErrNotFound)
	}
	return nil
}

func (r *stateRepository) SetReady(ctx context.Context, id uuid.UUID, ready bool) error {
	res := r.db.WithContext(ctx).Model(&db.NodeState{}).
		Where("id = ?", id).
		Update("is_ready", ready)
	if res.Error != nil {
		return fmt.Errorf("states: set ready: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("states: set ready: %w", ErrNotFound)
	}
	return nil
}

func (r *stateRepository) SetBootStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.NodeState{}).
		Where("id = ?", id).
		Update("boot_started_at", at)
	if res.Error != nil {
		return fmt.Errorf("states: set boot started: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("states: set boot started: %w", ErrNotFound)
	}
	return nil
}

// --- link states ---

func (r *stateRepository) SaveLinkState(ctx context.Context, state *db.LinkState) error {
	if err := r.db.WithContext(ctx).Save(state).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("states: save link state: %w", ErrConflict)
		}
		return fmt.Errorf("states: save link state: %w", err)
	}
	return nil
}

func (r *stateRepository) GetLinkState(ctx context.Context, labID uuid.UUID, linkName string) (*db.LinkState, error) {
	var state db.LinkState
	err := r.db.WithContext(ctx).
		Where("lab_id = ? AND link_name = ?", labID, linkName).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("states: get link state: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("states: get link state: %w", err)
	}
	return &state, nil
}

func (r *stateRepository) ListLinkStatesByLab(ctx context.Context, labID uuid.UUID) ([]db.LinkState, error) {
	var states []db.LinkState
	err := r.db.WithContext(ctx).
		Where("lab_id = ?", labID).
		Order("link_name ASC").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("states: list link states: %w", err)
	}
	return states, nil
}

// --- placements ---

func (r *stateRepository) UpsertPlacement(ctx context.Context, labID uuid.UUID, nodeName string, hostID uuid.UUID, status string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.NodePlacement
		err := tx.Where("lab_id = ? AND node_name = ?", labID, nodeName).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&db.NodePlacement{
				LabID:    labID,
				NodeName: nodeName,
				HostID:   hostID,
				Status:   status,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&existing).Updates(map[string]any{
			"host_id": hostID,
			"status":  status,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("states: upsert placement: %w", err)
	}
	return nil
}

func (r *stateRepository) GetPlacement(ctx context.Context, labID uuid.UUID, nodeName string) (*db.NodePlacement, error) {
	var placement db.NodePlacement
	err := r.db.WithContext(ctx).
		Where("lab_id = ? AND node_name = ?", labID, nodeName).
		First(&placement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("states: get placement: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("states: get placement: %w", err)
	}
	return &placement, nil
}

func (r *stateRepository) ListPlacementsByLab(ctx context.Context, labID uuid.UUID) ([]db.NodePlacement, error) {
	var placements []db.NodePlacement
	err := r.db.WithContext(ctx).
		Where("lab_id = ?", labID).
		Order("node_name ASC").
		Find(&placements).Error
	if err != nil {
		return nil, fmt.Errorf("states: list placements: %w", err)
	}
	return placements, nil
}

func (r *stateRepository) DeletePlacementsByLab(ctx context.Context, labID uuid.UUID) error {
	err := r.db.WithContext(ctx).Delete(&db.NodePlacement{}, "lab_id = ?", labID).Error
	if err != nil {
		return fmt.Errorf("states: delete placements: %w", err)
	}
	return nil
}

func (r *stateRepository) DeleteByLab(ctx context.Context, labID uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&db.NodeState{}, "lab_id = ?", labID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&db.LinkState{}, "lab_id = ?", labID).Error; err != nil {
			return err
		}
		return tx.Delete(&db.NodePlacement{}, "lab_id = ?", labID).Error
	})
	if err != nil {
		return fmt.Errorf("states: delete by lab: %w", err)
	}
	return nil
}
