package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labmesh-io/labmesh/internal/db"
)

// isDuplicate reports whether err is a unique-constraint violation. GORM's
// postgres driver translates these to gorm.ErrDuplicatedKey; the sqlite
// driver surfaces the raw constraint message, so both are checked.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

type agentRepository struct {
	db *gorm.DB
}

// NewAgentRepository creates a GORM-backed AgentRepository.
func NewAgentRepository(database *gorm.DB) AgentRepository {
	return &agentRepository{db: database}
}

func (r *agentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("agents: create: %w", ErrConflict)
		}
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

func (r *agentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("agents: get by id: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

func (r *agentRepository) GetByNameOrAddress(ctx context.Context, name, address string) (*db.Agent, error) {
	// Name is the stronger identity signal: an agent that moved hosts keeps
	// its name, so a name match wins over an address match.
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = r.db.WithContext(ctx).First(&agent, "address = ?", address).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("agents: get by name or address: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("agents: get by name or address: %w", err)
	}
	return &agent, nil
}

func (r *agentRepository) Update(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Save(agent).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("agents: update: %w", ErrConflict)
		}
		return fmt.Errorf("agents: update: %w", err)
	}
	return nil
}

func (r *agentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	res := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("agents: update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agents: update status: %w", ErrNotFound)
	}
	return nil
}

func (r *agentRepository) RecordHeartbeat(ctx context.Context, id uuid.UUID, status, resourceUsage string, at time.Time) error {
	updates := map[string]any{
		"status":         status,
		"last_heartbeat": at,
	}
	if resourceUsage != "" {
		updates["resource_usage"] = resourceUsage
	}
	res := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("agents: record heartbeat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agents: record heartbeat: %w", ErrNotFound)
	}
	return nil
}

func (r *agentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("name ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}

	var agents []db.Agent
	if err := q.Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}
	return agents, total, nil
}

func (r *agentRepository) ListOnline(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	err := r.db.WithContext(ctx).
		Where("status = ?", db.AgentOnline).
		Order("id ASC").
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("agents: list online: %w", err)
	}
	return agents, nil
}

func (r *agentRepository) MarkStale(ctx context.Context, cutoff time.Time) ([]db.Agent, error) {
	var stale []db.Agent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status = ?", db.AgentOnline).
			Where("last_heartbeat IS NULL OR last_heartbeat < ?", cutoff).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(stale))
		for i, a := range stale {
			ids[i] = a.ID
		}
		return tx.Model(&db.Agent{}).
			Where("id IN ?", ids).
			Update("status", db.AgentOffline).Error
	})
	if err != nil {
		return nil, fmt.Errorf("agents: mark stale: %w", err)
	}
	return stale, nil
}
