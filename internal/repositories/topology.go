package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labmesh-io/labmesh/internal/db"
)

type topologyRepository struct {
	db *gorm.DB
}

// NewTopologyRepository creates a GORM-backed TopologyRepository.
func NewTopologyRepository(database *gorm.DB) TopologyRepository {
	return &topologyRepository{db: database}
}

func (r *topologyRepository) CreateNode(ctx context.Context, node *db.Node) error {
	if err := r.db.WithContext(ctx).Create(node).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("topology: create node: %w", ErrConflict)
		}
		return fmt.Errorf("topology: create node: %w", err)
	}
	return nil
}

func (r *topologyRepository) CreateLink(ctx context.Context, link *db.Link) error {
	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("topology: create link: %w", ErrConflict)
		}
		return fmt.Errorf("topology: create link: %w", err)
	}
	return nil
}

func (r *topologyRepository) GetNodeByName(ctx context.Context, labID uuid.UUID, containerName string) (*db.Node, error) {
	var node db.Node
	err := r.db.WithContext(ctx).
		Where("lab_id = ? AND container_name = ?", labID, containerName).
		First(&node).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("topology: get node by name: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("topology: get node by name: %w", err)
	}
	return &node, nil
}

func (r *topologyRepository) ListNodesByLab(ctx context.Context, labID uuid.UUID) ([]db.Node, error) {
	var nodes []db.Node
	err := r.db.WithContext(ctx).
		Where("lab_id = ?", labID).
		Order("container_name ASC").
		Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("topology: list nodes: %w", err)
	}
	return nodes, nil
}

func (r *topologyRepository) ListLinksByLab(ctx context.Context, labID uuid.UUID) ([]db.Link, error) {
	var links []db.Link
	err := r.db.WithContext(ctx).
		Where("lab_id = ?", labID).
		Order("link_name ASC").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("topology: list links: %w", err)
	}
	return links, nil
}

func (r *topologyRepository) DeleteByLab(ctx context.Context, labID uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&db.Link{}, "lab_id = ?", labID).Error; err != nil {
			return err
		}
		return tx.Delete(&db.Node{}, "lab_id = ?", labID).Error
	})
	if err != nil {
		return fmt.Errorf("topology: delete by lab: %w", err)
	}
	return nil
}
