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

type webhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository creates a GORM-backed WebhookRepository.
func NewWebhookRepository(database *gorm.DB) WebhookRepository {
	return &webhookRepository{db: database}
}

func (r *webhookRepository) Create(ctx context.Context, webhook *db.Webhook) error {
	if err := r.db.WithContext(ctx).Create(webhook).Error; err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

func (r *webhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error) {
	var webhook db.Webhook
	err := r.db.WithContext(ctx).First(&webhook, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("webhooks: get by id: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("webhooks: get by id: %w", err)
	}
	return &webhook, nil
}

func (r *webhookRepository) Update(ctx context.Context, webhook *db.Webhook) error {
	if err := r.db.WithContext(ctx).Save(webhook).Error; err != nil {
		return fmt.Errorf("webhooks: update: %w", err)
	}
	return nil
}

func (r *webhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.Webhook{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("webhooks: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("webhooks: delete: %w", ErrNotFound)
	}
	return nil
}

func (r *webhookRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Webhook, int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&db.Webhook{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks: count by owner: %w", err)
	}

	q := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}

	var webhooks []db.Webhook
	if err := q.Find(&webhooks).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list by owner: %w", err)
	}
	return webhooks, total, nil
}

func (r *webhookRepository) ListEnabledByOwner(ctx context.Context, ownerID uuid.UUID) ([]db.Webhook, error) {
	var webhooks []db.Webhook
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND enabled = ?", ownerID, true).
		Order("id ASC").
		Find(&webhooks).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: list enabled by owner: %w", err)
	}
	return webhooks, nil
}

func (r *webhookRepository) CreateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error {
	if err := r.db.WithContext(ctx).Create(delivery).Error; err != nil {
		return fmt.Errorf("webhooks: create delivery: %w", err)
	}
	return nil
}

func (r *webhookRepository) ListDeliveries(ctx context.Context, webhookID uuid.UUID, opts ListOptions) ([]db.WebhookDelivery, int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&db.WebhookDelivery{}).
		Where("webhook_id = ?", webhookID).
		Count(&total).Error
	if err != nil {
		return nil, 0, fmt.Errorf("webhooks: count deliveries: %w", err)
	}

	q := r.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}

	var deliveries []db.WebhookDelivery
	if err := q.Find(&deliveries).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list deliveries: %w", err)
	}
	return deliveries, total, nil
}

func (r *webhookRepository) RecordDeliverySummary(ctx context.Context, webhookID uuid.UUID, at time.Time, statusCode int, success bool) error {
	res := r.db.WithContext(ctx).Model(&db.Webhook{}).
		Where("id = ?", webhookID).
		Updates(map[string]any{
			"last_delivery_at":     at,
			"last_delivery_status": statusCode,
			"last_delivery_ok":     success,
		})
	if res.Error != nil {
		return fmt.Errorf("webhooks: record delivery summary: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("webhooks: record delivery summary: %w", ErrNotFound)
	}
	return nil
}
