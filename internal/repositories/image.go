package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labmesh-io/labmesh/internal/db"
)

// activeSyncStatuses are the non-terminal image sync job statuses.
var activeSyncStatuses = []string{db.SyncPending, db.SyncTransferring, db.SyncLoading}

type imageRepository struct {
	db *gorm.DB
}

// NewImageRepository creates a GORM-backed ImageRepository.
func NewImageRepository(database *gorm.DB) ImageRepository {
	return &imageRepository{db: database}
}

func (r *imageRepository) CreateImage(ctx context.Context, image *db.Image) error {
	if err := r.db.WithContext(ctx).Create(image).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("images: create: %w", ErrConflict)
		}
		return fmt.Errorf("images: create: %w", err)
	}
	return nil
}

func (r *imageRepository) GetImageByReference(ctx context.Context, reference string) (*db.Image, error) {
	var image db.Image
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&image).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("images: get by reference: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("images: get by reference: %w", err)
	}
	return &image, nil
}

func (r *imageRepository) ListImages(ctx context.Context) ([]db.Image, error) {
	var images []db.Image
	if err := r.db.WithContext(ctx).Order("reference ASC").Find(&images).Error; err != nil {
		return nil, fmt.Errorf("images: list: %w", err)
	}
	return images, nil
}

func (r *imageRepository) UpsertImageHost(ctx context.Context, ih *db.ImageHost) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.ImageHost
		err := tx.Where("image_id = ? AND host_id = ?", ih.ImageID, ih.HostID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(ih).Error
		}
		if err != nil {
			return err
		}
		ih.ID = existing.ID
		ih.CreatedAt = existing.CreatedAt
		return tx.Save(ih).Error
	})
	if err != nil {
		return fmt.Errorf("images: upsert image host: %w", err)
	}
	return nil
}

func (r *imageRepository) GetImageHost(ctx context.Context, imageID, hostID uuid.UUID) (*db.ImageHost, error) {
	var ih db.ImageHost
	err := r.db.WithContext(ctx).
		Where("image_id = ? AND host_id = ?", imageID, hostID).
		First(&ih).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("images: get image host: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("images: get image host: %w", err)
	}
	return &ih, nil
}

func (r *imageRepository) ListImageHostsByHost(ctx context.Context, hostID uuid.UUID) ([]db.ImageHost, error) {
	var hosts []db.ImageHost
	err := r.db.WithContext(ctx).
		Where("host_id = ?", hostID).
		Order("reference ASC").
		Find(&hosts).Error
	if err != nil {
		return nil, fmt.Errorf("images: list image hosts: %w", err)
	}
	return hosts, nil
}

func (r *imageRepository) SetImageHostStatus(ctx context.Context, imageID, hostID uuid.UUID, status, errorMessage string) error {
	updates := map[string]any{
		"status":        status,
		"error_message": errorMessage,
	}
	if status == db.ImageHostSynced {
		updates["synced_at"] = gorm.Expr("CURRENT_TIMESTAMP")
	}
	res := r.db.WithContext(ctx).Model(&db.ImageHost{}).
		Where("image_id = ? AND host_id = ?", imageID, hostID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("images: set image host status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("images: set image host status: %w", ErrNotFound)
	}
	return nil
}

func (r *imageRepository) CreateSyncJob(ctx context.Context, job *db.ImageSyncJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("images: create sync job: %w", err)
	}
	return nil
}

func (r *imageRepository) GetSyncJob(ctx context.Context, id uuid.UUID) (*db.ImageSyncJob, error) {
	var job db.ImageSyncJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("images: get sync job: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("images: get sync job: %w", err)
	}
	return &job, nil
}

func (r *imageRepository) UpdateSyncJob(ctx context.Context, job *db.ImageSyncJob) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("images: update sync job: %w", err)
	}
	return nil
}

func (r *imageRepository) ListActiveSyncJobs(ctx context.Context) ([]db.ImageSyncJob, error) {
	var jobs []db.ImageSyncJob
	err := r.db.WithContext(ctx).
		Where("status IN ?", activeSyncStatuses).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("images: list active sync jobs: %w", err)
	}
	return jobs, nil
}

func (r *imageRepository) CountActiveSyncsByHost(ctx context.Context, hostID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.ImageSyncJob{}).
		Where("host_id = ? AND status IN ?", hostID, activeSyncStatuses).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("images: count active syncs by host: %w", err)
	}
	return count, nil
}
