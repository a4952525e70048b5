package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/halcyon-dev/courier/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeliveryRepository interface {
	Create(ctx context.Context, d *domain.Delivery) error
	GetByID(ctx context.Context, id string) (*domain.Delivery, error)
	GetByNotification(ctx context.Context, notificationID string) ([]domain.Delivery, error)
	// AppendAttempt adds one attempt to the log. The attempt ordinal must be
	// exactly the current log length plus one; anything else is rejected as
	// an append-only violation.
	AppendAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error
	// CloseAttempt updates only the closing fields of an existing attempt.
	CloseAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error
	UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) error
	SetReceipt(ctx context.Context, id string, status domain.DeliveryStatus, receipt *domain.Receipt) error
}

type GormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) *GormDeliveryRepo {
	return &GormDeliveryRepo{db: db}
}

func (r *GormDeliveryRepo) Create(ctx context.Context, d *domain.Delivery) error {
	if d != nil {
		if err := d.Validate(); err != nil {
			return err
		}
	}

	model := deliveryModelFromDomain(d)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if d != nil {
		d.CreatedAt = model.CreatedAt
		d.UpdatedAt = model.UpdatedAt
	}
	return nil
}

func (r *GormDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	var model DeliveryModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	attempts, err := r.attemptsFor(ctx, r.db, model.ID)
	if err != nil {
		return nil, err
	}

	return deliveryModelToDomain(&model, attempts), nil
}

func (r *GormDeliveryRepo) GetByNotification(ctx context.Context, notificationID string) ([]domain.Delivery, error) {
	var models []DeliveryModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	deliveries := make([]domain.Delivery, 0, len(models))
	for i := range models {
		attempts, err := r.attemptsFor(ctx, r.db, models[i].ID)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *deliveryModelToDomain(&models[i], attempts))
	}

	return deliveries, nil
}

func (r *GormDeliveryRepo) AppendAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var delivery DeliveryModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&delivery, "id = ?", attempt.DeliveryID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored int64
		if err := tx.Model(&DeliveryAttemptModel{}).
			Where("delivery_id = ?", attempt.DeliveryID).
			Count(&stored).Error; err != nil {
			return err
		}

		if err := CheckAppendOnly(int(stored), attempt.Ordinal); err != nil {
			return err
		}

		if err := tx.Create(attemptModelFromDomain(attempt)).Error; err != nil {
			return err
		}

		return tx.Model(&DeliveryModel{}).
			Where("id = ?", attempt.DeliveryID).
			Updates(map[string]any{
				"attempt_count":   stored + 1,
				"last_attempt_at": attempt.StartedAt,
			}).Error
	})
}

func (r *GormDeliveryRepo) CloseAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ?", attempt.ID).
		Updates(map[string]any{
			"status":              attempt.Status,
			"error_code":          attempt.ErrorCode,
			"error_message":       attempt.ErrorMessage,
			"provider_message_id": attempt.ProviderMessageID,
			"raw_response":        attempt.RawResponse,
			"ended_at":            attempt.EndedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDeliveryRepo) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) error {
	result := r.db.WithContext(ctx).
		Model(&DeliveryModel{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDeliveryRepo) SetReceipt(ctx context.Context, id string, status domain.DeliveryStatus, receipt *domain.Receipt) error {
	result := r.db.WithContext(ctx).
		Model(&DeliveryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":  status,
			"receipt": receipt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDeliveryRepo) attemptsFor(ctx context.Context, db *gorm.DB, deliveryID string) ([]DeliveryAttemptModel, error) {
	var attempts []DeliveryAttemptModel
	err := db.WithContext(ctx).
		Where("delivery_id = ?", deliveryID).
		Order("ordinal ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// CheckAppendOnly enforces the attempt-log contract: a new ordinal must
// extend the stored log by exactly one. A lower or equal ordinal would shrink
// or rewrite history, a gap would forge it.
func CheckAppendOnly(storedCount, ordinal int) error {
	if ordinal == storedCount+1 {
		return nil
	}
	if ordinal <= storedCount {
		return fmt.Errorf("%w: attempt ordinal %d would rewrite a log of %d attempts",
			domain.ErrAppendOnlyViolation, ordinal, storedCount)
	}
	return fmt.Errorf("%w: attempt ordinal %d skips ahead of a log of %d attempts",
		domain.ErrAppendOnlyViolation, ordinal, storedCount)
}
