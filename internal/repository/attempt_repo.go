package repository

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"gorm.io/gorm"
)

// AttemptRepository is the append-only log of provider calls made for a
// delivery, one row per provider tried.
type AttemptRepository interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	ListByDeliveryID(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if a == nil || a.DeliveryID == "" {
		return fmt.Errorf("%w: attempt needs a delivery id", domain.ErrValidation)
	}

	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("insert attempt %d of %s via %s: %w", a.AttemptNumber, a.DeliveryID, a.Provider, err)
	}
	a.CreatedAt = model.CreatedAt
	return nil
}

// ListByDeliveryID returns attempts in the order providers were tried.
func (r *GormAttemptRepo) ListByDeliveryID(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	var rows []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where(&DeliveryAttemptModel{DeliveryID: deliveryID}).
		Order("attempt_number, created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list attempts of %s: %w", deliveryID, err)
	}

	out := make([]domain.DeliveryAttempt, len(rows))
	for i := range rows {
		out[i] = *attemptModelToDomain(&rows[i])
	}
	return out, nil
}
