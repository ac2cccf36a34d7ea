package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"gorm.io/gorm"
)

type WebhookEventRepository interface {
	Create(ctx context.Context, e *domain.WebhookEvent) error
	ListByMessageID(ctx context.Context, messageID string) ([]domain.WebhookEvent, error)
}

type GormWebhookEventRepo struct {
	db *gorm.DB
}

func NewGormWebhookEventRepo(db *gorm.DB) *GormWebhookEventRepo {
	return &GormWebhookEventRepo{db: db}
}

func (r *GormWebhookEventRepo) Create(ctx context.Context, e *domain.WebhookEvent) error {
	if e != nil && e.ID == "" {
		e.ID = uuid.NewString()
	}
	model, err := webhookEventModelFromDomain(e)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if e != nil {
		*e = *webhookEventModelToDomain(model)
	}
	return nil
}

func (r *GormWebhookEventRepo) ListByMessageID(ctx context.Context, messageID string) ([]domain.WebhookEvent, error) {
	var models []WebhookEventModel
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("occurred_at ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]domain.WebhookEvent, 0, len(models))
	for i := range models {
		events = append(events, *webhookEventModelToDomain(&models[i]))
	}
	return events, nil
}
