package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"gorm.io/gorm"
)

// EventUpdate is a webhook-driven status change for a delivery.
type EventUpdate struct {
	MessageID      string
	Status         domain.Status
	Classification domain.BounceClassification
	OccurredAt     time.Time
}

type DeliveryRepository interface {
	Create(ctx context.Context, d *domain.DeliveryRecord) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	GetByIdempotencyKey(ctx context.Context, clientID string, key string) (*domain.DeliveryRecord, error)
	List(ctx context.Context, params domain.DeliveryListParams) ([]domain.DeliveryRecord, int64, error)
	MarkSent(ctx context.Context, id string, provider string, providerMessageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, provider string, lastError string) error
	TransitionStatus(ctx context.Context, id string, from domain.Status, to domain.Status) (bool, error)
	ApplyEvent(ctx context.Context, update EventUpdate) (bool, error)
	GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryRecord, error)
}

type GormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) *GormDeliveryRepo {
	return &GormDeliveryRepo{db: db}
}

func (r *GormDeliveryRepo) Create(ctx context.Context, d *domain.DeliveryRecord) error {
	model := deliveryModelFromDomain(d)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if d != nil {
		*d = *deliveryModelToDomain(model)
	}
	return nil
}

func (r *GormDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	var model DeliveryModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryModelToDomain(&model), nil
}

func (r *GormDeliveryRepo) GetByIdempotencyKey(ctx context.Context, clientID string, key string) (*domain.DeliveryRecord, error) {
	var model DeliveryModel
	err := r.db.WithContext(ctx).
		Where("client_id = ? AND idempotency_key = ?", clientID, key).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return deliveryModelToDomain(&model), nil
}

func (r *GormDeliveryRepo) List(ctx context.Context, params domain.DeliveryListParams) ([]domain.DeliveryRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&DeliveryModel{})

	if params.ClientID != "" {
		query = query.Where("client_id = ?", params.ClientID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []DeliveryModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	records := make([]domain.DeliveryRecord, 0, len(models))
	for i := range models {
		records = append(records, *deliveryModelToDomain(&models[i]))
	}

	return records, total, nil
}

func (r *GormDeliveryRepo) MarkSent(ctx context.Context, id string, provider string, providerMessageID string, sentAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&DeliveryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":              domain.StatusSent,
			"provider":            provider,
			"provider_message_id": optionalString(providerMessageID),
			"sent_at":             sentAt,
			"last_error":          nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDeliveryRepo) MarkFailed(ctx context.Context, id string, provider string, lastError string) error {
	result := r.db.WithContext(ctx).
		Model(&DeliveryModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     domain.StatusFailed,
			"provider":   optionalString(provider),
			"last_error": lastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TransitionStatus moves a record only while it is still in the from state.
func (r *GormDeliveryRepo) TransitionStatus(ctx context.Context, id string, from domain.Status, to domain.Status) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&DeliveryModel{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ApplyEvent matches the record by provider message id, or by its own id when
// the provider echoes it back. The last applied event wins.
func (r *GormDeliveryRepo) ApplyEvent(ctx context.Context, update EventUpdate) (bool, error) {
	updates := map[string]any{"status": update.Status}
	switch update.Status {
	case domain.StatusSent:
		updates["sent_at"] = update.OccurredAt
	case domain.StatusDelivered:
		updates["delivered_at"] = update.OccurredAt
	case domain.StatusBounced:
		updates["bounced_at"] = update.OccurredAt
		updates["bounce_classification"] = optionalString(string(update.Classification))
	}

	query := r.db.WithContext(ctx).Model(&DeliveryModel{})
	if _, err := uuid.Parse(update.MessageID); err == nil {
		query = query.Where("provider_message_id = ? OR id = ?", update.MessageID, update.MessageID)
	} else {
		query = query.Where("provider_message_id = ?", update.MessageID)
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormDeliveryRepo) GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryRecord, error) {
	var models []DeliveryModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", domain.StatusScheduled, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.DeliveryRecord, 0, len(models))
	for i := range models {
		records = append(records, *deliveryModelToDomain(&models[i]))
	}

	return records, nil
}
