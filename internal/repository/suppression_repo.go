package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SuppressionRepository interface {
	Upsert(ctx context.Context, e *domain.SuppressionEntry) error
	GetByEmail(ctx context.Context, email string) (*domain.SuppressionEntry, error)
	FindActive(ctx context.Context, emails []string, now time.Time) ([]domain.SuppressionEntry, error)
	Delete(ctx context.Context, email string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	List(ctx context.Context, params domain.SuppressionListParams, now time.Time) ([]domain.SuppressionEntry, int64, error)
	CountByReason(ctx context.Context, now time.Time) (map[domain.SuppressionReason]int64, error)
}

type GormSuppressionRepo struct {
	db *gorm.DB
}

func NewGormSuppressionRepo(db *gorm.DB) *GormSuppressionRepo {
	return &GormSuppressionRepo{db: db}
}

// Upsert inserts or refreshes the entry for e.Email. Reason and expiry are
// overwritten; source message id and notes keep their old value when the new
// one is empty.
func (r *GormSuppressionRepo) Upsert(ctx context.Context, e *domain.SuppressionEntry) error {
	if e == nil {
		return errors.New("suppression entry is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	model := suppressionModelFromDomain(e)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "email"}},
			DoUpdates: clause.Assignments(map[string]any{
				"reason":            gorm.Expr("EXCLUDED.reason"),
				"expires_at":        gorm.Expr("EXCLUDED.expires_at"),
				"source_message_id": gorm.Expr("COALESCE(EXCLUDED.source_message_id, suppressions.source_message_id)"),
				"notes":             gorm.Expr("COALESCE(EXCLUDED.notes, suppressions.notes)"),
				"updated_at":        gorm.Expr("EXCLUDED.updated_at"),
			}),
		}).
		Create(model).Error
	if err != nil {
		return err
	}

	stored, err := r.GetByEmail(ctx, e.Email)
	if err != nil {
		return err
	}
	*e = *stored
	return nil
}

func (r *GormSuppressionRepo) GetByEmail(ctx context.Context, email string) (*domain.SuppressionEntry, error) {
	var model SuppressionModel
	err := r.db.WithContext(ctx).First(&model, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return suppressionModelToDomain(&model), nil
}

func (r *GormSuppressionRepo) FindActive(ctx context.Context, emails []string, now time.Time) ([]domain.SuppressionEntry, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	var models []SuppressionModel
	err := r.db.WithContext(ctx).
		Where("email IN ?", emails).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	entries := make([]domain.SuppressionEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *suppressionModelToDomain(&models[i]))
	}
	return entries, nil
}

func (r *GormSuppressionRepo) Delete(ctx context.Context, email string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("email = ?", email).
		Delete(&SuppressionModel{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormSuppressionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&SuppressionModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormSuppressionRepo) List(
	ctx context.Context,
	params domain.SuppressionListParams,
	now time.Time,
) ([]domain.SuppressionEntry, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&SuppressionModel{}).
		Where("expires_at IS NULL OR expires_at > ?", now)

	if params.Reason != nil {
		query = query.Where("reason = ?", *params.Reason)
	}
	if search := strings.TrimSpace(params.Search); search != "" {
		query = query.Where("email ILIKE ?", "%"+escapeLike(strings.ToLower(search))+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := params.Limit
	if limit < 1 {
		limit = 50
	}
	limit = min(limit, 500)

	var models []SuppressionModel
	err := query.
		Order("created_at DESC").
		Offset(max(params.Offset, 0)).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	entries := make([]domain.SuppressionEntry, 0, len(models))
	for i := range models {
		entries = append(entries, *suppressionModelToDomain(&models[i]))
	}
	return entries, total, nil
}

type reasonCount struct {
	Reason domain.SuppressionReason `gorm:"column:reason"`
	Count  int64                    `gorm:"column:count"`
}

func (r *GormSuppressionRepo) CountByReason(ctx context.Context, now time.Time) (map[domain.SuppressionReason]int64, error) {
	var rows []reasonCount
	err := r.db.WithContext(ctx).
		Model(&SuppressionModel{}).
		Select("reason, COUNT(*) as count").
		Where("expires_at IS NULL OR expires_at > ?", now).
		Group("reason").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.SuppressionReason]int64, len(rows))
	for _, row := range rows {
		counts[row.Reason] = row.Count
	}
	return counts, nil
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
