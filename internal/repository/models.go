package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/lib/pq"
)

// DeliveryModel is the persistence model for the email_deliveries table.
type DeliveryModel struct {
	ID                   string         `gorm:"type:uuid;primaryKey"`
	ClientID             string         `gorm:"type:varchar(255);not null"`
	Recipients           pq.StringArray `gorm:"type:text[];not null"`
	SuppressedRecipients pq.StringArray `gorm:"type:text[]"`
	FromAddress          string         `gorm:"type:varchar(512);not null"`
	Subject              string         `gorm:"type:text;not null;default:''"`
	Provider             *string        `gorm:"type:varchar(32)"`
	ProviderMessageID    *string        `gorm:"type:varchar(255)"`
	Status               domain.Status  `gorm:"type:varchar(20);not null"`
	BounceClassification *string        `gorm:"type:varchar(20)"`
	IdempotencyKey       *string        `gorm:"type:varchar(255)"`
	LastError            *string        `gorm:"type:text"`
	Payload              *string        `gorm:"type:jsonb"`
	ScheduledAt          *time.Time     `gorm:"type:timestamptz"`
	SentAt               *time.Time     `gorm:"type:timestamptz"`
	DeliveredAt          *time.Time     `gorm:"type:timestamptz"`
	BouncedAt            *time.Time     `gorm:"type:timestamptz"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (DeliveryModel) TableName() string {
	return "email_deliveries"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	DeliveryID    string  `gorm:"type:uuid;not null"`
	AttemptNumber int     `gorm:"not null"`
	Provider      string  `gorm:"type:varchar(32);not null"`
	StatusCode    *int    `gorm:"type:int"`
	Error         *string `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// SuppressionModel is the persistence model for the suppressions table.
type SuppressionModel struct {
	ID              string                   `gorm:"type:uuid;primaryKey"`
	Email           string                   `gorm:"type:varchar(320);not null;uniqueIndex:idx_suppressions_email"`
	Reason          domain.SuppressionReason `gorm:"type:varchar(20);not null"`
	SourceMessageID *string                  `gorm:"type:varchar(255)"`
	Notes           *string                  `gorm:"type:text"`
	ExpiresAt       *time.Time               `gorm:"type:timestamptz"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (SuppressionModel) TableName() string {
	return "suppressions"
}

// WebhookEventModel is the audit row for every processed webhook event.
type WebhookEventModel struct {
	ID         string           `gorm:"type:uuid;primaryKey"`
	Provider   string           `gorm:"type:varchar(32);not null"`
	EventType  domain.EventType `gorm:"type:varchar(20);not null"`
	MessageID  string           `gorm:"type:varchar(255);not null"`
	Recipient  string           `gorm:"type:varchar(320)"`
	OccurredAt time.Time        `gorm:"type:timestamptz;not null"`
	Metadata   *string          `gorm:"type:jsonb"`
	RawPayload *string          `gorm:"type:jsonb"`
	CreatedAt  time.Time
}

func (WebhookEventModel) TableName() string {
	return "webhook_events"
}

func deliveryModelFromDomain(d *domain.DeliveryRecord) *DeliveryModel {
	if d == nil {
		return nil
	}

	return &DeliveryModel{
		ID:                   d.ID,
		ClientID:             d.ClientID,
		Recipients:           pq.StringArray(d.Recipients),
		SuppressedRecipients: pq.StringArray(d.SuppressedRecipients),
		FromAddress:          d.From,
		Subject:              d.Subject,
		Provider:             optionalString(d.Provider),
		ProviderMessageID:    optionalString(d.ProviderMessageID),
		Status:               d.Status,
		BounceClassification: optionalString(string(d.BounceClassification)),
		IdempotencyKey:       optionalString(d.IdempotencyKey),
		LastError:            optionalString(d.LastError),
		Payload:              optionalString(string(d.Payload)),
		ScheduledAt:          d.ScheduledAt,
		SentAt:               d.SentAt,
		DeliveredAt:          d.DeliveredAt,
		BouncedAt:            d.BouncedAt,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

func deliveryModelToDomain(m *DeliveryModel) *domain.DeliveryRecord {
	if m == nil {
		return nil
	}

	record := &domain.DeliveryRecord{
		ID:                   m.ID,
		ClientID:             m.ClientID,
		Recipients:           []string(m.Recipients),
		SuppressedRecipients: []string(m.SuppressedRecipients),
		From:                 m.FromAddress,
		Subject:              m.Subject,
		Provider:             derefString(m.Provider),
		ProviderMessageID:    derefString(m.ProviderMessageID),
		Status:               m.Status,
		BounceClassification: domain.BounceClassification(derefString(m.BounceClassification)),
		IdempotencyKey:       derefString(m.IdempotencyKey),
		LastError:            derefString(m.LastError),
		ScheduledAt:          m.ScheduledAt,
		SentAt:               m.SentAt,
		DeliveredAt:          m.DeliveredAt,
		BouncedAt:            m.BouncedAt,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
	if m.Payload != nil {
		record.Payload = []byte(*m.Payload)
	}
	return record
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:            a.ID,
		DeliveryID:    a.DeliveryID,
		AttemptNumber: a.AttemptNumber,
		Provider:      a.Provider,
		StatusCode:    a.StatusCode,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:            m.ID,
		DeliveryID:    m.DeliveryID,
		AttemptNumber: m.AttemptNumber,
		Provider:      m.Provider,
		StatusCode:    m.StatusCode,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}

func suppressionModelFromDomain(e *domain.SuppressionEntry) *SuppressionModel {
	if e == nil {
		return nil
	}

	return &SuppressionModel{
		ID:              e.ID,
		Email:           e.Email,
		Reason:          e.Reason,
		SourceMessageID: e.SourceMessageID,
		Notes:           e.Notes,
		ExpiresAt:       e.ExpiresAt,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}

func suppressionModelToDomain(m *SuppressionModel) *domain.SuppressionEntry {
	if m == nil {
		return nil
	}

	return &domain.SuppressionEntry{
		ID:              m.ID,
		Email:           m.Email,
		Reason:          m.Reason,
		SourceMessageID: m.SourceMessageID,
		Notes:           m.Notes,
		ExpiresAt:       m.ExpiresAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func webhookEventModelFromDomain(e *domain.WebhookEvent) (*WebhookEventModel, error) {
	if e == nil {
		return nil, nil
	}

	model := &WebhookEventModel{
		ID:         e.ID,
		Provider:   e.Provider,
		EventType:  e.Type,
		MessageID:  e.MessageID,
		Recipient:  e.Recipient,
		OccurredAt: e.Timestamp,
		RawPayload: optionalString(string(e.RawPayload)),
		CreatedAt:  e.CreatedAt,
	}
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, err
		}
		model.Metadata = optionalString(string(raw))
	}
	return model, nil
}

func webhookEventModelToDomain(m *WebhookEventModel) *domain.WebhookEvent {
	if m == nil {
		return nil
	}

	event := &domain.WebhookEvent{
		ID:        m.ID,
		Type:      m.EventType,
		Provider:  m.Provider,
		MessageID: m.MessageID,
		Recipient: m.Recipient,
		Timestamp: m.OccurredAt,
		CreatedAt: m.CreatedAt,
	}
	if m.Metadata != nil {
		_ = json.Unmarshal([]byte(*m.Metadata), &event.Metadata)
	}
	if m.RawPayload != nil {
		event.RawPayload = []byte(*m.RawPayload)
	}
	return event
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
