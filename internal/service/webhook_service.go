package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/kv"
	"github.com/kursadbilgin/email-dispatch/internal/observability"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"github.com/kursadbilgin/email-dispatch/internal/webhook"
	"go.uber.org/zap"
)

const webhookDedupTTL = 7 * 24 * time.Hour

// Suppressor records recipients that must no longer be mailed.
type Suppressor interface {
	AddEmail(ctx context.Context, email string, reason domain.SuppressionReason, opts SuppressionOptions) (*domain.SuppressionEntry, error)
}

// WebhookResult summarizes one ingested webhook delivery.
type WebhookResult struct {
	// Processed counts events applied for the first time.
	Processed int                   `json:"processed"`
	Events    []domain.WebhookEvent `json:"-"`
}

// WebhookService reconciles delivery records from provider event callbacks.
type WebhookService struct {
	parsers    *webhook.Registry
	secrets    map[string]string
	dedup      kv.Store
	events     repository.WebhookEventRepository
	deliveries repository.DeliveryRepository
	suppressor Suppressor
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewWebhookService(
	parsers *webhook.Registry,
	secrets map[string]string,
	dedup kv.Store,
	events repository.WebhookEventRepository,
	deliveries repository.DeliveryRepository,
	suppressor Suppressor,
	logger *zap.Logger,
) (*WebhookService, error) {
	if parsers == nil {
		return nil, fmt.Errorf("parser registry is required")
	}
	if dedup == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if events == nil || deliveries == nil {
		return nil, fmt.Errorf("event and delivery repositories are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	normalized := make(map[string]string, len(secrets))
	for name, secret := range secrets {
		normalized[strings.ToLower(strings.TrimSpace(name))] = secret
	}

	return &WebhookService{
		parsers:    parsers,
		secrets:    normalized,
		dedup:      dedup,
		events:     events,
		deliveries: deliveries,
		suppressor: suppressor,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (s *WebhookService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// ProcessWebhook verifies, parses and applies a provider webhook body.
// Replayed events are skipped so redelivery is harmless.
func (s *WebhookService) ProcessWebhook(
	ctx context.Context,
	providerName string,
	headers http.Header,
	body []byte,
) (*WebhookResult, error) {
	providerName = strings.ToLower(strings.TrimSpace(providerName))
	parser, err := s.parsers.Get(providerName)
	if err != nil {
		return nil, err
	}

	if secret := s.secrets[providerName]; secret != "" {
		if err := parser.VerifySignature(body, headers, secret); err != nil {
			s.metrics.IncWebhookEvent(providerName, "unknown", "rejected")
			return nil, err
		}
	}

	events, err := parser.Parse(body, headers)
	if err != nil {
		s.metrics.IncWebhookEvent(providerName, "unknown", "invalid")
		return nil, err
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("provider", providerName))
	result := &WebhookResult{Events: events}

	for i := range events {
		applied, err := s.processEvent(ctx, &events[i], logger)
		if err != nil {
			return result, err
		}
		if applied {
			result.Processed++
		}
	}

	logger.Info("webhook processed",
		zap.Int("events", len(events)),
		zap.Int("processed", result.Processed),
	)
	return result, nil
}

// EventsForMessage returns the audit trail recorded for a provider message id.
func (s *WebhookService) EventsForMessage(ctx context.Context, messageID string) ([]domain.WebhookEvent, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}
	return s.events.ListByMessageID(ctx, messageID)
}

func (s *WebhookService) processEvent(ctx context.Context, event *domain.WebhookEvent, logger *zap.Logger) (bool, error) {
	eventLogger := logger.With(
		zap.String("messageId", event.MessageID),
		zap.String("type", event.Type.String()),
	)

	status, err := event.Type.DeliveryStatus()
	if err != nil {
		return false, err
	}

	key := event.DedupKey()
	claimed, err := s.dedup.SetNX(ctx, key, s.now().UTC().Format(time.RFC3339), webhookDedupTTL)
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	if !claimed {
		s.metrics.IncWebhookEvent(event.Provider, event.Type.String(), "duplicate")
		eventLogger.Debug("duplicate webhook event skipped")
		// Later recipients of a multi-recipient bounce land here.
		s.suppress(ctx, event, eventLogger)
		return false, nil
	}

	if err := s.apply(ctx, event, status, eventLogger); err != nil {
		// Release the claim so the provider's retry can apply it.
		if delErr := s.dedup.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			eventLogger.Warn("failed to release webhook claim", zap.Error(delErr))
		}
		return false, err
	}
	s.suppress(ctx, event, eventLogger)
	return true, nil
}

// suppress adds a bounced or complaining recipient to the registry once per
// recipient. Failures are logged and the claim released for a retry.
func (s *WebhookService) suppress(ctx context.Context, event *domain.WebhookEvent, logger *zap.Logger) {
	reason, ok := event.Type.SuppressionReason()
	if !ok || s.suppressor == nil || event.Recipient == "" {
		return
	}
	logger = logger.With(zap.String("recipient", event.Recipient), zap.String("reason", string(reason)))

	key := event.SuppressionKey()
	claimed, err := s.dedup.SetNX(ctx, key, s.now().UTC().Format(time.RFC3339), webhookDedupTTL)
	if err != nil {
		logger.Error("failed to claim suppression step", zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	if _, err := s.suppressor.AddEmail(ctx, event.Recipient, reason, SuppressionOptions{SourceMessageID: event.MessageID}); err != nil {
		logger.Error("failed to suppress recipient", zap.Error(err))
		if delErr := s.dedup.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			logger.Warn("failed to release suppression claim", zap.Error(delErr))
		}
	}
}

func (s *WebhookService) apply(ctx context.Context, event *domain.WebhookEvent, status domain.Status, logger *zap.Logger) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.CreatedAt = s.now().UTC()
	if err := s.events.Create(ctx, event); err != nil {
		return fmt.Errorf("failed to store webhook event: %w", err)
	}

	update := repository.EventUpdate{
		MessageID:  event.MessageID,
		Status:     status,
		OccurredAt: event.Timestamp,
	}
	switch event.Type {
	case domain.EventBounced:
		update.Classification = domain.BounceClassificationBounce
	case domain.EventComplained:
		update.Classification = domain.BounceClassificationComplaint
	}

	matched, err := s.deliveries.ApplyEvent(ctx, update)
	if err != nil {
		return fmt.Errorf("failed to apply webhook event: %w", err)
	}
	outcome := "applied"
	if !matched {
		outcome = "unmatched"
		logger.Warn("webhook event matches no delivery record")
	}
	s.metrics.IncWebhookEvent(event.Provider, event.Type.String(), outcome)
	return nil
}
