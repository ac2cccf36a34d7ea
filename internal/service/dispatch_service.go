package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/observability"
	"github.com/kursadbilgin/email-dispatch/internal/provider"
	"github.com/kursadbilgin/email-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultProviderTimeout = 10 * time.Second
	defaultClientID        = "anonymous"
)

// SendOptions bypasses parts of the dispatch pipeline for trusted callers.
type SendOptions struct {
	SkipRateLimit   bool
	SkipIdempotency bool
}

// SendResult is the outcome of an accepted send.
type SendResult struct {
	Record     *domain.DeliveryRecord
	Suppressed []domain.SuppressedRecipient
	// Duplicate is set when an earlier send with the same idempotency key was returned.
	Duplicate bool
}

// ProviderSource yields providers in failover order.
type ProviderSource interface {
	Ordered() []provider.Provider
}

// RecipientFilter partitions recipients into allowed and suppressed.
type RecipientFilter interface {
	FilterSuppressed(ctx context.Context, emails []string) (*FilterResult, error)
}

// DispatchService validates, filters and delivers single emails with provider failover.
type DispatchService struct {
	deliveries   repository.DeliveryRepository
	attempts     repository.AttemptRepository
	events       repository.WebhookEventRepository
	suppressions RecipientFilter
	limiter      ratelimit.RateLimiter
	providers    ProviderSource
	timeout      time.Duration
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewDispatchService(
	deliveries repository.DeliveryRepository,
	attempts repository.AttemptRepository,
	events repository.WebhookEventRepository,
	suppressions RecipientFilter,
	limiter ratelimit.RateLimiter,
	providers ProviderSource,
	timeout time.Duration,
	logger *zap.Logger,
) (*DispatchService, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if suppressions == nil {
		return nil, fmt.Errorf("suppression filter is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if providers == nil {
		return nil, fmt.Errorf("provider source is required")
	}
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchService{
		deliveries:   deliveries,
		attempts:     attempts,
		events:       events,
		suppressions: suppressions,
		limiter:      limiter,
		providers:    providers,
		timeout:      timeout,
		logger:       logger,
		now:          time.Now,
	}, nil
}

func (s *DispatchService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Send runs the full pipeline: validate, rate limit, suppression filter,
// idempotency lookup, then provider failover.
func (s *DispatchService) Send(
	ctx context.Context,
	req *domain.SendRequest,
	clientID string,
	opts SendOptions,
) (*SendResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", domain.ErrValidation)
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		s.metrics.IncEmailFailed(domain.CodeValidation)
		return nil, err
	}

	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		clientID = defaultClientID
	}
	ctx = observability.WithClientID(ctx, clientID)
	logger := observability.WithContextLogger(s.logger, ctx)

	if !opts.SkipRateLimit {
		decision, err := s.limiter.Allow(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		if !decision.Allowed {
			s.metrics.IncRateLimitRejected()
			s.metrics.IncEmailFailed(domain.CodeRateLimited)
			return nil, &domain.RateLimitError{
				Limit:     decision.Limit,
				Remaining: decision.Remaining,
				ResetAt:   decision.ResetAt,
			}
		}
	}

	filtered, err := s.suppressions.FilterSuppressed(ctx, req.Recipients())
	if err != nil {
		return nil, err
	}
	for _, r := range filtered.Suppressed {
		s.metrics.IncSuppressionHit(string(r.Reason))
	}
	if len(filtered.Allowed) == 0 {
		s.metrics.IncEmailFailed(domain.CodeRecipientBlocked)
		return nil, &domain.RecipientBlockedError{Recipients: filtered.Suppressed}
	}

	effective := req
	recipients := req.Recipients()
	if len(filtered.Suppressed) > 0 {
		effective = req.Restrict(allowedSet(filtered.Allowed))
		recipients = filtered.Allowed
		logger.Info("suppressed recipients dropped",
			zap.Int("suppressed", len(filtered.Suppressed)),
			zap.Int("remaining", len(recipients)),
		)
	}

	idempotencyKey := effective.IdempotencyKey
	if opts.SkipIdempotency {
		idempotencyKey = ""
	}
	if idempotencyKey != "" {
		existing, err := s.deliveries.GetByIdempotencyKey(ctx, clientID, idempotencyKey)
		switch {
		case err == nil:
			logger.Info("idempotent replay", zap.String("deliveryId", existing.ID))
			return &SendResult{Record: existing, Duplicate: true}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	now := s.now().UTC()
	record := &domain.DeliveryRecord{
		ID:                   uuid.NewString(),
		ClientID:             clientID,
		Recipients:           recipients,
		SuppressedRecipients: suppressedEmails(filtered.Suppressed),
		From:                 effective.From,
		Subject:              effective.Subject,
		Status:               domain.StatusSending,
		IdempotencyKey:       idempotencyKey,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	scheduled := effective.ScheduledAt != nil && effective.ScheduledAt.After(now)
	if scheduled {
		payload, err := json.Marshal(effective)
		if err != nil {
			return nil, fmt.Errorf("failed to encode scheduled payload: %w", err)
		}
		record.Status = domain.StatusScheduled
		record.Payload = payload
		at := effective.ScheduledAt.UTC()
		record.ScheduledAt = &at
	}

	if err := s.deliveries.Create(ctx, record); err != nil {
		existing, resolved, resolveErr := s.resolveIdempotencyConflict(ctx, err, clientID, idempotencyKey)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if resolved {
			return &SendResult{Record: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("failed to create delivery record: %w", err)
	}

	result := &SendResult{Record: record, Suppressed: filtered.Suppressed}
	if scheduled {
		logger.Info("email scheduled",
			zap.String("deliveryId", record.ID),
			zap.Time("scheduledAt", *record.ScheduledAt),
		)
		return result, nil
	}

	if err := s.deliver(ctx, record, effective, logger); err != nil {
		return nil, err
	}
	return result, nil
}

// DispatchScheduled delivers a record the scheduler moved to queued.
func (s *DispatchService) DispatchScheduled(ctx context.Context, record *domain.DeliveryRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is required", domain.ErrValidation)
	}
	logger := s.logger.With(zap.String("deliveryId", record.ID), zap.String("clientId", record.ClientID))

	var req domain.SendRequest
	if err := json.Unmarshal(record.Payload, &req); err != nil {
		s.terminalFailure(ctx, record, "", "stored payload is unreadable", logger)
		return fmt.Errorf("%w: scheduled payload for %s: %v", domain.ErrValidation, record.ID, err)
	}

	moved, err := s.deliveries.TransitionStatus(ctx, record.ID, domain.StatusQueued, domain.StatusSending)
	if err != nil {
		return fmt.Errorf("failed to mark scheduled delivery as sending: %w", err)
	}
	if !moved {
		logger.Info("scheduled delivery already picked up")
		return nil
	}
	record.Status = domain.StatusSending

	// Recipients may have been suppressed since the send was accepted.
	filtered, err := s.suppressions.FilterSuppressed(ctx, req.Recipients())
	if err != nil {
		s.terminalFailure(ctx, record, "", err.Error(), logger)
		return err
	}
	if len(filtered.Allowed) == 0 {
		blocked := &domain.RecipientBlockedError{Recipients: filtered.Suppressed}
		s.terminalFailure(ctx, record, "", blocked.Error(), logger)
		return blocked
	}
	if len(filtered.Suppressed) > 0 {
		req = *req.Restrict(allowedSet(filtered.Allowed))
	}

	return s.deliver(ctx, record, &req, logger)
}

func allowedSet(addresses []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		set[domain.NormalizeEmail(a)] = struct{}{}
	}
	return set
}

func (s *DispatchService) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: message id is required", domain.ErrValidation)
	}
	return s.deliveries.GetByID(ctx, id)
}

func (s *DispatchService) List(ctx context.Context, params domain.DeliveryListParams) ([]domain.DeliveryRecord, int64, error) {
	return s.deliveries.List(ctx, params)
}

// EventsForMessage returns the webhook audit trail of a delivery.
func (s *DispatchService) EventsForMessage(ctx context.Context, id string) ([]domain.WebhookEvent, error) {
	record, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.events == nil {
		return []domain.WebhookEvent{}, nil
	}

	messageID := record.ID
	if record.ProviderMessageID != "" {
		messageID = record.ProviderMessageID
	}
	return s.events.ListByMessageID(ctx, messageID)
}

// AttemptsForMessage returns the provider calls made for a delivery.
func (s *DispatchService) AttemptsForMessage(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	record, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.attempts == nil {
		return []domain.DeliveryAttempt{}, nil
	}
	return s.attempts.ListByDeliveryID(ctx, record.ID)
}

// deliver tries providers in priority order and writes exactly one terminal update.
func (s *DispatchService) deliver(
	ctx context.Context,
	record *domain.DeliveryRecord,
	req *domain.SendRequest,
	logger *zap.Logger,
) error {
	providers := s.providers.Ordered()
	failures := make([]domain.ProviderFailure, 0, len(providers))
	attemptNumber := 0

	for _, p := range providers {
		name := p.Name()
		if !p.Capabilities().CanCarry(req) {
			failures = append(failures, domain.ProviderFailure{Provider: name, Message: "message exceeds provider capabilities"})
			continue
		}
		if err := ctx.Err(); err != nil {
			failures = append(failures, domain.ProviderFailure{Provider: name, Message: err.Error()})
			break
		}

		attemptNumber++
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		start := s.now()
		resp, sendErr := p.Send(callCtx, req)
		cancel()
		s.metrics.ObserveProviderSendDuration(name, s.now().Sub(start))

		s.recordAttempt(ctx, record.ID, attemptNumber, name, resp, sendErr, logger)

		if sendErr == nil {
			s.metrics.IncProviderAttempt(name, "success")
			sentAt := s.now().UTC()
			if err := s.deliveries.MarkSent(context.WithoutCancel(ctx), record.ID, name, resp.MessageID, sentAt); err != nil {
				return fmt.Errorf("failed to mark delivery %s as sent: %w", record.ID, err)
			}
			record.Status = domain.StatusSent
			record.Provider = name
			record.ProviderMessageID = resp.MessageID
			record.SentAt = &sentAt
			record.LastError = ""

			s.metrics.IncEmailSent(name)
			logger.Info("email sent",
				zap.String("deliveryId", record.ID),
				zap.String("provider", name),
				zap.String("providerMessageId", resp.MessageID),
				zap.Int("attempts", attemptNumber),
			)
			return nil
		}

		outcome := "permanent"
		switch {
		case provider.IsAuthError(sendErr):
			outcome = "auth"
		case provider.IsTransient(sendErr):
			outcome = "transient"
		}
		s.metrics.IncProviderAttempt(name, outcome)

		if outcome == "auth" {
			s.terminalFailure(ctx, record, name, sendErr.Error(), logger)
			s.metrics.IncEmailFailed(domain.CodeAuthentication)
			logger.Error("provider rejected credentials, not failing over",
				zap.String("deliveryId", record.ID),
				zap.String("provider", name),
				zap.Error(sendErr),
			)
			return fmt.Errorf("send via %s: %w", name, sendErr)
		}

		failures = append(failures, domain.ProviderFailure{Provider: name, Message: sendErr.Error()})
		s.metrics.IncProviderFailover(name)
		logger.Warn("provider send failed, failing over",
			zap.String("deliveryId", record.ID),
			zap.String("provider", name),
			zap.String("kind", outcome),
			zap.Error(sendErr),
		)
	}

	allFailed := &domain.AllProvidersFailedError{Failures: failures}
	s.terminalFailure(ctx, record, "", allFailed.Error(), logger)
	s.metrics.IncEmailFailed(domain.CodeAllProvidersFailed)
	logger.Error("all providers failed", zap.String("deliveryId", record.ID), zap.Error(allFailed))
	return allFailed
}

func (s *DispatchService) terminalFailure(ctx context.Context, record *domain.DeliveryRecord, providerName string, message string, logger *zap.Logger) {
	if err := s.deliveries.MarkFailed(context.WithoutCancel(ctx), record.ID, providerName, message); err != nil {
		logger.Error("failed to mark delivery as failed",
			zap.String("deliveryId", record.ID),
			zap.Error(err),
		)
		return
	}
	record.Status = domain.StatusFailed
	record.LastError = message
	if providerName != "" {
		record.Provider = providerName
	}
}

func (s *DispatchService) recordAttempt(
	ctx context.Context,
	deliveryID string,
	attemptNumber int,
	providerName string,
	resp *provider.SendResult,
	sendErr error,
	logger *zap.Logger,
) {
	if s.attempts == nil {
		return
	}

	var statusCode *int
	var attemptErr *string
	if resp != nil && resp.StatusCode > 0 {
		value := resp.StatusCode
		statusCode = &value
	}
	if sendErr != nil {
		value := sendErr.Error()
		attemptErr = &value

		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && providerErr.StatusCode > 0 {
			value := providerErr.StatusCode
			statusCode = &value
		}
	}

	attempt := &domain.DeliveryAttempt{
		ID:            uuid.NewString(),
		DeliveryID:    deliveryID,
		AttemptNumber: attemptNumber,
		Provider:      providerName,
		StatusCode:    statusCode,
		Error:         attemptErr,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.attempts.Create(context.WithoutCancel(ctx), attempt); err != nil {
		logger.Warn("failed to record delivery attempt",
			zap.String("deliveryId", deliveryID),
			zap.Int("attempt", attemptNumber),
			zap.Error(err),
		)
	}
}

func (s *DispatchService) resolveIdempotencyConflict(
	ctx context.Context,
	createErr error,
	clientID string,
	idempotencyKey string,
) (*domain.DeliveryRecord, bool, error) {
	if idempotencyKey == "" {
		return nil, false, nil
	}
	if !isUniqueViolationError(createErr) {
		return nil, false, nil
	}

	existing, err := s.deliveries.GetByIdempotencyKey(ctx, clientID, idempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing delivery after idempotency conflict: %w", err)
	}
	s.logger.Info("idempotency conflict resolved",
		zap.String("existingId", existing.ID),
		zap.String("idempotencyKey", idempotencyKey),
	)
	return existing, true, nil
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

func suppressedEmails(recipients []domain.SuppressedRecipient) []string {
	if len(recipients) == 0 {
		return nil
	}
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, r.Email)
	}
	return out
}
