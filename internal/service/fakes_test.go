package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	redisinfra "github.com/kursadbilgin/email-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/email-dispatch/internal/provider"
	"github.com/kursadbilgin/email-dispatch/internal/queue"
	"github.com/kursadbilgin/email-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	goredis "github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*redisinfra.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := redisinfra.NewStore(client)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, mr
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

type fakeDeliveryRepo struct {
	createFn              func(ctx context.Context, d *domain.DeliveryRecord) error
	getByIDFn             func(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	getByIdempotencyKeyFn func(ctx context.Context, clientID string, key string) (*domain.DeliveryRecord, error)
	listFn                func(ctx context.Context, params domain.DeliveryListParams) ([]domain.DeliveryRecord, int64, error)
	markSentFn            func(ctx context.Context, id string, provider string, providerMessageID string, sentAt time.Time) error
	markFailedFn          func(ctx context.Context, id string, provider string, lastError string) error
	transitionStatusFn    func(ctx context.Context, id string, from domain.Status, to domain.Status) (bool, error)
	applyEventFn          func(ctx context.Context, update repository.EventUpdate) (bool, error)
	getDueScheduledFn     func(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryRecord, error)
}

func (f *fakeDeliveryRepo) Create(ctx context.Context, d *domain.DeliveryRecord) error {
	if f.createFn != nil {
		return f.createFn(ctx, d)
	}
	return nil
}

func (f *fakeDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeDeliveryRepo) GetByIdempotencyKey(ctx context.Context, clientID string, key string) (*domain.DeliveryRecord, error) {
	if f.getByIdempotencyKeyFn != nil {
		return f.getByIdempotencyKeyFn(ctx, clientID, key)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeDeliveryRepo) List(ctx context.Context, params domain.DeliveryListParams) ([]domain.DeliveryRecord, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (f *fakeDeliveryRepo) MarkSent(ctx context.Context, id string, provider string, providerMessageID string, sentAt time.Time) error {
	if f.markSentFn != nil {
		return f.markSentFn(ctx, id, provider, providerMessageID, sentAt)
	}
	return nil
}

func (f *fakeDeliveryRepo) MarkFailed(ctx context.Context, id string, provider string, lastError string) error {
	if f.markFailedFn != nil {
		return f.markFailedFn(ctx, id, provider, lastError)
	}
	return nil
}

func (f *fakeDeliveryRepo) TransitionStatus(ctx context.Context, id string, from domain.Status, to domain.Status) (bool, error) {
	if f.transitionStatusFn != nil {
		return f.transitionStatusFn(ctx, id, from, to)
	}
	return true, nil
}

func (f *fakeDeliveryRepo) ApplyEvent(ctx context.Context, update repository.EventUpdate) (bool, error) {
	if f.applyEventFn != nil {
		return f.applyEventFn(ctx, update)
	}
	return true, nil
}

func (f *fakeDeliveryRepo) GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryRecord, error) {
	if f.getDueScheduledFn != nil {
		return f.getDueScheduledFn(ctx, now, limit)
	}
	return nil, nil
}

type fakeAttemptRepo struct {
	createFn func(ctx context.Context, a *domain.DeliveryAttempt) error
	listFn   func(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	return nil
}

func (f *fakeAttemptRepo) ListByDeliveryID(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	if f.listFn != nil {
		return f.listFn(ctx, deliveryID)
	}
	return nil, nil
}

type fakeEventRepo struct {
	createFn          func(ctx context.Context, e *domain.WebhookEvent) error
	listByMessageIDFn func(ctx context.Context, messageID string) ([]domain.WebhookEvent, error)
}

func (f *fakeEventRepo) Create(ctx context.Context, e *domain.WebhookEvent) error {
	if f.createFn != nil {
		return f.createFn(ctx, e)
	}
	return nil
}

func (f *fakeEventRepo) ListByMessageID(ctx context.Context, messageID string) ([]domain.WebhookEvent, error) {
	if f.listByMessageIDFn != nil {
		return f.listByMessageIDFn(ctx, messageID)
	}
	return nil, nil
}

type fakeSuppressionRepo struct {
	upsertFn        func(ctx context.Context, e *domain.SuppressionEntry) error
	getByEmailFn    func(ctx context.Context, email string) (*domain.SuppressionEntry, error)
	findActiveFn    func(ctx context.Context, emails []string, now time.Time) ([]domain.SuppressionEntry, error)
	deleteFn        func(ctx context.Context, email string) (bool, error)
	deleteExpiredFn func(ctx context.Context, now time.Time) (int64, error)
	listFn          func(ctx context.Context, params domain.SuppressionListParams, now time.Time) ([]domain.SuppressionEntry, int64, error)
	countByReasonFn func(ctx context.Context, now time.Time) (map[domain.SuppressionReason]int64, error)
}

func (f *fakeSuppressionRepo) Upsert(ctx context.Context, e *domain.SuppressionEntry) error {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, e)
	}
	return nil
}

func (f *fakeSuppressionRepo) GetByEmail(ctx context.Context, email string) (*domain.SuppressionEntry, error) {
	if f.getByEmailFn != nil {
		return f.getByEmailFn(ctx, email)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeSuppressionRepo) FindActive(ctx context.Context, emails []string, now time.Time) ([]domain.SuppressionEntry, error) {
	if f.findActiveFn != nil {
		return f.findActiveFn(ctx, emails, now)
	}
	return nil, nil
}

func (f *fakeSuppressionRepo) Delete(ctx context.Context, email string) (bool, error) {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, email)
	}
	return false, nil
}

func (f *fakeSuppressionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if f.deleteExpiredFn != nil {
		return f.deleteExpiredFn(ctx, now)
	}
	return 0, nil
}

func (f *fakeSuppressionRepo) List(ctx context.Context, params domain.SuppressionListParams, now time.Time) ([]domain.SuppressionEntry, int64, error) {
	if f.listFn != nil {
		return f.listFn(ctx, params, now)
	}
	return nil, 0, nil
}

func (f *fakeSuppressionRepo) CountByReason(ctx context.Context, now time.Time) (map[domain.SuppressionReason]int64, error) {
	if f.countByReasonFn != nil {
		return f.countByReasonFn(ctx, now)
	}
	return map[domain.SuppressionReason]int64{}, nil
}

// fakeFilter suppresses the addresses in blocked; everything else is allowed.
type fakeFilter struct {
	blocked  map[string]domain.SuppressionReason
	filterFn func(ctx context.Context, emails []string) (*FilterResult, error)
}

func (f *fakeFilter) FilterSuppressed(ctx context.Context, emails []string) (*FilterResult, error) {
	if f.filterFn != nil {
		return f.filterFn(ctx, emails)
	}
	result := &FilterResult{}
	for _, e := range emails {
		if reason, ok := f.blocked[domain.NormalizeEmail(e)]; ok {
			result.Suppressed = append(result.Suppressed, domain.SuppressedRecipient{Email: domain.NormalizeEmail(e), Reason: reason})
			continue
		}
		result.Allowed = append(result.Allowed, e)
	}
	return result, nil
}

type fakeLimiter struct {
	allowFn func(ctx context.Context, clientID string) (ratelimit.Decision, error)
}

func (f *fakeLimiter) Allow(ctx context.Context, clientID string) (ratelimit.Decision, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, clientID)
	}
	return ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 99}, nil
}

func (f *fakeLimiter) Status(ctx context.Context, clientID string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 100}, nil
}

type fakeProvider struct {
	name         string
	capabilities provider.Capabilities
	sendFn       func(ctx context.Context, req *domain.SendRequest) (*provider.SendResult, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Send(ctx context.Context, req *domain.SendRequest) (*provider.SendResult, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, req)
	}
	return &provider.SendResult{Provider: f.name, MessageID: f.name + "-msg", StatusCode: 200}, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) provider.HealthStatus {
	return provider.HealthStatus{Healthy: true, CheckedAt: time.Now()}
}

func (f *fakeProvider) Capabilities() provider.Capabilities {
	if f.capabilities == (provider.Capabilities{}) {
		return provider.Capabilities{SupportsAttachments: true, SupportsBCC: true, MaxRecipientsPerRequest: 50}
	}
	return f.capabilities
}

type providerList []provider.Provider

func (l providerList) Ordered() []provider.Provider { return l }

type fakeSender struct {
	sendFn func(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error)
}

func (f *fakeSender) Send(ctx context.Context, req *domain.SendRequest, clientID string, opts SendOptions) (*SendResult, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, req, clientID, opts)
	}
	return &SendResult{Record: &domain.DeliveryRecord{ID: "msg-" + req.To[0], Status: domain.StatusSent}}, nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.BatchMessage) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.BatchMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeBatchProcessor struct {
	processFn func(ctx context.Context, batchID string) error
	failFn    func(ctx context.Context, batchID string, reason string) error
}

func (f *fakeBatchProcessor) ProcessBatch(ctx context.Context, batchID string) error {
	if f.processFn != nil {
		return f.processFn(ctx, batchID)
	}
	return nil
}

func (f *fakeBatchProcessor) FailBatch(ctx context.Context, batchID string, reason string) error {
	if f.failFn != nil {
		return f.failFn(ctx, batchID, reason)
	}
	return nil
}

type fakeSuppressor struct {
	addFn func(ctx context.Context, email string, reason domain.SuppressionReason, opts SuppressionOptions) (*domain.SuppressionEntry, error)
}

func (f *fakeSuppressor) AddEmail(ctx context.Context, email string, reason domain.SuppressionReason, opts SuppressionOptions) (*domain.SuppressionEntry, error) {
	if f.addFn != nil {
		return f.addFn(ctx, email, reason, opts)
	}
	return &domain.SuppressionEntry{Email: email, Reason: reason}, nil
}

type fakeAnalyticsRepo struct {
	overviewFn func(ctx context.Context, filter domain.AnalyticsFilter) (domain.StatusCounts, *float64, error)
	volumeFn   func(ctx context.Context, filter domain.AnalyticsFilter, granularity domain.Granularity) ([]domain.VolumePoint, error)
	providerFn func(ctx context.Context, filter domain.AnalyticsFilter) ([]domain.ProviderStats, error)
	domainFn   func(ctx context.Context, filter domain.AnalyticsFilter, limit int) ([]domain.DomainStats, error)
	statusFn   func(ctx context.Context, filter domain.AnalyticsFilter) (map[domain.Status]int64, error)
}

func (f *fakeAnalyticsRepo) Overview(ctx context.Context, filter domain.AnalyticsFilter) (domain.StatusCounts, *float64, error) {
	if f.overviewFn != nil {
		return f.overviewFn(ctx, filter)
	}
	return domain.StatusCounts{}, nil, nil
}

func (f *fakeAnalyticsRepo) Volume(ctx context.Context, filter domain.AnalyticsFilter, granularity domain.Granularity) ([]domain.VolumePoint, error) {
	if f.volumeFn != nil {
		return f.volumeFn(ctx, filter, granularity)
	}
	return nil, nil
}

func (f *fakeAnalyticsRepo) ByProvider(ctx context.Context, filter domain.AnalyticsFilter) ([]domain.ProviderStats, error) {
	if f.providerFn != nil {
		return f.providerFn(ctx, filter)
	}
	return nil, nil
}

func (f *fakeAnalyticsRepo) ByRecipientDomain(ctx context.Context, filter domain.AnalyticsFilter, limit int) ([]domain.DomainStats, error) {
	if f.domainFn != nil {
		return f.domainFn(ctx, filter, limit)
	}
	return nil, nil
}

func (f *fakeAnalyticsRepo) ByStatus(ctx context.Context, filter domain.AnalyticsFilter) (map[domain.Status]int64, error) {
	if f.statusFn != nil {
		return f.statusFn(ctx, filter)
	}
	return nil, nil
}
