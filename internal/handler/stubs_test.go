package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/provider"
	"github.com/kursadbilgin/email-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/email-dispatch/internal/service"
	"github.com/kursadbilgin/email-dispatch/internal/transport"
	"go.uber.org/zap"
)

var errNotImplemented = errors.New("not implemented")

type stubEmailService struct {
	sendFn    func(ctx context.Context, req *domain.SendRequest, clientID string, opts service.SendOptions) (*service.SendResult, error)
	getByIDFn func(ctx context.Context, id string) (*domain.DeliveryRecord, error)
	listFn    func(ctx context.Context, params domain.DeliveryListParams) ([]domain.DeliveryRecord, int64, error)
	eventsFn  func(ctx context.Context, id string) ([]domain.WebhookEvent, error)
	attemptFn func(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
}

func (s *stubEmailService) Send(ctx context.Context, req *domain.SendRequest, clientID string, opts service.SendOptions) (*service.SendResult, error) {
	if s.sendFn != nil {
		return s.sendFn(ctx, req, clientID, opts)
	}
	return nil, errNotImplemented
}

func (s *stubEmailService) GetByID(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubEmailService) List(ctx context.Context, params domain.DeliveryListParams) ([]domain.DeliveryRecord, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubEmailService) EventsForMessage(ctx context.Context, id string) ([]domain.WebhookEvent, error) {
	if s.eventsFn != nil {
		return s.eventsFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubEmailService) AttemptsForMessage(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if s.attemptFn != nil {
		return s.attemptFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

type stubBatchService struct {
	sendBatchFn  func(ctx context.Context, items []domain.SendRequest, clientID string, opts domain.BatchOptions) (*domain.BatchResult, error)
	queueBatchFn func(ctx context.Context, items []domain.SendRequest, clientID string, opts domain.BatchOptions) (*service.QueuedBatch, error)
	statusFn     func(ctx context.Context, batchID string) (*domain.BatchJob, error)
	resultsFn    func(ctx context.Context, batchID string) ([]domain.BatchItemResult, error)
	cancelFn     func(ctx context.Context, batchID string) (*domain.BatchJob, error)
}

func (s *stubBatchService) SendBatch(ctx context.Context, items []domain.SendRequest, clientID string, opts domain.BatchOptions) (*domain.BatchResult, error) {
	if s.sendBatchFn != nil {
		return s.sendBatchFn(ctx, items, clientID, opts)
	}
	return nil, errNotImplemented
}

func (s *stubBatchService) QueueBatch(ctx context.Context, items []domain.SendRequest, clientID string, opts domain.BatchOptions) (*service.QueuedBatch, error) {
	if s.queueBatchFn != nil {
		return s.queueBatchFn(ctx, items, clientID, opts)
	}
	return nil, errNotImplemented
}

func (s *stubBatchService) GetBatchStatus(ctx context.Context, batchID string) (*domain.BatchJob, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, batchID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubBatchService) GetBatchResults(ctx context.Context, batchID string) ([]domain.BatchItemResult, error) {
	if s.resultsFn != nil {
		return s.resultsFn(ctx, batchID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubBatchService) CancelBatch(ctx context.Context, batchID string) (*domain.BatchJob, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, batchID)
	}
	return nil, domain.ErrNotFound
}

type stubSuppressionService struct {
	listFn      func(ctx context.Context, params domain.SuppressionListParams) ([]domain.SuppressionEntry, int64, error)
	addFn       func(ctx context.Context, email string, reason domain.SuppressionReason, opts service.SuppressionOptions) (*domain.SuppressionEntry, error)
	addManyFn   func(ctx context.Context, items []service.AddSuppressionRequest) (*service.BulkSuppressionResult, error)
	statsFn     func(ctx context.Context) (*domain.SuppressionStats, error)
	checkManyFn func(ctx context.Context, emails []string) (map[string]domain.SuppressionStatus, error)
	getFn       func(ctx context.Context, email string) (*domain.SuppressionEntry, error)
	removeFn    func(ctx context.Context, email string) (bool, error)
	cleanupFn   func(ctx context.Context) (int64, error)
}

func (s *stubSuppressionService) List(ctx context.Context, params domain.SuppressionListParams) ([]domain.SuppressionEntry, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubSuppressionService) AddEmail(ctx context.Context, email string, reason domain.SuppressionReason, opts service.SuppressionOptions) (*domain.SuppressionEntry, error) {
	if s.addFn != nil {
		return s.addFn(ctx, email, reason, opts)
	}
	return nil, errNotImplemented
}

func (s *stubSuppressionService) AddEmails(ctx context.Context, items []service.AddSuppressionRequest) (*service.BulkSuppressionResult, error) {
	if s.addManyFn != nil {
		return s.addManyFn(ctx, items)
	}
	return nil, errNotImplemented
}

func (s *stubSuppressionService) Stats(ctx context.Context) (*domain.SuppressionStats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx)
	}
	return &domain.SuppressionStats{}, nil
}

func (s *stubSuppressionService) CheckMany(ctx context.Context, emails []string) (map[string]domain.SuppressionStatus, error) {
	if s.checkManyFn != nil {
		return s.checkManyFn(ctx, emails)
	}
	return map[string]domain.SuppressionStatus{}, nil
}

func (s *stubSuppressionService) GetEntry(ctx context.Context, email string) (*domain.SuppressionEntry, error) {
	if s.getFn != nil {
		return s.getFn(ctx, email)
	}
	return nil, domain.ErrNotFound
}

func (s *stubSuppressionService) RemoveEmail(ctx context.Context, email string) (bool, error) {
	if s.removeFn != nil {
		return s.removeFn(ctx, email)
	}
	return false, nil
}

func (s *stubSuppressionService) CleanupExpired(ctx context.Context) (int64, error) {
	if s.cleanupFn != nil {
		return s.cleanupFn(ctx)
	}
	return 0, nil
}

type stubWebhookService struct {
	processFn func(ctx context.Context, provider string, headers http.Header, body []byte) (*service.WebhookResult, error)
	eventsFn  func(ctx context.Context, messageID string) ([]domain.WebhookEvent, error)
}

func (s *stubWebhookService) ProcessWebhook(ctx context.Context, provider string, headers http.Header, body []byte) (*service.WebhookResult, error) {
	if s.processFn != nil {
		return s.processFn(ctx, provider, headers, body)
	}
	return &service.WebhookResult{}, nil
}

func (s *stubWebhookService) EventsForMessage(ctx context.Context, messageID string) ([]domain.WebhookEvent, error) {
	if s.eventsFn != nil {
		return s.eventsFn(ctx, messageID)
	}
	return []domain.WebhookEvent{}, nil
}

type stubCatalog struct {
	names  []string
	caps   map[string]provider.Capabilities
	health map[string]provider.HealthStatus
}

func (s *stubCatalog) Names() []string { return s.names }

func (s *stubCatalog) Capabilities() map[string]provider.Capabilities { return s.caps }

func (s *stubCatalog) HealthCheck(context.Context) map[string]provider.HealthStatus { return s.health }

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (l *stubLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return l.decision, l.err
}

func (l *stubLimiter) Status(context.Context, string) (ratelimit.Decision, error) {
	return l.decision, l.err
}

// newTestApp wires every route with stubs; nil fields get empty stubs.
type stubAnalyticsService struct {
	overviewFn  func(ctx context.Context, clientID string, rng domain.TimeRange) (*domain.AnalyticsOverview, error)
	volumeFn    func(ctx context.Context, clientID string, rng domain.TimeRange, granularity domain.Granularity) ([]domain.VolumePoint, error)
	providersFn func(ctx context.Context, clientID string, rng domain.TimeRange) ([]domain.ProviderStats, error)
	domainsFn   func(ctx context.Context, clientID string, rng domain.TimeRange, limit int) ([]domain.DomainStats, error)
	statusFn    func(ctx context.Context, clientID string, rng domain.TimeRange) (map[domain.Status]int64, error)
}

func (s *stubAnalyticsService) Overview(ctx context.Context, clientID string, rng domain.TimeRange) (*domain.AnalyticsOverview, error) {
	if s.overviewFn != nil {
		return s.overviewFn(ctx, clientID, rng)
	}
	return nil, errNotImplemented
}

func (s *stubAnalyticsService) Volume(ctx context.Context, clientID string, rng domain.TimeRange, granularity domain.Granularity) ([]domain.VolumePoint, error) {
	if s.volumeFn != nil {
		return s.volumeFn(ctx, clientID, rng, granularity)
	}
	return nil, errNotImplemented
}

func (s *stubAnalyticsService) Providers(ctx context.Context, clientID string, rng domain.TimeRange) ([]domain.ProviderStats, error) {
	if s.providersFn != nil {
		return s.providersFn(ctx, clientID, rng)
	}
	return nil, errNotImplemented
}

func (s *stubAnalyticsService) Domains(ctx context.Context, clientID string, rng domain.TimeRange, limit int) ([]domain.DomainStats, error) {
	if s.domainsFn != nil {
		return s.domainsFn(ctx, clientID, rng, limit)
	}
	return nil, errNotImplemented
}

func (s *stubAnalyticsService) StatusBreakdown(ctx context.Context, clientID string, rng domain.TimeRange) (map[domain.Status]int64, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, clientID, rng)
	}
	return nil, errNotImplemented
}

func newTestApp(t *testing.T, services Services) *fiber.App {
	t.Helper()

	if services.Emails == nil {
		services.Emails = &stubEmailService{}
	}
	if services.Batches == nil {
		services.Batches = &stubBatchService{}
	}
	if services.Suppressions == nil {
		services.Suppressions = &stubSuppressionService{}
	}
	if services.Webhooks == nil {
		services.Webhooks = &stubWebhookService{}
	}
	if services.Analytics == nil {
		services.Analytics = &stubAnalyticsService{}
	}
	if services.Providers == nil {
		services.Providers = &stubCatalog{}
	}
	if services.Limiter == nil {
		services.Limiter = &stubLimiter{decision: ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 100, ResetAt: time.Now()}}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	if err := RegisterRoutes(app, services); err != nil {
		t.Fatalf("RegisterRoutes() error = %v", err)
	}
	return app
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()
	return performRequestWithHeaders(t, app, method, path, body, nil)
}

func performRequestWithHeaders(
	t *testing.T,
	app *fiber.App,
	method string,
	path string,
	body string,
	headers map[string]string,
) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}
