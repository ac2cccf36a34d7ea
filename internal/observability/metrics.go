package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "email_dispatch"

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	emailsSentTotal          *prometheus.CounterVec
	emailsFailedTotal        *prometheus.CounterVec
	providerAttemptsTotal    *prometheus.CounterVec
	providerFailoverTotal    *prometheus.CounterVec
	providerSendDuration     *prometheus.HistogramVec
	breakerState             *prometheus.GaugeVec
	rateLimitRejectedTotal   prometheus.Counter
	suppressionHitsTotal     *prometheus.CounterVec
	suppressionsExpiredTotal prometheus.Counter
	webhookEventsTotal       *prometheus.CounterVec
	batchItemsTotal          *prometheus.CounterVec
	workerInflight           *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		emailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "emails_sent_total",
				Help:      "Total number of emails accepted by a provider.",
			},
			[]string{"provider"},
		),
		emailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "emails_failed_total",
				Help:      "Total number of sends rejected or failed, by error code.",
			},
			[]string{"reason"},
		),
		providerAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "provider_attempts_total",
				Help:      "Provider calls by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		providerFailoverTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "provider_failover_total",
				Help:      "Times a send moved past a failing provider.",
			},
			[]string{"provider"},
		),
		providerSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provider_send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by provider.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "provider_circuit_state",
				Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
			},
			[]string{"provider"},
		),
		rateLimitRejectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limit_rejected_total",
				Help:      "Total number of sends rejected by the client rate limiter.",
			},
		),
		suppressionHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "suppression_hits_total",
				Help:      "Recipients dropped because they are suppressed, by reason.",
			},
			[]string{"reason"},
		),
		suppressionsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "suppressions_expired_total",
				Help:      "Expired suppression entries removed by the sweeper.",
			},
		),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "webhook_events_total",
				Help:      "Webhook events by provider, type, and outcome.",
			},
			[]string{"provider", "type", "outcome"},
		),
		batchItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "batch_items_total",
				Help:      "Batch items processed by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "worker_inflight",
				Help:      "Current number of in-flight worker operations grouped by queue.",
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.emailsSentTotal,
		m.emailsFailedTotal,
		m.providerAttemptsTotal,
		m.providerFailoverTotal,
		m.providerSendDuration,
		m.breakerState,
		m.rateLimitRejectedTotal,
		m.suppressionHitsTotal,
		m.suppressionsExpiredTotal,
		m.webhookEventsTotal,
		m.batchItemsTotal,
		m.workerInflight,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncEmailSent(provider string) {
	if m == nil {
		return
	}
	m.emailsSentTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) IncEmailFailed(reason string) {
	if m == nil {
		return
	}
	m.emailsFailedTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncProviderAttempt(provider string, outcome string) {
	if m == nil {
		return
	}
	m.providerAttemptsTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncProviderFailover(provider string) {
	if m == nil {
		return
	}
	m.providerFailoverTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) ObserveProviderSendDuration(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.providerSendDuration.WithLabelValues(normalizeLabel(provider)).Observe(seconds)
}

// SetBreakerState records a breaker transition; state is closed, half-open or open.
func (m *Metrics) SetBreakerState(provider string, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch normalizeLabel(state) {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.breakerState.WithLabelValues(normalizeLabel(provider)).Set(value)
}

func (m *Metrics) IncRateLimitRejected() {
	if m == nil {
		return
	}
	m.rateLimitRejectedTotal.Inc()
}

func (m *Metrics) IncSuppressionHit(reason string) {
	if m == nil {
		return
	}
	m.suppressionHitsTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) AddSuppressionsExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.suppressionsExpiredTotal.Add(float64(n))
}

func (m *Metrics) IncWebhookEvent(provider string, eventType string, outcome string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncBatchItem(mode string, outcome string) {
	if m == nil {
		return
	}
	m.batchItemsTotal.WithLabelValues(normalizeLabel(mode), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncWorkerInFlight(queue string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(queue)).Inc()
}

func (m *Metrics) DecWorkerInFlight(queue string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(queue)).Dec()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
