package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type logFieldsKey struct{}

// logFields are request-scoped values attached to every service log line.
type logFields struct {
	correlationID string
	clientID      string
	batchID       string
}

// NewLogger builds the JSON production logger for one process; every entry
// carries the process name under "service".
func NewLogger(level string, service string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if service = strings.TrimSpace(service); service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}

func fieldsFromContext(ctx context.Context) logFields {
	if ctx == nil {
		return logFields{}
	}
	fields, _ := ctx.Value(logFieldsKey{}).(logFields)
	return fields
}

func withFields(ctx context.Context, update func(*logFields)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	fields := fieldsFromContext(ctx)
	update(&fields)
	return context.WithValue(ctx, logFieldsKey{}, fields)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withFields(ctx, func(f *logFields) { f.correlationID = strings.TrimSpace(correlationID) })
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id := fieldsFromContext(ctx).correlationID
	return id, id != ""
}

// WithClientID records the calling API client.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return withFields(ctx, func(f *logFields) { f.clientID = strings.TrimSpace(clientID) })
}

func ClientIDFromContext(ctx context.Context) (string, bool) {
	id := fieldsFromContext(ctx).clientID
	return id, id != ""
}

// WithBatchID tags work done on behalf of a batch job.
func WithBatchID(ctx context.Context, batchID string) context.Context {
	return withFields(ctx, func(f *logFields) { f.batchID = strings.TrimSpace(batchID) })
}

// WithContextLogger returns logger enriched with whichever request-scoped
// ids ctx carries.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	fields := fieldsFromContext(ctx)
	zapFields := make([]zap.Field, 0, 3)
	if fields.correlationID != "" {
		zapFields = append(zapFields, zap.String("correlationId", fields.correlationID))
	}
	if fields.clientID != "" {
		zapFields = append(zapFields, zap.String("clientId", fields.clientID))
	}
	if fields.batchID != "" {
		zapFields = append(zapFields, zap.String("batchId", fields.batchID))
	}
	if len(zapFields) == 0 {
		return logger
	}
	return logger.With(zapFields...)
}
