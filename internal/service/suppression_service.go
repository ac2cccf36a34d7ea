package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/kursadbilgin/email-dispatch/internal/kv"
	"github.com/kursadbilgin/email-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	suppressionCachePrefix     = "suppression:"
	notSuppressedMarker        = "not_suppressed"
	defaultSuppressionCacheTTL = time.Hour
	defaultSuppressionPageSize = 100
	maxBulkSuppressions        = 1000
)

// SuppressionOptions carries the optional fields of a registry entry.
type SuppressionOptions struct {
	SourceMessageID string
	Notes           string
	ExpiresAt       *time.Time
}

// AddSuppressionRequest is one item of a bulk add.
type AddSuppressionRequest struct {
	Email  string
	Reason domain.SuppressionReason
	SuppressionOptions
}

type BulkSuppressionError struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

type BulkSuppressionResult struct {
	Added  int                    `json:"added"`
	Errors []BulkSuppressionError `json:"errors"`
}

// FilterResult partitions a recipient list. Allowed and Suppressed are disjoint.
type FilterResult struct {
	Allowed    []string
	Suppressed []domain.SuppressedRecipient
}

// SuppressionService is the read-through cached suppression registry.
type SuppressionService struct {
	repo     repository.SuppressionRepository
	cache    kv.Store
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewSuppressionService(
	repo repository.SuppressionRepository,
	cache kv.Store,
	cacheTTL time.Duration,
	logger *zap.Logger,
) (*SuppressionService, error) {
	if repo == nil {
		return nil, fmt.Errorf("suppression repository is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultSuppressionCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SuppressionService{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *SuppressionService) IsSuppressed(ctx context.Context, email string) (domain.SuppressionStatus, error) {
	statuses, err := s.CheckMany(ctx, []string{email})
	if err != nil {
		return domain.SuppressionStatus{}, err
	}
	return statuses[domain.NormalizeEmail(email)], nil
}

// CheckMany resolves every address with one cache read and one store query
// for cache misses only. Keys of the result are normalized addresses.
func (s *SuppressionService) CheckMany(ctx context.Context, emails []string) (map[string]domain.SuppressionStatus, error) {
	unique := uniqueNormalized(emails)
	out := make(map[string]domain.SuppressionStatus, len(unique))
	if len(unique) == 0 {
		return out, nil
	}

	keys := make([]string, len(unique))
	for i, email := range unique {
		keys[i] = suppressionCacheKey(email)
	}

	cached, err := s.cache.GetMany(ctx, keys)
	if err != nil {
		// The store is authoritative; a cache outage only costs a query.
		s.logger.Warn("suppression cache read failed", zap.Error(err))
		cached = make([]kv.Value, len(keys))
	}

	misses := make([]string, 0, len(unique))
	for i, email := range unique {
		if i < len(cached) && cached[i].OK {
			out[email] = statusFromCache(cached[i].Data)
			continue
		}
		misses = append(misses, email)
	}
	if len(misses) == 0 {
		return out, nil
	}

	now := s.now().UTC()
	entries, err := s.repo.FindActive(ctx, misses, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load suppressions: %w", err)
	}

	active := make(map[string]domain.SuppressionEntry, len(entries))
	for _, e := range entries {
		active[e.Email] = e
	}

	for _, email := range misses {
		entry, ok := active[email]
		if !ok {
			out[email] = domain.SuppressionStatus{}
			s.cacheStatus(ctx, email, notSuppressedMarker, s.cacheTTL)
			continue
		}

		out[email] = domain.SuppressionStatus{Suppressed: true, Reason: entry.Reason}
		ttl := s.cacheTTL
		if entry.ExpiresAt != nil {
			if untilExpiry := entry.ExpiresAt.Sub(now); untilExpiry < ttl {
				ttl = untilExpiry
			}
		}
		if ttl > 0 {
			s.cacheStatus(ctx, email, string(entry.Reason), ttl)
		}
	}

	return out, nil
}

// FilterSuppressed partitions emails preserving input order; duplicates
// (after normalization) are collapsed to their first occurrence.
func (s *SuppressionService) FilterSuppressed(ctx context.Context, emails []string) (*FilterResult, error) {
	statuses, err := s.CheckMany(ctx, emails)
	if err != nil {
		return nil, err
	}

	result := &FilterResult{}
	seen := make(map[string]struct{}, len(emails))
	for _, raw := range emails {
		email := domain.NormalizeEmail(raw)
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}

		if status := statuses[email]; status.Suppressed {
			result.Suppressed = append(result.Suppressed, domain.SuppressedRecipient{Email: email, Reason: status.Reason})
			continue
		}
		result.Allowed = append(result.Allowed, strings.TrimSpace(raw))
	}
	return result, nil
}

func (s *SuppressionService) AddEmail(
	ctx context.Context,
	email string,
	reason domain.SuppressionReason,
	opts SuppressionOptions,
) (*domain.SuppressionEntry, error) {
	normalized := domain.NormalizeEmail(email)
	if !domain.ValidEmail(normalized) {
		return nil, fmt.Errorf("%w: invalid email address %q", domain.ErrValidation, email)
	}
	if !reason.IsValid() {
		return nil, fmt.Errorf("%w: invalid suppression reason %q", domain.ErrValidation, reason)
	}

	now := s.now().UTC()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiresAt must be in the future", domain.ErrValidation)
	}

	entry := &domain.SuppressionEntry{
		ID:              uuid.NewString(),
		Email:           normalized,
		Reason:          reason,
		SourceMessageID: optionalTrimmed(opts.SourceMessageID),
		Notes:           optionalTrimmed(opts.Notes),
		ExpiresAt:       opts.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to upsert suppression: %w", err)
	}
	s.invalidate(ctx, normalized)

	s.logger.Info("email suppressed",
		zap.String("email", normalized),
		zap.String("reason", string(reason)),
	)
	return entry, nil
}

// AddEmails adds every valid item and reports per-item failures.
func (s *SuppressionService) AddEmails(ctx context.Context, items []AddSuppressionRequest) (*BulkSuppressionResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one email is required", domain.ErrValidation)
	}
	if len(items) > maxBulkSuppressions {
		return nil, fmt.Errorf("%w: bulk add exceeds %d emails", domain.ErrValidation, maxBulkSuppressions)
	}

	result := &BulkSuppressionResult{Errors: []BulkSuppressionError{}}
	for _, item := range items {
		if _, err := s.AddEmail(ctx, item.Email, item.Reason, item.SuppressionOptions); err != nil {
			if !errors.Is(err, domain.ErrValidation) {
				return nil, err
			}
			result.Errors = append(result.Errors, BulkSuppressionError{Email: item.Email, Message: err.Error()})
			continue
		}
		result.Added++
	}
	return result, nil
}

func (s *SuppressionService) RemoveEmail(ctx context.Context, email string) (bool, error) {
	normalized := domain.NormalizeEmail(email)
	if normalized == "" {
		return false, fmt.Errorf("%w: email is required", domain.ErrValidation)
	}

	removed, err := s.repo.Delete(ctx, normalized)
	if err != nil {
		return false, fmt.Errorf("failed to delete suppression: %w", err)
	}
	s.invalidate(ctx, normalized)
	return removed, nil
}

// GetEntry returns the active entry for email or domain.ErrNotFound.
func (s *SuppressionService) GetEntry(ctx context.Context, email string) (*domain.SuppressionEntry, error) {
	normalized := domain.NormalizeEmail(email)
	if normalized == "" {
		return nil, fmt.Errorf("%w: email is required", domain.ErrValidation)
	}

	entry, err := s.repo.GetByEmail(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if !entry.ActiveAt(s.now()) {
		return nil, fmt.Errorf("%w: suppression for %s has expired", domain.ErrNotFound, normalized)
	}
	return entry, nil
}

func (s *SuppressionService) List(ctx context.Context, params domain.SuppressionListParams) ([]domain.SuppressionEntry, int64, error) {
	if params.Limit <= 0 {
		params.Limit = defaultSuppressionPageSize
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	params.Search = strings.TrimSpace(params.Search)
	return s.repo.List(ctx, params, s.now().UTC())
}

func (s *SuppressionService) Stats(ctx context.Context) (*domain.SuppressionStats, error) {
	counts, err := s.repo.CountByReason(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count suppressions: %w", err)
	}

	stats := &domain.SuppressionStats{ByReason: make(map[domain.SuppressionReason]int64, 4)}
	for _, reason := range domain.SuppressionReasons() {
		stats.ByReason[reason] = counts[reason]
		stats.Total += counts[reason]
	}
	return stats, nil
}

// CleanupExpired deletes entries whose expiry has passed. Cached positives
// never outlive the entry expiry, so no invalidation is needed.
func (s *SuppressionService) CleanupExpired(ctx context.Context) (int64, error) {
	removed, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired suppressions: %w", err)
	}
	return removed, nil
}

func (s *SuppressionService) cacheStatus(ctx context.Context, email string, value string, ttl time.Duration) {
	if err := s.cache.Set(ctx, suppressionCacheKey(email), value, ttl); err != nil {
		s.logger.Warn("failed to cache suppression status", zap.String("email", email), zap.Error(err))
	}
}

func (s *SuppressionService) invalidate(ctx context.Context, email string) {
	if err := s.cache.Delete(ctx, suppressionCacheKey(email)); err != nil {
		s.logger.Warn("failed to invalidate suppression cache", zap.String("email", email), zap.Error(err))
	}
}

func suppressionCacheKey(email string) string {
	return suppressionCachePrefix + email
}

func statusFromCache(value string) domain.SuppressionStatus {
	if value == notSuppressedMarker || value == "" {
		return domain.SuppressionStatus{}
	}
	return domain.SuppressionStatus{Suppressed: true, Reason: domain.SuppressionReason(value)}
}

func uniqueNormalized(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, raw := range emails {
		email := domain.NormalizeEmail(raw)
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}

func optionalTrimmed(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
