package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Registry holds the configured providers in failover priority order.
type Registry struct {
	byName map[string]Provider
	order  []Provider
}

// NewRegistry orders providers by priority. Names in priority without a
// configured provider are skipped; providers absent from priority are ignored.
func NewRegistry(priority []string, providers ...Provider) *Registry {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		byName[strings.ToLower(p.Name())] = p
	}

	order := make([]Provider, 0, len(byName))
	seen := make(map[string]struct{}, len(priority))
	for _, name := range priority {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if p, ok := byName[name]; ok {
			order = append(order, p)
		}
	}

	return &Registry{byName: byName, order: order}
}

// Ordered returns providers in the order they should be attempted.
func (r *Registry) Ordered() []Provider {
	if r == nil {
		return nil
	}
	out := make([]Provider, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Get(name string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names returns the active provider names in priority order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.Ordered()))
	for _, p := range r.Ordered() {
		out = append(out, p.Name())
	}
	return out
}

func (r *Registry) Capabilities() map[string]Capabilities {
	out := make(map[string]Capabilities, len(r.Ordered()))
	for _, p := range r.Ordered() {
		out[p.Name()] = p.Capabilities()
	}
	return out
}

// HealthCheck checks every active provider concurrently.
func (r *Registry) HealthCheck(ctx context.Context) map[string]HealthStatus {
	providers := r.Ordered()
	out := make(map[string]HealthStatus, len(providers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		p := p
		g.Go(func() error {
			status := p.HealthCheck(gctx)
			mu.Lock()
			out[p.Name()] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// NewFromConfig builds a guarded provider for every credential present in cfg.
func NewFromConfig(ctx context.Context, cfg *config.Config, guard GuardOptions, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProviderMaxSendsPerSec > 0 {
		guard.MaxSendsPerSecond = cfg.ProviderMaxSendsPerSec
	}

	httpOpts := func(key string) HTTPOptions {
		return HTTPOptions{APIKey: key, Timeout: cfg.ProviderTimeout}
	}

	var providers []Provider
	add := func(p Provider, err error) error {
		if err != nil {
			return err
		}
		providers = append(providers, NewGuard(p, guard))
		return nil
	}

	if cfg.ResendAPIKey != "" {
		if err := add(NewResendProvider(httpOpts(cfg.ResendAPIKey))); err != nil {
			return nil, err
		}
	}
	if cfg.PostmarkServerToken != "" {
		if err := add(NewPostmarkProvider(httpOpts(cfg.PostmarkServerToken))); err != nil {
			return nil, err
		}
	}
	if cfg.SendGridAPIKey != "" {
		if err := add(NewSendGridProvider(httpOpts(cfg.SendGridAPIKey))); err != nil {
			return nil, err
		}
	}
	if cfg.MailChannelsAPIKey != "" {
		if err := add(NewMailChannelsProvider(httpOpts(cfg.MailChannelsAPIKey))); err != nil {
			return nil, err
		}
	}
	if cfg.SESAccessKey != "" && cfg.SESSecretKey != "" {
		sesCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p, err := NewSESProvider(sesCtx, SESOptions{
			Region:    cfg.SESRegion,
			AccessKey: cfg.SESAccessKey,
			SecretKey: cfg.SESSecretKey,
		})
		cancel()
		if err := add(p, err); err != nil {
			return nil, err
		}
	}

	registry := NewRegistry(cfg.Providers(), providers...)
	if len(registry.Ordered()) == 0 {
		return nil, fmt.Errorf("no email providers configured")
	}

	logger.Info("email providers configured", zap.Strings("priority", registry.Names()))
	return registry, nil
}
