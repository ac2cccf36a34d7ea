package provider

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/email-dispatch/internal/domain"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardOptions tunes the circuit breaker and outbound throttle of a Guard.
type GuardOptions struct {
	// MaxSendsPerSecond limits outbound calls; zero disables throttling.
	MaxSendsPerSecond int
	// FailureThreshold is the consecutive transient failures that open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before a half-open trial call.
	OpenTimeout time.Duration
	// OnStateChange is notified of breaker transitions.
	OnStateChange func(provider string, from, to gobreaker.State)
}

func DefaultGuardOptions() GuardOptions {
	return GuardOptions{
		MaxSendsPerSecond: 50,
		FailureThreshold:  5,
		OpenTimeout:       30 * time.Second,
	}
}

// Guard decorates a Provider with a circuit breaker and a send throttle.
// Only transient failures count against the breaker.
type Guard struct {
	Provider
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewGuard(p Provider, opts GuardOptions) *Guard {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	}
	if opts.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			opts.OnStateChange(name, from, to)
		}
	}

	var limiter *rate.Limiter
	if opts.MaxSendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxSendsPerSecond), opts.MaxSendsPerSecond)
	}

	return &Guard{
		Provider: p,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		limiter:  limiter,
	}
}

func (g *Guard) Send(ctx context.Context, req *domain.SendRequest) (*SendResult, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &ProviderError{
				Provider: g.Name(),
				Message:  "send throttle wait aborted",
				Kind:     KindTransient,
				Cause:    err,
			}
		}
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.Provider.Send(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ProviderError{
				Provider: g.Name(),
				Message:  "circuit breaker is open",
				Kind:     KindTransient,
				Cause:    err,
			}
		}
		return nil, err
	}

	return out.(*SendResult), nil
}

// State reports the breaker state name: closed, half-open or open.
func (g *Guard) State() string {
	return g.breaker.State().String()
}
