package connector

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/inquest/internal/fault"
)

// GuardOptions configures the protective wrapper around a connector.
type GuardOptions struct {
	// RatePerSecond limits calls to the inner connector. <= 0 disables.
	RatePerSecond float64
	// Burst for the rate limiter. Defaults to 1 when rate limiting is on.
	Burst int
	// BreakerThreshold is consecutive failures before the circuit opens.
	BreakerThreshold int
	// BreakerRecovery is how long the circuit stays open before probing.
	BreakerRecovery time.Duration
}

// Guarded wraps a Connector with a circuit breaker and a rate limiter.
// Breaker rejections surface as breaker_open faults; rate limiter waits are
// bounded by the caller's context.
type Guarded struct {
	inner   Connector
	breaker *Breaker
	limiter *rate.Limiter
}

// Guard wraps the connector with the given options.
func Guard(inner Connector, opts GuardOptions) *Guarded {
	g := &Guarded{
		inner:   inner,
		breaker: NewBreaker(opts.BreakerThreshold, opts.BreakerRecovery),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return g
}

// Name returns the inner connector's name.
func (g *Guarded) Name() string { return g.inner.Name() }

// Breaker exposes the breaker state for health reporting.
func (g *Guarded) Breaker() *Breaker { return g.breaker }

// Query proxies to the inner connector under breaker and rate limits.
func (g *Guarded) Query(ctx context.Context, query, queryType string) (json.RawMessage, error) {
	var out json.RawMessage
	err := g.call(ctx, g.inner.Name()+".Query", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Query(ctx, query, queryType)
		return err
	})
	return out, err
}

// Enrich proxies to the inner connector under breaker and rate limits.
func (g *Guarded) Enrich(ctx context.Context, value, entityType string) (json.RawMessage, error) {
	var out json.RawMessage
	err := g.call(ctx, g.inner.Name()+".Enrich", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Enrich(ctx, value, entityType)
		return err
	})
	return out, err
}

// HealthCheck bypasses the rate limiter but reports unhealthy while the
// circuit is open.
func (g *Guarded) HealthCheck(ctx context.Context) Health {
	if g.breaker.State() == BreakerOpen {
		return Health{Healthy: false}
	}
	return g.inner.HealthCheck(ctx)
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := g.breaker.Allow(op); err != nil {
		return err
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			err = fault.Wrap(fault.KindRateLimit, op, err)
			g.breaker.Record(err)
			return err
		}
	}
	err := fn(ctx)
	// Rate-limit rejections from the source are backpressure, not source
	// failure; they must not trip the breaker.
	if fault.KindOf(err) == fault.KindRateLimit {
		return err
	}
	g.breaker.Record(err)
	return err
}
