package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/candlekeep/candlekeep/internal/domain"
)

// BreakerSettings tunes the circuit breaker around an adapter.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings trips after five consecutive failures and probes
// again after one minute.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         1,
		Interval:            2 * time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 5,
	}
}

// WithBreaker wraps an adapter so a persistently failing provider stops
// consuming worker attempts. An open circuit surfaces as a transient error,
// so affected chunks stay eligible for later ticks.
func WithBreaker(inner Adapter, settings BreakerSettings) Adapter {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("provider circuit state changed")
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Permanent errors are the caller's problem, not provider health.
			var pe *Error
			if errors.As(err, &pe) {
				return pe.Kind == KindNotFound || pe.Kind == KindPermanent
			}
			return false
		},
	})
	return &breakerAdapter{inner: inner, cb: cb}
}

type breakerAdapter struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerAdapter) Name() string      { return b.inner.Name() }
func (b *breakerAdapter) MaxBatchSize() int { return b.inner.MaxBatchSize() }

func (b *breakerAdapter) FetchBars(ctx context.Context, symbols []string, tf domain.Timeframe, start, end time.Time) (map[string][]domain.Bar, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.FetchBars(ctx, symbols, tf, start, end)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewError(KindTransient, b.inner.Name(), err)
		}
		return nil, err
	}
	return result.(map[string][]domain.Bar), nil
}
