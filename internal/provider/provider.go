// Package provider abstracts the upstream market-data API. The rest of the
// engine only ever sees canonical timeframe tokens, canonical bars, and the
// typed error taxonomy defined here.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/candlekeep/candlekeep/internal/domain"
)

// ErrorKind classifies provider failures for retry accounting.
type ErrorKind string

const (
	// KindRateLimited means the provider throttled us; the chunk re-queues
	// under the standard backoff and the token bucket paces the next call.
	KindRateLimited ErrorKind = "rate_limited"
	// KindNotFound means the symbol does not exist upstream. Not retryable.
	KindNotFound ErrorKind = "not_found"
	// KindTransient covers timeouts, 5xx and network failures.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers non-retryable client errors (bad request, auth).
	KindPermanent ErrorKind = "permanent"
	// KindSchema means the payload did not match the expected shape.
	// Treated as transient on first sight, permanent on repeat.
	KindSchema ErrorKind = "schema_mismatch"
)

// Error is the typed failure returned by adapters.
type Error struct {
	Kind     ErrorKind
	Provider string
	err      error
}

// NewError wraps an underlying error with a classification.
func NewError(kind ErrorKind, providerName string, err error) *Error {
	return &Error{Kind: kind, Provider: providerName, err: err}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether a later attempt could succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransient, KindSchema:
		return true
	}
	return false
}

// KindOf extracts the classification from any error chain. Unclassified
// errors (context deadlines, raw network failures) count as transient.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// Adapter is the pluggable upstream boundary. Implementations own auth,
// pagination, provider-native timeframe tokens, batching and pacing, and
// normalize every response into canonical bars stamped with the provider
// name and is_forecast=false.
type Adapter interface {
	// Name is the provider tag stamped onto written bars.
	Name() string

	// MaxBatchSize is the upper bound on symbols per FetchBars call.
	MaxBatchSize() int

	// FetchBars returns bars for the given symbols over [start, end),
	// grouped by symbol. Symbols absent upstream map to an empty slice.
	FetchBars(ctx context.Context, symbols []string, tf domain.Timeframe, start, end time.Time) (map[string][]domain.Bar, error)
}
