// Package ratelimit provides rate limiters for throttling saga dispatch.
//
// Two implementations are included: TokenBucket for in-process limiting and
// RedisLimiter for limits shared across processes. Both can be wrapped with
// MetricsLimiter for OpenTelemetry instrumentation and passed to a saga
// coordinator through saga.WithDispatchLimiter.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the rate limiting interface.
//
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether an event may happen now without waiting.
	Allow(ctx context.Context) bool

	// Wait blocks until an event is allowed or ctx is done. It returns
	// ctx.Err() when canceled.
	Wait(ctx context.Context) error

	// Reserve reserves a future event and reports how long to wait for it.
	Reserve(ctx context.Context) Reservation
}

// Reservation describes a reserved future event.
type Reservation interface {
	// OK reports whether the limiter can ever satisfy the reservation.
	OK() bool

	// Delay returns how long the caller must wait before acting.
	Delay() time.Duration

	// Cancel returns the reservation to the limiter if possible.
	Cancel()
}

// TokenBucket is an in-process token bucket limiter built on
// golang.org/x/time/rate. Tokens refill at a fixed rate up to a burst
// capacity.
//
// Example:
//
//	limiter := ratelimit.NewTokenBucket(100, 10) // 100/sec, bursts of 10
//	coord := saga.NewCoordinator(registry, store,
//	    saga.WithDispatchLimiter(limiter),
//	)
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket limiter allowing eventsPerSecond
// sustained throughput with the given burst capacity.
func NewTokenBucket(eventsPerSecond float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst),
	}
}

// Allow reports whether an event may happen now.
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Reserve reserves a token for a future event.
func (t *TokenBucket) Reserve(ctx context.Context) Reservation {
	return tokenBucketReservation{t.limiter.Reserve()}
}

// SetRate updates the sustained rate. Pending Wait calls observe the new
// rate.
func (t *TokenBucket) SetRate(eventsPerSecond float64) {
	t.limiter.SetLimit(rate.Limit(eventsPerSecond))
}

type tokenBucketReservation struct {
	r *rate.Reservation
}

func (r tokenBucketReservation) OK() bool             { return r.r.OK() }
func (r tokenBucketReservation) Delay() time.Duration { return r.r.Delay() }
func (r tokenBucketReservation) Cancel()              { r.r.Cancel() }

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
