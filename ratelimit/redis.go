package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixed-window counter: INCR the window key and set its expiry on first hit
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisLimiter is a fixed-window rate limiter shared across processes.
// All processes using the same key draw from one budget of limit events per
// window.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	limiter := ratelimit.NewRedisLimiter(rdb, "saga-dispatch", 100, time.Second)
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a fixed-window limiter.
//
// Parameters:
//   - client: A connected Redis client (supports single node, Sentinel, Cluster)
//   - key: Redis key identifying the shared budget
//   - limit: Maximum events per window
//   - window: Window duration
func NewRedisLimiter(client redis.Cmdable, key string, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		key:    "ratelimit:" + key,
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event may happen now. Redis errors count as not
// allowed.
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	count, err := fixedWindowScript.Run(ctx, r.client, []string{r.key}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false
	}
	return count <= r.limit
}

// Wait blocks until an event is allowed or ctx is done. It polls the window;
// the poll interval is a tenth of the window, floored at 10ms.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	interval := r.window / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	for {
		if r.Allow(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Reserve attempts an immediate reservation. A fixed window has no schedule
// to reserve against, so a rejected reservation reports a delay of one full
// window.
func (r *RedisLimiter) Reserve(ctx context.Context) Reservation {
	if r.Allow(ctx) {
		return redisReservation{ok: true}
	}
	return redisReservation{ok: true, delay: r.window}
}

// Remaining returns how many events are left in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context) (int64, error) {
	count, err := r.client.Get(ctx, r.key).Int64()
	if err == redis.Nil {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get window count: %w", err)
	}

	remaining := r.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

type redisReservation struct {
	ok    bool
	delay time.Duration
}

func (r redisReservation) OK() bool             { return r.ok }
func (r redisReservation) Delay() time.Duration { return r.delay }
func (r redisReservation) Cancel()              {}

// Compile-time check
var _ Limiter = (*RedisLimiter)(nil)
