package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts calls per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Rate is a call budget per window.
type Rate struct {
	Limit  int
	Window time.Duration
}

// limits per user-initiated operation.
var limits = map[string]Rate{
	"invoice.create":   {Limit: 6, Window: time.Minute},
	"payment.balance":  {Limit: 6, Window: time.Minute},
	"device.create":    {Limit: 5, Window: time.Minute},
	"device.rename":    {Limit: 10, Window: time.Minute},
	"device.delete":    {Limit: 10, Window: time.Minute},
	"promocode.redeem": {Limit: 5, Window: time.Minute},
}

var defaultRate = Rate{Limit: 30, Window: time.Minute}

func rateFor(op string) Rate {
	if r, ok := limits[op]; ok {
		return r
	}
	return defaultRate
}

func limitKey(userID int64, op string) string {
	return fmt.Sprintf("rate_limit:%d:%s", userID, op)
}

type window struct {
	start time.Time
	count int
}

// MemoryLimiter keeps counters in process. Use RedisLimiter when several
// instances serve the API.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, win time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= win {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	if len(l.windows) > 10000 {
		l.gc(now, win)
	}
	return w.count <= limit, nil
}

func (l *MemoryLimiter) gc(now time.Time, win time.Duration) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= win {
			delete(l.windows, k)
		}
	}
}

type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, win time.Duration) (bool, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, win).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
