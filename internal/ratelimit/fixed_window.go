package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter allows at most limit hits per key within each window.
// The Redis mode is shared across replicas; the memory mode is per process.
type FixedWindowLimiter struct {
	scope  string
	limit  int
	window time.Duration
	now    func() time.Time

	redisClient *redis.Client
	redisPrefix string

	mu     sync.Mutex
	counts map[string]int64
	slot   int64
}

// NewRedisFixedWindowLimiter creates a Redis-backed limiter for one throttle scope.
func NewRedisFixedWindowLimiter(addr, password, prefix, scope string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "navid:ratelimit"
	}
	return &FixedWindowLimiter{
		scope:  normalizeScope(scope),
		limit:  limit,
		window: window,
		now:    time.Now,
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		redisPrefix: prefix,
	}, nil
}

// NewMemoryFixedWindowLimiter creates a single-process limiter.
func NewMemoryFixedWindowLimiter(scope string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &FixedWindowLimiter{
		scope:  normalizeScope(scope),
		limit:  limit,
		window: window,
		now:    time.Now,
		counts: make(map[string]int64),
	}, nil
}

// Scope returns the throttle scope name, e.g. "auth".
func (l *FixedWindowLimiter) Scope() string {
	if l == nil {
		return ""
	}
	return l.scope
}

// Allow reports whether key is within quota.
// Redis failures fail closed.
func (l *FixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	slot := l.now().UTC().UnixMilli() / windowMs
	if l.redisClient == nil {
		return l.allowMemory(key, slot)
	}
	redisKey := fmt.Sprintf("%s:%s:%s:%d", l.redisPrefix, l.scope, key, slot)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.redisClient, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return res <= int64(l.limit)
}

func (l *FixedWindowLimiter) allowMemory(key string, slot int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot != l.slot {
		l.slot = slot
		clear(l.counts)
	}
	l.counts[key]++
	return l.counts[key] <= int64(l.limit)
}

// Close releases the Redis connection pool, if any.
func (l *FixedWindowLimiter) Close() error {
	if l == nil || l.redisClient == nil {
		return nil
	}
	return l.redisClient.Close()
}

func normalizeScope(scope string) string {
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return "default"
	}
	return scope
}
