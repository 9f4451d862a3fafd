package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", "auth", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	if !limiter.Allow("ip-1") || !limiter.Allow("ip-1") {
		t.Fatalf("first two requests should pass")
	}
	if limiter.Allow("ip-1") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow("ip-2") {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterScopesAreIndependent(t *testing.T) {
	redis := miniredis.RunT(t)
	auth, _ := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", "auth", 1, time.Minute)
	chat, _ := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", "chat", 1, time.Minute)
	if !auth.Allow("ip-1") || auth.Allow("ip-1") {
		t.Fatalf("auth scope quota mismatch")
	}
	if !chat.Allow("ip-1") {
		t.Fatalf("chat scope must not share auth counters")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", "auth", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	redis.Close()
	if limiter.Allow("ip-1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", "auth", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}

func TestMemoryFixedWindowLimiterResetsEachWindow(t *testing.T) {
	limiter, err := NewMemoryFixedWindowLimiter("chat", 1, time.Minute)
	if err != nil {
		t.Fatalf("new memory limiter: %v", err)
	}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	if !limiter.Allow("u1") {
		t.Fatalf("first request should pass")
	}
	if limiter.Allow("u1") {
		t.Fatalf("second request in window should be blocked")
	}
	now = now.Add(time.Minute)
	if !limiter.Allow("u1") {
		t.Fatalf("new window should reset quota")
	}
}
