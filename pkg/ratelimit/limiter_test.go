package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	key := "10.0.0.7"

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if !third.ResetAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected reset %v", third.ResetAt)
	}

	now = now.Add(time.Minute)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestInMemoryLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	ctx := context.Background()
	limiter.Allow(ctx, "a", 1)
	if d := limiter.Allow(ctx, "b", 1); !d.Allowed {
		t.Fatalf("expected separate bucket for b, got %+v", d)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewInMemory(0)
	if limiter.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", limiter.window)
	}
	decision := limiter.Allow(context.Background(), "k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected fallback limit=1 and allowed decision, got %+v", decision)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewRedis(client, 25*time.Millisecond)
	ctx := context.Background()
	key := "10.0.0.8"

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if !mr.Exists("reqledger:rl:" + key) {
		t.Fatal("expected prefixed counter key in redis")
	}
	mr.FastForward(30 * time.Millisecond)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestNewRedisDefaults(t *testing.T) {
	lim := NewRedis(nil, 0)
	if lim.Window != time.Minute || lim.Prefix != "reqledger:rl:" || lim.Fallback == nil {
		t.Fatalf("unexpected defaults %+v", lim)
	}
}

func TestRedisLimiterUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   -1,
	})
	defer client.Close()
	limiter := NewRedis(client, time.Second)
	ctx := context.Background()
	decision := limiter.Allow(ctx, "10.0.0.9", 1)
	if !decision.Allowed || decision.Count != 1 {
		t.Fatalf("expected in-memory fallback allow on redis outage, got %+v", decision)
	}
	second := limiter.Allow(ctx, "10.0.0.9", 1)
	if second.Allowed {
		t.Fatalf("expected fallback limiter to enforce limits, got %+v", second)
	}
}

func TestRedisLimiterWithoutFallbackIsPermissive(t *testing.T) {
	lim := &RedisLimiter{Window: 2 * time.Second, Prefix: "rl:", Timeout: time.Second}
	decision := lim.Allow(context.Background(), "k1", 0)
	if !decision.Allowed || decision.Limit != 1 || decision.Count != 0 || decision.Remaining != 1 {
		t.Fatalf("expected permissive fallback decision, got %+v", decision)
	}
}

func TestRedisLimiterShortScriptResultUsesFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	lim := NewRedis(client, time.Second)

	savedScript := rateLimitScript
	rateLimitScript = redis.NewScript(`return {1}`)
	defer func() { rateLimitScript = savedScript }()

	ctx := context.Background()
	if first := lim.Allow(ctx, "u2", 1); !first.Allowed || first.Count != 1 {
		t.Fatalf("expected fallback in-memory first decision, got %+v", first)
	}
	if second := lim.Allow(ctx, "u2", 1); second.Allowed {
		t.Fatalf("expected fallback limiter enforcement on second call, got %+v", second)
	}
}

func TestRedisLimiterNegativeTTLUsesWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	lim := NewRedis(client, 500*time.Millisecond)

	if err := client.Set(context.Background(), lim.Prefix+"u3", "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}
	decision := lim.Allow(context.Background(), "u3", 10)
	if decision.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("expected resetAt in future, got %v", decision.ResetAt)
	}
}
