package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheGetMissingIsEmpty(t *testing.T) {
	c, _ := newTestCache(t)
	v, err := c.Get(context.Background(), "absent")
	if err != nil || v != "" {
		t.Fatalf("expected empty miss, got %q err=%v", v, err)
	}
}

func TestRedisCacheSetNXAndTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "claim", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first claim to win, ok=%v err=%v", ok, err)
	}
	ok, err = c.SetNX(ctx, "claim", "1", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second claim to lose, ok=%v err=%v", ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if v, _ := c.Get(ctx, "claim"); v != "" {
		t.Fatalf("expected key expired, got %q", v)
	}

	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if v, _ := c.Get(ctx, "k"); v != "" {
		t.Fatalf("expected deleted key, got %q", v)
	}
}

func TestJitterTTLStaysWithinTenPercent(t *testing.T) {
	for i := 0; i < 20; i++ {
		got := JitterTTL(100 * time.Second)
		if got < 90*time.Second || got > 100*time.Second {
			t.Fatalf("jitter out of range: %s", got)
		}
	}
	if JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must stay zero")
	}
}
