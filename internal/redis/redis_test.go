package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"collectbot/internal/config"
)

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", time.Second); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if _, err := c.Incr(ctx, "k"); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close on nil client: %v", err)
	}
	if c.Raw() != nil {
		t.Fatalf("nil client has no raw handle")
	}
}

func TestEnabled(t *testing.T) {
	if Enabled(&config.Config{}) {
		t.Fatalf("empty host must disable redis")
	}
	if !Enabled(&config.Config{Redis: config.RedisConfig{Host: "cache"}}) {
		t.Fatalf("host should enable redis")
	}
}

func TestClientRoundTrip(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()
	ctx := context.Background()

	if err := client.ReplaceHash(ctx, "test:hash", map[string]interface{}{"a": "1", "b": "2"}, time.Minute); err != nil {
		t.Fatalf("replace hash: %v", err)
	}
	if got, err := client.HGet(ctx, "test:hash", "b"); err != nil || got != "2" {
		t.Fatalf("hget: %q %v", got, err)
	}
	if err := client.ReplaceHash(ctx, "test:hash", map[string]interface{}{"c": "3"}, time.Minute); err != nil {
		t.Fatalf("replace hash: %v", err)
	}
	if _, err := client.HGet(ctx, "test:hash", "a"); err != ErrCacheMiss {
		t.Fatalf("expected old field gone, got %v", err)
	}
	first, err := client.Incr(ctx, "test:seq")
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	second, _ := client.Incr(ctx, "test:seq")
	if second != first+1 {
		t.Fatalf("incr not monotonic: %d then %d", first, second)
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	return client
}
