package chatbot

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"collectbot/internal/config"
	"collectbot/internal/logging"
	"collectbot/internal/redis"
)

func TestMirrorSharesHistoryAcrossInstances(t *testing.T) {
	client := newRedisClient(t)
	defer client.Close()
	ctx := context.Background()

	a := NewSessionStore(SessionConfig{IdleTimeout: time.Minute}, client, logging.Discard())
	b := NewSessionStore(SessionConfig{IdleTimeout: time.Minute}, client, logging.Discard())
	b.Start(ctx)
	defer b.Stop()
	// let the subscription settle
	time.Sleep(200 * time.Millisecond)

	// b holds a local copy before a advances the conversation
	sess := b.acquire(ctx, 5)
	b.release(sess)

	sess = a.acquire(ctx, 5)
	a.commit(ctx, sess, schema.UserMessage("hola"), schema.AssistantMessage("buenas", nil))
	a.release(sess)

	deadline := time.Now().Add(2 * time.Second)
	for b.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stale local session not invalidated")
		}
		time.Sleep(20 * time.Millisecond)
	}

	sess = b.acquire(ctx, 5)
	got := b.snapshot(sess)
	b.release(sess)
	if len(got) != 3 || got[2].Content != "buenas" {
		t.Fatalf("expected mirrored history, got %d messages", len(got))
	}

	a.Evict(ctx, 5)
	if _, ok := a.mirror.load(ctx, 5); ok {
		t.Fatalf("evicted history still mirrored")
	}
}

func newRedisClient(t *testing.T) *redis.Client {
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
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if err := client.Del(context.Background(), historyKey(5)); err != nil {
		t.Fatalf("clean key: %v", err)
	}
	return client
}
