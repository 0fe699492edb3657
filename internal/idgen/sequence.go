package idgen

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"collectbot/internal/redis"
)

// Sequence hands out record ids that are unique by construction.
type Sequence interface {
	Next(ctx context.Context) (int64, error)
}

// LocalSequence is a process-wide monotonic counter. It is seeded from the start-up
// clock in microseconds, so a restarted process only reuses ids of the previous run if
// that run handed out more than one id per microsecond of its lifetime.
type LocalSequence struct {
	last atomic.Int64
}

// NewLocalSequence seeds a counter from the current time.
func NewLocalSequence() *LocalSequence {
	return NewLocalSequenceFrom(time.Now().UnixMicro())
}

// NewLocalSequenceFrom seeds a counter so the first id is start+1.
func NewLocalSequenceFrom(start int64) *LocalSequence {
	s := &LocalSequence{}
	s.last.Store(start)
	return s
}

func (s *LocalSequence) Next(context.Context) (int64, error) {
	return s.last.Add(1), nil
}

// RedisSequence shares one counter between every instance through INCR.
type RedisSequence struct {
	client *redis.Client
	key    string
}

// NewRedisSequence uses key as the counter.
func NewRedisSequence(client *redis.Client, key string) *RedisSequence {
	if key == "" {
		key = "collectbot:seq"
	}
	return &RedisSequence{client: client, key: key}
}

func (s *RedisSequence) Next(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, s.key)
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	return id, nil
}
