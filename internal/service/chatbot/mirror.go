package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"collectbot/internal/redis"
)

const redisInvalidateChannel = "collectbot:chat:invalidate"

const (
	scopeTurn   = "turn"   // another instance advanced the conversation
	scopeForget = "forget" // the user is gone
)

type invalidateMessage struct {
	UserID int64  `json:"user_id"`
	Scope  string `json:"scope"`
	Origin string `json:"origin"`
}

// sessionMirror copies session histories to redis so any instance can pick a
// conversation up, and tells the other instances to drop their local copy.
type sessionMirror struct {
	client *redis.Client
	ttl    time.Duration
	origin string
	logger *slog.Logger
}

func newSessionMirror(client *redis.Client, ttl time.Duration, logger *slog.Logger) *sessionMirror {
	if client == nil {
		return nil
	}
	return &sessionMirror{
		client: client,
		ttl:    ttl,
		origin: uuid.NewString(),
		logger: logger,
	}
}

func historyKey(userID int64) string {
	return fmt.Sprintf("collectbot:chat:history:%d", userID)
}

// listen delivers invalidations published by other instances until ctx is done.
func (m *sessionMirror) listen(ctx context.Context, handler func(invalidateMessage)) {
	if m == nil || handler == nil {
		return
	}
	raw := m.client.Raw()
	if raw == nil {
		return
	}
	pubsub := raw.Subscribe(ctx, redisInvalidateChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var inv invalidateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				m.logger.Warn("chat invalidation decode failed", "error", err)
				continue
			}
			if inv.Origin == m.origin {
				continue
			}
			handler(inv)
		}
	}
}

func (m *sessionMirror) publish(ctx context.Context, userID int64, scope string) {
	if m == nil {
		return
	}
	payload, err := json.Marshal(invalidateMessage{UserID: userID, Scope: scope, Origin: m.origin})
	if err != nil {
		return
	}
	if err := m.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		m.logger.Warn("chat publish invalidation failed", "user_id", userID, "error", err)
	}
}

func (m *sessionMirror) save(ctx context.Context, userID int64, messages []*schema.Message) {
	if m == nil {
		return
	}
	data, err := json.Marshal(messages)
	if err != nil {
		m.logger.Warn("chat history marshal failed", "user_id", userID, "error", err)
		return
	}
	if err := m.client.Set(ctx, historyKey(userID), data, m.ttl); err != nil {
		m.logger.Warn("chat history mirror failed", "user_id", userID, "error", err)
	}
}

func (m *sessionMirror) load(ctx context.Context, userID int64) ([]*schema.Message, bool) {
	if m == nil {
		return nil, false
	}
	raw, err := m.client.Get(ctx, historyKey(userID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			m.logger.Warn("chat history load failed", "user_id", userID, "error", err)
		}
		return nil, false
	}
	var messages []*schema.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		m.logger.Warn("chat history decode failed", "user_id", userID, "error", err)
		return nil, false
	}
	return messages, len(messages) > 0
}

func (m *sessionMirror) drop(ctx context.Context, userID int64) {
	if m == nil {
		return
	}
	if err := m.client.Del(ctx, historyKey(userID)); err != nil {
		m.logger.Warn("chat history drop failed", "user_id", userID, "error", err)
	}
}
