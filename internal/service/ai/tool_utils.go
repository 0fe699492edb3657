package ai

import (
	"context"
	"sync"
	"time"

	"collectbot/internal/models"
)

const (
	MaxInstallments = 36
	ToolRateLimit   = 20
	ToolRateWindow  = time.Minute
)

type toolUserContextKey struct{}

// toolRateLimiter is a sliding window of call times per client.
type toolRateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	mu     sync.Mutex
	calls  map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, now: time.Now, calls: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	recent := l.calls[key]
	for len(recent) > 0 && !recent[0].After(cutoff) {
		recent = recent[1:]
	}
	if len(recent) >= l.limit {
		l.calls[key] = recent
		return false
	}
	l.calls[key] = append(recent, now)
	return true
}

// WithToolUser attaches the client the tools answer about. The password is dropped.
func WithToolUser(ctx context.Context, user models.User) context.Context {
	redacted := user.Redacted()
	return context.WithValue(ctx, toolUserContextKey{}, &redacted)
}

func ToolUserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(toolUserContextKey{}).(*models.User)
	return user, ok && user != nil
}
