package chatbot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"collectbot/internal/redis"
)

// SessionConfig shapes every conversation.
type SessionConfig struct {
	SystemPrompt string
	IdleTimeout  time.Duration
	MaxHistory   int
}

type session struct {
	mu       sync.Mutex
	userID   int64
	messages []*schema.Message
	loaded   bool
	evicted  bool
	lastUsed time.Time
}

// SessionStore holds one conversation per user. A session is locked for the whole of
// a turn, so turns of one user run one at a time while different users proceed in
// parallel.
type SessionStore struct {
	cfg    SessionConfig
	mirror *sessionMirror
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[int64]*session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionStore creates the store. A non-nil redis client mirrors histories across
// instances.
func NewSessionStore(cfg SessionConfig, client *redis.Client, logger *slog.Logger) *SessionStore {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 40
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		cfg:      cfg,
		mirror:   newSessionMirror(client, cfg.IdleTimeout, logger),
		logger:   logger,
		now:      time.Now,
		sessions: make(map[int64]*session),
	}
}

// Start runs the idle sweeper and, with redis, the invalidation listener.
func (s *SessionStore) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	interval := s.cfg.IdleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("idle chat sessions evicted", "count", n)
				}
			}
		}
	}()

	if s.mirror != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.mirror.listen(ctx, func(inv invalidateMessage) {
				s.evictLocal(inv.UserID)
			})
		}()
	}
}

// Stop halts the background goroutines.
func (s *SessionStore) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// acquire returns the locked session of userID, creating it on first use.
func (s *SessionStore) acquire(ctx context.Context, userID int64) *session {
	for {
		s.mu.Lock()
		sess := s.sessions[userID]
		if sess == nil {
			sess = &session{userID: userID, lastUsed: s.now()}
			s.sessions[userID] = sess
		}
		s.mu.Unlock()

		sess.mu.Lock()
		if sess.evicted {
			// evicted between lookup and lock, start over with a fresh one
			sess.mu.Unlock()
			continue
		}
		if !sess.loaded {
			s.load(ctx, sess)
		}
		sess.lastUsed = s.now()
		return sess
	}
}

func (s *SessionStore) load(ctx context.Context, sess *session) {
	sess.loaded = true
	if history, ok := s.mirror.load(ctx, sess.userID); ok {
		sess.messages = history
		return
	}
	sess.messages = []*schema.Message{schema.SystemMessage(s.cfg.SystemPrompt)}
}

func (s *SessionStore) release(sess *session) {
	sess.lastUsed = s.now()
	sess.mu.Unlock()
}

// commit appends a finished turn to a locked session.
func (s *SessionStore) commit(ctx context.Context, sess *session, turn ...*schema.Message) {
	sess.messages = trimHistory(append(sess.messages, turn...), s.cfg.MaxHistory)
	if s.mirror != nil {
		s.mirror.save(ctx, sess.userID, sess.messages)
		s.mirror.publish(ctx, sess.userID, scopeTurn)
	}
}

// snapshot copies the messages of a locked session.
func (s *SessionStore) snapshot(sess *session) []*schema.Message {
	out := make([]*schema.Message, len(sess.messages))
	copy(out, sess.messages)
	return out
}

// Evict forgets the conversation of userID here and on every other instance.
func (s *SessionStore) Evict(ctx context.Context, userID int64) {
	s.evictLocal(userID)
	if s.mirror != nil {
		s.mirror.drop(ctx, userID)
		s.mirror.publish(ctx, userID, scopeForget)
	}
}

func (s *SessionStore) evictLocal(userID int64) {
	s.mu.Lock()
	sess := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.mu.Lock()
	sess.evicted = true
	sess.mu.Unlock()
}

// Sweep evicts sessions idle for longer than the idle timeout. Sessions in the middle
// of a turn are skipped.
func (s *SessionStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for userID, sess := range s.sessions {
		if !sess.mu.TryLock() {
			continue
		}
		if now.Sub(sess.lastUsed) >= s.cfg.IdleTimeout {
			sess.evicted = true
			delete(s.sessions, userID)
			evicted++
		}
		sess.mu.Unlock()
	}
	return evicted
}

// Len reports the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// trimHistory keeps the leading system message plus the newest max messages.
func trimHistory(messages []*schema.Message, max int) []*schema.Message {
	if max <= 0 || len(messages) <= max+1 {
		return messages
	}
	if messages[0].Role != schema.System {
		return append([]*schema.Message(nil), messages[len(messages)-max:]...)
	}
	out := make([]*schema.Message, 0, max+1)
	out = append(out, messages[0])
	return append(out, messages[len(messages)-max:]...)
}
