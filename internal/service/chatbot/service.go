package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"collectbot/internal/apperr"
	"collectbot/internal/idgen"
	"collectbot/internal/models"
	"collectbot/internal/service/ai"
	"collectbot/internal/worker"
)

// DefaultSystemPrompt sets up the collections advisor persona.
const DefaultSystemPrompt = "Eres un asesor financiero que deseas que tu cliente salde sus cuentas con la empresa. " +
	"Tienes que ser pasivo pero firme. Limitate a conversar con el cliente sobre su vida crediticia, " +
	"nada fuera de lo común. Antes de cada consulta del cliente se te compartira información sobre el, " +
	"esta vendra en formato json. Apartir de la siguiente consulta hablaras con el cliente."

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type UserSource interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// TranscriptStore persists finished turns.
type TranscriptStore interface {
	AppendChatTurns(ctx context.Context, turns ...models.ChatTurn) error
	ListChatTurns(ctx context.Context, userID int64, limit int) ([]models.ChatTurn, error)
	DeleteUserData(ctx context.Context, userID int64) error
}

// Runner executes model calls on behalf of a user, usually a *worker.Dispatcher.
type Runner interface {
	Do(ctx context.Context, userID int64, fn func(context.Context) error) error
	CancelUser(userID int64)
}

type Deps struct {
	Generator ai.Generator
	Users     UserSource
	Store     TranscriptStore
	Runner    Runner
	IDs       idgen.Sequence
	Sessions  *SessionStore
	Logger    *slog.Logger
}

// Service runs collections conversations, one session per user.
type Service struct {
	gen      ai.Generator
	users    UserSource
	store    TranscriptStore
	runner   Runner
	ids      idgen.Sequence
	sessions *SessionStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(deps Deps) (*Service, error) {
	if deps.Generator == nil {
		return nil, errors.New("chat generator required")
	}
	if deps.Users == nil {
		return nil, errors.New("user source required")
	}
	if deps.Store == nil {
		return nil, errors.New("transcript store required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionStore(SessionConfig{}, nil, logger)
	}
	ids := deps.IDs
	if ids == nil {
		ids = idgen.NewLocalSequence()
	}
	return &Service{
		gen:      deps.Generator,
		users:    deps.Users,
		store:    deps.Store,
		runner:   deps.Runner,
		ids:      ids,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Talk sends one client message to the model, prefixed with the client's profile, and
// returns the reply.
func (s *Service) Talk(ctx context.Context, msg models.Message) (*models.MessageBot, error) {
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return nil, fmt.Errorf("%w: message is required", apperr.ErrBadRequest)
	}
	if msg.UserID <= 0 {
		return nil, fmt.Errorf("%w: userId is required", apperr.ErrBadRequest)
	}

	user, err := s.users.GetByID(ctx, msg.UserID)
	if err != nil {
		return nil, err
	}
	prompt, err := ComposePrompt(*user, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInternal, err)
	}

	sess := s.sessions.acquire(ctx, msg.UserID)
	defer s.sessions.release(sess)

	userTurn := schema.UserMessage(prompt)
	input := append(s.sessions.snapshot(sess), userTurn)

	var reply *schema.Message
	toolCtx := ai.WithToolUser(ctx, *user)
	err = s.run(toolCtx, msg.UserID, func(ctx context.Context) error {
		var err error
		reply, err = s.gen.Generate(ctx, input)
		return err
	})
	if err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: generate reply: %w", apperr.ErrInternal, err)
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: empty reply", apperr.ErrInternal)
	}
	s.sessions.commit(ctx, sess, userTurn, schema.AssistantMessage(reply.Content, nil))

	now := s.now()
	out := &models.MessageBot{
		CreatedAt: models.NewTimestamp(now),
		UserID:    msg.UserID,
		Response:  reply.Content,
	}
	if out.ID, err = s.ids.Next(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInternal, err)
	}
	s.persist(ctx, msg.UserID, text, reply.Content, now)
	return out, nil
}

func (s *Service) persist(ctx context.Context, userID int64, question, answer string, at time.Time) {
	turns := make([]models.ChatTurn, 0, 2)
	for _, t := range []struct {
		role    models.Role
		content string
	}{{models.RoleUser, question}, {models.RoleAssistant, answer}} {
		id, err := s.ids.Next(ctx)
		if err != nil {
			s.logger.Warn("chat turn id", "user_id", userID, "error", err)
			return
		}
		turns = append(turns, models.ChatTurn{
			ID:        id,
			UserID:    userID,
			Role:      t.role,
			Content:   t.content,
			CreatedAt: models.NewTimestamp(at),
		})
	}
	// the assistant line sorts after the question it answers
	turns[1].CreatedAt = models.NewTimestamp(at.Add(time.Millisecond))
	if err := s.store.AppendChatTurns(ctx, turns...); err != nil {
		s.logger.Warn("persist chat turns", "user_id", userID, "error", err)
	}
}

// History returns the newest persisted turns of a user, oldest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]models.ChatTurn, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: invalid user id", apperr.ErrBadRequest)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	turns, err := s.store.ListChatTurns(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInternal, err)
	}
	if turns == nil {
		turns = []models.ChatTurn{}
	}
	return turns, nil
}

// ForgetUser drops the conversation, the queued jobs and every stored record of a
// deleted user.
func (s *Service) ForgetUser(ctx context.Context, userID int64) error {
	if s.runner != nil {
		s.runner.CancelUser(userID)
	}
	s.sessions.Evict(ctx, userID)
	if err := s.store.DeleteUserData(ctx, userID); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrInternal, err)
	}
	return nil
}

func (s *Service) run(ctx context.Context, userID int64, fn func(context.Context) error) error {
	if s.runner == nil {
		return fn(ctx)
	}
	return s.runner.Do(ctx, userID, fn)
}

// ComposePrompt prefixes text with the client's profile. The password never leaves.
func ComposePrompt(user models.User, text string) (string, error) {
	profile, err := json.Marshal(user.Redacted())
	if err != nil {
		return "", fmt.Errorf("encode client profile: %w", err)
	}
	return "Información del cliente:\n" + string(profile) + "\nMensaje del cliente\n" + text, nil
}
