package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"collectbot/internal/apperr"
	"collectbot/internal/idgen"
	"collectbot/internal/models"
	"collectbot/internal/worker"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Recognizer interface {
	Recognize(ctx context.Context, audio []byte) ([]string, error)
}

// AudioStore keeps the rows describing synthesized clips.
type AudioStore interface {
	RecordAudio(ctx context.Context, audio models.Audio) error
	GetAudio(ctx context.Context, id int64) (*models.Audio, error)
}

// Runner executes vendor calls on behalf of a user, usually a *worker.Dispatcher.
type Runner interface {
	Do(ctx context.Context, userID int64, fn func(context.Context) error) error
}

type Deps struct {
	Synthesizer Synthesizer
	Recognizer  Recognizer
	Store       AudioStore
	Runner      Runner
	IDs         idgen.Sequence
	Logger      *slog.Logger
}

// Service converts between text and audio files kept under one media directory.
type Service struct {
	synth  Synthesizer
	rec    Recognizer
	store  AudioStore
	runner Runner
	ids    idgen.Sequence
	root   string
	logger *slog.Logger
	now    func() time.Time
}

func NewService(mediaDir string, deps Deps) (*Service, error) {
	if deps.Synthesizer == nil || deps.Recognizer == nil {
		return nil, errors.New("speech clients required")
	}
	if deps.Store == nil {
		return nil, errors.New("audio store required")
	}
	if mediaDir == "" {
		return nil, errors.New("media directory required")
	}
	root, err := filepath.Abs(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("resolve media directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	ids := deps.IDs
	if ids == nil {
		ids = idgen.NewLocalSequence()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		synth:  deps.Synthesizer,
		rec:    deps.Recognizer,
		store:  deps.Store,
		runner: deps.Runner,
		ids:    ids,
		root:   root,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Synthesize renders msg as speech, stores the clip under the user's directory and
// records it.
func (s *Service) Synthesize(ctx context.Context, msg models.Message) (*models.Audio, error) {
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return nil, fmt.Errorf("%w: message is required", apperr.ErrBadRequest)
	}
	if msg.UserID <= 0 {
		return nil, fmt.Errorf("%w: userId is required", apperr.ErrBadRequest)
	}

	var audio []byte
	err := s.run(ctx, msg.UserID, func(ctx context.Context) error {
		var err error
		audio, err = s.synth.Synthesize(ctx, text)
		return err
	})
	if err != nil {
		return nil, vendorError("synthesize", err)
	}

	now := s.now()
	dir := filepath.Join(s.root, strconv.FormatInt(msg.UserID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create audio directory: %w", apperr.ErrInternal, err)
	}
	path := filepath.Join(dir, now.Format(time.DateOnly)+"-"+uuid.NewString()+".wav")
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write audio: %w", apperr.ErrInternal, err)
	}

	id, err := s.ids.Next(ctx)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %w", apperr.ErrInternal, err)
	}
	record := models.Audio{
		ID:        id,
		CreatedAt: models.NewTimestamp(now),
		UserID:    msg.UserID,
		Message:   msg.Message,
		AudioPath: path,
	}
	if err := s.store.RecordAudio(ctx, record); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %w", apperr.ErrInternal, err)
	}
	s.logger.Info("audio synthesized", "audio_id", id, "user_id", msg.UserID, "bytes", len(audio))
	return &record, nil
}

// Transcribe recognizes the speech in a stored clip. When audioPath is empty the clip
// is looked up by id.
func (s *Service) Transcribe(ctx context.Context, audio models.Audio) (*models.Message, error) {
	path := strings.TrimSpace(audio.AudioPath)
	userID := audio.UserID
	if path == "" {
		if audio.ID <= 0 {
			return nil, fmt.Errorf("%w: audioPath or id is required", apperr.ErrBadRequest)
		}
		stored, err := s.store.GetAudio(ctx, audio.ID)
		if err != nil {
			return nil, err
		}
		path = stored.AudioPath
		if userID <= 0 {
			userID = stored.UserID
		}
	}

	resolved, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("audio file %w", apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: read audio: %w", apperr.ErrInternal, err)
	}

	var parts []string
	err = s.run(ctx, userID, func(ctx context.Context) error {
		var err error
		parts, err = s.rec.Recognize(ctx, data)
		return err
	})
	if err != nil {
		return nil, vendorError("recognize", err)
	}

	id, err := s.ids.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInternal, err)
	}
	return &models.Message{
		ID:        id,
		CreatedAt: models.NewTimestamp(s.now()),
		UserID:    userID,
		Message:   strings.Join(parts, " "),
	}, nil
}

// ForgetUser removes every clip of a deleted user from disk.
func (s *Service) ForgetUser(_ context.Context, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: invalid user id", apperr.ErrBadRequest)
	}
	if err := os.RemoveAll(filepath.Join(s.root, strconv.FormatInt(userID, 10))); err != nil {
		return fmt.Errorf("%w: remove audio directory: %w", apperr.ErrInternal, err)
	}
	return nil
}

// resolve returns the absolute path of a clip, refusing anything outside the media
// directory.
func (s *Service) resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: invalid audio path", apperr.ErrBadRequest)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", fmt.Errorf("%w: audio path outside media directory", apperr.ErrBadRequest)
	}
	return abs, nil
}

func (s *Service) run(ctx context.Context, userID int64, fn func(context.Context) error) error {
	if s.runner == nil {
		return fn(ctx)
	}
	return s.runner.Do(ctx, userID, fn)
}

func vendorError(op string, err error) error {
	if errors.Is(err, worker.ErrDispatcherBusy) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", apperr.ErrInternal, op, err)
}
