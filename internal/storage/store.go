package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"collectbot/internal/apperr"
	"collectbot/internal/models"
)

// Store persists the records this gateway owns: audio clips and chat transcripts.
// Users are never stored here.
type Store struct {
	db     *sql.DB
	driver string
}

// NewStore wraps an opened and migrated database.
func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: Normalize(driver)}
}

func (s *Store) q(query string) string {
	return Rebind(s.driver, query)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordAudio stores a synthesized clip.
func (s *Store) RecordAudio(ctx context.Context, audio models.Audio) error {
	if audio.ID <= 0 || audio.UserID <= 0 {
		return errors.New("audio id and user id are required")
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO audios (id, user_id, message, audio_path, created_at) VALUES (?, ?, ?, ?, ?)`),
		audio.ID, audio.UserID, audio.Message, audio.AudioPath, audio.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audio: %w", err)
	}
	return nil
}

// GetAudio loads a clip by id.
func (s *Store) GetAudio(ctx context.Context, id int64) (*models.Audio, error) {
	var (
		audio   models.Audio
		created time.Time
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, user_id, message, audio_path, created_at FROM audios WHERE id = ?`), id,
	).Scan(&audio.ID, &audio.UserID, &audio.Message, &audio.AudioPath, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: audio %d", apperr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get audio: %w", err)
	}
	audio.CreatedAt = models.NewTimestamp(created)
	return &audio, nil
}

// AppendChatTurns stores transcript lines in one transaction.
func (s *Store) AppendChatTurns(ctx context.Context, turns ...models.ChatTurn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	stmt := s.q(`INSERT INTO chat_messages (id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`)
	for _, turn := range turns {
		if _, err = tx.ExecContext(ctx, stmt, turn.ID, turn.UserID, string(turn.Role), turn.Content, turn.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert chat turn: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit chat turns: %w", err)
	}
	return nil
}

// ListChatTurns returns the newest limit turns of a user, oldest first.
func (s *Store) ListChatTurns(ctx context.Context, userID int64, limit int) ([]models.ChatTurn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, user_id, role, content, created_at FROM chat_messages
			WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat turns: %w", err)
	}
	defer rows.Close()

	var turns []models.ChatTurn
	for rows.Next() {
		var (
			turn    models.ChatTurn
			role    string
			created time.Time
		)
		if err := rows.Scan(&turn.ID, &turn.UserID, &role, &turn.Content, &created); err != nil {
			return nil, fmt.Errorf("scan chat turn: %w", err)
		}
		turn.Role = models.Role(role)
		turn.CreatedAt = models.NewTimestamp(created)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// DeleteUserData removes every record owned by the user.
func (s *Store) DeleteUserData(ctx context.Context, userID int64) error {
	for _, stmt := range []string{
		`DELETE FROM audios WHERE user_id = ?`,
		`DELETE FROM chat_messages WHERE user_id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, s.q(stmt), userID); err != nil {
			return fmt.Errorf("delete user data: %w", err)
		}
	}
	return nil
}
