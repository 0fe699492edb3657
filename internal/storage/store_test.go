package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"collectbot/internal/apperr"
	"collectbot/internal/config"
	"collectbot/internal/models"
)

func TestRecordAndGetAudio(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db, "sqlite3")
	ctx := context.Background()

	audio := models.Audio{
		ID:        42,
		UserID:    7,
		Message:   "hola",
		AudioPath: "/tmp/media/7/clip.wav",
		CreatedAt: models.NewTimestamp(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
	}
	if err := store.RecordAudio(ctx, audio); err != nil {
		t.Fatalf("RecordAudio: %v", err)
	}
	got, err := store.GetAudio(ctx, 42)
	if err != nil {
		t.Fatalf("GetAudio: %v", err)
	}
	if got.UserID != 7 || got.AudioPath != audio.AudioPath || !got.CreatedAt.Equal(audio.CreatedAt.Time) {
		t.Fatalf("unexpected audio %+v", got)
	}
	if _, err := store.GetAudio(ctx, 43); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestChatTurnsOrderAndLimit(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	store := NewStore(db, "sqlite3")
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var turns []models.ChatTurn
	for i := 0; i < 5; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		turns = append(turns, models.ChatTurn{
			ID:        int64(i + 1),
			UserID:    3,
			Role:      role,
			Content:   string(rune('a' + i)),
			CreatedAt: models.NewTimestamp(base.Add(time.Duration(i) * time.Second)),
		})
	}
	if err := store.AppendChatTurns(ctx, turns...); err != nil {
		t.Fatalf("AppendChatTurns: %v", err)
	}
	if err := store.AppendChatTurns(ctx, models.ChatTurn{ID: 99, UserID: 4, Role: models.RoleUser, Content: "other", CreatedAt: models.Now()}); err != nil {
		t.Fatalf("AppendChatTurns other user: %v", err)
	}

	got, err := store.ListChatTurns(ctx, 3, 3)
	if err != nil {
		t.Fatalf("ListChatTurns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got))
	}
	if got[0].Content != "c" || got[2].Content != "e" {
		t.Fatalf("expected newest three oldest-first, got %+v", got)
	}
	if got[1].Role != models.RoleAssistant {
		t.Fatalf("role not preserved: %+v", got[1])
	}

	if err := store.DeleteUserData(ctx, 3); err != nil {
		t.Fatalf("DeleteUserData: %v", err)
	}
	left, err := store.ListChatTurns(ctx, 3, 10)
	if err != nil || len(left) != 0 {
		t.Fatalf("expected no turns after delete, got %d err=%v", len(left), err)
	}
	other, _ := store.ListChatTurns(ctx, 4, 10)
	if len(other) != 1 {
		t.Fatalf("other user's data must survive")
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	if got := Rebind("sqlite3", q); got != q {
		t.Fatalf("sqlite query must be untouched: %s", got)
	}
	if got := Rebind("postgres", q); got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Fatalf("unexpected postgres query: %s", got)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}
