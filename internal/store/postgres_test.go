package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/syncdrax/relay/internal/chat"
)

// newTestPostgres connects to TEST_DATABASE_URL, applies migrations and
// truncates the message tables. Tests that call this helper are skipped when
// no database is configured or reachable.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(dsn); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}

	truncate := func() {
		_, _ = db.Exec(`TRUNCATE chat_messages, scheduled_messages RESTART IDENTITY`)
		_, _ = db.Exec(`DELETE FROM users WHERE email LIKE 'test_%'`)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		db.Close()
	})
	return NewPostgres(db)
}

func TestPostgres_AppendAndToggle(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	msg := &chat.Message{ChannelID: int64p(1), SenderID: 5, SenderName: "Ann", Content: "hi"}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID == 0 || msg.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", msg)
	}

	r, err := s.ToggleReaction(ctx, msg.ID, "🎉", 7)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if len(r["🎉"]) != 1 || r["🎉"][0] != 7 {
		t.Fatalf("unexpected reactions: %v", r)
	}
	r, err = s.ToggleReaction(ctx, msg.ID, "🎉", 7)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if len(r) != 0 {
		t.Errorf("expected empty reactions after second toggle, got %v", r)
	}

	if _, err := s.ToggleReaction(ctx, msg.ID+1000, "🎉", 7); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_ResolveUserName(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	var id int64
	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (name, email) VALUES ('Ann', 'test_ann@example.com') RETURNING id`).Scan(&id); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	if name, err := s.ResolveUserName(ctx, id); err != nil || name != "Ann" {
		t.Errorf("expected Ann, got %q err=%v", name, err)
	}
	if _, err := s.ResolveUserName(ctx, id+1000); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_DeliverScheduledOnce(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	now := time.Now()
	id, err := s.Schedule(ctx, chat.ScheduledMessage{
		SenderID: 5, SenderName: "Ann", DMToUserID: int64p(7), Content: "later", SendAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	due, err := s.FetchDueScheduled(ctx, now)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("expected scheduled record %d, got %+v", id, due)
	}

	msg, err := s.DeliverScheduled(ctx, due[0])
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if msg.DMToUserID == nil || *msg.DMToUserID != 7 || msg.ChannelID != nil {
		t.Errorf("unexpected delivered message: %+v", msg)
	}

	if _, err := s.DeliverScheduled(ctx, due[0]); !errors.Is(err, chat.ErrAlreadySent) {
		t.Errorf("expected ErrAlreadySent, got %v", err)
	}
	if again, _ := s.FetchDueScheduled(ctx, now); len(again) != 0 {
		t.Errorf("expected no due records, got %+v", again)
	}
}
