package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/syncdrax/relay/internal/chat"
)

func int64p(v int64) *int64 { return &v }

func TestMemory_AppendAssignsIDAndTime(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	a := &chat.Message{ChannelID: int64p(1), SenderID: 5, Content: "one"}
	b := &chat.Message{ChannelID: int64p(1), SenderID: 5, Content: "two"}
	if err := s.AppendMessage(ctx, a); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendMessage(ctx, b); err != nil {
		t.Fatalf("append: %v", err)
	}

	if a.ID == 0 || b.ID <= a.ID {
		t.Errorf("expected increasing ids, got %d then %d", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if a.Reactions == nil {
		t.Error("expected reactions to be initialized")
	}
}

func TestMemory_ToggleReactionTwiceRestores(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	msg := &chat.Message{ChannelID: int64p(1), SenderID: 5, Content: "hi"}
	_ = s.AppendMessage(ctx, msg)

	r, err := s.ToggleReaction(ctx, msg.ID, "👍", 7)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !reflect.DeepEqual(r, chat.Reactions{"👍": {7}}) {
		t.Fatalf("unexpected reactions after first toggle: %v", r)
	}

	r, err = s.ToggleReaction(ctx, msg.ID, "👍", 7)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if len(r) != 0 {
		t.Errorf("expected emoji to be removed, got %v", r)
	}
}

func TestMemory_ToggleReactionUnknownMessage(t *testing.T) {
	s := NewMemory()
	if _, err := s.ToggleReaction(context.Background(), 99, "👍", 7); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_ResolveUserName(t *testing.T) {
	s := NewMemory()
	s.AddUser(5, "Ann")

	if name, err := s.ResolveUserName(context.Background(), 5); err != nil || name != "Ann" {
		t.Errorf("expected Ann, got %q err=%v", name, err)
	}
	if _, err := s.ResolveUserName(context.Background(), 6); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_ScheduledDeliveredOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()

	due := s.Schedule(chat.ScheduledMessage{SenderID: 5, SenderName: "Ann", ChannelID: int64p(2), Content: "later", SendAt: now.Add(-time.Minute)})
	s.Schedule(chat.ScheduledMessage{SenderID: 5, SenderName: "Ann", ChannelID: int64p(2), Content: "future", SendAt: now.Add(time.Hour)})

	records, err := s.FetchDueScheduled(ctx, now)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 1 || records[0].ID != due {
		t.Fatalf("expected only the due record, got %+v", records)
	}

	msg, err := s.DeliverScheduled(ctx, records[0])
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if msg.ID == 0 || msg.ChannelID == nil || *msg.ChannelID != 2 || msg.Content != "later" {
		t.Errorf("unexpected delivered message: %+v", msg)
	}

	if _, err := s.DeliverScheduled(ctx, records[0]); !errors.Is(err, chat.ErrAlreadySent) {
		t.Errorf("expected ErrAlreadySent on second delivery, got %v", err)
	}
	if again, _ := s.FetchDueScheduled(ctx, now); len(again) != 0 {
		t.Errorf("expected no due records after delivery, got %+v", again)
	}
	if rec, _ := s.Scheduled(due); !rec.Sent {
		t.Error("expected record to be marked sent")
	}
	if n := len(s.Messages()); n != 1 {
		t.Errorf("expected exactly one message, got %d", n)
	}
}
