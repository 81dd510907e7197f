// Package store implements the relay's persistence collaborator: a Postgres
// store for production and an in-memory store for local runs and tests.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/syncdrax/relay/internal/chat"
)

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	nextMsg   int64
	nextSched int64
	messages  map[int64]*chat.Message
	scheduled map[int64]*chat.ScheduledMessage
	users     map[int64]string
	now       func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[int64]*chat.Message),
		scheduled: make(map[int64]*chat.ScheduledMessage),
		users:     make(map[int64]string),
		now:       time.Now,
	}
}

// AddUser registers a display name for userID.
func (m *Memory) AddUser(userID int64, name string) {
	m.mu.Lock()
	m.users[userID] = name
	m.mu.Unlock()
}

// Schedule queues a scheduled message and returns its id.
func (m *Memory) Schedule(s chat.ScheduledMessage) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSched++
	s.ID = m.nextSched
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.scheduled[s.ID] = &s
	return s.ID
}

// Scheduled returns a copy of a scheduled record.
func (m *Memory) Scheduled(id int64) (chat.ScheduledMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheduled[id]
	if !ok {
		return chat.ScheduledMessage{}, false
	}
	return *s, true
}

// Messages returns copies of every stored message in id order.
func (m *Memory) Messages() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chat.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		cp := *msg
		cp.Reactions = msg.Reactions.Clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AppendMessage stores msg and assigns its ID and CreatedAt.
func (m *Memory) AppendMessage(_ context.Context, msg *chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(msg)
	return nil
}

func (m *Memory) appendLocked(msg *chat.Message) {
	m.nextMsg++
	msg.ID = m.nextMsg
	msg.CreatedAt = m.now().UTC()
	if msg.Reactions == nil {
		msg.Reactions = chat.Reactions{}
	}
	cp := *msg
	cp.Reactions = msg.Reactions.Clone()
	m.messages[msg.ID] = &cp
}

// ToggleReaction toggles userID's vote for emoji on a message.
func (m *Memory) ToggleReaction(_ context.Context, messageID int64, emoji string, userID int64) (chat.Reactions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	if msg.Reactions == nil {
		msg.Reactions = chat.Reactions{}
	}
	msg.Reactions.Toggle(emoji, userID)
	return msg.Reactions.Clone(), nil
}

// ResolveUserName returns the registered display name for userID.
func (m *Memory) ResolveUserName(_ context.Context, userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.users[userID]
	if !ok {
		return "", chat.ErrNotFound
	}
	return name, nil
}

// FetchDueScheduled returns unsent records with SendAt at or before now,
// oldest first.
func (m *Memory) FetchDueScheduled(_ context.Context, now time.Time) ([]chat.ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []chat.ScheduledMessage
	for _, s := range m.scheduled {
		if !s.Sent && !s.SendAt.After(now) {
			due = append(due, *s)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].SendAt.Equal(due[j].SendAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].SendAt.Before(due[j].SendAt)
	})
	return due, nil
}

// DeliverScheduled appends the message a scheduled record produces and marks
// the record sent, both under one lock.
func (m *Memory) DeliverScheduled(_ context.Context, s chat.ScheduledMessage) (*chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scheduled[s.ID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	if rec.Sent {
		return nil, chat.ErrAlreadySent
	}
	msg := rec.Message()
	m.appendLocked(msg)
	rec.Sent = true
	return msg, nil
}
