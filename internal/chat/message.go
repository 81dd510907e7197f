package chat

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound    = errors.New("chat: not found")
	ErrAlreadySent = errors.New("chat: scheduled message already sent")
)

// Reactions maps an emoji to the ids of the users who voted for it. An emoji
// with no voters is never present.
type Reactions map[string][]int64

// Toggle adds userID to emoji's voters, or removes it if already present,
// dropping the emoji once nobody votes for it.
func (r Reactions) Toggle(emoji string, userID int64) {
	voters := r[emoji]
	for i, id := range voters {
		if id == userID {
			voters = append(voters[:i:i], voters[i+1:]...)
			if len(voters) == 0 {
				delete(r, emoji)
			} else {
				r[emoji] = voters
			}
			return
		}
	}
	r[emoji] = append(voters, userID)
}

// Clone returns a deep copy of r. A nil receiver yields an empty map.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, voters := range r {
		out[emoji] = append([]int64(nil), voters...)
	}
	return out
}

// Message is a persisted chat message. Exactly one of ChannelID and
// DMToUserID is set.
type Message struct {
	ID         int64     `json:"id"`
	ChannelID  *int64    `json:"channel_id"`
	DMToUserID *int64    `json:"dm_to_user_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	FileURL    *string   `json:"file_url"`
	FileName   *string   `json:"file_name"`
	Reactions  Reactions `json:"reactions"`
	Pinned     bool      `json:"pinned"`
	ParentID   *int64    `json:"parent_id"`
	CreatedAt  time.Time `json:"ts"`
}

// Kind labels the message for metrics: "thread", "channel" or "dm".
func (m *Message) Kind() string {
	switch {
	case m.ParentID != nil:
		return "thread"
	case m.ChannelID != nil:
		return "channel"
	default:
		return "dm"
	}
}

// ScheduledMessage is a message queued for delivery at SendAt.
type ScheduledMessage struct {
	ID         int64
	SenderID   int64
	SenderName string
	ChannelID  *int64
	DMToUserID *int64
	Content    string
	SendAt     time.Time
	Sent       bool
	CreatedAt  time.Time
}

// Message builds the live message a scheduled record turns into.
func (s ScheduledMessage) Message() *Message {
	m := &Message{
		SenderID:   s.SenderID,
		SenderName: s.SenderName,
		Content:    s.Content,
		Reactions:  Reactions{},
	}
	if s.ChannelID != nil {
		ch := *s.ChannelID
		m.ChannelID = &ch
	} else if s.DMToUserID != nil {
		to := *s.DMToUserID
		m.DMToUserID = &to
	}
	return m
}

// Store is the persistence collaborator for chat messages.
type Store interface {
	// AppendMessage persists m and fills in its ID and CreatedAt.
	AppendMessage(ctx context.Context, m *Message) error
	// ToggleReaction atomically toggles userID's vote for emoji on a message
	// and returns the resulting reaction map. ErrNotFound if the message does
	// not exist.
	ToggleReaction(ctx context.Context, messageID int64, emoji string, userID int64) (Reactions, error)
	// ResolveUserName returns the user's display name, or ErrNotFound.
	ResolveUserName(ctx context.Context, userID int64) (string, error)
}

// FallbackName is the display name used for users with no stored record.
func FallbackName(userID int64) string {
	return "User" + strconv.FormatInt(userID, 10)
}
