// Package chat implements the global chat fan-out: channel messages, direct
// messages, typing indicators, reactions, read receipts and thread replies,
// persisted through a Store before they are delivered to attached users.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syncdrax/relay/internal/metrics"
	"github.com/syncdrax/relay/internal/presence"
	"github.com/syncdrax/relay/internal/protocol"
	"github.com/syncdrax/relay/internal/ratelimit"
)

// StoreTimeout bounds every persistence call made while handling a frame.
const StoreTimeout = 5 * time.Second

// Limiter throttles message sends per user. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// windowReporter is implemented by limiters that know when a window resets.
// Without it a throttled client is told to wait the full window.
type windowReporter interface {
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

// Hub owns the shared chat state: the presence directory, the store and the
// optional send limiter. Per-connection dispatch lives in Client.
type Hub struct {
	dir     *presence.Directory
	store   Store
	limiter Limiter
	rule    ratelimit.Rule
	logger  *slog.Logger
}

// NewHub creates a Hub.
func NewHub(dir *presence.Directory, store Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{dir: dir, store: store, logger: logger}
}

// SetLimiter enables send throttling with the given rule.
func (h *Hub) SetLimiter(l Limiter, rule ratelimit.Rule) {
	h.limiter = l
	h.rule = rule
}

// Directory returns the presence directory the hub fans out through.
func (h *Hub) Directory() *presence.Directory {
	return h.dir
}

// ResolveName returns the user's display name, falling back to User<id> when
// the store has no record or cannot be reached.
func (h *Hub) ResolveName(ctx context.Context, userID int64) string {
	name, err := h.store.ResolveUserName(ctx, userID)
	if err != nil || name == "" {
		if err != nil && !errors.Is(err, ErrNotFound) {
			h.logger.Warn("[chat] failed to resolve user name", "user_id", userID, "err", err)
		}
		return FallbackName(userID)
	}
	return name
}

// Connect attaches session as the user's live chat session and returns its
// dispatcher. A session the user already had is closed.
func (h *Hub) Connect(userID int64, name string, session presence.Session) *Client {
	c := newClient(h, userID, name, session)
	if prev := h.dir.Attach(userID, session); prev != nil && prev != session {
		h.logger.Info("[chat] replacing existing session", "user_id", userID)
		_ = prev.Close()
	}
	h.logger.Info("[chat] user connected", "user_id", userID, "online", h.dir.Count())
	return c
}

// Deliver fans out a persisted message the way a live send would: channel
// messages go to every attached user, direct messages to the recipient and
// the sender.
func (h *Hub) Deliver(m *Message) {
	if m.ChannelID != nil {
		h.dir.BroadcastAll(h.messageFrame(protocol.TypeChannelMessage, m), presence.NoUser)
		return
	}
	if m.DMToUserID == nil {
		h.logger.Warn("[chat] message has neither channel nor recipient", "message_id", m.ID)
		return
	}
	frame := h.messageFrame(protocol.TypeDM, m)
	h.dir.SendTo(*m.DMToUserID, frame)
	if *m.DMToUserID != m.SenderID {
		h.dir.SendTo(m.SenderID, frame)
	}
}

// Event is a fan-out request from the CRUD collaborator. An empty UserIDs
// broadcasts Payload to everyone.
type Event struct {
	UserIDs []int64         `json:"user_ids"`
	Payload json.RawMessage `json:"event"`
}

// Publish relays a collaborator event. Only the event types the CRUD service
// is allowed to originate are accepted.
func (h *Hub) Publish(ev Event) error {
	var env protocol.Envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		return fmt.Errorf("chat: invalid event payload: %w", err)
	}
	if !protocol.IsCollaboratorEvent(env.Type) {
		return fmt.Errorf("chat: event type %q not accepted", env.Type)
	}

	if len(ev.UserIDs) == 0 {
		h.dir.BroadcastAll(env.Raw, presence.NoUser)
		return nil
	}
	for _, id := range ev.UserIDs {
		h.dir.SendTo(id, env.Raw)
	}
	return nil
}

type messagePayload struct {
	Message *Message `json:"message"`
}

type reactionUpdate struct {
	MessageID int64     `json:"message_id"`
	Reactions Reactions `json:"reactions"`
}

func (h *Hub) messageFrame(msgType string, m *Message) []byte {
	if m.Reactions == nil {
		m.Reactions = Reactions{}
	}
	return protocol.MustServerMessage(msgType, messagePayload{Message: m})
}

func (h *Hub) persist(ctx context.Context, m *Message) error {
	if m.Reactions == nil {
		m.Reactions = Reactions{}
	}
	if err := h.store.AppendMessage(ctx, m); err != nil {
		return err
	}
	metrics.MessagesPersisted.WithLabelValues(m.Kind()).Inc()
	return nil
}
