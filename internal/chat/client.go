package chat

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/syncdrax/relay/internal/metrics"
	"github.com/syncdrax/relay/internal/presence"
	"github.com/syncdrax/relay/internal/protocol"
)

// handlerFunc handles one parsed client message. It returns false when the
// frame was dropped.
type handlerFunc func(c *Client, msg interface{}) bool

// routes maps each chat message type to its handler. Ping is answered
// directly and never reaches the table.
var routes = map[string]handlerFunc{
	protocol.TypeChannelMessage: (*Client).handleChannelMessage,
	protocol.TypeDM:             (*Client).handleDM,
	protocol.TypeTyping:         (*Client).handleTyping,
	protocol.TypeReact:          (*Client).handleReact,
	protocol.TypeMarkDMRead:     (*Client).handleMarkDMRead,
	protocol.TypeThreadReply:    (*Client).handleThreadReply,
}

// Client is the per-connection chat dispatcher for one authenticated user.
type Client struct {
	hub     *Hub
	userID  int64
	name    string
	session presence.Session
	logger  *slog.Logger
}

func newClient(h *Hub, userID int64, name string, session presence.Session) *Client {
	return &Client{
		hub:     h,
		userID:  userID,
		name:    name,
		session: session,
		logger:  h.logger.With("user_id", userID),
	}
}

// UserID returns the authenticated user the client belongs to.
func (c *Client) UserID() int64 { return c.userID }

// Name returns the display name stamped on the user's messages.
func (c *Client) Name() string { return c.name }

// HandleMessage parses raw bytes into a typed message and routes it. Frames
// that fail to parse, carry an unknown type or miss required fields are
// logged and dropped; the connection stays open.
func (c *Client) HandleMessage(data []byte) {
	msgType, msg, err := protocol.ParseChatMessage(data)
	if err != nil {
		c.drop("parse error", "type", msgType, "err", err)
		return
	}

	if msgType == protocol.TypePing {
		c.session.Send(protocol.MustServerMessage(protocol.TypePong, nil))
		metrics.FramesReceived.WithLabelValues("chat", "handled").Inc()
		return
	}

	handler, ok := routes[msgType]
	if !ok {
		c.drop("unsupported message type", "type", msgType)
		return
	}
	if handler(c, msg) {
		metrics.FramesReceived.WithLabelValues("chat", "handled").Inc()
	}
}

// HandleClose detaches the session. A session that was already replaced by
// a newer connection leaves presence untouched.
func (c *Client) HandleClose() {
	if c.hub.dir.Detach(c.userID, c.session) {
		c.logger.Info("[chat] user disconnected", "online", c.hub.dir.Count())
	}
}

func (c *Client) drop(reason string, args ...any) {
	metrics.FramesReceived.WithLabelValues("chat", "dropped").Inc()
	c.logger.Debug("[chat] dropping frame: "+reason, args...)
}

// allowSend applies the send limiter, telling the client when it is over
// budget. The limiter fails open.
func (c *Client) allowSend(ctx context.Context) bool {
	if c.hub.limiter == nil {
		return true
	}
	id := strconv.FormatInt(c.userID, 10)
	ok, err := c.hub.limiter.Allow(ctx, id, c.hub.rule)
	if err != nil || ok {
		return true
	}

	wait := c.hub.rule.Window
	if w, ok := c.hub.limiter.(windowReporter); ok {
		if d, err := w.RetryAfter(ctx, id, c.hub.rule); err == nil && d > 0 {
			wait = d
		}
	}
	c.session.Send(protocol.MustServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(wait.Seconds())),
	}))
	return false
}

func (c *Client) handleChannelMessage(msg interface{}) bool {
	m := msg.(protocol.ChannelMessageMsg)
	content := strings.TrimSpace(m.Content)
	if m.ChannelID == nil {
		c.drop("channel_message without channel_id")
		return false
	}
	if err := ValidateContent(content, m.FileURL); err != nil {
		c.drop("invalid channel_message", "err", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), StoreTimeout)
	defer cancel()
	if !c.allowSend(ctx) {
		c.drop("rate limited")
		return false
	}

	stored := &Message{
		ChannelID:  m.ChannelID,
		SenderID:   c.userID,
		SenderName: c.name,
		Content:    content,
		FileURL:    m.FileURL,
		FileName:   m.FileName,
	}
	if err := c.hub.persist(ctx, stored); err != nil {
		c.logger.Error("[chat] failed to persist channel message", "channel_id", *m.ChannelID, "err", err)
		return false
	}
	c.hub.Deliver(stored)
	return true
}

func (c *Client) handleDM(msg interface{}) bool {
	m := msg.(protocol.DMMsg)
	content := strings.TrimSpace(m.Content)
	if m.ToUserID == nil || *m.ToUserID == 0 {
		c.drop("dm without to_user_id")
		return false
	}
	if err := ValidateContent(content, m.FileURL); err != nil {
		c.drop("invalid dm", "err", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), StoreTimeout)
	defer cancel()
	if !c.allowSend(ctx) {
		c.drop("rate limited")
		return false
	}

	stored := &Message{
		DMToUserID: m.ToUserID,
		SenderID:   c.userID,
		SenderName: c.name,
		Content:    content,
		FileURL:    m.FileURL,
		FileName:   m.FileName,
	}
	if err := c.hub.persist(ctx, stored); err != nil {
		c.logger.Error("[chat] failed to persist dm", "to_user_id", *m.ToUserID, "err", err)
		return false
	}
	c.hub.Deliver(stored)
	return true
}

func (c *Client) handleTyping(msg interface{}) bool {
	m := msg.(protocol.TypingMsg)
	out := protocol.ServerTypingMsg{UserID: c.userID, UserName: c.name}

	switch {
	case m.ChannelID != nil && *m.ChannelID != 0:
		out.ChannelID = m.ChannelID
		c.hub.dir.BroadcastAll(protocol.MustServerMessage(protocol.TypeTyping, out), c.userID)
	case m.ToUserID != nil && *m.ToUserID != 0:
		out.ToUserID = m.ToUserID
		c.hub.dir.SendTo(*m.ToUserID, protocol.MustServerMessage(protocol.TypeTyping, out))
	default:
		c.drop("typing without target")
		return false
	}
	return true
}

func (c *Client) handleReact(msg interface{}) bool {
	m := msg.(protocol.ReactMsg)
	if m.MessageID == 0 {
		c.drop("react without message_id")
		return false
	}
	if err := ValidateEmoji(m.Emoji); err != nil {
		c.drop("invalid react", "err", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), StoreTimeout)
	defer cancel()
	reactions, err := c.hub.store.ToggleReaction(ctx, m.MessageID, m.Emoji, c.userID)
	if errors.Is(err, ErrNotFound) {
		c.drop("react on unknown message", "message_id", m.MessageID)
		return false
	}
	if err != nil {
		c.logger.Error("[chat] failed to toggle reaction", "message_id", m.MessageID, "err", err)
		return false
	}
	if reactions == nil {
		reactions = Reactions{}
	}

	c.hub.dir.BroadcastAll(protocol.MustServerMessage(protocol.TypeReactionUpdate, reactionUpdate{
		MessageID: m.MessageID,
		Reactions: reactions,
	}), presence.NoUser)
	return true
}

func (c *Client) handleMarkDMRead(msg interface{}) bool {
	m := msg.(protocol.MarkDMReadMsg)
	if m.ToUserID == 0 {
		c.drop("mark_dm_read without to_user_id")
		return false
	}
	c.hub.dir.SendTo(m.ToUserID, protocol.MustServerMessage(protocol.TypeDMRead, protocol.DMReadMsg{
		ByUserID: c.userID,
		ByName:   c.name,
	}))
	return true
}

func (c *Client) handleThreadReply(msg interface{}) bool {
	m := msg.(protocol.ThreadReplyMsg)
	content := strings.TrimSpace(m.Content)
	if m.ParentID == 0 {
		c.drop("thread_reply without parent_id")
		return false
	}
	if err := ValidateReply(content); err != nil {
		c.drop("invalid thread_reply", "err", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), StoreTimeout)
	defer cancel()
	if !c.allowSend(ctx) {
		c.drop("rate limited")
		return false
	}

	parent := m.ParentID
	stored := &Message{
		ChannelID:  m.ChannelID,
		DMToUserID: m.DMToUserID,
		SenderID:   c.userID,
		SenderName: c.name,
		Content:    content,
		ParentID:   &parent,
	}
	if stored.ChannelID != nil {
		stored.DMToUserID = nil
	}
	if err := c.hub.persist(ctx, stored); err != nil {
		c.logger.Error("[chat] failed to persist thread reply", "parent_id", parent, "err", err)
		return false
	}
	c.hub.dir.BroadcastAll(c.hub.messageFrame(protocol.TypeThreadReply, stored), presence.NoUser)
	return true
}
