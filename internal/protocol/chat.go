package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Chat client -> server message structs
// ---------------------------------------------------------------------------

// ChannelMessageMsg posts a message (text and/or attachment) to a channel.
type ChannelMessageMsg struct {
	Type      string  `json:"type"`
	ChannelID *int64  `json:"channel_id"`
	Content   string  `json:"content"`
	FileURL   *string `json:"file_url"`
	FileName  *string `json:"file_name"`
}

// DMMsg sends a direct message to another user.
type DMMsg struct {
	Type     string  `json:"type"`
	ToUserID *int64  `json:"to_user_id"`
	Content  string  `json:"content"`
	FileURL  *string `json:"file_url"`
	FileName *string `json:"file_name"`
}

// TypingMsg signals that the sender is typing in a channel or to a user.
type TypingMsg struct {
	Type      string `json:"type"`
	ChannelID *int64 `json:"channel_id"`
	ToUserID  *int64 `json:"to_user_id"`
}

// ReactMsg toggles the sender's vote for an emoji on a message.
type ReactMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// MarkDMReadMsg tells the counterparty the sender has read their DMs.
type MarkDMReadMsg struct {
	Type     string `json:"type"`
	ToUserID int64  `json:"to_user_id"`
}

// ThreadReplyMsg posts a reply under an existing message.
type ThreadReplyMsg struct {
	Type       string `json:"type"`
	ParentID   int64  `json:"parent_id"`
	Content    string `json:"content"`
	ChannelID  *int64 `json:"channel_id"`
	DMToUserID *int64 `json:"dm_to_user_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Chat server -> client message structs
// ---------------------------------------------------------------------------

// PresenceMsg announces a user's online state.
type PresenceMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Online bool   `json:"online"`
}

// ServerTypingMsg relays a typing indicator.
type ServerTypingMsg struct {
	Type      string `json:"type"`
	UserID    int64  `json:"user_id"`
	UserName  string `json:"user_name"`
	ChannelID *int64 `json:"channel_id,omitempty"`
	ToUserID  *int64 `json:"to_user_id,omitempty"`
}

// DMReadMsg is the read receipt delivered to the counterparty.
type DMReadMsg struct {
	Type     string `json:"type"`
	ByUserID int64  `json:"by_user_id"`
	ByName   string `json:"by_name"`
}

// RateLimitedMsg is sent when the client has exceeded its send budget.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseChatMessage parses raw WebSocket bytes into a typed chat message. It
// returns the message type string, the decoded struct, and any error
// encountered during parsing. Unknown types are an error.
func ParseChatMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChannelMessage:
		var m ChannelMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDM:
		var m DMMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReact:
		var m ReactMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkDMRead:
		var m MarkDMReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeThreadReply:
		var m ThreadReplyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown chat message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}
