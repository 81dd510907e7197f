// Package protocol defines the WebSocket message types and structures used on
// the relay's two endpoints: signaling rooms and the chat fan-out. All
// messages are JSON objects that carry a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Signaling client -> server message types.
const (
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeICE        = "ice"
	TypeRoomChat   = "chat"
	TypeRaiseHand  = "raise_hand"
	TypeReaction   = "reaction"
	TypeWhiteboard = "whiteboard"
)

// Signaling server -> client message types.
const (
	TypeRoomFull   = "room_full"
	TypeRoomState  = "room_state"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"
)

// Chat client -> server message types.
const (
	TypeChannelMessage = "channel_message"
	TypeDM             = "dm"
	TypeTyping         = "typing"
	TypeReact          = "react"
	TypeMarkDMRead     = "mark_dm_read"
	TypeThreadReply    = "thread_reply"
	TypePing           = "ping"
)

// Chat server -> client message types.
const (
	TypePresence       = "presence"
	TypeReactionUpdate = "reaction_update"
	TypeDMRead         = "dm_read"
	TypeRateLimited    = "rate_limited"
	TypePong           = "pong"
)

// Chat events originated by the CRUD collaborator and relayed verbatim.
const (
	TypeChannelDeleted = "channel_deleted"
	TypeMessageDeleted = "message_deleted"
	TypePinUpdate      = "pin_update"
	TypePollCreated    = "poll_created"
	TypePollUpdate     = "poll_update"
)

// collaboratorTypes is the set of event types accepted from the CRUD service.
var collaboratorTypes = map[string]bool{
	TypeChannelDeleted: true,
	TypeMessageDeleted: true,
	TypePinUpdate:      true,
	TypePollCreated:    true,
	TypePollUpdate:     true,
}

// IsCollaboratorEvent reports whether msgType may be injected into the chat
// fan-out by an external service.
func IsCollaboratorEvent(msgType string) bool {
	return collaboratorTypes[msgType]
}

// IsSignal reports whether msgType is relayed point-to-point between peers.
func IsSignal(msgType string) bool {
	return msgType == TypeOffer || msgType == TypeAnswer || msgType == TypeICE
}

// IsRoomBroadcast reports whether msgType is an ephemeral room-wide broadcast
// that passes through every original field.
func IsRoomBroadcast(msgType string) bool {
	return msgType == TypeRaiseHand || msgType == TypeReaction || msgType == TypeWhiteboard
}

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. A nil
// payload produces a bare {"type": msgType} object.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	m := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
		if m == nil {
			m = map[string]json.RawMessage{}
		}
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that are known to
// marshal (fixed structs of strings and numbers). It panics otherwise.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// Stamp re-encodes an object's fields with the extra keys set, overwriting
// any client-supplied values for those keys. All other fields pass through
// byte-for-byte.
func Stamp(fields map[string]json.RawMessage, extra map[string]interface{}) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(fields)+len(extra))
	for k, v := range fields {
		out[k] = v
	}
	for k, v := range extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q: %w", k, err)
		}
		out[k] = raw
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal stamped message: %w", err)
	}
	return data, nil
}
