package protocol

import (
	"encoding/json"
	"fmt"
)

// SignalFrame is an inbound frame on a signaling connection. Signaling
// payloads (SDP, ICE candidates, whiteboard strokes) are opaque to the relay,
// so every original key is retained in Fields for pass-through.
type SignalFrame struct {
	Type   string
	ToID   string
	Fields map[string]json.RawMessage
}

// ParseSignalFrame decodes a signaling frame. It fails on malformed JSON, on
// a non-object payload, and on a missing type.
func ParseSignalFrame(data []byte) (*SignalFrame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse signal frame: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("protocol: signal frame is not an object")
	}

	f := &SignalFrame{Fields: fields}
	if raw, ok := fields["type"]; ok {
		_ = json.Unmarshal(raw, &f.Type)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	if raw, ok := fields["to_id"]; ok {
		_ = json.Unmarshal(raw, &f.ToID)
	}
	return f, nil
}

// Text returns the frame's "text" field, or "" when absent or not a string.
func (f *SignalFrame) Text() string {
	var s string
	if raw, ok := f.Fields["text"]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// Ts returns the frame's "ts" field verbatim, or 0 when absent.
func (f *SignalFrame) Ts() json.RawMessage {
	if raw, ok := f.Fields["ts"]; ok && len(raw) > 0 {
		return raw
	}
	return json.RawMessage("0")
}

// PeerInfo describes one room member in a room_state snapshot.
type PeerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoomStateMsg is sent to a joiner with every other member of the room.
type RoomStateMsg struct {
	Type  string     `json:"type"`
	Peers []PeerInfo `json:"peers"`
}

// PeerJoinedMsg announces a new member to the rest of the room.
type PeerJoinedMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

// PeerLeftMsg announces that a member has left the room.
type PeerLeftMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// RoomFullMsg is sent to a connecting peer rejected for capacity.
type RoomFullMsg struct {
	Type string `json:"type"`
}

// RoomChatMsg is the normalized in-room chat broadcast.
type RoomChatMsg struct {
	Type     string          `json:"type"`
	FromID   string          `json:"from_id"`
	FromName string          `json:"from_name"`
	Text     string          `json:"text"`
	Ts       json.RawMessage `json:"ts"`
}
