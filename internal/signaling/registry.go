// Package signaling tracks WebRTC signaling rooms and relays negotiation
// traffic (offer, answer, ICE) and in-room broadcasts between their peers.
package signaling

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/syncdrax/relay/internal/metrics"
	"github.com/syncdrax/relay/internal/protocol"
)

// DefaultMaxPeersPerRoom caps room membership when no limit is configured.
const DefaultMaxPeersPerRoom = 30

// ErrRoomFull is returned by Join when the room is at capacity.
var ErrRoomFull = errors.New("signaling: room is full")

// Conn is the outbound side of a peer's connection. Send must not block.
type Conn interface {
	Send(data []byte) bool
}

type member struct {
	conn Conn
	name string
	seq  uint64 // join order, for stable snapshots
}

// Registry maps room ids to their joined peers. Every membership change runs
// under a single mutex together with the notifications it produces, so a
// joiner's snapshot and the join/leave deltas other peers observe are always
// consistent with each other.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]map[string]*member
	seq      uint64
	maxPeers int
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry. A maxPeers of zero or less uses
// DefaultMaxPeersPerRoom.
func NewRegistry(maxPeers int, logger *slog.Logger) *Registry {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeersPerRoom
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:    make(map[string]map[string]*member),
		maxPeers: maxPeers,
		logger:   logger,
	}
}

// NormalizeRoomID returns the canonical form of a room id.
func NormalizeRoomID(room string) string {
	return strings.ToUpper(room)
}

// Join adds a peer to a room, creating the room if needed. A peer id that is
// already present is overwritten. On success the joiner is sent room_state
// listing every other member and those members are sent peer_joined; the
// same snapshot is returned. ErrRoomFull leaves the room untouched.
func (r *Registry) Join(room, peerID, name string, conn Conn) ([]protocol.PeerInfo, error) {
	room = NormalizeRoomID(room)

	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if len(members) >= r.maxPeers {
		return nil, ErrRoomFull
	}
	if members == nil {
		members = make(map[string]*member)
		r.rooms[room] = members
		metrics.ActiveRooms.Set(float64(len(r.rooms)))
	}

	r.seq++
	members[peerID] = &member{conn: conn, name: name, seq: r.seq}

	snapshot := snapshotLocked(members, peerID)
	conn.Send(protocol.MustServerMessage(protocol.TypeRoomState, protocol.RoomStateMsg{Peers: snapshot}))
	r.broadcastLocked(members, protocol.MustServerMessage(protocol.TypePeerJoined, protocol.PeerJoinedMsg{
		PeerID: peerID,
		Name:   name,
	}), peerID)

	r.logger.Debug("[signaling] peer joined", "room", room, "peer", peerID, "size", len(members))
	return snapshot, nil
}

// Leave removes a peer from a room if it is still bound to conn, notifies the
// remaining members with peer_left and deletes the room once it is empty. When
// the peer id has since been claimed by a newer connection the call is a
// no-op, so a stale disconnect cannot evict its replacement.
func (r *Registry) Leave(room, peerID string, conn Conn) {
	room = NormalizeRoomID(room)

	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if m, ok := members[peerID]; ok {
		if m.conn != conn {
			return
		}
		delete(members, peerID)
	}

	if len(members) == 0 {
		if members != nil {
			delete(r.rooms, room)
			metrics.ActiveRooms.Set(float64(len(r.rooms)))
		}
		r.logger.Debug("[signaling] room closed", "room", room)
		return
	}

	r.broadcastLocked(members, protocol.MustServerMessage(protocol.TypePeerLeft, protocol.PeerLeftMsg{
		PeerID: peerID,
	}), "")
	r.logger.Debug("[signaling] peer left", "room", room, "peer", peerID, "size", len(members))
}

// Broadcast delivers payload to every member of room except exclude. An
// empty exclude delivers to everyone.
func (r *Registry) Broadcast(room string, payload []byte, exclude string) {
	room = NormalizeRoomID(room)

	r.mu.Lock()
	r.broadcastLocked(r.rooms[room], payload, exclude)
	r.mu.Unlock()
}

// RelayTo delivers payload to a single member and reports whether it was
// handed to the member's connection.
func (r *Registry) RelayTo(room, to string, payload []byte) bool {
	room = NormalizeRoomID(room)

	r.mu.Lock()
	m, ok := r.rooms[room][to]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("[signaling] relay target not in room", "room", room, "to", to)
		return false
	}
	return m.conn.Send(payload)
}

// Size returns the number of peers in room.
func (r *Registry) Size(room string) int {
	room = NormalizeRoomID(room)

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// Rooms returns the member count of every non-empty room.
func (r *Registry) Rooms() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.rooms))
	for id, members := range r.rooms {
		out[id] = len(members)
	}
	return out
}

// Count returns the number of non-empty rooms.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) broadcastLocked(members map[string]*member, payload []byte, exclude string) {
	for id, m := range members {
		if id == exclude {
			continue
		}
		if !m.conn.Send(payload) {
			r.logger.Debug("[signaling] delivery dropped", "peer", id)
		}
	}
}

func snapshotLocked(members map[string]*member, exclude string) []protocol.PeerInfo {
	type entry struct {
		info protocol.PeerInfo
		seq  uint64
	}
	entries := make([]entry, 0, len(members))
	for id, m := range members {
		if id == exclude {
			continue
		}
		entries = append(entries, entry{info: protocol.PeerInfo{ID: id, Name: m.name}, seq: m.seq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	peers := make([]protocol.PeerInfo, len(entries))
	for i, e := range entries {
		peers[i] = e.info
	}
	return peers
}
