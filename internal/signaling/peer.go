package signaling

import (
	"log/slog"

	"github.com/syncdrax/relay/internal/metrics"
	"github.com/syncdrax/relay/internal/protocol"
)

// Peer is the per-connection dispatcher for a joined signaling peer. It
// classifies inbound frames and routes them through the Registry.
type Peer struct {
	registry *Registry
	room     string
	id       string
	name     string
	conn     Conn
	logger   *slog.Logger
}

// Connect joins the peer to its room and returns the dispatcher bound to the
// connection. It fails with ErrRoomFull without touching the room.
func (r *Registry) Connect(room, peerID, name string, conn Conn) (*Peer, error) {
	if _, err := r.Join(room, peerID, name, conn); err != nil {
		return nil, err
	}
	return &Peer{
		registry: r,
		room:     NormalizeRoomID(room),
		id:       peerID,
		name:     name,
		conn:     conn,
		logger:   r.logger.With("room", NormalizeRoomID(room), "peer", peerID),
	}, nil
}

// Room returns the canonical room id the peer joined.
func (p *Peer) Room() string { return p.room }

// HandleMessage routes one inbound frame. Frames that cannot be parsed and
// unknown types are dropped.
func (p *Peer) HandleMessage(data []byte) {
	f, err := protocol.ParseSignalFrame(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("signaling", "dropped").Inc()
		p.logger.Debug("[signaling] dropping malformed frame", "err", err)
		return
	}

	switch {
	case protocol.IsSignal(f.Type):
		p.relay(f)
	case f.Type == protocol.TypeRoomChat:
		p.chat(f)
	case protocol.IsRoomBroadcast(f.Type):
		p.broadcast(f)
	default:
		metrics.FramesReceived.WithLabelValues("signaling", "dropped").Inc()
		p.logger.Debug("[signaling] ignoring unknown frame type", "type", f.Type)
		return
	}
	metrics.FramesReceived.WithLabelValues("signaling", "handled").Inc()
}

// HandleClose leaves the room.
func (p *Peer) HandleClose() {
	p.registry.Leave(p.room, p.id, p.conn)
}

func (p *Peer) relay(f *protocol.SignalFrame) {
	if f.ToID == "" {
		p.logger.Debug("[signaling] relay frame without to_id", "type", f.Type)
		return
	}
	data, err := protocol.Stamp(f.Fields, map[string]interface{}{"from_id": p.id})
	if err != nil {
		p.logger.Warn("[signaling] failed to stamp relay frame", "type", f.Type, "err", err)
		return
	}
	p.registry.RelayTo(p.room, f.ToID, data)
}

func (p *Peer) chat(f *protocol.SignalFrame) {
	data, err := protocol.NewServerMessage(protocol.TypeRoomChat, protocol.RoomChatMsg{
		FromID:   p.id,
		FromName: p.name,
		Text:     f.Text(),
		Ts:       f.Ts(),
	})
	if err != nil {
		p.logger.Warn("[signaling] failed to build chat frame", "err", err)
		return
	}
	p.registry.Broadcast(p.room, data, p.id)
}

// broadcast fans an ephemeral frame out to the whole room with every
// original field intact. The sender gets the echo too; clients render their
// own raised hand, reaction and whiteboard strokes from it.
func (p *Peer) broadcast(f *protocol.SignalFrame) {
	data, err := protocol.Stamp(f.Fields, map[string]interface{}{
		"from_id":   p.id,
		"from_name": p.name,
	})
	if err != nil {
		p.logger.Warn("[signaling] failed to stamp broadcast frame", "type", f.Type, "err", err)
		return
	}
	p.registry.Broadcast(p.room, data, "")
}
