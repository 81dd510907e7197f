// Package relay binds the WebSocket server to the signaling and chat
// dispatchers: it authenticates chat connections, admits signaling peers to
// their rooms and serves the HTTP status endpoints.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gobwas/ws"

	"github.com/syncdrax/relay/internal/auth"
	"github.com/syncdrax/relay/internal/chat"
	"github.com/syncdrax/relay/internal/protocol"
	"github.com/syncdrax/relay/internal/ratelimit"
	"github.com/syncdrax/relay/internal/signaling"
	wsserver "github.com/syncdrax/relay/internal/ws"
)

// StatusUnauthorized closes chat connections whose credential is missing,
// invalid, expired or issued for another user.
const StatusUnauthorized ws.StatusCode = 4001

// Route patterns.
const (
	PatternSignaling = "GET /ws/{room}/{peer}/{name}"
	PatternChat      = "GET /ws/chat/{user_id}"
	PatternHealth    = "GET /health"
	PatternRooms     = "GET /rooms"
)

// Relay owns the route handlers.
type Relay struct {
	rooms       *signaling.Registry
	hub         *chat.Hub
	verifier    *auth.Verifier
	limiter     chat.Limiter
	connectRule ratelimit.Rule
	logger      *slog.Logger
}

// New creates a Relay.
func New(rooms *signaling.Registry, hub *chat.Hub, verifier *auth.Verifier, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rooms: rooms, hub: hub, verifier: verifier, logger: logger}
}

// SetConnectLimiter throttles chat connection attempts per user.
func (rl *Relay) SetConnectLimiter(l chat.Limiter, rule ratelimit.Rule) {
	rl.limiter = l
	rl.connectRule = rule
}

// Register adds every relay route to server.
func (rl *Relay) Register(server *wsserver.Server) {
	server.Handle(PatternSignaling, rl.acceptSignaling)
	server.Handle(PatternChat, rl.acceptChat)
	server.HandleHealth(PatternHealth, rl.healthExtra)
	server.HandleFunc(PatternRooms, rl.handleRooms)
}

// acceptSignaling joins the peer to its room. A full room gets a room_full
// frame and a normal close.
func (rl *Relay) acceptSignaling(c *wsserver.Connection, r *http.Request) (wsserver.Handler, error) {
	room, peerID, name := r.PathValue("room"), r.PathValue("peer"), r.PathValue("name")

	peer, err := rl.rooms.Connect(room, peerID, name, c)
	if errors.Is(err, signaling.ErrRoomFull) {
		rl.logger.Info("[signaling] room full, rejecting peer", "room", signaling.NormalizeRoomID(room), "peer", peerID)
		return nil, &wsserver.Reject{
			Frame:  protocol.MustServerMessage(protocol.TypeRoomFull, nil),
			Code:   ws.StatusNormalClosure,
			Reason: "room full",
		}
	}
	if err != nil {
		return nil, err
	}
	return peer, nil
}

// acceptChat authenticates the token query parameter against the user_id
// path parameter and attaches the user's chat session.
func (rl *Relay) acceptChat(c *wsserver.Connection, r *http.Request) (wsserver.Handler, error) {
	unauthorized := func(reason string) error {
		return &wsserver.Reject{Code: StatusUnauthorized, Reason: reason}
	}

	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		return nil, unauthorized("invalid user id")
	}

	id, err := rl.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		rl.logger.Info("[chat] rejecting connection", "user_id", userID, "err", err)
		return nil, unauthorized("invalid token")
	}
	if id.UserID != userID {
		rl.logger.Info("[chat] token subject mismatch", "user_id", userID, "subject", id.UserID)
		return nil, unauthorized("token does not match user")
	}

	ctx, cancel := context.WithTimeout(r.Context(), chat.StoreTimeout)
	defer cancel()

	if rl.limiter != nil {
		if ok, _ := rl.limiter.Allow(ctx, strconv.FormatInt(userID, 10), rl.connectRule); !ok {
			rl.logger.Warn("[chat] connection rate limited", "user_id", userID)
			return nil, &wsserver.Reject{Code: ws.StatusPolicyViolation, Reason: "too many connections"}
		}
	}

	name := rl.hub.ResolveName(ctx, userID)
	return rl.hub.Connect(userID, name, c), nil
}

func (rl *Relay) healthExtra() map[string]interface{} {
	return map[string]interface{}{
		"rooms":  rl.rooms.Count(),
		"online": rl.hub.Directory().Count(),
	}
}

type roomStats struct {
	Participants int `json:"participants"`
}

// handleRooms reports the participant count of every active room.
func (rl *Relay) handleRooms(w http.ResponseWriter, r *http.Request) {
	resp := make(map[string]roomStats)
	for room, n := range rl.rooms.Rooms() {
		resp[room] = roomStats{Participants: n}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
