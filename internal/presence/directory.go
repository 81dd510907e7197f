// Package presence maps authenticated users to their single live chat
// session and announces online/offline transitions. An optional Redis mirror
// publishes the same state for other services.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/syncdrax/relay/internal/metrics"
	"github.com/syncdrax/relay/internal/protocol"
)

// NoUser is passed to BroadcastAll to deliver to every attached user.
const NoUser int64 = 0

// Session is the outbound side of a chat connection. Send must not block.
type Session interface {
	Send(data []byte) bool
	Close() error
}

// Mirror publishes presence outside the process. *Store satisfies it.
type Mirror interface {
	MarkOnline(ctx context.Context, userID int64) error
	MarkOffline(ctx context.Context, userID int64) error
}

// mirrorStripes is the number of locks ordering mirror writes per user.
const mirrorStripes = 64

// Directory holds at most one session per user. Attach and Detach run their
// presence announcements under the same lock as the map mutation, so
// observers see online/offline transitions in the order they took effect.
type Directory struct {
	mu       sync.Mutex
	sessions map[int64]Session
	mirror   Mirror
	mirrorMu [mirrorStripes]sync.Mutex
	logger   *slog.Logger
}

// NewDirectory creates an empty Directory. mirror may be nil.
func NewDirectory(mirror Mirror, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		sessions: make(map[int64]Session),
		mirror:   mirror,
		logger:   logger,
	}
}

// Attach binds s to user, replacing any previous session, and announces the
// user as online to everyone else. The replaced session, if any, is returned
// so the caller can close it.
func (d *Directory) Attach(user int64, s Session) Session {
	payload := protocol.MustServerMessage(protocol.TypePresence, protocol.PresenceMsg{UserID: user, Online: true})

	d.mu.Lock()
	prev := d.sessions[user]
	d.sessions[user] = s
	n := len(d.sessions)
	d.broadcastLocked(payload, user)
	d.mu.Unlock()

	metrics.OnlineUsers.Set(float64(n))
	d.syncMirror(user)
	return prev
}

// Detach unbinds user if it is still bound to s and announces it offline.
// It reports whether the session was removed; a session that has already
// been replaced leaves the directory and its newer session untouched.
func (d *Directory) Detach(user int64, s Session) bool {
	d.mu.Lock()
	if cur, ok := d.sessions[user]; !ok || cur != s {
		d.mu.Unlock()
		return false
	}
	delete(d.sessions, user)
	n := len(d.sessions)
	d.broadcastLocked(protocol.MustServerMessage(protocol.TypePresence, protocol.PresenceMsg{UserID: user, Online: false}), NoUser)
	d.mu.Unlock()

	metrics.OnlineUsers.Set(float64(n))
	d.syncMirror(user)
	return true
}

// BroadcastAll delivers payload to every attached user except exclude.
// Pass NoUser to include everyone.
func (d *Directory) BroadcastAll(payload []byte, exclude int64) {
	d.mu.Lock()
	d.broadcastLocked(payload, exclude)
	d.mu.Unlock()
}

// SendTo delivers payload to user's session and reports whether it was
// handed to the connection.
func (d *Directory) SendTo(user int64, payload []byte) bool {
	d.mu.Lock()
	s, ok := d.sessions[user]
	d.mu.Unlock()
	if !ok {
		return false
	}
	return s.Send(payload)
}

// Online reports whether user has an attached session.
func (d *Directory) Online(user int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessions[user]
	return ok
}

// Count returns the number of attached users.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Directory) broadcastLocked(payload []byte, exclude int64) {
	for id, s := range d.sessions {
		if id == exclude {
			continue
		}
		if !s.Send(payload) {
			d.logger.Debug("[presence] delivery dropped", "user_id", id)
		}
	}
}

// syncMirror writes user's current state to the mirror. Writes for one user
// are serialized and each reads the state when it runs, so a racing Attach
// and Detach cannot leave the mirror behind the directory.
func (d *Directory) syncMirror(user int64) {
	if d.mirror == nil {
		return
	}
	mu := &d.mirrorMu[uint64(user)%mirrorStripes]
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if d.Online(user) {
		if err := d.mirror.MarkOnline(ctx, user); err != nil {
			d.logger.Warn("[presence] redis mark online failed", "user_id", user, "err", err)
		}
		return
	}
	if err := d.mirror.MarkOffline(ctx, user); err != nil {
		d.logger.Warn("[presence] redis mark offline failed", "user_id", user, "err", err)
	}
}
