package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/syncdrax/relay/internal/auth"
	"github.com/syncdrax/relay/internal/chat"
	"github.com/syncdrax/relay/internal/presence"
	"github.com/syncdrax/relay/internal/signaling"
	"github.com/syncdrax/relay/internal/store"
	wsserver "github.com/syncdrax/relay/internal/ws"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testSecret = "test-secret"

type testEnv struct {
	url      string
	store    *store.Memory
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T, maxPeers int) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	mem.AddUser(5, "Ann")
	mem.AddUser(7, "Bo")

	cfg := wsserver.DefaultServerConfig()
	cfg.Heartbeat.Interval = 0
	server := wsserver.NewServer(cfg, testLogger)

	verifier := auth.NewVerifier(testSecret)
	hub := chat.NewHub(presence.NewDirectory(nil, testLogger), mem, testLogger)
	New(signaling.NewRegistry(maxPeers, testLogger), hub, verifier, testLogger).Register(server)

	if err := server.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = server.Shutdown(context.Background())
	})
	return &testEnv{url: ts.URL, store: mem, verifier: verifier}
}

type client struct {
	t    *testing.T
	conn net.Conn
	rd   io.ReadWriter
}

func (e *testEnv) dial(t *testing.T, path string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(e.url, "http")+path)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var rd io.Reader = conn
	if br != nil {
		rd = br
	}
	return &client{t: t, conn: conn, rd: struct {
		io.Reader
		io.Writer
	}{rd, conn}}
}

func (e *testEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := e.verifier.Issue(userID, "", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (c *client) send(frame string) {
	c.t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(frame)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next reads frames until one of type typ arrives.
func (c *client) next(typ string) map[string]interface{} {
	c.t.Helper()
	for {
		data, err := wsutil.ReadServerText(c.rd)
		if err != nil {
			c.t.Fatalf("waiting for %q: %v", typ, err)
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			c.t.Fatalf("invalid frame %s: %v", data, err)
		}
		if m["type"] == typ {
			return m
		}
	}
}

// closeCode reads raw frames until the close frame and returns its status.
func (c *client) closeCode() ws.StatusCode {
	c.t.Helper()
	for {
		f, err := ws.ReadFrame(c.rd)
		if err != nil {
			c.t.Fatalf("waiting for close: %v", err)
		}
		if f.Header.OpCode == ws.OpClose {
			code, _ := ws.ParseCloseFrameData(f.Payload)
			return code
		}
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func TestSignaling_JoinSnapshotAndRelay(t *testing.T) {
	env := newTestEnv(t, signaling.DefaultMaxPeersPerRoom)

	ann := env.dial(t, "/ws/standup/p-ann/Ann")
	if state := ann.next("room_state"); len(state["peers"].([]interface{})) != 0 {
		t.Fatalf("expected empty snapshot for first peer, got %v", state)
	}

	bo := env.dial(t, "/ws/STANDUP/p-bo/Bo")
	peers := bo.next("room_state")["peers"].([]interface{})
	if len(peers) != 1 {
		t.Fatalf("expected Ann in Bo's snapshot, got %v", peers)
	}
	if p := peers[0].(map[string]interface{}); p["id"] != "p-ann" || p["name"] != "Ann" {
		t.Errorf("unexpected snapshot entry %v", p)
	}
	if joined := ann.next("peer_joined"); joined["peer_id"] != "p-bo" || joined["name"] != "Bo" {
		t.Errorf("unexpected peer_joined %v", joined)
	}

	ann.send(`{"type":"offer","to_id":"p-bo","sdp":"v=0"}`)
	offer := bo.next("offer")
	if offer["from_id"] != "p-ann" || offer["sdp"] != "v=0" {
		t.Errorf("unexpected relayed offer %v", offer)
	}

	bo.conn.Close()
	if left := ann.next("peer_left"); left["peer_id"] != "p-bo" {
		t.Errorf("unexpected peer_left %v", left)
	}
}

func TestSignaling_RoomFull(t *testing.T) {
	env := newTestEnv(t, 1)

	first := env.dial(t, "/ws/tiny/p1/One")
	first.next("room_state")

	second := env.dial(t, "/ws/tiny/p2/Two")
	second.next("room_full")
	if code := second.closeCode(); code != ws.StatusNormalClosure {
		t.Errorf("expected close 1000, got %d", code)
	}

	resp, err := http.Get(env.url + "/rooms")
	if err != nil {
		t.Fatalf("get rooms: %v", err)
	}
	defer resp.Body.Close()
	var rooms map[string]roomStats
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(rooms) != 1 || rooms["TINY"].Participants != 1 {
		t.Errorf("expected TINY with one participant, got %v", rooms)
	}
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

func TestChat_RejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, signaling.DefaultMaxPeersPerRoom)

	tests := []struct {
		name string
		path string
	}{
		{"missing token", "/ws/chat/5"},
		{"garbage token", "/ws/chat/5?token=nope"},
		{"other user's token", "/ws/chat/5?token=" + env.token(t, 7)},
		{"non-numeric user", "/ws/chat/ann?token=" + env.token(t, 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := env.dial(t, tt.path)
			if code := c.closeCode(); code != StatusUnauthorized {
				t.Errorf("expected close %d, got %d", StatusUnauthorized, code)
			}
		})
	}
}

func TestChat_DirectMessage(t *testing.T) {
	env := newTestEnv(t, signaling.DefaultMaxPeersPerRoom)

	ann := env.dial(t, "/ws/chat/5?token="+env.token(t, 5))
	ann.send(`{"type":"ping"}`)
	ann.next("pong")
	bo := env.dial(t, "/ws/chat/7?token="+env.token(t, 7))

	if p := ann.next("presence"); p["user_id"].(float64) != 7 || p["online"] != true {
		t.Fatalf("expected Bo online, got %v", p)
	}

	ann.send(`{"type":"dm","to_user_id":7,"content":"hi"}`)

	for name, c := range map[string]*client{"recipient": bo, "sender": ann} {
		msg := c.next("dm")["message"].(map[string]interface{})
		if msg["sender_id"].(float64) != 5 || msg["sender_name"] != "Ann" || msg["content"] != "hi" {
			t.Errorf("%s: unexpected dm %v", name, msg)
		}
		if msg["dm_to_user_id"].(float64) != 7 {
			t.Errorf("%s: unexpected recipient %v", name, msg["dm_to_user_id"])
		}
	}
	if n := len(env.store.Messages()); n != 1 {
		t.Errorf("expected one persisted dm, got %d", n)
	}

	bo.conn.Close()
	if p := ann.next("presence"); p["user_id"].(float64) != 7 || p["online"] != false {
		t.Errorf("expected Bo offline, got %v", p)
	}
}

func TestHealth_ReportsRoomsAndOnline(t *testing.T) {
	env := newTestEnv(t, signaling.DefaultMaxPeersPerRoom)

	env.dial(t, "/ws/r1/p1/One").next("room_state")
	ann := env.dial(t, "/ws/chat/5?token="+env.token(t, 5))
	ann.send(`{"type":"ping"}`)
	ann.next("pong")

	resp, err := http.Get(env.url + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["rooms"].(float64) != 1 || body["online"].(float64) != 1 {
		t.Errorf("unexpected health %v", body)
	}
	if body["connections"].(float64) != 2 {
		t.Errorf("expected 2 connections, got %v", body["connections"])
	}
}
