package chat_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/syncdrax/relay/internal/chat"
	"github.com/syncdrax/relay/internal/presence"
	"github.com/syncdrax/relay/internal/ratelimit"
	"github.com/syncdrax/relay/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSession struct {
	mu     sync.Mutex
	frames []map[string]interface{}
	closed bool
}

func (s *fakeSession) Send(data []byte) bool {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		panic("non-JSON frame: " + string(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, m)
	return true
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ofType returns the frames of the given type.
func (s *fakeSession) ofType(typ string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range s.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	hub   *chat.Hub
	store *store.Memory
}

func newFixture() *fixture {
	st := store.NewMemory()
	dir := presence.NewDirectory(nil, testLogger)
	return &fixture{hub: chat.NewHub(dir, st, testLogger), store: st}
}

func (f *fixture) connect(userID int64, name string) (*chat.Client, *fakeSession) {
	s := &fakeSession{}
	return f.hub.Connect(userID, name, s), s
}

// ---------------------------------------------------------------------------
// Test: direct messages
// ---------------------------------------------------------------------------

func TestDM_DeliveredToRecipientAndSender(t *testing.T) {
	f := newFixture()
	c5, s5 := f.connect(5, "Ann")
	_, s7 := f.connect(7, "Bo")
	_, s9 := f.connect(9, "Cy")

	c5.HandleMessage([]byte(`{"type":"dm","to_user_id":7,"content":"hi"}`))

	for name, s := range map[string]*fakeSession{"sender": s5, "recipient": s7} {
		dms := s.ofType("dm")
		if len(dms) != 1 {
			t.Fatalf("%s: expected one dm frame, got %d", name, len(dms))
		}
		msg := dms[0]["message"].(map[string]interface{})
		if msg["sender_id"].(float64) != 5 || msg["dm_to_user_id"].(float64) != 7 || msg["content"] != "hi" {
			t.Errorf("%s: unexpected message %v", name, msg)
		}
		if msg["id"].(float64) == 0 {
			t.Errorf("%s: expected a persisted id", name)
		}
		if msg["channel_id"] != nil {
			t.Errorf("%s: expected no channel_id, got %v", name, msg["channel_id"])
		}
	}
	if len(s9.ofType("dm")) != 0 {
		t.Error("expected bystander not to receive the dm")
	}
	if n := len(f.store.Messages()); n != 1 {
		t.Errorf("expected one persisted message, got %d", n)
	}
}

func TestDM_WithoutRecipientDropped(t *testing.T) {
	f := newFixture()
	c5, s5 := f.connect(5, "Ann")

	c5.HandleMessage([]byte(`{"type":"dm","content":"hi"}`))

	if len(s5.ofType("dm")) != 0 || len(f.store.Messages()) != 0 {
		t.Error("expected dm without to_user_id to be dropped")
	}
}

// ---------------------------------------------------------------------------
// Test: channel messages
// ---------------------------------------------------------------------------

func TestChannelMessage_BroadcastIncludingSender(t *testing.T) {
	f := newFixture()
	c1, s1 := f.connect(1, "Ann")
	_, s2 := f.connect(2, "Bo")

	c1.HandleMessage([]byte(`{"type":"channel_message","channel_id":3,"content":"  hello  "}`))

	for name, s := range map[string]*fakeSession{"sender": s1, "other": s2} {
		frames := s.ofType("channel_message")
		if len(frames) != 1 {
			t.Fatalf("%s: expected one channel_message, got %d", name, len(frames))
		}
		msg := frames[0]["message"].(map[string]interface{})
		if msg["content"] != "hello" || msg["channel_id"].(float64) != 3 || msg["sender_name"] != "Ann" {
			t.Errorf("%s: unexpected message %v", name, msg)
		}
		if _, ok := msg["reactions"].(map[string]interface{}); !ok {
			t.Errorf("%s: expected reactions object, got %v", name, msg["reactions"])
		}
		if msg["pinned"] != false {
			t.Errorf("%s: expected pinned false, got %v", name, msg["pinned"])
		}
	}
}

func TestChannelMessage_EmptyNeverPersisted(t *testing.T) {
	f := newFixture()
	c1, s1 := f.connect(1, "Ann")

	c1.HandleMessage([]byte(`{"type":"channel_message","channel_id":3,"content":"   "}`))
	c1.HandleMessage([]byte(`{"type":"channel_message","channel_id":3}`))

	if len(s1.ofType("channel_message")) != 0 {
		t.Error("expected empty channel_message not to be broadcast")
	}
	if len(f.store.Messages()) != 0 {
		t.Error("expected empty channel_message not to be persisted")
	}
}

func TestChannelMessage_FileOnly(t *testing.T) {
	f := newFixture()
	c1, s1 := f.connect(1, "Ann")

	c1.HandleMessage([]byte(`{"type":"channel_message","channel_id":3,"file_url":"/files/a.png","file_name":"a.png"}`))

	frames := s1.ofType("channel_message")
	if len(frames) != 1 {
		t.Fatalf("expected attachment-only message to be sent, got %d", len(frames))
	}
	msg := frames[0]["message"].(map[string]interface{})
	if msg["file_url"] != "/files/a.png" || msg["file_name"] != "a.png" {
		t.Errorf("unexpected attachment fields: %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: typing, read receipts, reactions, threads
// ---------------------------------------------------------------------------

func TestTyping_Routing(t *testing.T) {
	f := newFixture()
	c1, s1 := f.connect(1, "Ann")
	_, s2 := f.connect(2, "Bo")
	_, s3 := f.connect(3, "Cy")

	c1.HandleMessage([]byte(`{"type":"typing","channel_id":4}`))
	if len(s1.ofType("typing")) != 0 {
		t.Error("expected channel typing to exclude the sender")
	}
	if len(s2.ofType("typing")) != 1 || len(s3.ofType("typing")) != 1 {
		t.Error("expected channel typing to reach everyone else")
	}

	c1.HandleMessage([]byte(`{"type":"typing","to_user_id":2}`))
	typing := s2.ofType("typing")
	if len(typing) != 2 || typing[1]["to_user_id"].(float64) != 2 || typing[1]["user_name"] != "Ann" {
		t.Errorf("unexpected dm typing frames: %v", typing)
	}
	if len(s3.ofType("typing")) != 1 {
		t.Error("expected dm typing to reach only the target")
	}

	c1.HandleMessage([]byte(`{"type":"typing"}`))
	if len(s2.ofType("typing")) != 2 || len(s3.ofType("typing")) != 1 {
		t.Error("expected untargeted typing to be dropped")
	}
}

func TestMarkDMRead(t *testing.T) {
	f := newFixture()
	c1, _ := f.connect(1, "Ann")
	_, s2 := f.connect(2, "Bo")

	c1.HandleMessage([]byte(`{"type":"mark_dm_read","to_user_id":2}`))

	frames := s2.ofType("dm_read")
	if len(frames) != 1 || frames[0]["by_user_id"].(float64) != 1 || frames[0]["by_name"] != "Ann" {
		t.Errorf("unexpected dm_read frames: %v", frames)
	}
}

func TestReact_ToggleBroadcastsToAll(t *testing.T) {
	f := newFixture()
	c1, s1 := f.connect(1, "Ann")
	_, s2 := f.connect(2, "Bo")

	c1.HandleMessage([]byte(`{"type":"dm","to_user_id":2,"content":"hi"}`))
	id := s1.ofType("dm")[0]["message"].(map[string]interface{})["id"].(float64)

	react := []byte(`{"type":"react","message_id":` + jsonNumber(id) + `,"emoji":"👍"}`)
	c1.HandleMessage(react)
	c1.HandleMessage(react)

	for name, s := range map[string]*fakeSession{"sender": s1, "other": s2} {
		updates := s.ofType("reaction_update")
		if len(updates) != 2 {
			t.Fatalf("%s: expected two reaction updates, got %d", name, len(updates))
		}
		first := updates[0]["reactions"].(map[string]interface{})
		if voters := first["👍"].([]interface{}); len(voters) != 1 || voters[0].(float64) != 1 {
			t.Errorf("%s: unexpected first update %v", name, first)
		}
		if second := updates[1]["reactions"].(map[string]interface{}); len(second) != 0 {
			t.Errorf("%s: expected empty reactions after second toggle, got %v", name, second)
		}
	}
}

func TestReact_UnknownMessageDropped(t *testing.T) {
	f := newFixture()
	c1, s1 := f.connect(1, "Ann")

	c1.HandleMessage([]byte(`{"type":"react","message_id":404,"emoji":"👍"}`))

	if len(s1.ofType("reaction_update")) != 0 {
		t.Error("expected react on an unknown message to be dropped")
	}
}

func TestThreadReply(t *testing.T) {
	f := newFixture()
	c1, _ := f.connect(1, "Ann")
	_, s2 := f.connect(2, "Bo")

	c1.HandleMessage([]byte(`{"type":"thread_reply","parent_id":10,"content":"agreed","channel_id":3}`))
	c1.HandleMessage([]byte(`{"type":"thread_reply","parent_id":10,"content":""}`))
	c1.HandleMessage([]byte(`{"type":"thread_reply","content":"orphan"}`))

	frames := s2.ofType("thread_reply")
	if len(frames) != 1 {
		t.Fatalf("expected one thread_reply, got %d", len(frames))
	}
	msg := frames[0]["message"].(map[string]interface{})
	if msg["parent_id"].(float64) != 10 || msg["content"] != "agreed" {
		t.Errorf("unexpected thread reply %v", msg)
	}
}

func TestPingAndMalformed(t *testing.T) {
	f := newFixture()
	c1, s1 := f.connect(1, "Ann")

	c1.HandleMessage([]byte(`{"type":"ping"}`))
	c1.HandleMessage([]byte(`garbage`))
	c1.HandleMessage([]byte(`{"type":"unknown"}`))
	c1.HandleMessage([]byte(`{"type":"react","message_id":"x"}`))

	if len(s1.ofType("pong")) != 1 {
		t.Error("expected a pong")
	}
	s1.mu.Lock()
	n := len(s1.frames)
	s1.mu.Unlock()
	if n != 1 {
		t.Errorf("expected only the pong, got %d frames", n)
	}
}

// ---------------------------------------------------------------------------
// Test: session lifecycle
// ---------------------------------------------------------------------------

func TestConnect_ReplacesAndClosesOldSession(t *testing.T) {
	f := newFixture()
	_, watcher := f.connect(9, "W")
	old, oldSession := f.connect(1, "Ann")
	_, fresh := f.connect(1, "Ann")

	if !oldSession.closed {
		t.Error("expected the replaced session to be closed")
	}

	old.HandleClose()
	if !f.hub.Directory().Online(1) {
		t.Fatal("expected the new session to stay attached")
	}
	for _, p := range watcher.ofType("presence") {
		if p["user_id"].(float64) == 1 && p["online"] == false {
			t.Error("expected no offline announcement for the replaced session")
		}
	}

	f.hub.Directory().SendTo(1, []byte(`{"type":"probe"}`))
	if len(fresh.ofType("probe")) != 1 || len(oldSession.ofType("probe")) != 0 {
		t.Error("expected delivery to the newest session only")
	}
}

func TestClose_AnnouncesOffline(t *testing.T) {
	f := newFixture()
	_, watcher := f.connect(9, "W")
	c1, _ := f.connect(1, "Ann")

	c1.HandleClose()

	presence := watcher.ofType("presence")
	last := presence[len(presence)-1]
	if last["user_id"].(float64) != 1 || last["online"] != false {
		t.Errorf("expected offline presence for user 1, got %v", last)
	}
}

func TestResolveName_Fallback(t *testing.T) {
	f := newFixture()
	f.store.AddUser(5, "Ann")

	if got := f.hub.ResolveName(context.Background(), 5); got != "Ann" {
		t.Errorf("expected Ann, got %q", got)
	}
	if got := f.hub.ResolveName(context.Background(), 6); got != "User6" {
		t.Errorf("expected User6, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Test: rate limiting
// ---------------------------------------------------------------------------

type budgetLimiter struct {
	remaining int
}

func (l *budgetLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	if l.remaining <= 0 {
		return false, nil
	}
	l.remaining--
	return true, nil
}

func TestRateLimitedSend(t *testing.T) {
	f := newFixture()
	f.hub.SetLimiter(&budgetLimiter{remaining: 1}, ratelimit.RuleChatSend)
	c1, s1 := f.connect(1, "Ann")

	c1.HandleMessage([]byte(`{"type":"channel_message","channel_id":1,"content":"one"}`))
	c1.HandleMessage([]byte(`{"type":"channel_message","channel_id":1,"content":"two"}`))

	if n := len(s1.ofType("channel_message")); n != 1 {
		t.Errorf("expected one accepted message, got %d", n)
	}
	limited := s1.ofType("rate_limited")
	if len(limited) != 1 || limited[0]["retry_after"].(float64) != ratelimit.RuleChatSend.Window.Seconds() {
		t.Errorf("unexpected rate_limited frames: %v", limited)
	}
	if n := len(f.store.Messages()); n != 1 {
		t.Errorf("expected one persisted message, got %d", n)
	}
}

// resetLimiter also reports when the current window resets.
type resetLimiter struct {
	budgetLimiter
	reset time.Duration
}

func (l *resetLimiter) RetryAfter(context.Context, string, ratelimit.Rule) (time.Duration, error) {
	return l.reset, nil
}

func TestRateLimitedSend_ReportsWindowReset(t *testing.T) {
	f := newFixture()
	f.hub.SetLimiter(&resetLimiter{reset: 2400 * time.Millisecond}, ratelimit.RuleChatSend)
	c1, s1 := f.connect(1, "Ann")

	c1.HandleMessage([]byte(`{"type":"dm","to_user_id":2,"content":"hi"}`))

	limited := s1.ofType("rate_limited")
	if len(limited) != 1 || limited[0]["retry_after"].(float64) != 3 {
		t.Errorf("expected retry_after rounded up to 3s, got %v", limited)
	}
	if n := len(f.store.Messages()); n != 0 {
		t.Errorf("expected nothing persisted, got %d", n)
	}
}

func jsonNumber(v float64) string {
	b, _ := json.Marshal(int64(v))
	return string(b)
}
