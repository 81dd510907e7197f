package signaling

import (
	"testing"
)

func joinPair(t *testing.T) (*Registry, *Peer, *fakeConn, *Peer, *fakeConn) {
	t.Helper()
	r := NewRegistry(0, testLogger)
	ac, bc := &fakeConn{}, &fakeConn{}
	a, err := r.Connect("abcd", "p1", "Ann", ac)
	if err != nil {
		t.Fatalf("connect ann: %v", err)
	}
	b, err := r.Connect("abcd", "p2", "Bo", bc)
	if err != nil {
		t.Fatalf("connect bo: %v", err)
	}
	return r, a, ac, b, bc
}

func TestPeer_OfferRelayedWithFromID(t *testing.T) {
	_, a, ac, _, bc := joinPair(t)
	before := ac.count()

	a.HandleMessage([]byte(`{"type":"offer","to_id":"p2","from_id":"spoofed","sdp":"v=0"}`))

	got := bc.last(t)
	if got["type"] != "offer" || got["from_id"] != "p1" || got["sdp"] != "v=0" || got["to_id"] != "p2" {
		t.Errorf("unexpected relayed offer: %v", got)
	}
	if ac.count() != before {
		t.Errorf("expected sender to receive nothing")
	}
}

func TestPeer_RelayToAbsentPeer(t *testing.T) {
	_, a, ac, _, bc := joinPair(t)
	beforeA, beforeB := ac.count(), bc.count()

	a.HandleMessage([]byte(`{"type":"ice","to_id":"p9","candidate":{}}`))

	if ac.count() != beforeA || bc.count() != beforeB {
		t.Errorf("expected no delivery for an absent relay target")
	}
}

func TestPeer_ChatExcludesSender(t *testing.T) {
	_, a, ac, _, bc := joinPair(t)
	before := ac.count()

	a.HandleMessage([]byte(`{"type":"chat","text":"hi","ts":42,"extra":"dropped"}`))

	got := bc.last(t)
	if got["type"] != "chat" || got["from_id"] != "p1" || got["from_name"] != "Ann" || got["text"] != "hi" {
		t.Errorf("unexpected chat frame: %v", got)
	}
	if got["ts"].(float64) != 42 {
		t.Errorf("expected ts 42, got %v", got["ts"])
	}
	if _, ok := got["extra"]; ok {
		t.Errorf("expected chat frame to be normalized, got extra field")
	}
	if ac.count() != before {
		t.Errorf("expected sender not to receive its own chat")
	}
}

func TestPeer_EphemeralBroadcastReachesEveryone(t *testing.T) {
	for _, typ := range []string{"raise_hand", "reaction", "whiteboard"} {
		t.Run(typ, func(t *testing.T) {
			_, a, ac, _, bc := joinPair(t)

			a.HandleMessage([]byte(`{"type":"` + typ + `","payload":{"x":1}}`))

			for name, c := range map[string]*fakeConn{"sender": ac, "other": bc} {
				got := c.last(t)
				if got["type"] != typ || got["from_id"] != "p1" || got["from_name"] != "Ann" {
					t.Errorf("%s: unexpected frame %v", name, got)
				}
				if _, ok := got["payload"]; !ok {
					t.Errorf("%s: expected original fields to pass through", name)
				}
			}
		})
	}
}

func TestPeer_DropsMalformedAndUnknown(t *testing.T) {
	_, a, ac, _, bc := joinPair(t)
	beforeA, beforeB := ac.count(), bc.count()

	for _, frame := range []string{`not json`, `{"no":"type"}`, `{"type":"mystery"}`, `{"type":"offer"}`} {
		a.HandleMessage([]byte(frame))
	}

	if ac.count() != beforeA || bc.count() != beforeB {
		t.Errorf("expected dropped frames to produce no output")
	}
}

func TestPeer_CloseLeavesRoom(t *testing.T) {
	r, a, _, b, bc := joinPair(t)

	a.HandleClose()
	got := bc.last(t)
	if got["type"] != "peer_left" || got["peer_id"] != "p1" {
		t.Errorf("expected peer_left for p1, got %v", got)
	}

	b.HandleClose()
	if r.Count() != 0 {
		t.Errorf("expected room to be deleted, got %v", r.Rooms())
	}
}
