package wshub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"estimator/internal/events"
)

func client(id, user string, size int) *Client {
	return &Client{ID: id, UserID: user, Send: make(chan []byte, size)}
}

func recv(t *testing.T, c *Client) events.Decoded {
	t.Helper()
	select {
	case data := <-c.Send:
		var f events.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		d, err := events.Decode(f)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return d
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("%s received nothing", c.ID)
	}
	return events.Decoded{}
}

func quiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("%s got unexpected %s", c.ID, data)
	default:
	}
}

func TestRegister_ConfirmsAndAnnounces(t *testing.T) {
	h := NewHub("r1")
	c1 := client("c1", "u1", 16)
	c2 := client("c2", "u2", 16)

	h.Register(c1)
	d := recv(t, c1)
	sub, ok := d.Event.(events.SubscriptionSucceededEvent)
	if !ok || len(sub.Members) != 1 || sub.Members[0] != "u1" {
		t.Fatalf("c1 confirmation = %+v", d.Event)
	}

	h.Register(c2)
	d = recv(t, c2)
	if sub := d.Event.(events.SubscriptionSucceededEvent); len(sub.Members) != 2 {
		t.Errorf("c2 members = %v, want u1 and u2", sub.Members)
	}
	d = recv(t, c1)
	if added, ok := d.Event.(events.MemberAddedEvent); !ok || added.UserID != "u2" {
		t.Errorf("c1 got %+v, want member_added u2", d.Event)
	}
	if d.Room != "r1" {
		t.Errorf("frame room = %q", d.Room)
	}
}

func TestSecondConnectionOfUserIsSilent(t *testing.T) {
	h := NewHub("r1")
	c1 := client("c1", "u1", 16)
	other := client("c2", "u2", 16)
	h.Register(other)
	recv(t, other)

	h.Register(c1)
	recv(t, c1)
	recv(t, other)

	again := client("c3", "u1", 16)
	h.Register(again)
	recv(t, again)
	quiet(t, other)

	h.Unregister("c3")
	quiet(t, other)
	h.Unregister("c1")
	d := recv(t, other)
	if removed, ok := d.Event.(events.MemberRemovedEvent); !ok || removed.UserID != "u1" {
		t.Errorf("got %+v, want member_removed u1", d.Event)
	}
	if _, ok := <-c1.Send; ok {
		t.Error("c1.Send should be closed")
	}
}

func TestUnregisterNonexistent(t *testing.T) {
	h := NewHub("r1")
	// Should not panic
	h.Unregister("nonexistent")
}

func TestBroadcastCutsOffSlowClient(t *testing.T) {
	h := NewHub("r1")
	closed := make(chan struct{})
	slow := client("c1", "u1", 1)
	slow.CloseSlow = func() { close(closed) }
	fast := client("c2", "u2", 16)
	h.Register(fast)
	h.Register(slow) // fills the channel with the confirmation
	recv(t, fast)    // confirmation
	recv(t, fast)    // member_added u1

	h.Broadcast(events.Frame{Event: events.DeleteRoom, Room: "r1", Data: json.RawMessage(`{}`)})
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("slow client was not closed")
	}
	if !slow.Lagging() {
		t.Error("slow client should be marked lagging")
	}
	if d := recv(t, fast); d.Event.Name() != events.DeleteRoom {
		t.Errorf("fast client got %s, want deleteRoom", d.Event.Name())
	}

	// Nothing more is queued for a client that was cut off.
	if d := recv(t, slow); d.Event.Name() != events.SubscriptionSucceeded {
		t.Fatalf("expected confirmation, got %s", d.Event.Name())
	}
	h.Broadcast(events.Frame{Event: events.DeleteRoom, Room: "r1", Data: json.RawMessage(`{}`)})
	quiet(t, slow)
}

func TestDisconnectAll(t *testing.T) {
	h := NewHub("r1")
	var mu sync.Mutex
	cut := map[string]bool{}
	done := make(chan struct{}, 2)
	for _, id := range []string{"c1", "c2"} {
		c := client(id, "u"+id, 4)
		c.CloseSlow = func() {
			mu.Lock()
			cut[c.ID] = true
			mu.Unlock()
			done <- struct{}{}
		}
		h.Register(c)
	}
	h.DisconnectAll()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("not every client was disconnected")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if !cut["c1"] || !cut["c2"] {
		t.Errorf("cut = %v, want c1 and c2", cut)
	}
}

func TestMembers(t *testing.T) {
	h := NewHub("r1")
	h.Register(client("c1", "zed", 4))
	h.Register(client("c2", "amy", 4))
	h.Register(client("c3", "amy", 4))
	got := h.Members()
	if len(got) != 2 || got[0] != "amy" || got[1] != "zed" {
		t.Errorf("Members() = %v", got)
	}
	if h.Len() != 3 {
		t.Errorf("Len() = %d, want 3", h.Len())
	}
}
