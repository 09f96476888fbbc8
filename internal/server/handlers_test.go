package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/shopspring/decimal"

	"estimator/internal/aggregate"
	"estimator/internal/broadcast"
	"estimator/internal/events"
	"estimator/internal/metrics"
	"estimator/internal/room"
	"estimator/internal/rooms"
	"estimator/internal/scale"
	"estimator/internal/service"
	"estimator/internal/store"
)

func newTestServer(t *testing.T, opts service.Options) (*Server, *httptest.Server) {
	t.Helper()
	bus := events.NewBus()
	m := metrics.New()
	srv := &Server{
		Broadcaster: broadcast.NewBroadcaster(bus),
		Metrics:     m,
	}
	srv.Rooms = rooms.NewRegistry(srv.Broadcaster)
	srv.Service = service.New(store.NewMemory(), bus, m, opts)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

// call sends a JSON request as user and decodes a JSON reply into out when
// out is non-nil.
func call(t *testing.T, ts *httptest.Server, method, path, user string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// setupRoom creates a room owned by "owner" with one ticket selected for
// voting and u1, u2 joined.
func setupRoom(t *testing.T, ts *httptest.Server) (*room.Snapshot, room.Ticket) {
	t.Helper()
	var snap room.Snapshot
	status := call(t, ts, "POST", "/api/rooms", "owner", service.NewRoom{
		Name:      "Sprint 12",
		OwnerName: "Olga",
		Scale:     scale.Range(decimal.Zero, decimal.NewFromInt(10)),
	}, &snap)
	if status != http.StatusCreated {
		t.Fatalf("create room status = %d", status)
	}
	for _, u := range []string{"u1", "u2"} {
		if status := call(t, ts, "POST", "/api/rooms/"+snap.Room.ID+"/join", u, joinRequest{Name: u}, nil); status != http.StatusOK {
			t.Fatalf("join %s status = %d", u, status)
		}
	}
	var added ticketsResponse
	status = call(t, ts, "POST", "/api/rooms/"+snap.Room.ID+"/tickets", "owner",
		ticketsRequest{Tickets: []room.Ticket{{Title: "Login page", Type: room.TypeStory}}}, &added)
	if status != http.StatusCreated || len(added.Tickets) != 1 {
		t.Fatalf("add tickets status = %d, tickets = %+v", status, added.Tickets)
	}
	tk := added.Tickets[0]
	if status := call(t, ts, "POST", "/api/rooms/"+snap.Room.ID+"/tickets/"+tk.ID+"/select", "owner", nil, nil); status != http.StatusOK {
		t.Fatalf("select status = %d", status)
	}
	return &snap, tk
}

func TestHandleSession(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})

	resp, err := http.Post(ts.URL+"/api/session", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["userId"] == "" {
		t.Fatal("no user id returned")
	}
	found := false
	for _, c := range resp.Cookies() {
		if c.Name == userCookie && c.Value == body["userId"] {
			found = true
		}
	}
	if !found {
		t.Error("user_id cookie not set")
	}
}

func TestMissingUserIsUnauthorized(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	if status := call(t, ts, "POST", "/api/rooms", "", service.NewRoom{Name: "x"}, nil); status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
}

func TestCookieIdentifiesUser(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	snap, _ := setupRoom(t, ts)

	req, _ := http.NewRequest("GET", ts.URL+"/api/rooms/"+snap.Room.ID, nil)
	req.AddCookie(&http.Cookie{Name: userCookie, Value: "u1"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEstimationFlow(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	snap, tk := setupRoom(t, ts)
	base := "/api/rooms/" + snap.Room.ID + "/tickets/" + tk.ID
	cat := snap.Categories[0].ID

	for user, v := range map[string]int64{"owner": 2, "u1": 3, "u2": 4} {
		var out votesResponse
		status := call(t, ts, "POST", base+"/votes", user,
			voteRequest{Values: []room.CategoryValue{{CategoryID: cat, Value: decimal.NewFromInt(v)}}}, &out)
		if status != http.StatusOK {
			t.Fatalf("vote %s status = %d", user, status)
		}
		if len(out.Votes) != 1 || out.Votes[0].UserID != user {
			t.Errorf("vote %s returned %+v", user, out.Votes)
		}
	}

	var done room.Ticket
	if status := call(t, ts, "POST", base+"/complete", "owner", nil, &done); status != http.StatusOK {
		t.Fatalf("complete status = %d", status)
	}
	if !done.Done || len(done.Results) != 1 || !done.Results[0].Value.Equal(decimal.NewFromInt(3)) {
		t.Errorf("completed ticket = %+v, want done with mean 3", done)
	}

	var after room.Snapshot
	call(t, ts, "GET", "/api/rooms/"+snap.Room.ID, "u2", nil, &after)
	if len(after.Tickets) != 1 || after.Tickets[0].State() != room.StateDone {
		t.Errorf("snapshot tickets = %+v", after.Tickets)
	}
}

func TestSummary(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	snap, tk := setupRoom(t, ts)
	base := "/api/rooms/" + snap.Room.ID + "/tickets/" + tk.ID
	cat := snap.Categories[0].ID

	call(t, ts, "POST", base+"/votes", "u1", voteRequest{Values: []room.CategoryValue{{CategoryID: cat, Value: decimal.NewFromInt(2)}}}, nil)
	call(t, ts, "POST", base+"/votes", "u2", voteRequest{Values: []room.CategoryValue{{CategoryID: cat, Value: decimal.NewFromInt(4)}}}, nil)

	var sum aggregate.Summary
	if status := call(t, ts, "GET", base+"/summary", "owner", nil, &sum); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if sum.Votes != 2 || sum.Min == nil || !sum.Min.Equal(decimal.NewFromInt(2)) {
		t.Errorf("summary = %+v, want 2 votes with min 2", sum)
	}
	if sum.Estimates["average"] != "3.0" {
		t.Errorf("average estimate = %q, want 3.0", sum.Estimates["average"])
	}
	if status := call(t, ts, "GET", "/api/rooms/"+snap.Room.ID+"/tickets/nope/summary", "owner", nil, nil); status != http.StatusNotFound {
		t.Errorf("unknown ticket status = %d, want 404", status)
	}
}

func TestCompleteWithOverride(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	snap, tk := setupRoom(t, ts)
	five := decimal.NewFromInt(5)

	var done room.Ticket
	status := call(t, ts, "POST", "/api/rooms/"+snap.Room.ID+"/tickets/"+tk.ID+"/complete", "owner",
		completeRequest{OverrideValue: &five}, &done)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if done.OverrideValue == nil || !done.OverrideValue.Equal(five) {
		t.Errorf("override = %v, want 5", done.OverrideValue)
	}
}

func TestErrorMapping(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	snap, tk := setupRoom(t, ts)
	ticket := "/api/rooms/" + snap.Room.ID + "/tickets/" + tk.ID

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"non-owner reject", "POST", ticket + "/reject", "u1", nil, http.StatusNotFound},
		{"unknown room", "GET", "/api/rooms/nope", "owner", nil, http.StatusNotFound},
		{"non-member snapshot", "GET", "/api/rooms/" + snap.Room.ID, "stranger", nil, http.StatusNotFound},
		{"value off scale", "POST", ticket + "/votes", "u1",
			voteRequest{Values: []room.CategoryValue{{CategoryID: snap.Categories[0].ID, Value: decimal.NewFromInt(11)}}}, http.StatusBadRequest},
		{"unknown field", "POST", ticket + "/votes", "u1", map[string]any{"vals": 1}, http.StatusBadRequest},
		{"clear unknown category", "DELETE", ticket + "/votes?category=zzz", "owner", nil, http.StatusBadRequest},
		{"can-vote by owner", "PUT", ticket + "/can-vote", "owner", canVoteRequest{CanVote: false}, http.StatusNoContent},
		{"timer by non-owner", "PUT", "/api/rooms/" + snap.Room.ID + "/timer", "u1", room.Timer{}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := call(t, ts, tt.method, tt.path, tt.user, tt.body, nil); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestVoteRateLimited(t *testing.T) {
	_, ts := newTestServer(t, service.Options{VotesPerMin: 1, VoteBurst: 1})
	snap, tk := setupRoom(t, ts)
	path := "/api/rooms/" + snap.Room.ID + "/tickets/" + tk.ID + "/votes"
	body := voteRequest{Values: []room.CategoryValue{{CategoryID: snap.Categories[0].ID, Value: decimal.NewFromInt(1)}}}

	if status := call(t, ts, "POST", path, "u1", body, nil); status != http.StatusOK {
		t.Fatalf("first vote status = %d", status)
	}
	if status := call(t, ts, "POST", path, "u1", body, nil); status != http.StatusTooManyRequests {
		t.Errorf("second vote status = %d, want 429", status)
	}
}

func TestResolveSlugAndDelete(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	snap, _ := setupRoom(t, ts)

	var out map[string]string
	if status := call(t, ts, "GET", "/api/slugs/"+snap.Room.Slug, "", nil, &out); status != http.StatusOK || out["id"] != snap.Room.ID {
		t.Fatalf("resolve = %d %v", status, out)
	}
	if status := call(t, ts, "DELETE", "/api/rooms/"+snap.Room.ID, "u1", nil, nil); status != http.StatusNotFound {
		t.Errorf("delete by member status = %d, want 404", status)
	}
	if status := call(t, ts, "DELETE", "/api/rooms/"+snap.Room.ID, "owner", nil, nil); status != http.StatusNoContent {
		t.Errorf("delete by owner status = %d, want 204", status)
	}
	if status := call(t, ts, "GET", "/api/slugs/"+snap.Room.Slug, "", nil, nil); status != http.StatusNotFound {
		t.Errorf("resolve after delete = %d, want 404", status)
	}
}

func dial(t *testing.T, ctx context.Context, ts *httptest.Server, roomID, user string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/rooms/" + roomID + "/channel"
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": {user}},
	})
	if err != nil {
		t.Fatalf("dial as %s: %v", user, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) events.Frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var f events.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return f
}

func TestChannel(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	snap, tk := setupRoom(t, ts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1 := dial(t, ctx, ts, snap.Room.ID, "u1")
	if f := readFrame(t, ctx, c1); f.Event != events.SubscriptionSucceeded {
		t.Fatalf("first frame = %s, want subscription_succeeded", f.Event)
	}

	c2 := dial(t, ctx, ts, snap.Room.ID, "u2")
	readFrame(t, ctx, c2)
	f := readFrame(t, ctx, c1)
	if f.Event != events.MemberAdded {
		t.Fatalf("frame = %s, want member_added", f.Event)
	}
	d, err := events.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if added := d.Event.(events.MemberAddedEvent); added.UserID != "u2" {
		t.Errorf("member_added user = %s, want u2", added.UserID)
	}

	call(t, ts, "POST", "/api/rooms/"+snap.Room.ID+"/tickets/"+tk.ID+"/votes", "u2",
		voteRequest{Values: []room.CategoryValue{{CategoryID: snap.Categories[0].ID, Value: decimal.NewFromInt(3)}}}, nil)

	f = readFrame(t, ctx, c1)
	if f.Event != events.UpdateVotes {
		t.Fatalf("frame = %s, want updateVotes", f.Event)
	}
	d, err = events.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if d.IgnoreUser != "u2" {
		t.Errorf("ignoreUser = %q, want u2", d.IgnoreUser)
	}
}

func TestChannelRejectsNonMember(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	snap, _ := setupRoom(t, ts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/rooms/" + snap.Room.ID + "/channel"
	_, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": {"stranger"}},
	})
	if err == nil {
		t.Fatal("dial as stranger succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %+v, want 404", resp)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, service.Options{})
	setupRoom(t, ts)

	var health map[string]string
	if status := call(t, ts, "GET", "/health", "", nil, &health); status != http.StatusOK || health["status"] != "ok" {
		t.Errorf("health = %d %v", status, health)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `estimator_mutations_total{op="createRoom",outcome="ok"} 1`) {
		t.Errorf("metrics missing createRoom counter:\n%s", body)
	}
}
