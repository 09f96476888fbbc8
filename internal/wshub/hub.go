package wshub

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"estimator/internal/events"
)

// Client represents a single WebSocket connection in the hub. One user may
// hold several.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	// CloseSlow ends the connection of a client whose Send buffer is full.
	// The peer reconnects and reloads the room rather than miss frames.
	CloseSlow func()

	lagging atomic.Bool
}

// Lagging reports whether the client fell behind and was cut off.
func (c *Client) Lagging() bool { return c.lagging.Load() }

// WritePump reads from the Send channel and writes to the WebSocket connection.
func (c *Client) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.Conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// Hub manages the WebSocket connections of one room and produces the
// transport presence frames for them.
type Hub struct {
	roomID  string
	mu      sync.RWMutex
	clients map[string]*Client
	users   map[string]int
}

func NewHub(roomID string) *Hub {
	return &Hub{
		roomID:  roomID,
		clients: make(map[string]*Client),
		users:   make(map[string]int),
	}
}

func (h *Hub) RoomID() string { return h.roomID }

// Register adds a client, confirms the subscription to it with the current
// member list, and announces the user to everyone else if this is the
// user's first connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.users[c.UserID]++
	first := h.users[c.UserID] == 1
	members := h.membersLocked()
	h.mu.Unlock()

	h.sendTo(c, events.SubscriptionSucceededEvent{Members: members})
	if first {
		h.broadcastExcept(c.ID, events.MemberAddedEvent{UserID: c.UserID})
	}
}

// Unregister removes a client and closes its Send channel. The user's
// departure is announced when their last connection goes.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	last := false
	if ok {
		close(c.Send)
		delete(h.clients, clientID)
		h.users[c.UserID]--
		if h.users[c.UserID] <= 0 {
			delete(h.users, c.UserID)
			last = true
		}
	}
	h.mu.Unlock()

	if last {
		h.broadcastExcept(clientID, events.MemberRemovedEvent{UserID: c.UserID})
	}
}

// Broadcast sends a frame to every client. Non-blocking: a client whose
// channel is full is disconnected instead.
func (h *Hub) Broadcast(f events.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("module", "wshub").Str("room", h.roomID).Msg("marshal error")
		return
	}
	h.fanOut("", data)
}

func (h *Hub) broadcastExcept(clientID string, ev events.Event) {
	data, err := h.encode(ev)
	if err != nil {
		return
	}
	h.fanOut(clientID, data)
}

func (h *Hub) sendTo(c *Client, ev events.Event) {
	data, err := h.encode(ev)
	if err != nil {
		return
	}
	h.deliver(c, data)
}

func (h *Hub) encode(ev events.Event) ([]byte, error) {
	f, err := events.Encode(h.roomID, ev, "")
	if err == nil {
		var data []byte
		if data, err = json.Marshal(f); err == nil {
			return data, nil
		}
	}
	log.Error().Err(err).Str("module", "wshub").Str("room", h.roomID).Msg("marshal error")
	return nil, err
}

func (h *Hub) fanOut(skip string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if id == skip {
			continue
		}
		h.deliver(c, data)
	}
}

func (h *Hub) deliver(c *Client, data []byte) {
	if c.lagging.Load() {
		return
	}
	select {
	case c.Send <- data:
	default:
		h.cutOff(c)
	}
}

func (h *Hub) cutOff(c *Client) {
	if !c.lagging.CompareAndSwap(false, true) {
		return
	}
	log.Warn().Str("module", "wshub").Str("room", h.roomID).Str("user", c.UserID).Msg("client too slow, closing")
	if c.CloseSlow != nil {
		go c.CloseSlow()
	}
}

// DisconnectAll cuts off every client, forcing each to reconnect and
// reload the room.
func (h *Hub) DisconnectAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.cutOff(c)
	}
}

// Members returns the connected user ids, sorted.
func (h *Hub) Members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.membersLocked()
}

func (h *Hub) membersLocked() []string {
	out := make([]string, 0, len(h.users))
	for id := range h.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
