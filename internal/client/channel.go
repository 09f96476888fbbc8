package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"estimator/internal/events"
)

const (
	readLimit  = 1 << 20
	minBackoff = 500 * time.Millisecond
	maxBackoff = 15 * time.Second
)

var errRoomDeleted = errors.New("room deleted")

// Channel opens room channels over websocket and hands every frame to
// deliver. A dropped connection is redialled until the room is
// unsubscribed; the server confirms each new connection with
// subscription_succeeded, which makes the receiving host resync.
type Channel struct {
	wsURL   string
	userID  string
	deliver func(events.Frame)

	mu    sync.Mutex
	rooms map[string]context.CancelFunc
}

func NewChannel(baseURL, userID string, deliver func(events.Frame)) *Channel {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &Channel{
		wsURL:   u,
		userID:  userID,
		deliver: deliver,
		rooms:   make(map[string]context.CancelFunc),
	}
}

func (c *Channel) dial(ctx context.Context, roomID string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL+roomPath(roomID)+"/channel", &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": {c.userID}},
	})
	if err != nil {
		return nil, fmt.Errorf("dialling room %s: %w", roomID, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Subscribe opens roomID's channel. The first dial happens before it
// returns; later reconnects run in the background.
func (c *Channel) Subscribe(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return nil
	}
	roomCtx, cancel := context.WithCancel(ctx)
	c.rooms[roomID] = cancel
	c.mu.Unlock()

	conn, err := c.dial(roomCtx, roomID)
	if err != nil {
		c.forget(roomID)
		cancel()
		return err
	}
	go c.run(roomCtx, roomID, conn)
	return nil
}

func (c *Channel) Unsubscribe(roomID string) {
	c.mu.Lock()
	cancel, ok := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Channel) forget(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Channel) run(ctx context.Context, roomID string, conn *websocket.Conn) {
	backoff := minBackoff
	for {
		err := c.read(ctx, conn)
		conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errRoomDeleted) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			log.Info().Err(err).Str("module", "client").Str("room", roomID).Msg("channel closed by server")
			c.forget(roomID)
			return
		}
		log.Warn().Err(err).Str("module", "client").Str("room", roomID).Msg("channel dropped, reconnecting")

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			conn, err = c.dial(ctx, roomID)
			if err == nil {
				backoff = minBackoff
				break
			}
			backoff = min(backoff*2, maxBackoff)
			log.Debug().Err(err).Str("module", "client").Str("room", roomID).Dur("backoff", backoff).Msg("redial failed")
		}
	}
}

func (c *Channel) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var f events.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("undecodable frame")
			continue
		}
		c.deliver(f)
		if f.Event == events.DeleteRoom {
			return errRoomDeleted
		}
	}
}
