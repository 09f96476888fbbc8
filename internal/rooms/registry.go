package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"estimator/internal/broadcast"
	"estimator/internal/events"
	"estimator/internal/wshub"
)

// Live is a room with an open channel: its websocket hub, fed from the
// broadcaster.
type Live struct {
	ID        string
	Hub       *wshub.Hub
	CreatedAt time.Time

	frames chan events.Frame
	idle   time.Time
}

// Registry tracks the rooms that currently have a channel open.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]*Live
	broadcaster *broadcast.Broadcaster
	now         func() time.Time
}

func NewRegistry(b *broadcast.Broadcaster) *Registry {
	return &Registry{
		rooms:       make(map[string]*Live),
		broadcaster: b,
		now:         time.Now,
	}
}

// Open returns the live room for roomID, starting it if needed.
func (r *Registry) Open(roomID string) *Live {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.rooms[roomID]; ok {
		return l
	}
	l := &Live{
		ID:        roomID,
		Hub:       wshub.NewHub(roomID),
		CreatedAt: r.now(),
		frames:    r.broadcaster.Subscribe(roomID),
	}
	r.rooms[roomID] = l
	go r.pump(l)
	log.Debug().Str("module", "rooms").Str("room", roomID).Msg("channel opened")
	return l
}

// pump copies the room's published frames to its hub. A deleteRoom frame
// is the last one a room's channel carries. When the broadcaster cuts the
// pump off for falling behind, the room is forgotten and its clients are
// disconnected so they reconnect to a fresh pump and reload.
func (r *Registry) pump(l *Live) {
	for f := range l.frames {
		l.Hub.Broadcast(f)
		if f.Event == events.DeleteRoom {
			r.Close(l.ID)
		}
	}
	r.mu.Lock()
	evicted := r.rooms[l.ID] == l
	if evicted {
		delete(r.rooms, l.ID)
	}
	r.mu.Unlock()
	if evicted {
		log.Warn().Str("module", "rooms").Str("room", l.ID).Msg("channel fell behind, disconnecting clients")
		l.Hub.DisconnectAll()
	}
}

func (r *Registry) Get(roomID string) *Live {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

// Close stops forwarding frames to the room's hub and forgets it.
func (r *Registry) Close(roomID string) {
	r.mu.Lock()
	l, ok := r.rooms[roomID]
	delete(r.rooms, roomID)
	r.mu.Unlock()
	if ok {
		r.broadcaster.Unsubscribe(roomID, l.frames)
		log.Debug().Str("module", "rooms").Str("room", roomID).Msg("channel closed")
	}
}

func (r *Registry) List() []*Live {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Live, 0, len(r.rooms))
	for _, l := range r.rooms {
		list = append(list, l)
	}
	return list
}

// Sweep closes rooms whose hub has had no connection for longer than ttl.
func (r *Registry) Sweep(ttl time.Duration) int {
	now := r.now()
	var stale []string
	r.mu.Lock()
	for id, l := range r.rooms {
		if l.Hub.Len() > 0 {
			l.idle = time.Time{}
			continue
		}
		if l.idle.IsZero() {
			l.idle = now
		}
		if now.Sub(l.idle) > ttl {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.Close(id)
	}
	return len(stale)
}

// Run sweeps idle rooms every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(ttl); n > 0 {
				log.Info().Str("module", "rooms").Int("closed", n).Msg("swept idle channels")
			}
		}
	}
}
