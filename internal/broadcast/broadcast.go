package broadcast

import (
	"sync"

	"github.com/rs/zerolog/log"

	"estimator/internal/events"
)

const subscriberBuffer = 64

// Broadcaster fans published frames out to the subscribers of each room.
// Rooms never see each other's frames.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[string]map[chan events.Frame]bool
}

// NewBroadcaster drains bus until its channel is closed.
func NewBroadcaster(bus *events.Bus) *Broadcaster {
	b := &Broadcaster{
		clients: make(map[string]map[chan events.Frame]bool),
	}
	go func() {
		for p := range bus.Published {
			b.Publish(p.RoomID, p.Frame)
		}
	}()
	return b
}

func (b *Broadcaster) Subscribe(roomID string) chan events.Frame {
	ch := make(chan events.Frame, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[roomID] == nil {
		b.clients[roomID] = make(map[chan events.Frame]bool)
	}
	b.clients[roomID][ch] = true
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (b *Broadcaster) Unsubscribe(roomID string, ch chan events.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.clients[roomID]
	if !subs[ch] {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(b.clients, roomID)
	}
	close(ch)
}

// Publish delivers f to every subscriber of roomID in publish order. A
// subscriber whose buffer is full is unsubscribed and its channel closed,
// so it sees the end of its stream rather than a gap in it.
func (b *Broadcaster) Publish(roomID string, f events.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.clients[roomID]
	for ch := range subs {
		select {
		case ch <- f:
		default:
			log.Warn().Str("module", "broadcast").Str("room", roomID).Str("event", string(f.Event)).Msg("subscriber full, closing it")
			delete(subs, ch)
			close(ch)
		}
	}
	if len(subs) == 0 {
		delete(b.clients, roomID)
	}
}

func (b *Broadcaster) Subscribers(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients[roomID])
}
