package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"estimator/internal/dispatch"
	"estimator/internal/events"
	"estimator/internal/metrics"
	"estimator/internal/presence"
	"estimator/internal/room"
)

var ErrNotAcquired = errors.New("room not acquired")

// Subscriber opens and closes a room's channel. Implementations may block;
// the host calls them off the dispatch loop.
type Subscriber interface {
	Subscribe(ctx context.Context, roomID string) error
	Unsubscribe(roomID string)
}

// Fetcher loads the authoritative snapshot of a room.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, roomID string) (*room.Snapshot, error)
}

type roomEntry struct {
	refs     int
	sync     *Synchronizer
	presence *presence.Tracker
	fetching bool
	again    bool
	deleted  bool
}

// channelOps runs one room's subscribe and unsubscribe calls in the order
// they were requested.
type channelOps struct {
	pending []func()
	running bool
}

// Host owns the per-process channel table: one entry per acquired room,
// reference counted so a room's channel is opened by the first Acquire and
// closed by the last release. All methods except Deliver must be called on
// the dispatch loop.
type Host struct {
	ctx     context.Context
	userID  string
	loop    *dispatch.Loop
	sub     Subscriber
	fetch   Fetcher
	metrics *metrics.Metrics
	rooms   map[string]*roomEntry

	opsMu sync.Mutex
	ops   map[string]*channelOps

	// OnChange, when set, runs on the loop after a room's snapshot or
	// presence changes.
	OnChange func(roomID string)
	// OnDeleted, when set, runs on the loop when a room is deleted.
	OnDeleted func(roomID string)
}

func NewHost(ctx context.Context, userID string, loop *dispatch.Loop, sub Subscriber, fetch Fetcher, m *metrics.Metrics) *Host {
	return &Host{
		ctx:     ctx,
		userID:  userID,
		loop:    loop,
		sub:     sub,
		fetch:   fetch,
		metrics: m,
		rooms:   make(map[string]*roomEntry),
		ops:     make(map[string]*channelOps),
	}
}

func (h *Host) UserID() string { return h.userID }

// Acquire takes a reference on roomID's channel and returns its release.
// Releasing more than once has no effect.
func (h *Host) Acquire(roomID string) (release func()) {
	e, ok := h.rooms[roomID]
	if !ok {
		e = &roomEntry{
			sync:     NewSynchronizer(roomID, h.userID, h.metrics),
			presence: presence.NewTracker(),
		}
		h.rooms[roomID] = e
	}
	e.refs++
	if e.refs == 1 {
		h.enqueue(roomID, func() {
			if err := h.sub.Subscribe(h.ctx, roomID); err != nil {
				log.Error().Err(err).Str("module", "roomsync").Str("room", roomID).Msg("subscribe failed")
			}
		})
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		h.release(roomID)
	}
}

func (h *Host) release(roomID string) {
	e, ok := h.rooms[roomID]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(h.rooms, roomID)
	h.enqueue(roomID, func() { h.sub.Unsubscribe(roomID) })
}

// enqueue schedules a channel call for roomID behind the room's earlier
// ones. Calls for different rooms run independently.
func (h *Host) enqueue(roomID string, op func()) {
	h.opsMu.Lock()
	q, ok := h.ops[roomID]
	if !ok {
		q = &channelOps{}
		h.ops[roomID] = q
	}
	q.pending = append(q.pending, op)
	start := !q.running
	q.running = true
	h.opsMu.Unlock()
	if start {
		go h.drain(roomID, q)
	}
}

func (h *Host) drain(roomID string, q *channelOps) {
	for {
		h.opsMu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(h.ops, roomID)
			h.opsMu.Unlock()
			return
		}
		op := q.pending[0]
		q.pending = q.pending[1:]
		h.opsMu.Unlock()
		op()
	}
}

// Refs returns the number of live references on roomID.
func (h *Host) Refs(roomID string) int {
	if e, ok := h.rooms[roomID]; ok {
		return e.refs
	}
	return 0
}

// Deliver hands a channel frame to the loop. Safe from any goroutine.
func (h *Host) Deliver(f events.Frame) {
	if err := h.loop.Post(func() { h.handle(f) }); err != nil {
		log.Debug().Err(err).Str("module", "roomsync").Str("event", string(f.Event)).Msg("frame after loop stop")
	}
}

func (h *Host) handle(f events.Frame) {
	e, ok := h.rooms[f.Room]
	if !ok {
		log.Debug().Str("module", "roomsync").Str("room", f.Room).Str("event", string(f.Event)).Msg("frame for unacquired room")
		return
	}
	d, err := events.Decode(f)
	if err != nil {
		if h.metrics != nil {
			h.metrics.EventsDropped.WithLabelValues(string(f.Event)).Inc()
		}
		log.Warn().Err(err).Str("module", "roomsync").Str("room", f.Room).Msg("dropping malformed frame")
		return
	}

	changed := false
	switch ev := d.Event.(type) {
	case events.SubscriptionSucceededEvent:
		e.presence.Replace(ev.Members)
		changed = true
		h.Resync(f.Room)
	case events.MemberAddedEvent:
		e.presence.Add(ev.UserID)
		changed = true
	case events.MemberRemovedEvent:
		e.presence.Remove(ev.UserID)
		changed = true
	case events.DeleteRoomEvent:
		e.deleted = true
		e.sync.Replace(nil)
		if h.OnDeleted != nil {
			h.OnDeleted(f.Room)
		}
		return
	default:
		changed = e.sync.Apply(d)
	}
	if changed {
		h.notify(f.Room)
	}
}

// Resync refetches the room's snapshot. Events arriving meanwhile are
// buffered and replayed on top of the fetched state. A resync requested
// while one is in flight runs again once the first completes.
func (h *Host) Resync(roomID string) {
	e, ok := h.rooms[roomID]
	if !ok || e.deleted {
		return
	}
	if e.fetching {
		e.again = true
		return
	}
	e.fetching = true
	e.sync.BeginResync()
	go func() {
		snap, err := h.fetch.FetchSnapshot(h.ctx, roomID)
		h.loop.Post(func() { h.finishResync(roomID, e, snap, err) })
	}()
}

func (h *Host) finishResync(roomID string, e *roomEntry, snap *room.Snapshot, err error) {
	if cur, ok := h.rooms[roomID]; !ok || cur != e {
		return
	}
	e.fetching = false
	if err != nil {
		log.Error().Err(err).Str("module", "roomsync").Str("room", roomID).Msg("resync failed")
		e.sync.AbortResync()
	} else {
		e.sync.Replace(snap)
		h.notify(roomID)
	}
	if e.again {
		e.again = false
		h.Resync(roomID)
	}
}

// Mutate applies a locally produced event to an acquired room and
// notifies OnChange.
func (h *Host) Mutate(roomID string, ev events.Event) error {
	e, ok := h.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, ErrNotAcquired)
	}
	if err := e.sync.Mutate(ev); err != nil {
		return err
	}
	h.notify(roomID)
	return nil
}

func (h *Host) notify(roomID string) {
	if h.OnChange != nil {
		h.OnChange(roomID)
	}
}

// Synchronizer returns the synchronizer of an acquired room.
func (h *Host) Synchronizer(roomID string) (*Synchronizer, bool) {
	e, ok := h.rooms[roomID]
	if !ok {
		return nil, false
	}
	return e.sync, true
}

func (h *Host) Snapshot(roomID string) *room.Snapshot {
	if e, ok := h.rooms[roomID]; ok {
		return e.sync.Snapshot()
	}
	return nil
}

func (h *Host) Presence(roomID string) []string {
	if e, ok := h.rooms[roomID]; ok {
		return e.presence.Members()
	}
	return nil
}

func (h *Host) Deleted(roomID string) bool {
	if e, ok := h.rooms[roomID]; ok {
		return e.deleted
	}
	return false
}
