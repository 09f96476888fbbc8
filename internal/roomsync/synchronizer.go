package roomsync

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"estimator/internal/events"
	"estimator/internal/metrics"
	"estimator/internal/room"
)

var ErrNoSnapshot = errors.New("no snapshot loaded")

// Synchronizer keeps one room's snapshot in step with the events of its
// channel, as seen by one user.
type Synchronizer struct {
	roomID   string
	userID   string
	snap     *room.Snapshot
	reducers map[events.Name]Reducer
	metrics  *metrics.Metrics

	resyncing bool
	pending   []events.Event
}

func NewSynchronizer(roomID, userID string, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		roomID:   roomID,
		userID:   userID,
		reducers: Reducers(),
		metrics:  m,
	}
}

func (s *Synchronizer) RoomID() string { return s.roomID }
func (s *Synchronizer) UserID() string { return s.userID }

// Snapshot returns the current snapshot, nil before the first load.
func (s *Synchronizer) Snapshot() *room.Snapshot {
	return s.snap
}

// Apply folds a decoded channel event into the snapshot. Events carrying
// the local user as IgnoreUser are skipped; events that cannot be applied
// are logged and dropped. It reports whether the snapshot changed.
func (s *Synchronizer) Apply(d events.Decoded) bool {
	name := d.Event.Name()
	if d.IgnoreUser != "" && d.IgnoreUser == s.userID {
		s.count(name, "skipped")
		return false
	}
	changed, err := s.apply(d.Event)
	if err != nil {
		s.count(name, "dropped")
		log.Warn().Err(err).
			Str("module", "roomsync").
			Str("room", s.roomID).
			Str("event", string(name)).
			Msg("dropping event")
		return false
	}
	s.count(name, "applied")
	return changed
}

// Mutate applies a locally produced event, as the optimistic path does.
func (s *Synchronizer) Mutate(ev events.Event) error {
	_, err := s.apply(ev)
	return err
}

func (s *Synchronizer) apply(ev events.Event) (bool, error) {
	reduce, ok := s.reducers[ev.Name()]
	if !ok {
		return false, fmt.Errorf("no reducer for %s", ev.Name())
	}
	if s.resyncing {
		s.pending = append(s.pending, ev)
	}
	if s.snap == nil {
		if s.resyncing {
			return false, nil
		}
		return false, ErrNoSnapshot
	}
	next, err := reduce(s.snap, ev)
	if err != nil {
		return false, err
	}
	changed := next != s.snap
	s.snap = next
	return changed, nil
}

// BeginResync starts buffering events until the refreshed snapshot
// arrives, so nothing delivered while the fetch is in flight is lost.
func (s *Synchronizer) BeginResync() {
	s.resyncing = true
	s.pending = nil
}

// Replace installs a freshly fetched snapshot and replays the events
// buffered since BeginResync. Replaying is safe because every reducer is
// idempotent.
func (s *Synchronizer) Replace(snap *room.Snapshot) {
	pending := s.pending
	s.resyncing = false
	s.pending = nil

	prev := s.snap
	s.snap = snap
	if snap == nil {
		return
	}
	if snap.Draft == nil {
		keepDraft(prev, snap)
	}
	for _, ev := range pending {
		if _, err := s.apply(ev); err != nil {
			log.Debug().Err(err).
				Str("module", "roomsync").
				Str("room", s.roomID).
				Str("event", string(ev.Name())).
				Msg("buffered event no longer applies")
		}
	}
}

// AbortResync stops buffering after a failed fetch. The buffered events
// were already applied to the current snapshot.
func (s *Synchronizer) AbortResync() {
	s.resyncing = false
	s.pending = nil
}

func (s *Synchronizer) Resyncing() bool {
	return s.resyncing
}

// keepDraft carries the user's draft over a refresh when the same ticket
// is still selected, and starts a new one otherwise.
func keepDraft(prev, next *room.Snapshot) {
	nextSel, ok := next.Selected()
	if !ok {
		return
	}
	if prev != nil && prev.Draft != nil {
		if prevSel, ok := prev.Selected(); ok && prevSel.ID == nextSel.ID {
			next.Draft = prev.Draft
			return
		}
	}
	next.ResetDraft()
}

func (s *Synchronizer) count(name events.Name, outcome string) {
	if s.metrics == nil {
		return
	}
	switch outcome {
	case "applied":
		s.metrics.EventsApplied.WithLabelValues(string(name)).Inc()
	case "skipped":
		s.metrics.EventsSkipped.WithLabelValues(string(name)).Inc()
	case "dropped":
		s.metrics.EventsDropped.WithLabelValues(string(name)).Inc()
	}
}
