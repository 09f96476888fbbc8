package roomsync

import (
	"fmt"

	"estimator/internal/events"
	"estimator/internal/room"
)

// Reducer applies one event to a snapshot and returns the result. The input
// snapshot is never modified; a reducer that has nothing to do may return
// it unchanged.
type Reducer func(*room.Snapshot, events.Event) (*room.Snapshot, error)

// Reducers returns the reducer table keyed by event name.
func Reducers() map[events.Name]Reducer {
	return map[events.Name]Reducer{
		events.NewTickets:     reduceNewTickets,
		events.DeleteTickets:  reduceDeleteTickets,
		events.SelectTicket:   reduceSelectTicket,
		events.RejectTicket:   reduceRejectTicket,
		events.CompleteTicket: reduceCompleteTicket,
		events.UpdateVotes:    reduceUpdateVotes,
		events.SetCanVote:     reduceSetCanVote,
		events.ClearVotes:     reduceClearVotes,
		events.UpdateTimer:    reduceUpdateTimer,
		events.UserSpectate:   reduceUserSpectate,
		events.UserLeave:      reduceUserLeave,
		events.UserJoin:       reduceUserJoin,
	}
}

func ticketIndex(s *room.Snapshot, id string) (int, error) {
	i := s.TicketIndex(id)
	if i < 0 {
		return -1, fmt.Errorf("ticket %s: %w", id, room.ErrNotFound)
	}
	return i, nil
}

func reduceNewTickets(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.NewTicketsEvent)
	out := s.Clone()
	added := false
	for _, t := range e.Tickets {
		if out.TicketIndex(t.ID) >= 0 {
			continue
		}
		out.Tickets = append(out.Tickets, t.Clone())
		added = true
	}
	if !added {
		return s, nil
	}
	return out, nil
}

func reduceDeleteTickets(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.DeleteTicketsEvent)
	drop := make(map[string]bool, len(e.TicketIDs))
	for _, id := range e.TicketIDs {
		drop[id] = true
	}
	present := false
	for _, t := range s.Tickets {
		if drop[t.ID] {
			present = true
			break
		}
	}
	if !present {
		return s, nil
	}
	out := s.Clone()
	kept := out.Tickets[:0]
	for _, t := range out.Tickets {
		if !drop[t.ID] {
			kept = append(kept, t)
		}
	}
	out.Tickets = kept
	return out, nil
}

func reduceSelectTicket(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.SelectTicketEvent)
	i, err := ticketIndex(s, e.TicketID)
	if err != nil {
		return nil, err
	}
	if s.Tickets[i].Selected {
		return s, nil
	}
	out := s.Clone()
	for j := range out.Tickets {
		out.Tickets[j].Selected = false
		out.Tickets[j].Voting = false
	}
	out.Tickets[i].Selected = true
	out.Tickets[i].Voting = true
	out.ResetDraft()
	return out, nil
}

func reduceRejectTicket(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.RejectTicketEvent)
	i, err := ticketIndex(s, e.TicketID)
	if err != nil {
		return nil, err
	}
	out := s.Clone()
	t := &out.Tickets[i]
	t.Selected = false
	t.Voting = false
	t.Done = true
	t.Rejected = true
	return out, nil
}

func reduceCompleteTicket(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.CompleteTicketEvent)
	i, err := ticketIndex(s, e.TicketID)
	if err != nil {
		return nil, err
	}
	out := s.Clone()
	t := &out.Tickets[i]
	t.Selected = false
	t.Voting = false
	t.Done = true
	t.Rejected = false
	t.OverrideValue = nil
	if e.OverrideValue != nil {
		o := *e.OverrideValue
		t.OverrideValue = &o
	}
	t.Results = append([]room.Result(nil), e.Results...)
	return out, nil
}

func reduceUpdateVotes(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.UpdateVotesEvent)
	i, err := ticketIndex(s, e.TicketID)
	if err != nil {
		return nil, err
	}
	out := s.Clone()
	t := &out.Tickets[i]
	kept := make([]room.Vote, 0, len(t.Votes)+len(e.Votes))
	for _, v := range t.Votes {
		if v.UserID != e.UserID {
			kept = append(kept, v)
		}
	}
	t.Votes = append(kept, e.Votes...)
	return out, nil
}

func reduceSetCanVote(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.SetCanVoteEvent)
	i, err := ticketIndex(s, e.TicketID)
	if err != nil {
		return nil, err
	}
	if s.Tickets[i].Done {
		return nil, fmt.Errorf("ticket %s is finished: %w", e.TicketID, room.ErrValidation)
	}
	if !s.Tickets[i].Selected {
		return nil, fmt.Errorf("ticket %s is not selected: %w", e.TicketID, room.ErrNotFound)
	}
	if s.Tickets[i].Voting == e.CanVote {
		return s, nil
	}
	out := s.Clone()
	out.Tickets[i].Voting = e.CanVote
	return out, nil
}

func reduceClearVotes(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.ClearVotesEvent)
	i, err := ticketIndex(s, e.TicketID)
	if err != nil {
		return nil, err
	}
	out := s.Clone()
	t := &out.Tickets[i]
	kept := t.Votes[:0]
	for _, v := range t.Votes {
		if e.CategoryID != "" && v.CategoryID != e.CategoryID {
			kept = append(kept, v)
		}
	}
	t.Votes = kept
	return out, nil
}

func reduceUpdateTimer(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.UpdateTimerEvent)
	out := s.Clone()
	out.Room.Timer = e.Timer
	return out, nil
}

func reduceUserSpectate(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.UserSpectateEvent)
	for i, m := range s.Members {
		if m.UserID != e.UserID {
			continue
		}
		if m.Spectating == e.Spectating {
			return s, nil
		}
		out := s.Clone()
		out.Members[i].Spectating = e.Spectating
		return out, nil
	}
	return nil, fmt.Errorf("member %s: %w", e.UserID, room.ErrNotFound)
}

func reduceUserLeave(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.UserLeaveEvent)
	if _, ok := s.Member(e.UserID); !ok {
		return s, nil
	}
	out := s.Clone()
	kept := out.Members[:0]
	for _, m := range out.Members {
		if m.UserID != e.UserID {
			kept = append(kept, m)
		}
	}
	out.Members = kept
	return out, nil
}

func reduceUserJoin(s *room.Snapshot, ev events.Event) (*room.Snapshot, error) {
	e := ev.(events.UserJoinEvent)
	if _, ok := s.Member(e.UserID); ok {
		return s, nil
	}
	out := s.Clone()
	out.Members = append(out.Members, e.Member)
	return out, nil
}
