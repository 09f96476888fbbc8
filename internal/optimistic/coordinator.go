package optimistic

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"estimator/internal/aggregate"
	"estimator/internal/dispatch"
	"estimator/internal/events"
	"estimator/internal/metrics"
	"estimator/internal/room"
	"estimator/internal/roomsync"
)

const defaultTimeout = 10 * time.Second

// Authority performs mutations against the authoritative service on behalf
// of one user.
type Authority interface {
	roomsync.Fetcher

	SelectTicket(ctx context.Context, roomID, ticketID string) (room.Ticket, error)
	Vote(ctx context.Context, roomID, ticketID string, values []room.CategoryValue) ([]room.Vote, error)
	ClearVotes(ctx context.Context, roomID, ticketID, categoryID string) error
	SetCanVote(ctx context.Context, roomID, ticketID string, canVote bool) error
	CompleteTicket(ctx context.Context, roomID, ticketID string, override *decimal.Decimal) (room.Ticket, error)
	RejectTicket(ctx context.Context, roomID, ticketID string) (room.Ticket, error)
	AddTickets(ctx context.Context, roomID string, tickets []room.Ticket) ([]room.Ticket, error)
	RemoveTickets(ctx context.Context, roomID string, ticketIDs []string) error
	UpdateTimer(ctx context.Context, roomID string, timer room.Timer) error
	SetSpectating(ctx context.Context, roomID string, spectating bool) error
	Leave(ctx context.Context, roomID string) error
}

// reconcile runs on the loop after the authority accepted a request.
type reconcile func(h *roomsync.Host)

// Coordinator applies a user's mutations to the local snapshot right away
// and then confirms them with the authority. A rejected request is repaired
// by refetching the room, never by rolling back locally.
//
// Every method must be called on the dispatch loop. The returned channel
// yields the request's outcome once the local state has been reconciled.
type Coordinator struct {
	ctx     context.Context
	host    *roomsync.Host
	loop    *dispatch.Loop
	auth    Authority
	metrics *metrics.Metrics

	Timeout time.Duration
}

func New(ctx context.Context, host *roomsync.Host, loop *dispatch.Loop, auth Authority, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		ctx:     ctx,
		host:    host,
		loop:    loop,
		auth:    auth,
		metrics: m,
		Timeout: defaultTimeout,
	}
}

func (c *Coordinator) SelectTicket(roomID, ticketID string) <-chan error {
	ev := events.SelectTicketEvent{TicketID: ticketID}
	return c.run(roomID, "selectTicket", ev, func(ctx context.Context) (reconcile, error) {
		_, err := c.auth.SelectTicket(ctx, roomID, ticketID)
		return nil, err
	})
}

// Vote upserts the user's values for the given categories. Votes the user
// already cast on other categories of the ticket are kept.
func (c *Coordinator) Vote(roomID, ticketID string, values []room.CategoryValue) <-chan error {
	user := c.host.UserID()
	ev := events.UpdateVotesEvent{
		TicketID: ticketID,
		UserID:   user,
		Votes:    mergeVotes(c.host.Snapshot(roomID), user, ticketID, values),
	}
	return c.run(roomID, "vote", ev, func(ctx context.Context) (reconcile, error) {
		votes, err := c.auth.Vote(ctx, roomID, ticketID, values)
		if err != nil {
			return nil, err
		}
		return func(h *roomsync.Host) {
			h.Mutate(roomID, events.UpdateVotesEvent{TicketID: ticketID, UserID: user, Votes: votes})
		}, nil
	})
}

func (c *Coordinator) ClearVotes(roomID, ticketID, categoryID string) <-chan error {
	ev := events.ClearVotesEvent{TicketID: ticketID, CategoryID: categoryID}
	return c.run(roomID, "clearVotes", ev, func(ctx context.Context) (reconcile, error) {
		return nil, c.auth.ClearVotes(ctx, roomID, ticketID, categoryID)
	})
}

func (c *Coordinator) SetCanVote(roomID, ticketID string, canVote bool) <-chan error {
	ev := events.SetCanVoteEvent{TicketID: ticketID, CanVote: canVote}
	return c.run(roomID, "setCanVote", ev, func(ctx context.Context) (reconcile, error) {
		return nil, c.auth.SetCanVote(ctx, roomID, ticketID, canVote)
	})
}

// CompleteTicket finishes the ticket with locally computed results, which
// are replaced by the authority's once it answers.
func (c *Coordinator) CompleteTicket(roomID, ticketID string, override *decimal.Decimal) <-chan error {
	ev := events.CompleteTicketEvent{TicketID: ticketID, OverrideValue: override}
	if snap := c.host.Snapshot(roomID); snap != nil {
		if t, ok := snap.Ticket(ticketID); ok {
			ev.Results = aggregate.CompletionResults(t, snap.Categories)
		}
	}
	return c.run(roomID, "completeTicket", ev, func(ctx context.Context) (reconcile, error) {
		t, err := c.auth.CompleteTicket(ctx, roomID, ticketID, override)
		if err != nil {
			return nil, err
		}
		return func(h *roomsync.Host) {
			h.Mutate(roomID, events.CompleteTicketEvent{
				TicketID:      t.ID,
				OverrideValue: t.OverrideValue,
				Results:       t.Results,
			})
		}, nil
	})
}

func (c *Coordinator) RejectTicket(roomID, ticketID string) <-chan error {
	ev := events.RejectTicketEvent{TicketID: ticketID}
	return c.run(roomID, "rejectTicket", ev, func(ctx context.Context) (reconcile, error) {
		_, err := c.auth.RejectTicket(ctx, roomID, ticketID)
		return nil, err
	})
}

// AddTickets shows the tickets under temporary ids until the authority
// returns the stored ones.
func (c *Coordinator) AddTickets(roomID string, tickets []room.Ticket) <-chan error {
	local := make([]room.Ticket, len(tickets))
	temp := make([]string, len(tickets))
	for i, t := range tickets {
		t = t.Clone()
		t.ID = "tmp-" + uuid.NewString()
		t.RoomID = roomID
		t.Selected, t.Voting, t.Done, t.Rejected = false, false, false, false
		local[i] = t
		temp[i] = t.ID
	}
	ev := events.NewTicketsEvent{Tickets: local}
	return c.run(roomID, "addTickets", ev, func(ctx context.Context) (reconcile, error) {
		stored, err := c.auth.AddTickets(ctx, roomID, tickets)
		if err != nil {
			return nil, err
		}
		return func(h *roomsync.Host) {
			h.Mutate(roomID, events.DeleteTicketsEvent{TicketIDs: temp})
			h.Mutate(roomID, events.NewTicketsEvent{Tickets: stored})
		}, nil
	})
}

func (c *Coordinator) RemoveTickets(roomID string, ticketIDs []string) <-chan error {
	ev := events.DeleteTicketsEvent{TicketIDs: ticketIDs}
	return c.run(roomID, "removeTickets", ev, func(ctx context.Context) (reconcile, error) {
		return nil, c.auth.RemoveTickets(ctx, roomID, ticketIDs)
	})
}

func (c *Coordinator) UpdateTimer(roomID string, timer room.Timer) <-chan error {
	ev := events.UpdateTimerEvent{Timer: timer}
	return c.run(roomID, "updateTimer", ev, func(ctx context.Context) (reconcile, error) {
		return nil, c.auth.UpdateTimer(ctx, roomID, timer)
	})
}

func (c *Coordinator) SetSpectating(roomID string, spectating bool) <-chan error {
	ev := events.UserSpectateEvent{UserID: c.host.UserID(), Spectating: spectating}
	return c.run(roomID, "setSpectating", ev, func(ctx context.Context) (reconcile, error) {
		return nil, c.auth.SetSpectating(ctx, roomID, spectating)
	})
}

func (c *Coordinator) Leave(roomID string) <-chan error {
	ev := events.UserLeaveEvent{UserID: c.host.UserID()}
	return c.run(roomID, "leave", ev, func(ctx context.Context) (reconcile, error) {
		return nil, c.auth.Leave(ctx, roomID)
	})
}

// run applies ev locally, then performs call off the loop. Success posts
// the reconciliation back; failure posts a full resync of the room.
func (c *Coordinator) run(roomID, op string, ev events.Event, call func(ctx context.Context) (reconcile, error)) <-chan error {
	done := make(chan error, 1)
	if err := c.host.Mutate(roomID, ev); err != nil {
		if errors.Is(err, roomsync.ErrNotAcquired) {
			done <- err
			close(done)
			return done
		}
		// The local view may simply be stale; the authority decides.
		log.Debug().Err(err).Str("module", "optimistic").Str("room", roomID).Str("op", op).Msg("local apply failed")
	}

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.Timeout)
		defer cancel()
		rec, err := call(ctx)
		if err != nil {
			err = wrapTransport(err)
		}

		posted := c.loop.Post(func() {
			defer close(done)
			if err != nil {
				c.count(op, "failed")
				log.Warn().Err(err).Str("module", "optimistic").Str("room", roomID).Str("op", op).Msg("mutation rejected, resyncing")
				c.host.Resync(roomID)
				done <- err
				return
			}
			c.count(op, "ok")
			if rec != nil {
				rec(c.host)
			}
			done <- nil
		})
		if posted != nil {
			done <- posted
			close(done)
		}
	}()
	return done
}

// wrapTransport marks failures that never got an answer from the
// authority, leaving its own error kinds untouched.
func wrapTransport(err error) error {
	if errors.Is(err, room.ErrNotFound) || errors.Is(err, room.ErrValidation) || errors.Is(err, room.ErrForbidden) || errors.Is(err, room.ErrTransport) {
		return err
	}
	return errors.Join(room.ErrTransport, err)
}

func (c *Coordinator) count(op, outcome string) {
	if c.metrics != nil {
		c.metrics.Mutations.WithLabelValues(op, outcome).Inc()
	}
}

// mergeVotes returns the user's full vote set on the ticket after applying
// values on top of what the snapshot already holds.
func mergeVotes(snap *room.Snapshot, user, ticketID string, values []room.CategoryValue) []room.Vote {
	var out []room.Vote
	index := make(map[string]int)
	if snap != nil {
		if t, ok := snap.Ticket(ticketID); ok {
			for _, v := range t.Votes {
				if v.UserID == user {
					index[v.CategoryID] = len(out)
					out = append(out, v)
				}
			}
		}
	}
	for _, cv := range values {
		v := room.Vote{UserID: user, TicketID: ticketID, CategoryID: cv.CategoryID, Value: cv.Value}
		if i, ok := index[cv.CategoryID]; ok {
			out[i] = v
			continue
		}
		index[cv.CategoryID] = len(out)
		out = append(out, v)
	}
	return out
}
