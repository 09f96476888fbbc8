package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"estimator/internal/aggregate"
	"estimator/internal/events"
	"estimator/internal/metrics"
	"estimator/internal/room"
	"estimator/internal/rooms"
	"estimator/internal/scale"
)

// ErrRateLimited is returned when a user votes faster than allowed.
var ErrRateLimited = errors.New("too many votes")

const slugAttempts = 10

type Options struct {
	VotesPerMin int
	VoteBurst   int
}

// Service is the authoritative side of every room operation. Each
// mutation checks its preconditions against the store, writes, and
// publishes the matching room event tagged with the acting user.
type Service struct {
	store   Store
	bus     *events.Bus
	metrics *metrics.Metrics
	votes   *voteLimiter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Store, bus *events.Bus, m *metrics.Metrics, opts Options) *Service {
	return &Service{
		store:   store,
		bus:     bus,
		metrics: m,
		votes:   newVoteLimiter(opts.VotesPerMin, opts.VoteBurst, 10*time.Minute),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lock serializes read-then-write sequences within one room.
func (s *Service) lock(roomID string) func() {
	s.mu.Lock()
	l, ok := s.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[roomID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) forget(roomID string) {
	s.mu.Lock()
	delete(s.locks, roomID)
	s.mu.Unlock()
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, room.ErrNotFound)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, room.ErrValidation)...)
}

// owned loads the room and confirms actor owns it. A foreign room looks
// exactly like a missing one.
func (s *Service) owned(ctx context.Context, actor, roomID string) (room.Room, error) {
	r, err := s.store.Room(ctx, roomID)
	if err != nil {
		return room.Room{}, err
	}
	if r.OwnerID != actor {
		return room.Room{}, notFound("room", roomID)
	}
	return r, nil
}

// member loads the room and actor's membership of it.
func (s *Service) member(ctx context.Context, actor, roomID string) (room.Room, room.Member, error) {
	r, err := s.store.Room(ctx, roomID)
	if err != nil {
		return room.Room{}, room.Member{}, err
	}
	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return room.Room{}, room.Member{}, err
	}
	for _, m := range members {
		if m.UserID == actor {
			return r, m, nil
		}
	}
	return room.Room{}, room.Member{}, notFound("room", roomID)
}

func (s *Service) publish(ctx context.Context, roomID, actor string, ev events.Event) {
	f, err := events.Encode(roomID, ev, actor)
	if err != nil {
		log.Error().Err(err).Str("module", "service").Str("room", roomID).Msg("encoding event")
		return
	}
	select {
	case s.bus.Published <- events.Published{RoomID: roomID, Frame: f}:
		if s.metrics != nil {
			s.metrics.EventsPublished.WithLabelValues(string(ev.Name())).Inc()
		}
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Str("module", "service").Str("room", roomID).Str("event", string(ev.Name())).Msg("event not published")
	}
}

func (s *Service) done(op string, err error) error {
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		s.metrics.Mutations.WithLabelValues(op, outcome).Inc()
	}
	return err
}

// NewRoom describes a room to create.
type NewRoom struct {
	Name          string      `json:"name"`
	OwnerName     string      `json:"ownerName"`
	MaxMembers    int         `json:"maxMembers"`
	Scale         scale.Scale `json:"scale"`
	EnableAbstain bool        `json:"enableAbstain"`
	EnablePass    bool        `json:"enablePass"`
	Categories    []string    `json:"categories"`
}

// CreateRoom creates a room owned by actor, who becomes its first member.
func (s *Service) CreateRoom(ctx context.Context, actor string, in NewRoom) (*room.Snapshot, error) {
	snap, err := s.createRoom(ctx, actor, in)
	return snap, s.done("createRoom", err)
}

func (s *Service) createRoom(ctx context.Context, actor string, in NewRoom) (*room.Snapshot, error) {
	if actor == "" {
		return nil, invalid("owner is required")
	}
	if len(in.Categories) == 0 {
		in.Categories = []string{"Estimate"}
	}
	r := room.Room{
		ID:            uuid.NewString(),
		Name:          in.Name,
		OwnerID:       actor,
		MaxMembers:    in.MaxMembers,
		Scale:         in.Scale,
		EnableAbstain: in.EnableAbstain,
		EnablePass:    in.EnablePass,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	cats := make([]room.Category, 0, len(in.Categories))
	seen := make(map[string]bool, len(in.Categories))
	for _, name := range in.Categories {
		if name == "" || seen[name] {
			return nil, invalid("category %q is empty or repeated", name)
		}
		seen[name] = true
		cats = append(cats, room.Category{ID: uuid.NewString(), RoomID: r.ID, Name: name})
	}

	for range slugAttempts {
		slug, err := rooms.GenerateSlug(rooms.SlugLength)
		if err != nil {
			return nil, fmt.Errorf("generating room slug: %w", err)
		}
		if _, err := s.store.RoomBySlug(ctx, slug); err == nil {
			continue
		} else if !errors.Is(err, room.ErrNotFound) {
			return nil, err
		}
		r.Slug = slug
		break
	}
	if r.Slug == "" {
		return nil, fmt.Errorf("no free room slug after %d attempts", slugAttempts)
	}

	if err := s.store.CreateRoom(ctx, r, cats); err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}
	owner := room.Member{UserID: actor, Name: in.OwnerName}
	if err := s.store.AddMember(ctx, r.ID, owner); err != nil {
		return nil, fmt.Errorf("adding owner: %w", err)
	}
	log.Info().Str("module", "service").Str("room", r.ID).Str("slug", r.Slug).Msg("room created")
	return &room.Snapshot{Room: r, Categories: cats, Members: []room.Member{owner}, Tickets: []room.Ticket{}}, nil
}

// DeleteRoom removes the room and everything in it, then tells its
// channel.
func (s *Service) DeleteRoom(ctx context.Context, actor, roomID string) error {
	unlock := s.lock(roomID)
	defer unlock()
	if _, err := s.owned(ctx, actor, roomID); err != nil {
		return s.done("deleteRoom", err)
	}
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return s.done("deleteRoom", fmt.Errorf("deleting room: %w", err))
	}
	s.forget(roomID)
	s.publish(ctx, roomID, "", events.DeleteRoomEvent{})
	return s.done("deleteRoom", nil)
}

// ResolveSlug maps a room slug to its id.
func (s *Service) ResolveSlug(ctx context.Context, slug string) (string, error) {
	r, err := s.store.RoomBySlug(ctx, slug)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// Join adds actor to the room. Joining twice returns the snapshot without
// publishing again.
func (s *Service) Join(ctx context.Context, actor, roomID, name string) (*room.Snapshot, error) {
	unlock := s.lock(roomID)
	err := s.join(ctx, actor, roomID, name)
	unlock()
	if err = s.done("join", err); err != nil {
		return nil, err
	}
	return s.Snapshot(ctx, actor, roomID)
}

func (s *Service) join(ctx context.Context, actor, roomID, name string) error {
	if actor == "" {
		return invalid("user is required")
	}
	r, err := s.store.Room(ctx, roomID)
	if err != nil {
		return err
	}
	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.UserID == actor {
			return nil
		}
	}
	if r.MaxMembers > 0 && len(members) >= r.MaxMembers {
		return invalid("room %s is full", roomID)
	}
	m := room.Member{UserID: actor, Name: name}
	if err := s.store.AddMember(ctx, roomID, m); err != nil {
		return fmt.Errorf("adding member: %w", err)
	}
	s.publish(ctx, roomID, actor, events.UserJoinEvent{Member: m})
	return nil
}

func (s *Service) Leave(ctx context.Context, actor, roomID string) error {
	unlock := s.lock(roomID)
	defer unlock()
	if _, _, err := s.member(ctx, actor, roomID); err != nil {
		return s.done("leave", err)
	}
	if err := s.store.RemoveMember(ctx, roomID, actor); err != nil {
		return s.done("leave", fmt.Errorf("removing member: %w", err))
	}
	s.publish(ctx, roomID, actor, events.UserLeaveEvent{UserID: actor})
	return s.done("leave", nil)
}

func (s *Service) SetSpectating(ctx context.Context, actor, roomID string, spectating bool) error {
	unlock := s.lock(roomID)
	defer unlock()
	if _, _, err := s.member(ctx, actor, roomID); err != nil {
		return s.done("setSpectating", err)
	}
	if err := s.store.SetSpectating(ctx, roomID, actor, spectating); err != nil {
		return s.done("setSpectating", fmt.Errorf("updating member: %w", err))
	}
	s.publish(ctx, roomID, actor, events.UserSpectateEvent{UserID: actor, Spectating: spectating})
	return s.done("setSpectating", nil)
}

// Snapshot assembles the full room state for one of its members.
func (s *Service) Snapshot(ctx context.Context, actor, roomID string) (*room.Snapshot, error) {
	r, _, err := s.member(ctx, actor, roomID)
	if err != nil {
		return nil, err
	}
	cats, err := s.store.Categories(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	tickets, err := s.store.Tickets(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &room.Snapshot{Room: r, Categories: cats, Members: members, Tickets: tickets}, nil
}

// SelectTicket makes ticketID the room's one selected ticket and opens
// voting on it.
func (s *Service) SelectTicket(ctx context.Context, actor, roomID, ticketID string) (room.Ticket, error) {
	unlock := s.lock(roomID)
	defer unlock()
	t, err := s.selectTicket(ctx, actor, roomID, ticketID)
	return t, s.done("selectTicket", err)
}

func (s *Service) selectTicket(ctx context.Context, actor, roomID, ticketID string) (room.Ticket, error) {
	if _, err := s.owned(ctx, actor, roomID); err != nil {
		return room.Ticket{}, err
	}
	t, err := s.store.Ticket(ctx, roomID, ticketID)
	if err != nil {
		return room.Ticket{}, err
	}
	if t.Done || t.Selected {
		return room.Ticket{}, notFound("ticket", ticketID)
	}
	if err := s.store.SelectTicket(ctx, roomID, ticketID); err != nil {
		return room.Ticket{}, fmt.Errorf("selecting ticket: %w", err)
	}
	t.Selected, t.Voting = true, true
	s.publish(ctx, roomID, actor, events.SelectTicketEvent{TicketID: ticketID})
	return t, nil
}

// Vote records actor's values for the selected ticket and returns every
// vote actor now holds on it.
func (s *Service) Vote(ctx context.Context, actor, roomID, ticketID string, values []room.CategoryValue) ([]room.Vote, error) {
	if !s.votes.Allow(actor) {
		return nil, s.done("vote", ErrRateLimited)
	}
	unlock := s.lock(roomID)
	defer unlock()
	votes, err := s.vote(ctx, actor, roomID, ticketID, values)
	return votes, s.done("vote", err)
}

func (s *Service) vote(ctx context.Context, actor, roomID, ticketID string, values []room.CategoryValue) ([]room.Vote, error) {
	r, m, err := s.member(ctx, actor, roomID)
	if err != nil {
		return nil, err
	}
	t, err := s.store.Ticket(ctx, roomID, ticketID)
	if err != nil {
		return nil, err
	}
	if !t.AcceptsVotes() {
		return nil, notFound("ticket", ticketID)
	}
	if m.Spectating {
		return nil, invalid("spectators cannot vote")
	}
	if len(values) == 0 {
		return nil, invalid("no values")
	}
	cats, err := s.store.Categories(ctx, roomID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(cats))
	for _, c := range cats {
		known[c.ID] = true
	}
	votes := make([]room.Vote, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, cv := range values {
		if !known[cv.CategoryID] {
			return nil, invalid("unknown category %s", cv.CategoryID)
		}
		if seen[cv.CategoryID] {
			return nil, invalid("category %s voted twice", cv.CategoryID)
		}
		seen[cv.CategoryID] = true
		if err := r.Scale.Permits(cv.Value, r.EnableAbstain, r.EnablePass); err != nil {
			return nil, fmt.Errorf("%v: %w", err, room.ErrValidation)
		}
		votes = append(votes, room.Vote{UserID: actor, TicketID: ticketID, CategoryID: cv.CategoryID, Value: cv.Value})
	}
	if err := s.store.UpsertVotes(ctx, votes); err != nil {
		return nil, fmt.Errorf("saving votes: %w", err)
	}

	t, err = s.store.Ticket(ctx, roomID, ticketID)
	if err != nil {
		return nil, err
	}
	var mine []room.Vote
	for _, v := range t.Votes {
		if v.UserID == actor {
			mine = append(mine, v)
		}
	}
	s.publish(ctx, roomID, actor, events.UpdateVotesEvent{TicketID: ticketID, UserID: actor, Votes: mine})
	return mine, nil
}

// ClearVotes removes the ticket's votes in one category, or all of them
// when categoryID is empty.
func (s *Service) ClearVotes(ctx context.Context, actor, roomID, ticketID, categoryID string) error {
	unlock := s.lock(roomID)
	defer unlock()
	return s.done("clearVotes", s.clearVotes(ctx, actor, roomID, ticketID, categoryID))
}

func (s *Service) clearVotes(ctx context.Context, actor, roomID, ticketID, categoryID string) error {
	if _, err := s.owned(ctx, actor, roomID); err != nil {
		return err
	}
	t, err := s.store.Ticket(ctx, roomID, ticketID)
	if err != nil {
		return err
	}
	if t.Done {
		return notFound("ticket", ticketID)
	}
	if categoryID != "" {
		cats, err := s.store.Categories(ctx, roomID)
		if err != nil {
			return err
		}
		found := false
		for _, c := range cats {
			found = found || c.ID == categoryID
		}
		if !found {
			return invalid("unknown category %s", categoryID)
		}
	}
	if err := s.store.ClearVotes(ctx, ticketID, categoryID); err != nil {
		return fmt.Errorf("clearing votes: %w", err)
	}
	s.publish(ctx, roomID, actor, events.ClearVotesEvent{TicketID: ticketID, CategoryID: categoryID})
	return nil
}

// SetCanVote opens or closes voting on the selected ticket.
func (s *Service) SetCanVote(ctx context.Context, actor, roomID, ticketID string, canVote bool) error {
	unlock := s.lock(roomID)
	defer unlock()
	return s.done("setCanVote", s.setCanVote(ctx, actor, roomID, ticketID, canVote))
}

func (s *Service) setCanVote(ctx context.Context, actor, roomID, ticketID string, canVote bool) error {
	if _, err := s.owned(ctx, actor, roomID); err != nil {
		return err
	}
	t, err := s.store.Ticket(ctx, roomID, ticketID)
	if err != nil {
		return err
	}
	if !t.Selected || t.Done {
		return notFound("ticket", ticketID)
	}
	t.Voting = canVote
	if err := s.store.SaveTicketState(ctx, t); err != nil {
		return fmt.Errorf("saving ticket: %w", err)
	}
	s.publish(ctx, roomID, actor, events.SetCanVoteEvent{TicketID: ticketID, CanVote: canVote})
	return nil
}

// CompleteTicket finishes the ticket, storing the mean of each category's
// votes as its results. An override, when given, is stored alongside and
// wins wherever the ticket's value is shown.
func (s *Service) CompleteTicket(ctx context.Context, actor, roomID, ticketID string, override *decimal.Decimal) (room.Ticket, error) {
	unlock := s.lock(roomID)
	defer unlock()
	t, err := s.completeTicket(ctx, actor, roomID, ticketID, override)
	return t, s.done("completeTicket", err)
}

func (s *Service) completeTicket(ctx context.Context, actor, roomID, ticketID string, override *decimal.Decimal) (room.Ticket, error) {
	if _, err := s.owned(ctx, actor, roomID); err != nil {
		return room.Ticket{}, err
	}
	if override != nil && override.IsNegative() {
		return room.Ticket{}, invalid("override %s is negative", override)
	}
	t, err := s.store.Ticket(ctx, roomID, ticketID)
	if err != nil {
		return room.Ticket{}, err
	}
	if t.Done {
		return room.Ticket{}, notFound("ticket", ticketID)
	}
	cats, err := s.store.Categories(ctx, roomID)
	if err != nil {
		return room.Ticket{}, err
	}
	results := aggregate.CompletionResults(t, cats)
	if err := s.store.SaveResults(ctx, ticketID, results); err != nil {
		return room.Ticket{}, fmt.Errorf("saving results: %w", err)
	}
	t.Selected, t.Voting, t.Done, t.Rejected = false, false, true, false
	t.OverrideValue = override
	if err := s.store.SaveTicketState(ctx, t); err != nil {
		return room.Ticket{}, fmt.Errorf("saving ticket: %w", err)
	}
	t.Results = results
	s.publish(ctx, roomID, actor, events.CompleteTicketEvent{TicketID: ticketID, OverrideValue: override, Results: results})
	return t, nil
}

// RejectTicket finishes the ticket without results.
func (s *Service) RejectTicket(ctx context.Context, actor, roomID, ticketID string) (room.Ticket, error) {
	unlock := s.lock(roomID)
	defer unlock()
	t, err := s.rejectTicket(ctx, actor, roomID, ticketID)
	return t, s.done("rejectTicket", err)
}

func (s *Service) rejectTicket(ctx context.Context, actor, roomID, ticketID string) (room.Ticket, error) {
	if _, err := s.owned(ctx, actor, roomID); err != nil {
		return room.Ticket{}, err
	}
	t, err := s.store.Ticket(ctx, roomID, ticketID)
	if err != nil {
		return room.Ticket{}, err
	}
	if t.Done {
		return room.Ticket{}, notFound("ticket", ticketID)
	}
	t.Selected, t.Voting, t.Done, t.Rejected = false, false, true, true
	if err := s.store.SaveTicketState(ctx, t); err != nil {
		return room.Ticket{}, fmt.Errorf("saving ticket: %w", err)
	}
	s.publish(ctx, roomID, actor, events.RejectTicketEvent{TicketID: ticketID})
	return t, nil
}

// AddTickets stores new idle tickets under fresh ids and returns them.
func (s *Service) AddTickets(ctx context.Context, actor, roomID string, tickets []room.Ticket) ([]room.Ticket, error) {
	unlock := s.lock(roomID)
	defer unlock()
	out, err := s.addTickets(ctx, actor, roomID, tickets)
	return out, s.done("addTickets", err)
}

func (s *Service) addTickets(ctx context.Context, actor, roomID string, tickets []room.Ticket) ([]room.Ticket, error) {
	if _, err := s.owned(ctx, actor, roomID); err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, invalid("no tickets")
	}
	out := make([]room.Ticket, len(tickets))
	for i, t := range tickets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		out[i] = room.Ticket{
			ID:         uuid.NewString(),
			RoomID:     roomID,
			ExternalID: t.ExternalID,
			Title:      t.Title,
			URL:        t.URL,
			Type:       t.Type,
			Votes:      []room.Vote{},
			Results:    []room.Result{},
		}
	}
	if err := s.store.AddTickets(ctx, roomID, out); err != nil {
		return nil, fmt.Errorf("adding tickets: %w", err)
	}
	s.publish(ctx, roomID, actor, events.NewTicketsEvent{Tickets: out})
	return out, nil
}

// RemoveTickets deletes tickets with their votes and results.
func (s *Service) RemoveTickets(ctx context.Context, actor, roomID string, ticketIDs []string) error {
	unlock := s.lock(roomID)
	defer unlock()
	return s.done("removeTickets", s.removeTickets(ctx, actor, roomID, ticketIDs))
}

func (s *Service) removeTickets(ctx context.Context, actor, roomID string, ticketIDs []string) error {
	if _, err := s.owned(ctx, actor, roomID); err != nil {
		return err
	}
	if len(ticketIDs) == 0 {
		return invalid("no tickets")
	}
	for _, id := range ticketIDs {
		if _, err := s.store.Ticket(ctx, roomID, id); err != nil {
			return err
		}
	}
	if err := s.store.RemoveTickets(ctx, roomID, ticketIDs); err != nil {
		return fmt.Errorf("removing tickets: %w", err)
	}
	s.publish(ctx, roomID, actor, events.DeleteTicketsEvent{TicketIDs: ticketIDs})
	return nil
}

// UpdateTimer replaces the room timer as a whole.
func (s *Service) UpdateTimer(ctx context.Context, actor, roomID string, timer room.Timer) error {
	unlock := s.lock(roomID)
	defer unlock()
	return s.done("updateTimer", s.updateTimer(ctx, actor, roomID, timer))
}

func (s *Service) updateTimer(ctx context.Context, actor, roomID string, timer room.Timer) error {
	if _, err := s.owned(ctx, actor, roomID); err != nil {
		return err
	}
	ev := events.UpdateTimerEvent{Timer: timer}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, room.ErrValidation)
	}
	if err := s.store.UpdateTimer(ctx, roomID, timer); err != nil {
		return fmt.Errorf("saving timer: %w", err)
	}
	s.publish(ctx, roomID, actor, ev)
	return nil
}
