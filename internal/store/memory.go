package store

import (
	"context"
	"fmt"
	"sync"

	"estimator/internal/room"
)

type roomRecord struct {
	room       room.Room
	categories []room.Category
	members    []room.Member
	tickets    []*room.Ticket
}

// Memory keeps everything in process memory. It is safe for concurrent
// use and hands out copies, never its own records.
type Memory struct {
	mu     sync.RWMutex
	rooms  map[string]*roomRecord
	slugs  map[string]string
	ticket map[string]string // ticket id -> room id
}

func NewMemory() *Memory {
	return &Memory{
		rooms:  make(map[string]*roomRecord),
		slugs:  make(map[string]string),
		ticket: make(map[string]string),
	}
}

func missing(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, room.ErrNotFound)
}

func (m *Memory) get(roomID string) (*roomRecord, error) {
	rec, ok := m.rooms[roomID]
	if !ok {
		return nil, missing("room", roomID)
	}
	return rec, nil
}

func (m *Memory) findTicket(roomID, ticketID string) (*room.Ticket, error) {
	rec, err := m.get(roomID)
	if err != nil {
		return nil, err
	}
	for _, t := range rec.tickets {
		if t.ID == ticketID {
			return t, nil
		}
	}
	return nil, missing("ticket", ticketID)
}

func (m *Memory) ticketByID(ticketID string) (*room.Ticket, error) {
	roomID, ok := m.ticket[ticketID]
	if !ok {
		return nil, missing("ticket", ticketID)
	}
	return m.findTicket(roomID, ticketID)
}

func (m *Memory) CreateRoom(ctx context.Context, r room.Room, categories []room.Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[r.ID]; ok {
		return fmt.Errorf("room %s already exists: %w", r.ID, room.ErrValidation)
	}
	if _, ok := m.slugs[r.Slug]; ok {
		return fmt.Errorf("slug %s taken: %w", r.Slug, room.ErrValidation)
	}
	m.rooms[r.ID] = &roomRecord{
		room:       r,
		categories: append([]room.Category(nil), categories...),
	}
	m.slugs[r.Slug] = r.ID
	return nil
}

func (m *Memory) Room(ctx context.Context, roomID string) (room.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.get(roomID)
	if err != nil {
		return room.Room{}, err
	}
	return rec.room, nil
}

func (m *Memory) RoomBySlug(ctx context.Context, slug string) (room.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.slugs[slug]
	if !ok {
		return room.Room{}, missing("room", slug)
	}
	return m.rooms[id].room, nil
}

func (m *Memory) DeleteRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(roomID)
	if err != nil {
		return err
	}
	for _, t := range rec.tickets {
		delete(m.ticket, t.ID)
	}
	delete(m.slugs, rec.room.Slug)
	delete(m.rooms, roomID)
	return nil
}

func (m *Memory) UpdateTimer(ctx context.Context, roomID string, timer room.Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(roomID)
	if err != nil {
		return err
	}
	rec.room.Timer = timer
	return nil
}

func (m *Memory) Categories(ctx context.Context, roomID string) ([]room.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.get(roomID)
	if err != nil {
		return nil, err
	}
	return append([]room.Category(nil), rec.categories...), nil
}

func (m *Memory) Members(ctx context.Context, roomID string) ([]room.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.get(roomID)
	if err != nil {
		return nil, err
	}
	return append([]room.Member(nil), rec.members...), nil
}

func (m *Memory) AddMember(ctx context.Context, roomID string, member room.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(roomID)
	if err != nil {
		return err
	}
	for i, existing := range rec.members {
		if existing.UserID == member.UserID {
			rec.members[i] = member
			return nil
		}
	}
	rec.members = append(rec.members, member)
	return nil
}

func (m *Memory) RemoveMember(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(roomID)
	if err != nil {
		return err
	}
	for i, existing := range rec.members {
		if existing.UserID == userID {
			rec.members = append(rec.members[:i], rec.members[i+1:]...)
			return nil
		}
	}
	return missing("member", userID)
}

func (m *Memory) SetSpectating(ctx context.Context, roomID, userID string, spectating bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(roomID)
	if err != nil {
		return err
	}
	for i := range rec.members {
		if rec.members[i].UserID == userID {
			rec.members[i].Spectating = spectating
			return nil
		}
	}
	return missing("member", userID)
}

func (m *Memory) Tickets(ctx context.Context, roomID string) ([]room.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.get(roomID)
	if err != nil {
		return nil, err
	}
	out := make([]room.Ticket, len(rec.tickets))
	for i, t := range rec.tickets {
		out[i] = t.Clone()
	}
	return out, nil
}

func (m *Memory) Ticket(ctx context.Context, roomID, ticketID string) (room.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.findTicket(roomID, ticketID)
	if err != nil {
		return room.Ticket{}, err
	}
	return t.Clone(), nil
}

func (m *Memory) AddTickets(ctx context.Context, roomID string, tickets []room.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(roomID)
	if err != nil {
		return err
	}
	for _, t := range tickets {
		if _, ok := m.ticket[t.ID]; ok {
			return fmt.Errorf("ticket %s already exists: %w", t.ID, room.ErrValidation)
		}
	}
	for _, t := range tickets {
		c := t.Clone()
		c.RoomID = roomID
		rec.tickets = append(rec.tickets, &c)
		m.ticket[t.ID] = roomID
	}
	return nil
}

func (m *Memory) RemoveTickets(ctx context.Context, roomID string, ticketIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(roomID)
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(ticketIDs))
	for _, id := range ticketIDs {
		drop[id] = true
	}
	kept := rec.tickets[:0]
	for _, t := range rec.tickets {
		if drop[t.ID] {
			delete(m.ticket, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	rec.tickets = kept
	return nil
}

func (m *Memory) SelectTicket(ctx context.Context, roomID, ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, err := m.findTicket(roomID, ticketID)
	if err != nil {
		return err
	}
	for _, t := range m.rooms[roomID].tickets {
		t.Selected, t.Voting = false, false
	}
	target.Selected, target.Voting = true, true
	return nil
}

func (m *Memory) SaveTicketState(ctx context.Context, t room.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.ticketByID(t.ID)
	if err != nil {
		return err
	}
	stored.Selected = t.Selected
	stored.Voting = t.Voting
	stored.Done = t.Done
	stored.Rejected = t.Rejected
	stored.OverrideValue = nil
	if t.OverrideValue != nil {
		o := *t.OverrideValue
		stored.OverrideValue = &o
	}
	return nil
}

func (m *Memory) UpsertVotes(ctx context.Context, votes []room.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range votes {
		t, err := m.ticketByID(v.TicketID)
		if err != nil {
			return err
		}
		replaced := false
		for i, existing := range t.Votes {
			if existing.UserID == v.UserID && existing.CategoryID == v.CategoryID {
				t.Votes[i] = v
				replaced = true
				break
			}
		}
		if !replaced {
			t.Votes = append(t.Votes, v)
		}
	}
	return nil
}

func (m *Memory) ClearVotes(ctx context.Context, ticketID, categoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.ticketByID(ticketID)
	if err != nil {
		return err
	}
	kept := t.Votes[:0]
	for _, v := range t.Votes {
		if categoryID != "" && v.CategoryID != categoryID {
			kept = append(kept, v)
		}
	}
	t.Votes = kept
	return nil
}

func (m *Memory) SaveResults(ctx context.Context, ticketID string, results []room.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.ticketByID(ticketID)
	if err != nil {
		return err
	}
	t.Results = append([]room.Result(nil), results...)
	return nil
}
