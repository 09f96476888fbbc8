package service

import (
	"context"

	"estimator/internal/room"
)

// Store persists rooms and everything that hangs off them. Lookups of
// rows that do not exist, or that belong to another room, return an error
// wrapping room.ErrNotFound.
type Store interface {
	CreateRoom(ctx context.Context, r room.Room, categories []room.Category) error
	Room(ctx context.Context, roomID string) (room.Room, error)
	RoomBySlug(ctx context.Context, slug string) (room.Room, error)
	// DeleteRoom removes the room together with its categories, members,
	// tickets, votes and results.
	DeleteRoom(ctx context.Context, roomID string) error
	UpdateTimer(ctx context.Context, roomID string, timer room.Timer) error
	Categories(ctx context.Context, roomID string) ([]room.Category, error)

	Members(ctx context.Context, roomID string) ([]room.Member, error)
	AddMember(ctx context.Context, roomID string, m room.Member) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	SetSpectating(ctx context.Context, roomID, userID string, spectating bool) error

	// Tickets and Ticket return tickets with their votes and results.
	Tickets(ctx context.Context, roomID string) ([]room.Ticket, error)
	Ticket(ctx context.Context, roomID, ticketID string) (room.Ticket, error)
	AddTickets(ctx context.Context, roomID string, tickets []room.Ticket) error
	RemoveTickets(ctx context.Context, roomID string, ticketIDs []string) error
	// SelectTicket deselects every other ticket of the room and opens
	// voting on ticketID.
	SelectTicket(ctx context.Context, roomID, ticketID string) error
	// SaveTicketState writes the status flags and override of t.
	SaveTicketState(ctx context.Context, t room.Ticket) error

	// UpsertVotes inserts or replaces votes keyed by user, ticket and
	// category.
	UpsertVotes(ctx context.Context, votes []room.Vote) error
	// ClearVotes removes a ticket's votes, limited to one category unless
	// categoryID is empty.
	ClearVotes(ctx context.Context, ticketID, categoryID string) error
	SaveResults(ctx context.Context, ticketID string, results []room.Result) error
}
