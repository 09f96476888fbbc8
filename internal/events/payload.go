package events

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"estimator/internal/room"
)

// ErrMalformed marks frames that cannot be turned into an Event.
var ErrMalformed = errors.New("malformed event")

// Event is the closed set of payloads a room channel can carry.
type Event interface {
	Name() Name
	Validate() error
}

type NewTicketsEvent struct {
	Tickets []room.Ticket `json:"tickets"`
}

type DeleteTicketsEvent struct {
	TicketIDs []string `json:"ticketIds"`
}

type SelectTicketEvent struct {
	TicketID string `json:"ticketId"`
}

type RejectTicketEvent struct {
	TicketID string `json:"ticketId"`
}

type CompleteTicketEvent struct {
	TicketID      string           `json:"ticketId"`
	OverrideValue *decimal.Decimal `json:"overrideValue,omitempty"`
	Results       []room.Result    `json:"results"`
}

type UpdateVotesEvent struct {
	TicketID string      `json:"ticketId"`
	UserID   string      `json:"userId"`
	Votes    []room.Vote `json:"votes"`
}

type SetCanVoteEvent struct {
	TicketID string `json:"ticketId"`
	CanVote  bool   `json:"canVote"`
}

// ClearVotesEvent clears one category, or every category when CategoryID
// is empty.
type ClearVotesEvent struct {
	TicketID   string `json:"ticketId"`
	CategoryID string `json:"categoryId,omitempty"`
}

type UpdateTimerEvent struct {
	room.Timer
}

// UserSpectateEvent carries the resulting flag rather than a toggle so a
// replay does not flip it back.
type UserSpectateEvent struct {
	UserID     string `json:"userId"`
	Spectating bool   `json:"spectating"`
}

type UserLeaveEvent struct {
	UserID string `json:"userId"`
}

type UserJoinEvent struct {
	room.Member
}

type SubscriptionSucceededEvent struct {
	Members []string `json:"members"`
}

type MemberAddedEvent struct {
	UserID string `json:"userId"`
}

type MemberRemovedEvent struct {
	UserID string `json:"userId"`
}

type DeleteRoomEvent struct{}

func (NewTicketsEvent) Name() Name            { return NewTickets }
func (DeleteTicketsEvent) Name() Name         { return DeleteTickets }
func (SelectTicketEvent) Name() Name          { return SelectTicket }
func (RejectTicketEvent) Name() Name          { return RejectTicket }
func (CompleteTicketEvent) Name() Name        { return CompleteTicket }
func (UpdateVotesEvent) Name() Name           { return UpdateVotes }
func (SetCanVoteEvent) Name() Name            { return SetCanVote }
func (ClearVotesEvent) Name() Name            { return ClearVotes }
func (UpdateTimerEvent) Name() Name           { return UpdateTimer }
func (UserSpectateEvent) Name() Name          { return UserSpectate }
func (UserLeaveEvent) Name() Name             { return UserLeave }
func (UserJoinEvent) Name() Name              { return UserJoin }
func (SubscriptionSucceededEvent) Name() Name { return SubscriptionSucceeded }
func (MemberAddedEvent) Name() Name           { return MemberAdded }
func (MemberRemovedEvent) Name() Name         { return MemberRemoved }
func (DeleteRoomEvent) Name() Name            { return DeleteRoom }

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func (e NewTicketsEvent) Validate() error {
	seen := make(map[string]bool, len(e.Tickets))
	for _, t := range e.Tickets {
		if err := required("ticket id", t.ID); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("ticket %s listed twice", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

func (e DeleteTicketsEvent) Validate() error {
	for _, id := range e.TicketIDs {
		if err := required("ticket id", id); err != nil {
			return err
		}
	}
	return nil
}

func (e SelectTicketEvent) Validate() error { return required("ticketId", e.TicketID) }
func (e RejectTicketEvent) Validate() error { return required("ticketId", e.TicketID) }
func (e SetCanVoteEvent) Validate() error   { return required("ticketId", e.TicketID) }
func (e ClearVotesEvent) Validate() error   { return required("ticketId", e.TicketID) }
func (e UserLeaveEvent) Validate() error    { return required("userId", e.UserID) }
func (e UserJoinEvent) Validate() error     { return required("userId", e.UserID) }
func (e MemberAddedEvent) Validate() error  { return required("userId", e.UserID) }
func (e UserSpectateEvent) Validate() error { return required("userId", e.UserID) }

func (e MemberRemovedEvent) Validate() error {
	return required("userId", e.UserID)
}

func (e CompleteTicketEvent) Validate() error {
	if err := required("ticketId", e.TicketID); err != nil {
		return err
	}
	for _, r := range e.Results {
		if r.TicketID != e.TicketID {
			return fmt.Errorf("result for ticket %s inside completion of %s", r.TicketID, e.TicketID)
		}
		if r.Value.IsNegative() {
			return fmt.Errorf("result %s for category %s is negative", r.Value, r.CategoryID)
		}
	}
	return nil
}

func (e UpdateVotesEvent) Validate() error {
	if err := required("ticketId", e.TicketID); err != nil {
		return err
	}
	if err := required("userId", e.UserID); err != nil {
		return err
	}
	for _, v := range e.Votes {
		if v.TicketID != e.TicketID || v.UserID != e.UserID {
			return fmt.Errorf("vote by %s on %s inside update for %s on %s", v.UserID, v.TicketID, e.UserID, e.TicketID)
		}
		if err := required("categoryId", v.CategoryID); err != nil {
			return err
		}
	}
	return nil
}

func (e UpdateTimerEvent) Validate() error {
	if e.Start != nil && e.Stop != nil && e.Stop.Before(*e.Start) {
		return errors.New("timer stops before it starts")
	}
	return nil
}

func (e SubscriptionSucceededEvent) Validate() error {
	for _, id := range e.Members {
		if err := required("member id", id); err != nil {
			return err
		}
	}
	return nil
}

func (DeleteRoomEvent) Validate() error { return nil }
