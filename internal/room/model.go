package room

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"estimator/internal/scale"
)

type TicketType string

const (
	TypeTask  = TicketType("task")
	TypeBug   = TicketType("bug")
	TypeStory = TicketType("story")
	TypeEpic  = TicketType("epic")
)

func (t TicketType) Valid() bool {
	switch t {
	case TypeTask, TypeBug, TypeStory, TypeEpic:
		return true
	}
	return false
}

// Timer is replaced as a whole on every update; the last writer wins.
type Timer struct {
	Running bool       `json:"running"`
	Start   *time.Time `json:"start"`
	Stop    *time.Time `json:"stop"`
}

type Room struct {
	ID            string      `json:"id"`
	Slug          string      `json:"slug"`
	Name          string      `json:"name"`
	OwnerID       string      `json:"ownerId"`
	MaxMembers    int         `json:"maxMembers"`
	Timer         Timer       `json:"timer"`
	Scale         scale.Scale `json:"scale"`
	EnableAbstain bool        `json:"enableAbstain"`
	EnablePass    bool        `json:"enablePass"`
}

func (r Room) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("room name is empty: %w", ErrValidation)
	}
	if r.MaxMembers < 0 {
		return fmt.Errorf("max members %d is negative: %w", r.MaxMembers, ErrValidation)
	}
	if err := r.Scale.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrValidation)
	}
	return nil
}

type Category struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

type Member struct {
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	Spectating bool   `json:"spectating"`
}

type Vote struct {
	UserID     string          `json:"userId"`
	TicketID   string          `json:"ticketId"`
	CategoryID string          `json:"categoryId"`
	Value      decimal.Decimal `json:"value"`
}

type Result struct {
	TicketID   string          `json:"ticketId"`
	CategoryID string          `json:"categoryId"`
	Value      decimal.Decimal `json:"value"`
}

type Ticket struct {
	ID            string           `json:"id"`
	RoomID        string           `json:"roomId"`
	ExternalID    string           `json:"externalId,omitempty"`
	Title         string           `json:"title"`
	URL           string           `json:"url,omitempty"`
	Type          TicketType       `json:"type"`
	Selected      bool             `json:"selected"`
	Voting        bool             `json:"voting"`
	Done          bool             `json:"done"`
	Rejected      bool             `json:"rejected"`
	OverrideValue *decimal.Decimal `json:"overrideValue,omitempty"`
	Votes         []Vote           `json:"votes"`
	Results       []Result         `json:"results"`
}

type State string

const (
	StateIdle           = State("idle")
	StateSelectedVoting = State("selected_voting")
	StateSelectedClosed = State("selected_closed")
	StateDone           = State("done")
	StateRejected       = State("rejected")
)

// State collapses the status flags into the ticket's lifecycle position.
func (t Ticket) State() State {
	switch {
	case t.Rejected:
		return StateRejected
	case t.Done:
		return StateDone
	case t.Selected && t.Voting:
		return StateSelectedVoting
	case t.Selected:
		return StateSelectedClosed
	}
	return StateIdle
}

func (t Ticket) AcceptsVotes() bool {
	return t.Selected && t.Voting && !t.Done
}

// VoteValues returns the raw values of all live votes.
func (t Ticket) VoteValues() []decimal.Decimal {
	out := make([]decimal.Decimal, len(t.Votes))
	for i, v := range t.Votes {
		out[i] = v.Value
	}
	return out
}

func (t Ticket) Clone() Ticket {
	c := t
	if t.OverrideValue != nil {
		o := *t.OverrideValue
		c.OverrideValue = &o
	}
	c.Votes = append([]Vote(nil), t.Votes...)
	c.Results = append([]Result(nil), t.Results...)
	return c
}

func (t Ticket) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("ticket title is empty: %w", ErrValidation)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("ticket type %q: %w", t.Type, ErrValidation)
	}
	return nil
}

// CategoryValue is one entry of a vote request.
type CategoryValue struct {
	CategoryID string          `json:"categoryId"`
	Value      decimal.Decimal `json:"value"`
}
