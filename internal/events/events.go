package events

import "encoding/json"

type Name string

// Room events, published with an envelope.
const (
	NewTickets     = Name("newTickets")
	DeleteTickets  = Name("deleteTickets")
	SelectTicket   = Name("selectTicket")
	RejectTicket   = Name("rejectTicket")
	CompleteTicket = Name("completeTicket")
	UpdateVotes    = Name("updateVotes")
	SetCanVote     = Name("setCanVote")
	ClearVotes     = Name("clearVotes")
	UpdateTimer    = Name("updateTimer")
	UserSpectate   = Name("userSpectate")
	UserLeave      = Name("userLeave")
	UserJoin       = Name("userJoin")
)

// Transport events and the room deletion signal carry a bare payload.
const (
	SubscriptionSucceeded = Name("subscription_succeeded")
	MemberAdded           = Name("member_added")
	MemberRemoved         = Name("member_removed")
	DeleteRoom            = Name("deleteRoom")
)

// Enveloped reports whether frames of this name wrap their payload in an
// Envelope.
func (n Name) Enveloped() bool {
	switch n {
	case SubscriptionSucceeded, MemberAdded, MemberRemoved, DeleteRoom:
		return false
	}
	return true
}

// Envelope wraps a room event. IgnoreUser names the user whose own action
// produced the event; that user has already applied it locally.
type Envelope struct {
	IgnoreUser string          `json:"ignoreUser,omitempty"`
	EventData  json.RawMessage `json:"eventData"`
}

// Frame is one message on a room channel.
type Frame struct {
	Event Name            `json:"event"`
	Room  string          `json:"room"`
	Data  json.RawMessage `json:"data"`
}

// Published is a frame on its way from the service to the room channel.
type Published struct {
	RoomID string
	Frame  Frame
}

type Bus struct {
	Published chan Published
}

func NewBus() *Bus {
	return &Bus{
		Published: make(chan Published, 256),
	}
}
