package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decoded is a validated event together with its envelope metadata.
type Decoded struct {
	Room       string
	IgnoreUser string
	Event      Event
}

var factories = map[Name]func() Event{
	NewTickets:            func() Event { return &NewTicketsEvent{} },
	DeleteTickets:         func() Event { return &DeleteTicketsEvent{} },
	SelectTicket:          func() Event { return &SelectTicketEvent{} },
	RejectTicket:          func() Event { return &RejectTicketEvent{} },
	CompleteTicket:        func() Event { return &CompleteTicketEvent{} },
	UpdateVotes:           func() Event { return &UpdateVotesEvent{} },
	SetCanVote:            func() Event { return &SetCanVoteEvent{} },
	ClearVotes:            func() Event { return &ClearVotesEvent{} },
	UpdateTimer:           func() Event { return &UpdateTimerEvent{} },
	UserSpectate:          func() Event { return &UserSpectateEvent{} },
	UserLeave:             func() Event { return &UserLeaveEvent{} },
	UserJoin:              func() Event { return &UserJoinEvent{} },
	SubscriptionSucceeded: func() Event { return &SubscriptionSucceededEvent{} },
	MemberAdded:           func() Event { return &MemberAddedEvent{} },
	MemberRemoved:         func() Event { return &MemberRemovedEvent{} },
	DeleteRoom:            func() Event { return &DeleteRoomEvent{} },
}

// Known reports whether n is part of the protocol.
func Known(n Name) bool {
	_, ok := factories[n]
	return ok
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after payload")
	}
	return nil
}

// Decode turns a frame into a validated event. Unknown names, payloads
// that do not match their schema and failed validation all wrap
// ErrMalformed.
func Decode(f Frame) (Decoded, error) {
	factory, ok := factories[f.Event]
	if !ok {
		return Decoded{}, fmt.Errorf("unknown event %q: %w", f.Event, ErrMalformed)
	}
	out := Decoded{Room: f.Room}
	payload := []byte(f.Data)
	if f.Event.Enveloped() {
		var env Envelope
		if err := strictUnmarshal(f.Data, &env); err != nil {
			return Decoded{}, fmt.Errorf("decoding %s envelope: %v: %w", f.Event, err, ErrMalformed)
		}
		if len(env.EventData) == 0 {
			return Decoded{}, fmt.Errorf("%s envelope has no eventData: %w", f.Event, ErrMalformed)
		}
		out.IgnoreUser = env.IgnoreUser
		payload = env.EventData
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	ptr := factory()
	if err := strictUnmarshal(payload, ptr); err != nil {
		return Decoded{}, fmt.Errorf("decoding %s payload: %v: %w", f.Event, err, ErrMalformed)
	}
	ev := deref(ptr)
	if err := ev.Validate(); err != nil {
		return Decoded{}, fmt.Errorf("validating %s: %v: %w", f.Event, err, ErrMalformed)
	}
	out.Event = ev
	return out, nil
}

// deref hands reducers value types so they cannot alias decoder state.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *NewTicketsEvent:
		return *e
	case *DeleteTicketsEvent:
		return *e
	case *SelectTicketEvent:
		return *e
	case *RejectTicketEvent:
		return *e
	case *CompleteTicketEvent:
		return *e
	case *UpdateVotesEvent:
		return *e
	case *SetCanVoteEvent:
		return *e
	case *ClearVotesEvent:
		return *e
	case *UpdateTimerEvent:
		return *e
	case *UserSpectateEvent:
		return *e
	case *UserLeaveEvent:
		return *e
	case *UserJoinEvent:
		return *e
	case *SubscriptionSucceededEvent:
		return *e
	case *MemberAddedEvent:
		return *e
	case *MemberRemovedEvent:
		return *e
	case *DeleteRoomEvent:
		return *e
	}
	return ev
}

// Encode builds the frame for ev, wrapping room events in an envelope.
func Encode(roomID string, ev Event, ignoreUser string) (Frame, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s: %w", ev.Name(), err)
	}
	data := json.RawMessage(payload)
	if ev.Name().Enveloped() {
		env, err := json.Marshal(Envelope{IgnoreUser: ignoreUser, EventData: payload})
		if err != nil {
			return Frame{}, fmt.Errorf("encoding %s envelope: %w", ev.Name(), err)
		}
		data = env
	}
	return Frame{Event: ev.Name(), Room: roomID, Data: data}, nil
}
