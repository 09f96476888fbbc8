package room

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Snapshot is the full cached state of one room as seen by one process.
// Reducers treat it as immutable and return modified clones.
type Snapshot struct {
	Room       Room       `json:"room"`
	Categories []Category `json:"categories"`
	Members    []Member   `json:"members"`
	Tickets    []Ticket   `json:"tickets"`

	// Draft holds the holding user's not-yet-submitted vote per category.
	Draft map[string]decimal.Decimal `json:"-"`
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{
		Room:       s.Room,
		Categories: append([]Category(nil), s.Categories...),
		Members:    append([]Member(nil), s.Members...),
		Tickets:    make([]Ticket, len(s.Tickets)),
	}
	for i, t := range s.Tickets {
		c.Tickets[i] = t.Clone()
	}
	if s.Draft != nil {
		c.Draft = make(map[string]decimal.Decimal, len(s.Draft))
		for k, v := range s.Draft {
			c.Draft[k] = v
		}
	}
	return c
}

func (s *Snapshot) TicketIndex(id string) int {
	for i := range s.Tickets {
		if s.Tickets[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Snapshot) Ticket(id string) (Ticket, bool) {
	if i := s.TicketIndex(id); i >= 0 {
		return s.Tickets[i], true
	}
	return Ticket{}, false
}

// Selected returns the ticket under discussion, if any.
func (s *Snapshot) Selected() (Ticket, bool) {
	for _, t := range s.Tickets {
		if t.Selected {
			return t, true
		}
	}
	return Ticket{}, false
}

func (s *Snapshot) Member(userID string) (Member, bool) {
	for _, m := range s.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

func (s *Snapshot) Category(id string) (Category, bool) {
	for _, c := range s.Categories {
		if c.ID == id {
			return c, true
		}
	}
	return Category{}, false
}

// ResetDraft sets every category's draft vote to the scale minimum.
func (s *Snapshot) ResetDraft() {
	s.Draft = make(map[string]decimal.Decimal, len(s.Categories))
	floor := s.Room.Scale.Minimum()
	for _, c := range s.Categories {
		s.Draft[c.ID] = floor
	}
}

// Validate checks the structural invariants of the snapshot.
func (s *Snapshot) Validate() error {
	if err := s.Room.Scale.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrValidation)
	}
	selected := 0
	for _, t := range s.Tickets {
		if t.Selected {
			selected++
		}
		for _, v := range t.Votes {
			if _, ok := s.Category(v.CategoryID); !ok {
				return fmt.Errorf("vote on unknown category %s: %w", v.CategoryID, ErrValidation)
			}
		}
	}
	if selected > 1 {
		return fmt.Errorf("%d tickets selected: %w", selected, ErrValidation)
	}
	return nil
}
