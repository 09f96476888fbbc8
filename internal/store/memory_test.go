package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"estimator/internal/room"
	"estimator/internal/scale"
)

func seeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	r := room.Room{ID: "r1", Slug: "ABCD", Name: "Sprint", OwnerID: "owner", Scale: scale.Range(decimal.Zero, decimal.NewFromInt(10))}
	if err := m.CreateRoom(ctx, r, []room.Category{{ID: "c1", RoomID: "r1", Name: "Effort"}, {ID: "c2", RoomID: "r1", Name: "Risk"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddTickets(ctx, "r1", []room.Ticket{
		{ID: "A", Title: "A", Type: room.TypeTask},
		{ID: "B", Title: "B", Type: room.TypeBug},
	}); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMemory_RoomLookups(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	r, err := m.RoomBySlug(ctx, "ABCD")
	if err != nil || r.ID != "r1" {
		t.Fatalf("RoomBySlug() = %+v, %v", r, err)
	}
	if _, err := m.Room(ctx, "nope"); !errors.Is(err, room.ErrNotFound) {
		t.Errorf("Room(nope) error = %v, want ErrNotFound", err)
	}
	if err := m.CreateRoom(ctx, room.Room{ID: "r2", Slug: "ABCD"}, nil); !errors.Is(err, room.ErrValidation) {
		t.Errorf("duplicate slug error = %v, want ErrValidation", err)
	}
}

func TestMemory_TicketBelongsToRoom(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	if err := m.CreateRoom(ctx, room.Room{ID: "r2", Slug: "WXYZ"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Ticket(ctx, "r2", "A"); !errors.Is(err, room.ErrNotFound) {
		t.Errorf("Ticket(r2, A) error = %v, want ErrNotFound", err)
	}
}

func TestMemory_SelectTicketIsExclusive(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	m.SelectTicket(ctx, "r1", "A")
	m.SelectTicket(ctx, "r1", "B")

	tickets, _ := m.Tickets(ctx, "r1")
	for _, tk := range tickets {
		if tk.ID == "A" && (tk.Selected || tk.Voting) {
			t.Error("A should be deselected")
		}
		if tk.ID == "B" && !(tk.Selected && tk.Voting) {
			t.Error("B should be selected and voting")
		}
	}
}

func TestMemory_UpsertVotes(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	v := func(user, cat string, n int64) room.Vote {
		return room.Vote{UserID: user, TicketID: "A", CategoryID: cat, Value: decimal.NewFromInt(n)}
	}
	m.UpsertVotes(ctx, []room.Vote{v("u1", "c1", 1), v("u1", "c2", 2), v("u2", "c1", 3)})
	m.UpsertVotes(ctx, []room.Vote{v("u1", "c1", 5)})

	tk, _ := m.Ticket(ctx, "r1", "A")
	if len(tk.Votes) != 3 {
		t.Fatalf("votes = %+v, want 3", tk.Votes)
	}
	for _, got := range tk.Votes {
		if got.UserID == "u1" && got.CategoryID == "c1" && !got.Value.Equal(decimal.NewFromInt(5)) {
			t.Errorf("u1/c1 = %s, want 5", got.Value)
		}
	}

	m.ClearVotes(ctx, "A", "c1")
	tk, _ = m.Ticket(ctx, "r1", "A")
	if len(tk.Votes) != 1 || tk.Votes[0].CategoryID != "c2" {
		t.Errorf("after clearing c1: %+v", tk.Votes)
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	tk, _ := m.Ticket(ctx, "r1", "A")
	tk.Title = "changed"
	tk.Votes = append(tk.Votes, room.Vote{UserID: "x"})

	again, _ := m.Ticket(ctx, "r1", "A")
	if again.Title != "A" || len(again.Votes) != 0 {
		t.Errorf("stored ticket mutated through a copy: %+v", again)
	}
}

func TestMemory_DeleteRoomCascades(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	if err := m.DeleteRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RoomBySlug(ctx, "ABCD"); !errors.Is(err, room.ErrNotFound) {
		t.Error("slug should be released")
	}
	if err := m.UpsertVotes(ctx, []room.Vote{{UserID: "u", TicketID: "A", CategoryID: "c1"}}); !errors.Is(err, room.ErrNotFound) {
		t.Errorf("vote on deleted ticket error = %v, want ErrNotFound", err)
	}
}

func TestMemory_MembersAndConcurrency(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.AddMember(ctx, "r1", room.Member{UserID: string(rune('a' + i%26)), Name: "n"})
		}(i)
	}
	wg.Wait()

	members, _ := m.Members(ctx, "r1")
	if len(members) != 26 {
		t.Errorf("members = %d, want 26 distinct", len(members))
	}
	if err := m.SetSpectating(ctx, "r1", "a", true); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveMember(ctx, "r1", "zz"); !errors.Is(err, room.ErrNotFound) {
		t.Errorf("RemoveMember(zz) error = %v, want ErrNotFound", err)
	}
}
