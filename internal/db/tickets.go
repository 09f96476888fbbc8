package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"estimator/internal/room"
)

const ticketColumns = `id, room_id, external_id, title, url, type, selected, voting, done, rejected, override_value`

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(s scanner) (room.Ticket, error) {
	var (
		t        room.Ticket
		kind     string
		override decimal.NullDecimal
	)
	if err := s.Scan(&t.ID, &t.RoomID, &t.ExternalID, &t.Title, &t.URL, &kind,
		&t.Selected, &t.Voting, &t.Done, &t.Rejected, &override); err != nil {
		return room.Ticket{}, err
	}
	t.Type = room.TicketType(kind)
	t.Votes, t.Results = []room.Vote{}, []room.Result{}
	if override.Valid {
		v := override.Decimal
		t.OverrideValue = &v
	}
	return t, nil
}

func (d *DB) Tickets(ctx context.Context, roomID string) ([]room.Ticket, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE room_id = $1 ORDER BY seq
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	defer rows.Close()

	tickets := []room.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := d.attach(ctx, tickets); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (d *DB) Ticket(ctx context.Context, roomID, ticketID string) (room.Ticket, error) {
	t, err := scanTicket(d.conn.QueryRowContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE room_id = $1 AND id = $2
	`, roomID, ticketID))
	if errors.Is(err, sql.ErrNoRows) {
		return room.Ticket{}, missing("ticket", ticketID)
	}
	if err != nil {
		return room.Ticket{}, fmt.Errorf("getting ticket: %w", err)
	}
	one := []room.Ticket{t}
	if err := d.attach(ctx, one); err != nil {
		return room.Ticket{}, err
	}
	return one[0], nil
}

// attach loads votes and results for tickets in two queries.
func (d *DB) attach(ctx context.Context, tickets []room.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	ids := make([]string, len(tickets))
	index := make(map[string]int, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ID
		index[t.ID] = i
	}

	rows, err := d.conn.QueryContext(ctx, `
		SELECT user_id, ticket_id, category_id, value FROM votes
		WHERE ticket_id = ANY($1) ORDER BY updated_at, user_id, category_id
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("listing votes: %w", err)
	}
	for rows.Next() {
		var v room.Vote
		if err := rows.Scan(&v.UserID, &v.TicketID, &v.CategoryID, &v.Value); err != nil {
			rows.Close()
			return fmt.Errorf("scanning vote: %w", err)
		}
		i := index[v.TicketID]
		tickets[i].Votes = append(tickets[i].Votes, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = d.conn.QueryContext(ctx, `
		SELECT r.ticket_id, r.category_id, r.value FROM results r
		JOIN categories c ON c.id = r.category_id
		WHERE r.ticket_id = ANY($1) ORDER BY c.position
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r room.Result
		if err := rows.Scan(&r.TicketID, &r.CategoryID, &r.Value); err != nil {
			return fmt.Errorf("scanning result: %w", err)
		}
		i := index[r.TicketID]
		tickets[i].Results = append(tickets[i].Results, r)
	}
	return rows.Err()
}

func nullDecimal(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func (d *DB) AddTickets(ctx context.Context, roomID string, tickets []room.Ticket) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tickets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tickets (id, room_id, external_id, title, url, type, selected, voting, done, rejected, override_value)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, t.ID, roomID, t.ExternalID, t.Title, t.URL, string(t.Type),
				t.Selected, t.Voting, t.Done, t.Rejected, nullDecimal(t.OverrideValue))
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				return fmt.Errorf("ticket %s already exists: %w", t.ID, room.ErrValidation)
			}
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
				return missing("room", roomID)
			}
			if err != nil {
				return fmt.Errorf("adding ticket %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (d *DB) RemoveTickets(ctx context.Context, roomID string, ticketIDs []string) error {
	_, err := d.conn.ExecContext(ctx, `
		DELETE FROM tickets WHERE room_id = $1 AND id = ANY($2)
	`, roomID, pq.Array(ticketIDs))
	if err != nil {
		return fmt.Errorf("removing tickets: %w", err)
	}
	return nil
}

// SelectTicket deselects every ticket of the room before selecting the
// target, keeping the one-selected-ticket index satisfied.
func (d *DB) SelectTicket(ctx context.Context, roomID, ticketID string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET selected = false, voting = false WHERE room_id = $1 AND selected
		`, roomID); err != nil {
			return fmt.Errorf("deselecting tickets: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tickets SET selected = true, voting = true WHERE room_id = $1 AND id = $2
		`, roomID, ticketID)
		if err != nil {
			return fmt.Errorf("selecting ticket: %w", err)
		}
		return affected(res, missing("ticket", ticketID))
	})
}

func (d *DB) SaveTicketState(ctx context.Context, t room.Ticket) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE tickets SET selected = $2, voting = $3, done = $4, rejected = $5, override_value = $6
		WHERE id = $1
	`, t.ID, t.Selected, t.Voting, t.Done, t.Rejected, nullDecimal(t.OverrideValue))
	if err != nil {
		return fmt.Errorf("saving ticket state: %w", err)
	}
	return affected(res, missing("ticket", t.ID))
}
