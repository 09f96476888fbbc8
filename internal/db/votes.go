package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"estimator/internal/room"
)

func (d *DB) UpsertVotes(ctx context.Context, votes []room.Vote) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		for _, v := range votes {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO votes (user_id, ticket_id, category_id, value)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (user_id, ticket_id, category_id)
				DO UPDATE SET value = EXCLUDED.value, updated_at = now()
			`, v.UserID, v.TicketID, v.CategoryID, v.Value)
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
				return missing("ticket", v.TicketID)
			}
			if err != nil {
				return fmt.Errorf("upserting vote: %w", err)
			}
		}
		return nil
	})
}

// ClearVotes removes the ticket's votes in one category, or in all of them
// when categoryID is empty.
func (d *DB) ClearVotes(ctx context.Context, ticketID, categoryID string) error {
	var err error
	if categoryID == "" {
		_, err = d.conn.ExecContext(ctx, `DELETE FROM votes WHERE ticket_id = $1`, ticketID)
	} else {
		_, err = d.conn.ExecContext(ctx, `
			DELETE FROM votes WHERE ticket_id = $1 AND category_id = $2
		`, ticketID, categoryID)
	}
	if err != nil {
		return fmt.Errorf("clearing votes: %w", err)
	}
	return nil
}

func (d *DB) SaveResults(ctx context.Context, ticketID string, results []room.Result) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE ticket_id = $1`, ticketID); err != nil {
			return fmt.Errorf("clearing results: %w", err)
		}
		for _, r := range results {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO results (ticket_id, category_id, value) VALUES ($1, $2, $3)
			`, ticketID, r.CategoryID, r.Value); err != nil {
				return fmt.Errorf("saving result: %w", err)
			}
		}
		return nil
	})
}
