package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"estimator/internal/room"
)

func missing(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, room.ErrNotFound)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (d *DB) CreateRoom(ctx context.Context, r room.Room, categories []room.Category) error {
	scale, err := json.Marshal(r.Scale)
	if err != nil {
		return fmt.Errorf("encoding scale: %w", err)
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (id, slug, name, owner_id, max_members, timer_running, timer_start, timer_stop, scale, enable_abstain, enable_pass)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, r.ID, r.Slug, r.Name, r.OwnerID, r.MaxMembers,
			r.Timer.Running, nullTime(r.Timer.Start), nullTime(r.Timer.Stop),
			string(scale), r.EnableAbstain, r.EnablePass)
		if err != nil {
			return fmt.Errorf("creating room: %w", err)
		}
		for i, c := range categories {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO categories (id, room_id, name, position) VALUES ($1, $2, $3, $4)
			`, c.ID, r.ID, c.Name, i); err != nil {
				return fmt.Errorf("creating category %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

const roomColumns = `id, slug, name, owner_id, max_members, timer_running, timer_start, timer_stop, scale, enable_abstain, enable_pass`

func scanRoom(row *sql.Row, key string) (room.Room, error) {
	var (
		r           room.Room
		start, stop sql.NullTime
		scale       []byte
	)
	err := row.Scan(&r.ID, &r.Slug, &r.Name, &r.OwnerID, &r.MaxMembers,
		&r.Timer.Running, &start, &stop, &scale, &r.EnableAbstain, &r.EnablePass)
	if errors.Is(err, sql.ErrNoRows) {
		return room.Room{}, missing("room", key)
	}
	if err != nil {
		return room.Room{}, fmt.Errorf("getting room: %w", err)
	}
	r.Timer.Start = timePtr(start)
	r.Timer.Stop = timePtr(stop)
	if err := json.Unmarshal(scale, &r.Scale); err != nil {
		return room.Room{}, fmt.Errorf("decoding scale of room %s: %w", r.ID, err)
	}
	return r, nil
}

func (d *DB) Room(ctx context.Context, roomID string) (room.Room, error) {
	return scanRoom(d.conn.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID), roomID)
}

func (d *DB) RoomBySlug(ctx context.Context, slug string) (room.Room, error) {
	return scanRoom(d.conn.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE slug = $1`, slug), slug)
}

// DeleteRoom clears the room's dependents explicitly before the room row so
// the cascade does not hinge on the foreign keys alone.
func (d *DB) DeleteRoom(ctx context.Context, roomID string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM votes WHERE ticket_id IN (SELECT id FROM tickets WHERE room_id = $1)`,
			`DELETE FROM results WHERE ticket_id IN (SELECT id FROM tickets WHERE room_id = $1)`,
			`DELETE FROM tickets WHERE room_id = $1`,
			`DELETE FROM members WHERE room_id = $1`,
			`DELETE FROM categories WHERE room_id = $1`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, roomID); err != nil {
				return fmt.Errorf("deleting room dependents: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
		if err != nil {
			return fmt.Errorf("deleting room: %w", err)
		}
		return affected(res, missing("room", roomID))
	})
}

func (d *DB) UpdateTimer(ctx context.Context, roomID string, timer room.Timer) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE rooms SET timer_running = $2, timer_start = $3, timer_stop = $4 WHERE id = $1
	`, roomID, timer.Running, nullTime(timer.Start), nullTime(timer.Stop))
	if err != nil {
		return fmt.Errorf("updating timer: %w", err)
	}
	return affected(res, missing("room", roomID))
}

func (d *DB) Categories(ctx context.Context, roomID string) ([]room.Category, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, room_id, name FROM categories WHERE room_id = $1 ORDER BY position
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()

	var out []room.Category
	for rows.Next() {
		var c room.Category
		if err := rows.Scan(&c.ID, &c.RoomID, &c.Name); err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) Members(ctx context.Context, roomID string) ([]room.Member, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT user_id, name, spectating FROM members WHERE room_id = $1 ORDER BY joined_at, user_id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []room.Member
	for rows.Next() {
		var m room.Member
		if err := rows.Scan(&m.UserID, &m.Name, &m.Spectating); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) AddMember(ctx context.Context, roomID string, m room.Member) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO members (room_id, user_id, name, spectating)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, user_id) DO UPDATE SET name = $3, spectating = $4
	`, roomID, m.UserID, m.Name, m.Spectating)
	if err != nil {
		return fmt.Errorf("adding member: %w", err)
	}
	return nil
}

func (d *DB) RemoveMember(ctx context.Context, roomID, userID string) error {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM members WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	return affected(res, missing("member", userID))
}

func (d *DB) SetSpectating(ctx context.Context, roomID, userID string, spectating bool) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE members SET spectating = $3 WHERE room_id = $1 AND user_id = $2
	`, roomID, userID, spectating)
	if err != nil {
		return fmt.Errorf("updating member: %w", err)
	}
	return affected(res, missing("member", userID))
}
