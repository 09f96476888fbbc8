// Package client talks to the estimation server on behalf of one user: a
// JSON API client that serves as the optimistic coordinator's authority,
// and a websocket subscriber that feeds room channels to a sync host.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"estimator/internal/room"
	"estimator/internal/service"
)

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

func New(baseURL, userID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) UserID() string { return c.userID }

type errorBody struct {
	Error string `json:"error"`
}

// statusError maps a failed response onto the room error taxonomy.
func statusError(status int, msg string) error {
	var kind error
	switch status {
	case http.StatusNotFound:
		kind = room.ErrNotFound
	case http.StatusBadRequest:
		kind = room.ErrValidation
	case http.StatusForbidden, http.StatusUnauthorized:
		kind = room.ErrForbidden
	case http.StatusTooManyRequests:
		kind = service.ErrRateLimited
	default:
		kind = room.ErrTransport
	}
	return fmt.Errorf("server answered %d %s: %w", status, msg, kind)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(room.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		json.NewDecoder(resp.Body).Decode(&eb)
		return statusError(resp.StatusCode, eb.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Join(room.ErrTransport, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

func roomPath(roomID string) string {
	return "/api/rooms/" + url.PathEscape(roomID)
}

func ticketPath(roomID, ticketID string) string {
	return roomPath(roomID) + "/tickets/" + url.PathEscape(ticketID)
}

// Session asks the server for a fresh user id.
func (c *Client) Session(ctx context.Context) (string, error) {
	var out struct {
		UserID string `json:"userId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/session", nil, &out); err != nil {
		return "", err
	}
	return out.UserID, nil
}

func (c *Client) CreateRoom(ctx context.Context, in service.NewRoom) (*room.Snapshot, error) {
	var snap room.Snapshot
	if err := c.do(ctx, http.MethodPost, "/api/rooms", in, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) ResolveSlug(ctx context.Context, slug string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/slugs/"+url.PathEscape(slug), nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) Join(ctx context.Context, roomID, name string) (*room.Snapshot, error) {
	var snap room.Snapshot
	body := struct {
		Name string `json:"name"`
	}{name}
	if err := c.do(ctx, http.MethodPost, roomPath(roomID)+"/join", body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, roomPath(roomID), nil, nil)
}

func (c *Client) FetchSnapshot(ctx context.Context, roomID string) (*room.Snapshot, error) {
	var snap room.Snapshot
	if err := c.do(ctx, http.MethodGet, roomPath(roomID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) Leave(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID)+"/leave", nil, nil)
}

func (c *Client) SetSpectating(ctx context.Context, roomID string, spectating bool) error {
	body := struct {
		Spectating bool `json:"spectating"`
	}{spectating}
	return c.do(ctx, http.MethodPut, roomPath(roomID)+"/spectating", body, nil)
}

func (c *Client) UpdateTimer(ctx context.Context, roomID string, timer room.Timer) error {
	return c.do(ctx, http.MethodPut, roomPath(roomID)+"/timer", timer, nil)
}

type ticketList struct {
	Tickets []room.Ticket `json:"tickets"`
}

func (c *Client) AddTickets(ctx context.Context, roomID string, tickets []room.Ticket) ([]room.Ticket, error) {
	var out ticketList
	if err := c.do(ctx, http.MethodPost, roomPath(roomID)+"/tickets", ticketList{Tickets: tickets}, &out); err != nil {
		return nil, err
	}
	return out.Tickets, nil
}

func (c *Client) RemoveTickets(ctx context.Context, roomID string, ticketIDs []string) error {
	body := struct {
		TicketIDs []string `json:"ticketIds"`
	}{ticketIDs}
	return c.do(ctx, http.MethodPost, roomPath(roomID)+"/tickets/remove", body, nil)
}

func (c *Client) SelectTicket(ctx context.Context, roomID, ticketID string) (room.Ticket, error) {
	var t room.Ticket
	err := c.do(ctx, http.MethodPost, ticketPath(roomID, ticketID)+"/select", nil, &t)
	return t, err
}

func (c *Client) Vote(ctx context.Context, roomID, ticketID string, values []room.CategoryValue) ([]room.Vote, error) {
	body := struct {
		Values []room.CategoryValue `json:"values"`
	}{values}
	var out struct {
		Votes []room.Vote `json:"votes"`
	}
	if err := c.do(ctx, http.MethodPost, ticketPath(roomID, ticketID)+"/votes", body, &out); err != nil {
		return nil, err
	}
	return out.Votes, nil
}

func (c *Client) ClearVotes(ctx context.Context, roomID, ticketID, categoryID string) error {
	path := ticketPath(roomID, ticketID) + "/votes"
	if categoryID != "" {
		path += "?category=" + url.QueryEscape(categoryID)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) SetCanVote(ctx context.Context, roomID, ticketID string, canVote bool) error {
	body := struct {
		CanVote bool `json:"canVote"`
	}{canVote}
	return c.do(ctx, http.MethodPut, ticketPath(roomID, ticketID)+"/can-vote", body, nil)
}

func (c *Client) CompleteTicket(ctx context.Context, roomID, ticketID string, override *decimal.Decimal) (room.Ticket, error) {
	body := struct {
		OverrideValue *decimal.Decimal `json:"overrideValue"`
	}{override}
	var t room.Ticket
	err := c.do(ctx, http.MethodPost, ticketPath(roomID, ticketID)+"/complete", body, &t)
	return t, err
}

func (c *Client) RejectTicket(ctx context.Context, roomID, ticketID string) (room.Ticket, error) {
	var t room.Ticket
	err := c.do(ctx, http.MethodPost, ticketPath(roomID, ticketID)+"/reject", nil, &t)
	return t, err
}
