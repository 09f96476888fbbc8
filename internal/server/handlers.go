package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"estimator/internal/aggregate"
	"estimator/internal/broadcast"
	"estimator/internal/db"
	"estimator/internal/metrics"
	"estimator/internal/room"
	"estimator/internal/rooms"
	"estimator/internal/service"
)

const userCookie = "user_id"

type Server struct {
	Service     *service.Service
	Algorithms  *aggregate.Registry
	Rooms       *rooms.Registry
	Broadcaster *broadcast.Broadcaster
	Metrics     *metrics.Metrics
	DB          *db.DB // nil if no database configured
}

// userID identifies the caller by header first, then by cookie.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	if c, err := r.Cookie(userCookie); err == nil {
		return c.Value
	}
	return ""
}

// actor resolves the caller or answers 401 itself.
func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userID(r)
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "no user id"})
		return "", false
	}
	return id, true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("module", "server").Msg("writing response")
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, room.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, room.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, room.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "server").Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %v: %w", err, room.ErrValidation)
	}
	return nil
}

// handleSession hands out a fresh user id and remembers it in a cookie.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	if id == "" {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     userCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": id})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var in service.NewRoom
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.Service.CreateRoom(r.Context(), user, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleResolveSlug(w http.ResponseWriter, r *http.Request) {
	id, err := s.Service.ResolveSlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	snap, err := s.Service.Snapshot(r.Context(), user, r.PathValue("room"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	if err := s.Service.DeleteRoom(r.Context(), user, r.PathValue("room")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type joinRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var in joinRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.Service.Join(r.Context(), user, r.PathValue("room"), in.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	if err := s.Service.Leave(r.Context(), user, r.PathValue("room")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type spectateRequest struct {
	Spectating bool `json:"spectating"`
}

func (s *Server) handleSpectate(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var in spectateRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Service.SetSpectating(r.Context(), user, r.PathValue("room"), in.Spectating); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ticketsRequest struct {
	Tickets []room.Ticket `json:"tickets"`
}

type ticketsResponse struct {
	Tickets []room.Ticket `json:"tickets"`
}

func (s *Server) handleAddTickets(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var in ticketsRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	stored, err := s.Service.AddTickets(r.Context(), user, r.PathValue("room"), in.Tickets)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticketsResponse{Tickets: stored})
}

type removeTicketsRequest struct {
	TicketIDs []string `json:"ticketIds"`
}

func (s *Server) handleRemoveTickets(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var in removeTicketsRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Service.RemoveTickets(r.Context(), user, r.PathValue("room"), in.TicketIDs); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectTicket(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	t, err := s.Service.SelectTicket(r.Context(), user, r.PathValue("room"), r.PathValue("ticket"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type voteRequest struct {
	Values []room.CategoryValue `json:"values"`
}

type votesResponse struct {
	Votes []room.Vote `json:"votes"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var in voteRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	votes, err := s.Service.Vote(r.Context(), user, r.PathValue("room"), r.PathValue("ticket"), in.Values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, votesResponse{Votes: votes})
}

// handleClearVotes clears one category when ?category= is given, every
// category otherwise.
func (s *Server) handleClearVotes(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	err := s.Service.ClearVotes(r.Context(), user, r.PathValue("room"), r.PathValue("ticket"), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type canVoteRequest struct {
	CanVote bool `json:"canVote"`
}

func (s *Server) handleSetCanVote(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var in canVoteRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Service.SetCanVote(r.Context(), user, r.PathValue("room"), r.PathValue("ticket"), in.CanVote); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeRequest struct {
	OverrideValue *decimal.Decimal `json:"overrideValue"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var in completeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}
	}
	t, err := s.Service.CompleteTicket(r.Context(), user, r.PathValue("room"), r.PathValue("ticket"), in.OverrideValue)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	t, err := s.Service.RejectTicket(r.Context(), user, r.PathValue("room"), r.PathValue("ticket"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTimer(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var timer room.Timer
	if err := decodeBody(w, r, &timer); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Service.UpdateTimer(r.Context(), user, r.PathValue("room"), timer); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSummary reports the spread of a ticket's votes and the estimate of
// every registered algorithm, snapped to the room scale.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	snap, err := s.Service.Snapshot(r.Context(), user, r.PathValue("room"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, found := snap.Ticket(r.PathValue("ticket"))
	if !found {
		writeError(w, r, fmt.Errorf("ticket %s: %w", r.PathValue("ticket"), room.ErrNotFound))
		return
	}
	algs := s.Algorithms
	if algs == nil {
		algs = aggregate.Default()
	}
	writeJSON(w, http.StatusOK, aggregate.Summarize(algs, snap.Room.Scale, t))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.DB != nil {
		if err := s.DB.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db_error", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
