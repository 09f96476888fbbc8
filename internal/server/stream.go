package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"estimator/internal/wshub"
)

const clientBuffer = 64

// handleChannel upgrades to a websocket that carries every frame published
// for the room plus the hub's presence frames. Only members may subscribe.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("room")
	if _, err := s.Service.Snapshot(r.Context(), user, roomID); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "server").Str("room", roomID).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	live := s.Rooms.Open(roomID)
	c := &wshub.Client{
		ID:     uuid.NewString(),
		UserID: user,
		Conn:   conn,
		Send:   make(chan []byte, clientBuffer),
	}
	c.CloseSlow = func() {
		conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
	}
	live.Hub.Register(c)
	if s.Metrics != nil {
		s.Metrics.Connections.Inc()
	}
	log.Debug().Str("module", "server").Str("room", roomID).Str("user", user).Msg("channel connected")

	// The channel is one-way; reading only notices the peer closing.
	ctx := conn.CloseRead(r.Context())
	c.WritePump(ctx)

	live.Hub.Unregister(c.ID)
	if s.Metrics != nil {
		s.Metrics.Connections.Dec()
	}
	conn.Close(websocket.StatusNormalClosure, "")
	log.Debug().Str("module", "server").Str("room", roomID).Str("user", user).Msg("channel disconnected")
}

// handleEvents streams the room's published frames as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("room")
	if _, err := s.Service.Snapshot(r.Context(), user, roomID); err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames := s.Broadcaster.Subscribe(roomID)
	defer s.Broadcaster.Unsubscribe(roomID, frames)

	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				log.Error().Err(err).Str("module", "server").Msg("marshal error")
				continue
			}
			fmt.Fprintf(w, "event: %s\n", f.Event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
