package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"estimator/internal/aggregate"
	"estimator/internal/broadcast"
	"estimator/internal/config"
	"estimator/internal/db"
	"estimator/internal/events"
	"estimator/internal/logging"
	"estimator/internal/metrics"
	"estimator/internal/rooms"
	"estimator/internal/service"
	"estimator/internal/store"
)

// Routes builds the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session", s.handleSession)
	mux.HandleFunc("POST /api/rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /api/slugs/{slug}", s.handleResolveSlug)
	mux.HandleFunc("GET /api/rooms/{room}", s.handleSnapshot)
	mux.HandleFunc("DELETE /api/rooms/{room}", s.handleDeleteRoom)
	mux.HandleFunc("POST /api/rooms/{room}/join", s.handleJoin)
	mux.HandleFunc("POST /api/rooms/{room}/leave", s.handleLeave)
	mux.HandleFunc("PUT /api/rooms/{room}/spectating", s.handleSpectate)
	mux.HandleFunc("PUT /api/rooms/{room}/timer", s.handleUpdateTimer)
	mux.HandleFunc("POST /api/rooms/{room}/tickets", s.handleAddTickets)
	mux.HandleFunc("POST /api/rooms/{room}/tickets/remove", s.handleRemoveTickets)
	mux.HandleFunc("POST /api/rooms/{room}/tickets/{ticket}/select", s.handleSelectTicket)
	mux.HandleFunc("POST /api/rooms/{room}/tickets/{ticket}/votes", s.handleVote)
	mux.HandleFunc("DELETE /api/rooms/{room}/tickets/{ticket}/votes", s.handleClearVotes)
	mux.HandleFunc("PUT /api/rooms/{room}/tickets/{ticket}/can-vote", s.handleSetCanVote)
	mux.HandleFunc("POST /api/rooms/{room}/tickets/{ticket}/complete", s.handleComplete)
	mux.HandleFunc("POST /api/rooms/{room}/tickets/{ticket}/reject", s.handleReject)
	mux.HandleFunc("GET /api/rooms/{room}/tickets/{ticket}/summary", s.handleSummary)
	mux.HandleFunc("GET /api/rooms/{room}/channel", s.handleChannel)
	mux.HandleFunc("GET /api/rooms/{room}/events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func Run() error {
	appCfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(appCfg.LogLevel, appCfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	bus := events.NewBus()
	srv := &Server{
		Broadcaster: broadcast.NewBroadcaster(bus),
		Algorithms:  aggregate.Default(),
		Metrics:     m,
	}
	srv.Rooms = rooms.NewRegistry(srv.Broadcaster)

	var st service.Store = store.NewMemory()
	// Optional database connection
	if appCfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, appCfg.DatabaseURL)
		if err != nil {
			log.Error().Err(err).Str("module", "db").Msg("failed to connect, running in memory")
		} else {
			defer database.Close()
			if err := database.Migrate(ctx); err != nil {
				return err
			}
			srv.DB = database
			st = database
			log.Info().Str("module", "db").Msg("database connected and migrations applied")
		}
	} else {
		log.Info().Str("module", "db").Msg("DATABASE_URL not set, running in memory")
	}

	srv.Service = service.New(st, bus, m, service.Options{
		VotesPerMin: appCfg.VotesPerMin,
		VoteBurst:   appCfg.VoteBurst,
	})
	go srv.Rooms.Run(ctx, appCfg.SweepInterval, appCfg.RoomIdleTTL)

	httpServer := &http.Server{
		Addr:              "0.0.0.0:" + appCfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Info().Str("module", "server").Str("port", appCfg.Port).Msg("listening")
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Str("module", "server").Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
