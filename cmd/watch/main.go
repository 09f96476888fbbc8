// watch joins an estimation room and logs its live state: tickets, votes,
// estimates and who is connected.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"estimator/internal/aggregate"
	"estimator/internal/client"
	"estimator/internal/config"
	"estimator/internal/dispatch"
	"estimator/internal/events"
	"estimator/internal/logging"
	"estimator/internal/metrics"
	"estimator/internal/room"
	"estimator/internal/roomsync"
	"estimator/internal/scale"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var serverURL, userID, name string
	var spectate bool
	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flagSet.StringVar(&serverURL, "server", cfg.ServerURL, "estimation server base URL")
	flagSet.StringVar(&userID, "user", "", "user id (a fresh one is requested when empty)")
	flagSet.StringVar(&name, "name", "watcher", "display name used when joining")
	flagSet.BoolVar(&spectate, "spectate", true, "join as a spectator")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: watch [flags] <room-slug>\n\n%s", flagSet.FlagUsages())
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected one room slug, got %d arguments", flagSet.NArg())
	}
	slug := strings.ToUpper(flagSet.Arg(0))

	logging.Setup(cfg.LogLevel, "console")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if userID == "" {
		if userID, err = client.New(serverURL, "").Session(ctx); err != nil {
			return fmt.Errorf("requesting session: %w", err)
		}
	}
	api := client.New(serverURL, userID)
	roomID, err := api.ResolveSlug(ctx, slug)
	if err != nil {
		return fmt.Errorf("resolving room %s: %w", slug, err)
	}
	if _, err := api.Join(ctx, roomID, name); err != nil {
		return fmt.Errorf("joining room %s: %w", slug, err)
	}
	if spectate {
		if err := api.SetSpectating(ctx, roomID, true); err != nil {
			return fmt.Errorf("spectating: %w", err)
		}
	}

	loop := dispatch.NewLoop(256)
	var host *roomsync.Host
	channel := client.NewChannel(serverURL, userID, func(f events.Frame) { host.Deliver(f) })
	host = roomsync.NewHost(ctx, userID, loop, channel, api, metrics.New())

	algorithms := aggregate.Default()
	host.OnChange = func(id string) {
		report(host.Snapshot(id), host.Presence(id), algorithms)
	}
	host.OnDeleted = func(id string) {
		log.Info().Str("room", id).Msg("room deleted")
		stop()
	}

	go func() {
		if err := loop.Do(ctx, func() { host.Acquire(roomID) }); err != nil {
			log.Error().Err(err).Msg("acquiring room")
		}
	}()
	log.Info().Str("room", slug).Str("user", userID).Msg("watching")
	loop.Run(ctx)
	return nil
}

// report logs the selected ticket's votes and estimates, or the backlog
// size while nothing is selected.
func report(snap *room.Snapshot, present []string, algorithms *aggregate.Registry) {
	if snap == nil {
		return
	}
	online := append([]string(nil), present...)
	sort.Strings(online)
	entry := log.Info().
		Str("room", snap.Room.Name).
		Int("members", len(snap.Members)).
		Strs("online", online).
		Int("tickets", len(snap.Tickets))

	t, ok := snap.Selected()
	if !ok {
		entry.Msg("no ticket selected")
		return
	}
	sum := aggregate.Summarize(algorithms, snap.Room.Scale, t)
	entry = entry.
		Str("ticket", t.Title).
		Str("state", string(t.State())).
		Int("votes", sum.Votes).
		Int("abstain", sum.Abstain).
		Int("pass", sum.Pass)
	for _, cat := range snap.Categories {
		if mean, ok := sum.Means[cat.ID]; ok {
			entry = entry.Str("mean."+cat.Name, scale.Fixed(mean))
		}
	}
	for alg, v := range sum.Estimates {
		entry = entry.Str("estimate."+alg, v)
	}
	entry.Msg("room updated")
}
