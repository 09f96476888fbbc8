package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"estimator/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
