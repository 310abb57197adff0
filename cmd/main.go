package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"speech-engine-bridge/internal/app"
	"speech-engine-bridge/internal/config"
)

func main() {
	cfg := config.Load()

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create speech engine bridge")
	}
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start speech engine bridge")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Unclean shutdown")
		os.Exit(1)
	}
}
