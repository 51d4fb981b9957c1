package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/bpm-party/internal/app"
	"example.com/bpm-party/internal/config"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		boot.Warn().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	logger, err := app.NewLogger(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("bye")
}
