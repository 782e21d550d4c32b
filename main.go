package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sljivkov/dexoracle/config"
)

const envFile = ".env"

func main() {
	var opts []config.Option
	if _, err := os.Stat(envFile); err == nil {
		opts = append(opts, config.WithEnvFile(envFile))
	} else if !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("⚠️ Cannot read env file")
	}

	cfg, err := config.NewConfig(opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := newLogger(cfg)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	oracle, err := NewOracle(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start oracle")
	}
	defer oracle.Close()

	logger.Info().
		Str("factory", cfg.FactoryAddress).
		Uints32("fee_tiers", cfg.FeeTiers).
		Int("calls_per_minute", cfg.CallsPerMinute).
		Msg("🚀 Oracle started")

	if err := oracle.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("❌ Oracle failed")
		return
	}

	logger.Info().Msg("👋 Oracle stopped")
}

// newLogger builds the process logger; validation already rejected unknown settings.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.LogFormat == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
