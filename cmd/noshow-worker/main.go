package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Abraj743/opd-token-engine/internal/clock"
	"github.com/Abraj743/opd-token-engine/internal/config"
	"github.com/Abraj743/opd-token-engine/internal/db"
	"github.com/Abraj743/opd-token-engine/internal/token"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "noshow-worker").Logger()
	log.Info().Msg("noshow-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("grace", cfg.NoShowGrace).
		Msg("running no-show worker")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	clk := clock.NewSystem()
	repo := token.NewPgRepository(pgPool)
	lifecycle := token.NewLifecycle(repo, clk, log)
	sweeper := token.NewNoShowSweeper(repo, lifecycle, clk, cfg.NoShowGrace, log)

	// Run once at startup
	runOnce(rootCtx, sweeper, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping no-show worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, sweeper, log)
		}
	}
}

func runOnce(ctx context.Context, sweeper *token.NoShowSweeper, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	marked, err := sweeper.Run(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("sweep run error")
		return
	}
	log.Info().Int("marked", marked).Dur("took", time.Since(start)).Msg("sweep run complete")
}
