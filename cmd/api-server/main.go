package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Abraj743/opd-token-engine/internal/api"
	"github.com/Abraj743/opd-token-engine/internal/clock"
	"github.com/Abraj743/opd-token-engine/internal/config"
	"github.com/Abraj743/opd-token-engine/internal/db"
	"github.com/Abraj743/opd-token-engine/internal/redisclient"
	"github.com/Abraj743/opd-token-engine/internal/token"
)

const version = "0.3.0"

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api-server").Logger()
	log.Info().Msg("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("configuration loaded")

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

	redisCtx, cancelRedis := context.WithTimeout(rootCtx, 10*time.Second)
	rdb, err := redisclient.Connect(redisCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	cancelRedis()
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	clk := clock.NewSystem()
	settings := config.NewSettingsCache(config.NewViperLoader(cfg.SettingsFile), clk)
	repo := token.NewPgRepository(pgPool)
	guard := redisclient.NewOperationGuard(rdb, cfg.GuardTTL)

	allocator := token.NewAllocator(repo, guard, settings, clk, log,
		token.WithRequestDeadline(cfg.RequestDeadline))
	lifecycle := token.NewLifecycle(repo, clk, log)

	router := api.NewRouter(api.RouterConfig{
		Allocator: allocator,
		Lifecycle: lifecycle,
		PgPool:    pgPool,
		Redis:     rdb,
		Logger:    log,
		Env:       cfg.Env,
		Version:   version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
