package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Abraj743/opd-token-engine/internal/token"
)

type RouterConfig struct {
	Allocator *token.Allocator
	Lifecycle *token.Lifecycle
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	Logger    zerolog.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := NewHandler(cfg.Allocator, cfg.Lifecycle)
	r.Route("/tokens", func(r chi.Router) {
		r.Post("/", h.Allocate)
		r.Post("/emergency", h.EmergencyInsertion)
		r.Post("/reallocate", h.ReallocateBatch)
		r.Get("/{id}", h.GetToken)
		r.Post("/{id}/confirm", h.Confirm)
		r.Post("/{id}/start", h.StartConsultation)
		r.Post("/{id}/complete", h.Complete)
		r.Post("/{id}/noshow", h.MarkNoShow)
		r.Post("/{id}/cancel", h.Cancel)
		r.Post("/{id}/move", h.Move)
	})

	return r
}
