package handlers

import (
	"time"

	"github.com/cardrewards/ledger/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ulule/limiter/v3"
)

type RouterConfig struct {
	// MutationTimeout bounds every pay, void and refund request.
	MutationTimeout time.Duration
	AllowedOrigins  []string
	// Ingress throttles per client IP; nil disables it.
	Ingress *limiter.Limiter
}

func NewRouter(h *LedgerHandler, cfg RouterConfig) chi.Router {
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         86400,
	}))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Ingress != nil {
			r.Use(middleware.RateLimit(cfg.Ingress))
		}

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(cfg.MutationTimeout))

			r.Post("/transactions/pay", h.Pay)
			r.Post("/transactions/void", h.Void)
			r.Post("/transactions/refund", h.Refund)
		})

		r.Get("/accounts/{id}", h.GetAccount)
		r.Get("/accounts/{id}/entries", h.ListEntries)
		r.Get("/accounts/{id}/reconcile", h.Reconcile)
	})

	return r
}
