/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the web client

ROUTE GROUPS:
  /api/services            Public catalog
  /api/provider/callback   Provider outcomes, x-api-key
  /api/accounts/*          Bearer token, own account or admin
  /api/admin/*             Bearer token, admin role
  /metrics                 Prometheus
  /healthz                 Liveness

AUTH:
  Fundings are confirmed payments posted by the payment gateway service,
  which holds an admin token; users cannot credit themselves.
  An empty JWT secret disables token checks; every caller is then treated
  as admin. Only meant for local runs.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token and API key middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the router settings that do not belong to Handler.
type RouterConfig struct {
	JWTSecret      string
	ProviderAPIKey string
	AllowedOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	authenticate := Unauthenticated
	if cfg.JWTSecret != "" {
		authenticate = Authenticate([]byte(cfg.JWTSecret))
	}

	r.Get("/healthz", h.Healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/services", h.ListServices)

		// Provider routes
		r.With(RequireAPIKey(cfg.ProviderAPIKey)).Post("/provider/callback", h.ProviderCallback)

		r.Group(func(r chi.Router) {
			r.Use(authenticate)

			// Account routes
			r.Route("/accounts", func(r chi.Router) {
				r.Post("/", h.OpenAccount)
				r.Route("/{id}", func(r chi.Router) {
					r.Use(RequireOwner)
					r.Get("/", h.GetAccount)
					r.Put("/pin", h.SetPin)
					r.Post("/purchases", h.Purchase)
					r.With(RequireAdmin).Post("/fundings", h.Fund)
					r.Get("/transactions", h.ListUserTransactions)
				})
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/accounts/{id}/credit", h.AdminCredit)
				r.Post("/accounts/{id}/debit", h.AdminDebit)
				r.Get("/transactions", h.ListAllTransactions)
				r.Post("/transactions/{id}/reverse", h.ReverseTransaction)
				r.Get("/finance/summary", h.FinanceSummary)
				r.Post("/reconcile", h.TriggerReconcile)
			})
		})
	})

	return r
}
