/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /health                         Liveness
  /metrics                        Prometheus scrape endpoint
  /api/tenants                    Known tenants
  /api/tenants/{tenant}/*         Tenant-scoped loyalty API
  /api/*                          Same API bound to the default tenant

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// Metrics serves /metrics when set (usually promhttp.HandlerFor).
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/tenants", h.ListTenants)
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Use(h.withEngine)
			h.tenantRoutes(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.withEngine)
			h.tenantRoutes(r)
		})
	})

	return r
}

func (h *Handler) tenantRoutes(r chi.Router) {
	// Config routes
	r.Get("/config", h.GetConfig)
	r.Put("/config", h.UpdateConfig)

	// Customer routes
	r.Route("/customers", func(r chi.Router) {
		r.Get("/", h.ListCustomers)
		r.Post("/", h.EnrollCustomer)
		r.Get("/{id}", h.GetCustomer)
		r.Post("/{id}/deactivate", h.DeactivateCustomer)
		r.Post("/{id}/purchases", h.RecordPurchase)
		r.Get("/{id}/balance", h.GetBalance)
		r.Get("/{id}/history", h.GetHistory)
		r.Get("/{id}/max-redeemable", h.GetMaxRedeemable)
		r.Post("/{id}/adjustments", h.CreateAdjustment)
		r.Get("/{id}/rewards", h.GetEligibleRewards)
	})

	// Reward routes
	r.Route("/rewards", func(r chi.Router) {
		r.Get("/", h.ListRewards)
		r.Post("/", h.CreateReward)
		r.Get("/{id}", h.GetReward)
		r.Post("/{id}/deactivate", h.DeactivateReward)
	})

	// Redemption routes
	r.Route("/redemptions", func(r chi.Router) {
		r.Get("/", h.ListRedemptions)
		r.Post("/", h.CreateRedemption)
		r.Get("/{id}", h.GetRedemption)
		r.Post("/{id}/approve", h.ApproveRedemption)
		r.Post("/{id}/cancel", h.CancelRedemption)
	})

	// Expiry routes
	r.Route("/expiry", func(r chi.Router) {
		r.Post("/sweep", h.TriggerSweep)
		r.Get("/runs", h.ListSweepRuns)
	})

	// Scenario routes
	r.Route("/scenarios", func(r chi.Router) {
		r.Get("/", h.ListScenarios)
		r.Get("/current", h.GetCurrentScenario)
		r.Post("/load", h.LoadScenario)
		r.Post("/reset", h.ResetTenant)
	})
}
