/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Metrics:    Latency histogram by route pattern
  /api routes additionally run Authenticate; /api/admin runs RequireAdmin.

ROUTE GROUPS:
  /api/tasks/*          Task lifecycle
  /api/credits/*        Balances, transactions, purchases
  /api/admin/*          Grants, reconciliation, hold expiry
  /api/notifications/*  Persisted notifications
  /api/scenarios/*      Demo scenarios
  /health, /metrics     Liveness, Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/campfire-engine/metrics"
)

// RouterOptions carries the configurable parts of the router.
type RouterOptions struct {
	Auth           Authenticator
	CORSOrigins    []string
	MetricsEnabled bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))
	if opts.MetricsEnabled {
		r.Use(instrument)
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(opts.Auth))

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.ListTasks)
			r.Post("/", h.CreateTask)
			r.Get("/{id}", h.GetTask)
			r.Delete("/{id}", h.DeleteTask)
			r.Post("/{id}/transitions", h.RequestTransition)
			r.Post("/{id}/pass", h.PassTask)
			r.Post("/{id}/claim", h.ClaimTask)
			r.Get("/{id}/history", h.GetTaskHistory)
			r.Get("/{id}/attachments", h.ListAttachments)
			r.Post("/{id}/attachments", h.AddAttachment)
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/purchase", h.Purchase)
			r.Get("/packs", h.ListPacks)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/credits/grant", h.GrantCredits)
			r.Get("/credits/{user}/reconcile", h.ReconcileUser)
			r.Post("/holds/expire", h.ExpireHolds)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.ListNotifications)
			r.Post("/read", h.MarkNotificationsRead)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.With(RequireAdmin).Post("/load", h.LoadScenario)
		})
	})

	return r
}

// instrument observes request latency labelled by chi route pattern, so
// /api/tasks/{id} is one series regardless of the id.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
