/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/payments/*   Payment processing and history
  /api/balance      Provider balance
  /api/scheduler/*  Operational surface (status, jobs, triggers)

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/process", h.ProcessPayment)
			r.Get("/", h.ListPayments)
			r.Get("/pending", h.ListDueWorkers)
			r.Get("/stats", h.GetStats)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/cancel", h.CancelPayment)
			r.Get("/{id}/provider-status", h.GetProviderStatus)
		})

		// Provider balance
		r.Get("/balance", h.GetBalance)

		// Scheduler operational surface
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", h.GetSchedulerStatus)
			r.Get("/jobs", h.ListJobs)
			r.Delete("/jobs/{id}", h.CancelJob)
			r.Post("/reschedule", h.TriggerReschedule)
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
