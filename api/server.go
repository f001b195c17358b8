/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /healthz               Liveness + store ping
  /api/schools/*         Schools, daily events, ledgers, period reports
  /api/reports/*         Reports by ID, stale listing

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Route("/schools", func(r chi.Router) {
			r.Get("/", h.ListSchools)
			r.Post("/", h.CreateSchool)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/summary", h.GetSummary)
				r.Post("/recalc", h.RecalcChain)

				r.Post("/events", h.CreateEvent)
				r.Put("/events/{eventID}", h.UpdateEvent)
				r.Delete("/events/{eventID}", h.DeleteEvent)

				// Period routes
				r.Route("/periods/{year}/{month}", func(r chi.Router) {
					r.Get("/events", h.ListEvents)
					r.Put("/rice", h.SaveRiceLedger)
					r.Put("/amount", h.SaveAmountLedger)
					r.Post("/reports", h.GenerateReport)
					r.Get("/reports/{kind}", h.GetPeriodReport)
					r.Post("/regenerate", h.Regenerate)
				})
			})
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/stale", h.ListStaleReports)
			r.Get("/{reportID}", h.GetReport)
		})
	})

	return r
}
