/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zerolog)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /api/balances/*        Balance reads, recalculation, PRN lifecycle
  /api/accreditations/*  Source data from the summary-log importer
  /api/admin/*           Rounding correction
  /api/scenarios/*       Demo scenarios
  /healthz               Liveness
  /metrics               Prometheus (when not served on a separate port)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured. metrics may
// be nil when metrics are served elsewhere.
func NewRouter(h *Handler, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", Healthz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Balance routes
		r.Route("/balances/{accreditationId}", func(r chi.Router) {
			r.Get("/", h.GetBalance)
			r.Post("/recalculate", h.Recalculate)
			r.Post("/prns", h.RingFence)
			r.Post("/prns/{prnId}/issue", h.IssuePrn)
			r.Post("/prns/{prnId}/cancel", h.CancelPrn)
		})

		// Source data routes
		r.Route("/accreditations/{accreditationId}", func(r chi.Router) {
			r.Put("/", h.PutAccreditation)
			r.Put("/records/{recordId}", h.PutWasteRecord)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/rounding-correction", h.RunRoundingCorrection)
			r.Get("/rounding-correction/status", h.GetRoundingStatus)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
