package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethpandaops/runwatch/pkg/orchestrator"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requestMetrics)

		r.Get("/health", s.handleHealth)

		// Legacy query-parameter endpoints.
		r.Get("/test-execution/status", s.handleStatusByQuery)
		r.Get("/test-execution/live", s.handleLiveByQuery)

		r.Route("/executions", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if s.cfg.RateLimit.Enabled {
					r.Use(s.rateLimitMiddleware("submit", s.cfg.RateLimit.Submit))
				}

				r.Post("/individual", s.handleSubmit(orchestrator.KindIndividual))
				r.Post("/tags", s.handleSubmit(orchestrator.KindTags))
				r.Post("/grep", s.handleSubmit(orchestrator.KindGrep))
				r.Post("/suite", s.handleSubmit(orchestrator.KindSuite))
			})

			r.Get("/active", s.handleActive)
			r.Get("/active/live", s.handleActiveLive)
			r.Get("/recent", s.handleRecent)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleStatus)
				r.Get("/live", s.handleLive)
				r.Get("/results", s.handleListResults)
				r.Get("/archive", s.handleArchive)

				// Recording hook endpoints.
				r.Group(func(r chi.Router) {
					if s.cfg.RateLimit.Enabled {
						r.Use(s.rateLimitMiddleware("record", s.cfg.RateLimit.Record))
					}

					r.Post("/results", s.handleRecordResult)
					r.Post("/finish", s.handleFinish)
				})
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
