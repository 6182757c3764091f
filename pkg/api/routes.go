package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		if s.limits != nil {
			r.Use(s.limits.middleware)
		}

		r.Get("/health", s.handleHealth)

		r.Get("/scenarios", s.handleListScenarios)
		r.Get("/scenarios/{id}/reviewers", s.handleListScenarioReviewers)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
			r.Get("/{id}/trajectory", s.handleGetTrajectory)
			r.Get("/{id}/results", s.handleGetResults)
		})

		r.Get("/scores", s.handleScores)

		r.Post("/benchmarks", s.handleStartBenchmark)
		r.Post("/iterations", s.handleIteration)
		r.Post("/sweeps", s.handleSweep)

		if s.artifacts != nil {
			r.Get("/artifacts/*", s.handleArtifact)
		}
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
