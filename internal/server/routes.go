// Package server wires HTTP handlers into a chi router for the relay.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteOptions carries the handlers contributed by other subsystems.
type RouteOptions struct {
	// Peers is mounted at /peers when set.
	Peers http.Handler
	// Status adds fields to the /health response.
	Status func() map[string]any
	// Mount registers additional read-only routes alongside /health.
	Mount func(r chi.Router)
}

// SetupRoutes configures the relay's HTTP surface: the health check, the
// WebSocket endpoint, peer state and Prometheus metrics.
func SetupRoutes(gw *Gateway, opts RouteOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Handle("/ws", gw)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: gw.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			MaxAge:         300,
		}))

		r.Get("/", HealthHandler)
		r.Get("/health", StatusHandler(gw, opts.Status))
		r.Handle("/metrics", promhttp.Handler())
		if opts.Peers != nil {
			r.Handle("/peers", opts.Peers)
		}
		if opts.Mount != nil {
			opts.Mount(r)
		}
	})

	return r
}
