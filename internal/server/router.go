package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openjobspec/ojs-campaigns-nats/internal/api"
	"github.com/openjobspec/ojs-campaigns-nats/internal/core"
	"github.com/openjobspec/ojs-campaigns-nats/internal/metrics"
)

// HealthFunc reports whether the backing store is reachable.
type HealthFunc func() error

// NewRouter creates the HTTP router with the admin API and metrics.
func NewRouter(ctrl api.Controller, health HealthFunc) http.Handler {
	metrics.Register()

	r := chi.NewRouter()
	r.Use(api.RequestID)
	r.Use(api.RequestLogger)
	r.Use(api.LimitBody)
	r.NotFound(api.NotFound)
	r.MethodNotAllowed(api.MethodNotAllowed)

	r.Route("/api", api.NewAdminHandler(ctrl).Routes)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				api.WriteError(w, http.StatusServiceUnavailable, core.NewUnavailableError("nats", err))
				return
			}
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
