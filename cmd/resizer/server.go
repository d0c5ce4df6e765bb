package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readiness is satisfied by *worker.Runner
type readiness interface {
	Ready() bool
	Processed() int64
}

// Routes serves health and metrics next to the worker
func Routes(runner readiness, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok", "version": version})
	})

	r.Get("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{"ready": runner.Ready(), "processed": runner.Processed()}
		if !runner.Ready() {
			render.Status(r, http.StatusServiceUnavailable)
		}
		render.JSON(w, r, status)
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
