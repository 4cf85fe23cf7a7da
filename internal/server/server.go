// Package server wires the router's public HTTP surface.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/llamaswarm/internal/api"
	"github.com/gaspardpetit/llamaswarm/internal/apierr"
	"github.com/gaspardpetit/llamaswarm/internal/availability"
	"github.com/gaspardpetit/llamaswarm/internal/config"
	"github.com/gaspardpetit/llamaswarm/internal/logx"
	"github.com/gaspardpetit/llamaswarm/internal/router"
)

const maxBodyBytes = 32 << 20

// New constructs the HTTP handler for the router.
func New(cfg config.RouterConfig, rt *router.Router) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{api.RequestIDHeader},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/completion", completionHandler(rt))
	r.Get("/api/workers", workersHandler(rt))
	if cfg.MetricsAddr == "" || cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func completionHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			apierr.Write(w, apierr.InvalidRequest("Request body could not be read: "+err.Error()))
			return
		}
		// The id assigned by the RequestID middleware travels to the worker.
		h := r.Header.Clone()
		if id := chiMiddleware.GetReqID(r.Context()); id != "" {
			h.Set(api.RequestIDHeader, id)
		}
		resp, err := rt.Route(r.Context(), body, h)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		resp.Write(w)
	}
}

func workersHandler(rt *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := rt.Workers(r.Context())
		if err != nil {
			apierr.Write(w, apierr.UnknownServer(err))
			return
		}
		if records == nil {
			records = []availability.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"workers": records}); err != nil {
			logx.Log.Error().Err(err).Msg("write workers")
		}
	}
}
