// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP API for the workflow daemon.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries build information surfaced by the API.
type RouterConfig struct {
	Version string
}

// Router wires the API handlers onto a ServeMux.
type Router struct {
	mux *http.ServeMux
}

// NewRouter builds the full route table. The metrics registry is
// exposed read-only on /metrics; a nil registry disables the endpoint.
func NewRouter(cfg RouterConfig, service WorkflowService, store Pinger, registry *prometheus.Registry, logger *slog.Logger) *Router {
	mux := http.NewServeMux()

	NewWorkflowsHandler(service, logger).RegisterRoutes(mux)
	NewHealthHandler(store, cfg.Version).RegisterRoutes(mux)

	if registry != nil {
		handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		mux.HandleFunc("GET /metrics", handler.ServeHTTP)
	}

	return &Router{mux: mux}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	store   Pinger
	version string
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(store Pinger, version string) *HealthHandler {
	return &HealthHandler{store: store, version: version}
}

// RegisterRoutes registers the health endpoint on the mux. The bare
// /health alias exists for load balancer probes.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.handleHealth)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *HealthHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":  "ok",
		"mongodb": "connected",
		"version": h.version,
	}
	status := http.StatusOK
	if h.store == nil || h.store.Ping(r.Context()) != nil {
		resp["status"] = "degraded"
		resp["mongodb"] = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
