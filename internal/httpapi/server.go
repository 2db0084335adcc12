// Package httpapi exposes the coordinator's operational HTTP surface:
// liveness, readiness, mirror network health and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorumdesk/txcoordinator/internal/breaker"
	"github.com/quorumdesk/txcoordinator/pkg/logger"
)

// Handler serves the operational endpoints.
type Handler struct {
	breaker  *breaker.Breaker
	registry *prometheus.Registry
	ready    func() bool
	log      *logger.Logger
}

// New constructs the handler. ready reports whether the coordinator can
// serve; nil means always ready.
func New(brk *breaker.Breaker, registry *prometheus.Registry, ready func() bool, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{breaker: brk, registry: registry, ready: ready, log: log}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/v1/networks", h.handleNetworks).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type networkHealth struct {
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

func (h *Handler) handleNetworks(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]networkHealth)
	for network, health := range h.breaker.NetworkHealth() {
		out[network] = networkHealth{
			State:        health.State.String(),
			FailureCount: health.FailureCount,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
