package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-ha/pkg/election"
	"github.com/dd0wney/cluso-ha/pkg/group"
	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/lock"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Status is the document served on /status and read by hatop.
type Status struct {
	Cluster     string             `json:"cluster"`
	Node        string             `json:"node"`
	Local       group.Member       `json:"local"`
	Witness     string             `json:"witness"`
	Uptime      float64            `json:"uptime_seconds"`
	Health      *election.Snapshot `json:"health"`
	View        group.View         `json:"view"`
	Coordinator group.Member       `json:"coordinator"`
	Locks       lock.Stats         `json:"locks"`
}

type statusSource interface {
	Status() Status
	Elect(ctx context.Context) error
}

func newMux(src statusSource, checker *health.HealthChecker, reg *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", checker.HTTPHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadinessHandler())
	mux.HandleFunc("GET /health/live", checker.LivenessHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg.GetPrometheusRegistry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, src.Status())
	})

	// Manual election: one attempt, no backoff.
	mux.HandleFunc("POST /elect", func(w http.ResponseWriter, r *http.Request) {
		err := src.Elect(r.Context())
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, src.Status())
		case errors.Is(err, election.ErrNoCandidate):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, election.ErrNotRunning):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
