// Package common holds the small shared pieces of infrastructure the daemon
// leans on: the intake rate limiter and the probe endpoint server.
package common

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthServer exposes the liveness and readiness endpoints orchestration
// probes hit, plus the process metrics scrape. Liveness succeeds for as long
// as the process serves; readiness flips once startup wiring completes.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer starts the probe server on :8080. The returned server is
// already listening; the caller owns shutdown.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", hs.handleHealth)
	mux.HandleFunc("GET /v1/readiness", hs.handleReadiness)
	// Runtime and process metrics from the default registry; application
	// metrics travel the OTLP pipeline.
	mux.Handle("GET /metrics", promhttp.Handler())

	hs.server = &http.Server{
		Addr:              ":8080",
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("health server error: %v", err)
		}
	}()

	return hs
}

// Server returns the underlying HTTP server so callers can shut it down.
func (hs *HealthServer) Server() *http.Server { return hs.server }

func (hs *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !hs.ready.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "starting")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
