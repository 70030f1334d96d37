// Package server exposes the worker's minimal HTTP surface: liveness,
// capacity, and metrics — spec.md §4.7.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cordum/lightning-worker/internal/logging"
)

// CapacityFunc reports the claim loop's current available/total slots.
type CapacityFunc func() (available, total int)

// Server is the worker's liveness/capacity/metrics HTTP surface.
type Server struct {
	httpSrv  *http.Server
	capacity CapacityFunc
	log      logging.Logger
}

// New builds a Server bound to addr, reporting capacity via capacityFn.
func New(addr string, capacityFn CapacityFunc) *Server {
	s := &Server{capacity: capacityFn, log: logging.For("server")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", Handler())

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	available, total := s.capacity()
	w.Header().Set("Content-Type", "application/json")
	if available <= 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]int{"available": available, "capacity": total})
}

// ListenAndServe starts the server, blocking until it stops or errors.
func (s *Server) ListenAndServe() error {
	s.log.Info("server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen and serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server. cmd/worker calls it on cancellation,
// once the claim loop has stopped (spec.md §4.7).
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
