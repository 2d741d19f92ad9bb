// Package server exposes the operational HTTP surface: Prometheus metrics,
// health probes, job status and manual triggering.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"expense-alerts/internal/alert/scheduler"
	"expense-alerts/internal/common/logger"
)

// Pinger checks one backing dependency. Both database clients satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front for operators. It never serves business data;
// alert delivery happens entirely in the job pipeline.
type Server struct {
	httpServer *http.Server
	sched      *scheduler.Scheduler
	deps       map[string]Pinger
	log        logger.Logger
}

func New(addr string, sched *scheduler.Scheduler, deps map[string]Pinger, log logger.Logger) *Server {
	s := &Server{
		sched: sched,
		deps:  deps,
		log:   log.WithFields(map[string]interface{}{"component": "http"}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobRun)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("http server listening", map[string]interface{}{
		"addr": s.httpServer.Addr,
	})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz pings each backing dependency; any failure turns the probe
// to 503 with per-dependency detail.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps))
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	writeJSON(w, status, map[string]interface{}{
		"status": map[int]string{http.StatusOK: "healthy", http.StatusServiceUnavailable: "degraded"}[status],
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleJobs lists registered jobs and their last outcomes.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": s.sched.Jobs(),
	})
}

// handleJobRun serves POST /jobs/{name}/run: a synchronous manual trigger.
// The job's lease still guards against a concurrent scheduled run.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	name, ok := strings.CutSuffix(rest, "/run")
	if !ok || name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	outcome, err := s.sched.Trigger(r.Context(), name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": err.Error()})
		return
	}

	s.log.Info("manual job trigger", map[string]interface{}{
		"job":      name,
		"executed": outcome.Executed,
	})
	writeJSON(w, http.StatusOK, outcome)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
