// -----------------------------------------------------------------------
// Routes - HTTP route table for the operational API
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event feed
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)  // GET (active list), POST (enqueue)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // GET /{id}, POST /{id}/reset

	// Batches
	mux.HandleFunc("/api/batches", s.handleBatchesRoute)  // GET (active list), POST (enqueue)
	mux.HandleFunc("/api/batches/", s.handleBatchRoutes)  // GET /{id}

	// Stats and system
	mux.HandleFunc("/api/stats", s.app.JobHandler.StatsHandler)
	mux.HandleFunc("/api/scheduler", s.app.StatusHandler.SchedulerHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)
	mux.HandleFunc("/healthz", s.app.StatusHandler.HealthHandler)

	// Prometheus scrape endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))

	return mux
}

// handleJobsRoute dispatches /api/jobs by method
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.app.JobHandler.EnqueueHandler(w, r)
	default:
		s.app.JobHandler.ListJobsHandler(w, r)
	}
}

// handleJobRoutes dispatches /api/jobs/{id} and /api/jobs/{id}/reset
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.app.JobHandler.GetJobHandler(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "reset":
		s.app.JobHandler.ResetJobHandler(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

// handleBatchesRoute dispatches /api/batches by method
func (s *Server) handleBatchesRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.app.BatchHandler.EnqueueBatchHandler(w, r)
	default:
		s.app.BatchHandler.ListBatchesHandler(w, r)
	}
}

// handleBatchRoutes dispatches /api/batches/{id}
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	batchID := strings.TrimPrefix(r.URL.Path, "/api/batches/")
	if batchID == "" || strings.Contains(batchID, "/") {
		http.NotFound(w, r)
		return
	}
	s.app.BatchHandler.GetBatchHandler(w, r, batchID)
}
