// -----------------------------------------------------------------------
// Job Handler - HTTP surface for enqueue, status and recovery operations
// -----------------------------------------------------------------------

// Package handlers contains the HTTP and WebSocket surfaces of the
// service binary: job and batch operations, queue statistics, health and
// the live event feed.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
	"github.com/ternarybob/agenda/internal/queue"
	"github.com/ternarybob/arbor"
)

// enqueueRequest is the POST /api/jobs body.
type enqueueRequest struct {
	Type             string                   `json:"type"`
	Data             json.RawMessage          `json:"data"`
	Source           string                   `json:"source"`
	Metadata         models.JobContext        `json:"metadata"`
	Priority         int                      `json:"priority"`
	MaxRetries       *int                     `json:"max_retries,omitempty"`
	DelayMS          int64                    `json:"delay_ms,omitempty"`
	Deduplication    models.DeduplicationMode `json:"deduplication,omitempty"`
	DeduplicationKey string                   `json:"deduplication_key,omitempty"`
}

// JobHandler serves the job-level API routes.
type JobHandler struct {
	queue  interfaces.QueueService
	pool   interfaces.WorkerPool
	logger arbor.ILogger
}

// NewJobHandler creates the job API handler.
func NewJobHandler(queueService interfaces.QueueService, pool interfaces.WorkerPool, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		queue:  queueService,
		pool:   pool,
		logger: logger,
	}
}

// EnqueueHandler handles POST /api/jobs.
func (h *JobHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		WriteError(w, http.StatusBadRequest, "Job type is required")
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), req.Type, req.Data, models.EnqueueOptions{
		Source:           req.Source,
		Metadata:         req.Metadata,
		Priority:         req.Priority,
		MaxRetries:       req.MaxRetries,
		Delay:            time.Duration(req.DelayMS) * time.Millisecond,
		Deduplication:    req.Deduplication,
		DeduplicationKey: req.DeduplicationKey,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrNoHandler) || errors.Is(err, queue.ErrInvalidJobData) {
			status = http.StatusBadRequest
		}
		WriteError(w, status, err.Error())
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{"job_id": jobID})
}

// ListJobsHandler handles GET /api/jobs. Only active jobs are listed;
// use /api/jobs/{id} for terminal rows.
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				types = append(types, trimmed)
			}
		}
	}

	jobs, err := h.queue.GetActiveJobs(r.Context(), types...)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJobHandler handles GET /api/jobs/{id}.
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.findJob(r, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// findJob resolves by primary key first, then by payload entity id when
// requested via ?by=entity.
func (h *JobHandler) findJob(r *http.Request, id string) (*models.Job, error) {
	if r.URL.Query().Get("by") == "entity" {
		return h.queue.GetStatusByEntityID(r.Context(), id)
	}
	return h.queue.GetStatus(r.Context(), id)
}

// ResetJobHandler handles POST /api/jobs/{id}/reset, the crash-recovery
// escape hatch for rows stuck in processing.
func (h *JobHandler) ResetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := h.queue.ResetStuckJob(r.Context(), jobID); err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found or not processing")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job reset via API")
	WriteSuccess(w, "Job reset to pending")
}

// StatsHandler handles GET /api/stats: queue aggregates plus worker pool
// counters.
func (h *JobHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := h.queue.GetStats(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := map[string]interface{}{"queue": stats}
	if h.pool != nil {
		response["workers"] = h.pool.Stats()
	}

	WriteJSON(w, http.StatusOK, response)
}
