// -----------------------------------------------------------------------
// Batch Handler - HTTP surface for batch enqueue and aggregate status
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
	"github.com/ternarybob/agenda/internal/queue"
	"github.com/ternarybob/arbor"
)

// enqueueBatchRequest is the POST /api/batches body.
type enqueueBatchRequest struct {
	Operations []models.BatchOperation `json:"operations"`
	Source     string                  `json:"source"`
	Metadata   models.JobContext       `json:"metadata"`
	Priority   int                     `json:"priority"`
	MaxRetries *int                    `json:"max_retries,omitempty"`
}

// BatchHandler serves the batch-level API routes.
type BatchHandler struct {
	batches interfaces.BatchManager
	logger  arbor.ILogger
}

// NewBatchHandler creates the batch API handler.
func NewBatchHandler(batches interfaces.BatchManager, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		batches: batches,
		logger:  logger,
	}
}

// EnqueueBatchHandler handles POST /api/batches.
func (h *BatchHandler) EnqueueBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req enqueueBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	batchID, err := h.batches.EnqueueBatch(r.Context(), req.Operations, interfaces.BatchOptions{
		Source:     req.Source,
		Metadata:   req.Metadata,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		if errors.Is(err, queue.ErrBatchEmpty) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		// A partial enqueue still returns the batch id for diagnostics
		if batchID != "" {
			WriteJSON(w, http.StatusInternalServerError, map[string]string{
				"status":   "error",
				"error":    err.Error(),
				"batch_id": batchID,
			})
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{"batch_id": batchID})
}

// ListBatchesHandler handles GET /api/batches: every non-terminal batch.
func (h *BatchHandler) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	batches, err := h.batches.GetActiveBatches(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

// GetBatchHandler handles GET /api/batches/{id}.
func (h *BatchHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request, batchID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status, err := h.batches.GetBatchStatus(r.Context(), batchID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if status == nil {
		WriteError(w, http.StatusNotFound, "Batch not found")
		return
	}

	WriteJSON(w, http.StatusOK, status)
}
