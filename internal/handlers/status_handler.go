package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/agenda/internal/common"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// StatusHandler serves health, version and scheduler status.
type StatusHandler struct {
	scheduler interfaces.SchedulerService
	startedAt time.Time
	logger    arbor.ILogger
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(scheduler interfaces.SchedulerService, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		scheduler: scheduler,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// HealthHandler handles GET /healthz.
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.startedAt).String(),
	})
}

// VersionHandler handles GET /api/version.
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetFullVersion(),
	})
}

// SchedulerHandler handles GET /api/scheduler: registered maintenance
// tasks and their last outcomes.
func (h *StatusHandler) SchedulerHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if h.scheduler == nil {
		WriteJSON(w, http.StatusOK, map[string]interface{}{"running": false})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running": h.scheduler.IsRunning(),
		"tasks":   h.scheduler.TaskStatuses(),
	})
}
