// -----------------------------------------------------------------------
// Progress Monitor - Event-driven job and batch lifecycle broadcasting
// -----------------------------------------------------------------------

// Package monitor broadcasts job and batch lifecycle events on the
// job-progress channel. The worker pool and handlers call its entry
// points directly; nothing polls.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/agenda/internal/common"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
	"github.com/ternarybob/arbor"
)

// reportState remembers the previous progress report for a job so the
// next report can derive rate and ETA from the delta.
type reportState struct {
	at       time.Time
	progress int
}

// Monitor implements interfaces.ProgressMonitor over a message bus.
type Monitor struct {
	jobs    interfaces.JobStatusReader
	batches interfaces.BatchStatusReader
	bus     interfaces.MessageBus
	logger  arbor.ILogger

	mu          sync.Mutex
	lastReports map[string]reportState
}

// NewMonitor creates a progress monitor. batches may be nil when no batch
// manager is wired; batch members then roll up to events without details.
func NewMonitor(jobs interfaces.JobStatusReader, batches interfaces.BatchStatusReader, bus interfaces.MessageBus, logger arbor.ILogger) *Monitor {
	return &Monitor{
		jobs:        jobs,
		batches:     batches,
		bus:         bus,
		logger:      logger,
		lastReports: make(map[string]reportState),
	}
}

// CreateProgressReporter builds a reporter bound to one job id. Construct
// one per dispatch; never share across jobs.
func (m *Monitor) CreateProgressReporter(jobID string) interfaces.ProgressReporter {
	return &Reporter{jobID: jobID, monitor: m}
}

// Reporter forwards handler progress to the monitor with the job id
// already bound.
type Reporter struct {
	jobID   string
	monitor *Monitor
}

// Report emits a processing event for the bound job. Reports from batch
// members are suppressed; the batch rollup event is authoritative for them.
func (r *Reporter) Report(ctx context.Context, update models.ProgressUpdate) error {
	return r.monitor.reportProgress(ctx, r.jobID, update)
}

func (m *Monitor) reportProgress(ctx context.Context, jobID string, update models.ProgressUpdate) error {
	job, err := m.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return fmt.Errorf("progress report for unknown job %s: %w", jobID, err)
	}

	if job.IsBatchMember() {
		m.logger.Debug().
			Str("job_id", jobID).
			Str("batch_id", job.Metadata.RootJobID).
			Msg("Individual progress suppressed for batch member")
		return nil
	}

	detail := &models.ProgressDetail{
		Current: update.Progress,
		Total:   update.Total,
	}
	if update.Total > 0 {
		detail.Percentage = float64(update.Progress) / float64(update.Total) * 100
	}

	now := time.Now()
	m.mu.Lock()
	if prev, ok := m.lastReports[jobID]; ok {
		elapsed := now.Sub(prev.at).Seconds()
		delta := update.Progress - prev.progress
		if elapsed > 0 && delta > 0 {
			detail.Rate = float64(delta) / elapsed
			if update.Total > 0 {
				detail.ETA = float64(update.Total-update.Progress) / detail.Rate
			}
		}
	}
	m.lastReports[jobID] = reportState{at: now, progress: update.Progress}
	m.mu.Unlock()

	event := &models.JobProgressEvent{
		ID:        jobID,
		Type:      models.EventTargetJob,
		Status:    models.JobStatusProcessing,
		Message:   update.Message,
		Progress:  detail,
		Metadata:  job.Metadata.Clone(),
		Timestamp: models.EpochMillis(now),
	}

	return m.send(ctx, event)
}

// EmitBatchProgress broadcasts an aggregated batch event.
func (m *Monitor) EmitBatchProgress(ctx context.Context, batchID string, status *models.BatchStatus, metadata models.JobContext) error {
	event := &models.JobProgressEvent{
		ID:        batchID,
		Type:      models.EventTargetBatch,
		Status:    models.JobStatusProcessing,
		Metadata:  metadata.Clone(),
		Timestamp: models.EpochMillis(time.Now()),
	}

	if status != nil {
		event.Status = status.Status
		event.Operation = status.CurrentOperation
		event.BatchDetails = &models.BatchDetails{
			TotalOperations:     status.TotalOperations,
			CompletedOperations: status.CompletedOperations,
			FailedOperations:    status.FailedOperations,
			CurrentOperation:    status.CurrentOperation,
			Errors:              status.Errors,
		}
	}

	return m.send(ctx, event)
}

// HandleJobStatusChange is called by the worker pool on terminal
// transitions. Batch members roll up to a batch event; standalone jobs
// emit a job event carrying job details.
func (m *Monitor) HandleJobStatusChange(ctx context.Context, jobID string, status models.JobStatus, metadata models.JobContext) error {
	m.mu.Lock()
	delete(m.lastReports, jobID)
	batches := m.batches
	m.mu.Unlock()

	if metadata.RootJobID != "" && metadata.RootJobID != jobID {
		batchID := metadata.RootJobID

		var batchStatus *models.BatchStatus
		if batches != nil {
			var err error
			batchStatus, err = batches.GetBatchStatus(ctx, batchID)
			if err != nil {
				m.logger.Warn().
					Err(err).
					Str("batch_id", batchID).
					Msg("Batch rollup failed, emitting event without details")
			}
		}

		return m.EmitBatchProgress(ctx, batchID, batchStatus, metadata)
	}

	event := &models.JobProgressEvent{
		ID:        jobID,
		Type:      models.EventTargetJob,
		Status:    status,
		Metadata:  metadata.Clone(),
		Timestamp: models.EpochMillis(time.Now()),
	}

	// Job details ride terminal events so subscribers can display the
	// outcome without another lookup
	if job, err := m.jobs.GetStatus(ctx, jobID); err == nil {
		event.JobDetails = &models.JobDetails{
			JobType:    job.Type,
			Priority:   job.Priority,
			RetryCount: job.RetryCount,
		}
		if status == models.JobStatusFailed {
			event.Message = job.LastError
		}
	} else {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Terminal event without job details")
	}

	return m.send(ctx, event)
}

func (m *Monitor) send(ctx context.Context, event *models.JobProgressEvent) error {
	err := m.bus.Send(ctx, interfaces.JobProgressChannel, event, interfaces.SendOptions{
		Sender:        interfaces.ProgressMonitorSender,
		CorrelationID: common.NewCorrelationID(),
		Broadcast:     true,
	})
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("event_id", event.ID).
			Str("status", string(event.Status)).
			Msg("Failed to broadcast progress event")
		return err
	}

	m.logger.Debug().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("status", string(event.Status)).
		Msg("Progress event broadcast")
	return nil
}
