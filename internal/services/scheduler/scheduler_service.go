// -----------------------------------------------------------------------
// Scheduler Service - Cron-driven queue maintenance
// -----------------------------------------------------------------------

// Package scheduler runs periodic queue maintenance: terminal-row cleanup,
// batch cleanup and the stuck-job sweep that recovers rows left in
// processing by a crashed worker.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/agenda/internal/common"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
	"github.com/ternarybob/arbor"
)

// taskEntry pairs a maintenance function with its runtime status.
type taskEntry struct {
	name    string
	handler func(ctx context.Context) error
	cronID  cron.EntryID
	status  *interfaces.ScheduledTaskStatus
}

// Service implements interfaces.SchedulerService.
type Service struct {
	queue      interfaces.QueueService
	batches    interfaces.BatchManager
	retention  time.Duration
	stuckAfter time.Duration
	schedule   string
	cron       *cron.Cron
	logger     arbor.ILogger

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	running bool

	// Serializes task execution so cleanup and the sweep never overlap
	runMu sync.Mutex
}

// NewService creates the maintenance scheduler. batches may be nil when
// no batch manager is wired.
func NewService(queueService interfaces.QueueService, batches interfaces.BatchManager, config common.QueueConfig, schedule string, logger arbor.ILogger) *Service {
	if schedule == "" {
		schedule = "*/10 * * * *"
	}
	return &Service{
		queue:      queueService,
		batches:    batches,
		retention:  config.RetentionDuration(),
		stuckAfter: config.StuckAfterDuration(),
		schedule:   schedule,
		cron:       cron.New(),
		logger:     logger,
		tasks:      make(map[string]*taskEntry),
	}
}

// Start registers the maintenance tasks and starts the cron runner.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	entries := []struct {
		name    string
		handler func(ctx context.Context) error
	}{
		{"queue-cleanup", s.runQueueCleanup},
		{"batch-cleanup", s.runBatchCleanup},
		{"stuck-job-sweep", s.runStuckJobSweep},
	}

	for _, entry := range entries {
		task := &taskEntry{
			name:    entry.name,
			handler: entry.handler,
			status: &interfaces.ScheduledTaskStatus{
				Name:     entry.name,
				Schedule: s.schedule,
			},
		}

		cronID, err := s.cron.AddFunc(s.schedule, func() { s.runTask(task) })
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", task.name, err)
		}
		task.cronID = cronID
		s.tasks[task.name] = task
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Dur("retention", s.retention).
		Dur("stuck_after", s.stuckAfter).
		Msg("Maintenance scheduler started")

	return nil
}

// Stop halts the cron runner and waits for a running task to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()

	// A task started before Stop may still hold the run lock
	s.runMu.Lock()
	s.runMu.Unlock()

	s.logger.Info().Msg("Maintenance scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TaskStatuses returns the status of every registered task.
func (s *Service) TaskStatuses() map[string]*interfaces.ScheduledTaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]*interfaces.ScheduledTaskStatus, len(s.tasks))
	for name, task := range s.tasks {
		copied := *task.status
		if entry := s.cron.Entry(task.cronID); entry.ID == task.cronID && !entry.Next.IsZero() {
			next := entry.Next
			copied.NextRun = &next
		}
		statuses[name] = &copied
	}
	return statuses
}

// runTask executes one maintenance function under the run lock and
// records its outcome. A panicking task is logged and recorded as a
// failed run; the scheduler keeps going.
func (s *Service) runTask(task *taskEntry) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := time.Now()
	err := s.invokeTask(task)

	s.mu.Lock()
	task.status.LastRun = &now
	if err != nil {
		task.status.LastError = err.Error()
	} else {
		task.status.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("task", task.name).Msg("Maintenance task failed")
	}
}

func (s *Service) invokeTask(task *taskEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			s.logger.Error().
				Str("task", task.name).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.GetStackTrace()).
				Msg("Maintenance task panicked")
		}
	}()

	return task.handler(context.Background())
}

// runQueueCleanup deletes terminal job rows older than the retention.
func (s *Service) runQueueCleanup(ctx context.Context) error {
	deleted, err := s.queue.Cleanup(ctx, s.retention)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("Terminal jobs cleaned up")
	}
	return nil
}

// runBatchCleanup drops terminal batches older than the retention.
func (s *Service) runBatchCleanup(ctx context.Context) error {
	if s.batches == nil {
		return nil
	}
	_, err := s.batches.Cleanup(ctx, s.retention)
	return err
}

// runStuckJobSweep resets processing jobs whose started_at is older than
// the stuck threshold. They return to pending with their retry count
// untouched and are picked up on the next dispatch tick.
func (s *Service) runStuckJobSweep(ctx context.Context) error {
	jobs, err := s.queue.GetActiveJobs(ctx)
	if err != nil {
		return err
	}

	cutoff := models.EpochMillis(time.Now().Add(-s.stuckAfter))
	reset := 0
	for _, job := range jobs {
		if job.Status != models.JobStatusProcessing {
			continue
		}
		if job.StartedAt == 0 || job.StartedAt >= cutoff {
			continue
		}

		if err := s.queue.ResetStuckJob(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reset stuck job")
			continue
		}

		s.logger.Warn().
			Str("job_id", job.ID).
			Str("type", job.Type).
			Int64("started_at", job.StartedAt).
			Msg("Stuck job reset to pending")
		reset++
	}

	if reset > 0 {
		s.logger.Info().Int("reset", reset).Msg("Stuck job sweep complete")
	}
	return nil
}
