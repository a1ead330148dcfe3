// -----------------------------------------------------------------------
// Queue Service - Durable queue facade over the job_queue table
// -----------------------------------------------------------------------

// Package queue implements the durable job queue: a handler registry, the
// queue service that owns every job row mutation (enqueue with
// deduplication, atomic dequeue, completion, retry with exponential
// backoff, cleanup), and the structured errors the queue surfaces.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
)

// backoffCapMs caps the retry delay at one minute.
const backoffCapMs = 60000

// Service implements interfaces.QueueService on top of JobStorage.
type Service struct {
	storage           interfaces.JobStorage
	registry          interfaces.HandlerRegistry
	validate          *validator.Validate
	logger            arbor.ILogger
	defaultMaxRetries int

	// Serializes deduplication lookup + insert so concurrent enqueues
	// cannot both miss the same match
	enqueueMu sync.Mutex
}

// NewService creates the queue service. defaultMaxRetries applies when
// enqueue options leave MaxRetries unset; zero falls back to the model
// default.
func NewService(storage interfaces.JobStorage, registry interfaces.HandlerRegistry, defaultMaxRetries int, logger arbor.ILogger) *Service {
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = models.DefaultMaxRetries
	}
	return &Service{
		storage:           storage,
		registry:          registry,
		validate:          validator.New(),
		logger:            logger,
		defaultMaxRetries: defaultMaxRetries,
	}
}

// Enqueue validates the payload against the registered handler, applies the
// deduplication policy and persists a new pending job. Returns the id of
// the inserted job, or of the reused pending match under skip/coalesce.
func (s *Service) Enqueue(ctx context.Context, jobType string, data interface{}, opts models.EnqueueOptions) (string, error) {
	handler, ok := s.registry.GetHandler(jobType)
	if !ok {
		return "", newError(ErrNoHandler, jobType, "", nil)
	}

	raw, err := encodePayload(data)
	if err != nil {
		return "", newError(ErrInvalidJobData, jobType, "", err)
	}

	parsed, err := handler.ValidateAndParse(raw)
	if err != nil {
		return "", newError(ErrInvalidJobData, jobType, "", err)
	}
	if parsed == nil {
		return "", newError(ErrInvalidJobData, jobType, "", nil)
	}

	now := time.Now()
	nowMs := models.EpochMillis(now)
	jobID := models.NewJobID()

	// A standalone job is its own root
	metadata := opts.Metadata.Clone()
	if metadata.RootJobID == "" {
		metadata.RootJobID = jobID
	}

	checked := opts
	checked.Metadata = metadata
	if err := s.validate.Struct(&checked); err != nil {
		return "", fmt.Errorf("invalid enqueue options: %w", err)
	}

	maxRetries := s.defaultMaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return "", fmt.Errorf("invalid enqueue options: max retries cannot be negative")
		}
		maxRetries = *opts.MaxRetries
	}

	job := &models.Job{
		ID:               jobID,
		Type:             jobType,
		Data:             raw,
		Status:           models.JobStatusPending,
		Priority:         opts.Priority,
		MaxRetries:       maxRetries,
		Source:           opts.Source,
		Metadata:         metadata,
		CreatedAt:        nowMs,
		ScheduledFor:     nowMs + opts.Delay.Milliseconds(),
		DeduplicationKey: opts.DeduplicationKey,
	}

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	mode := opts.Deduplication
	if mode != "" && mode != models.DedupNone {
		reusedID, err := s.applyDeduplication(ctx, mode, job, nowMs)
		if err != nil {
			return "", err
		}
		if reusedID != "" {
			return reusedID, nil
		}
	}

	if err := s.storage.InsertJob(ctx, job); err != nil {
		return "", newError(ErrStorage, jobType, jobID, err)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("type", jobType).
		Str("source", opts.Source).
		Int("priority", opts.Priority).
		Msg("Job enqueued")

	return jobID, nil
}

// applyDeduplication resolves the dedup policy against the active set.
// Returns a non-empty id when an existing pending job absorbs this enqueue.
func (s *Service) applyDeduplication(ctx context.Context, mode models.DeduplicationMode, job *models.Job, nowMs int64) (string, error) {
	matches, err := s.storage.FindActiveMatches(ctx, job.Type, job.DeduplicationKey)
	if err != nil {
		return "", newError(ErrStorage, job.Type, "", err)
	}

	var pending *models.Job
	for _, match := range matches {
		if match.Status == models.JobStatusPending {
			pending = match
			break
		}
	}

	switch mode {
	case models.DedupSkip:
		// A processing-only match does not absorb the enqueue: the running
		// job may be operating on stale input
		if pending != nil {
			s.logger.Debug().
				Str("job_id", pending.ID).
				Str("type", job.Type).
				Str("dedup_key", job.DeduplicationKey).
				Msg("Enqueue skipped, reusing pending job")
			return pending.ID, nil
		}

	case models.DedupReplace:
		for _, match := range matches {
			if match.Status != models.JobStatusPending {
				continue
			}
			if err := s.storage.MarkFailed(ctx, match.ID, ReplacedReason, nowMs); err != nil {
				return "", newError(ErrStorage, job.Type, match.ID, err)
			}
			s.logger.Info().
				Str("replaced_job_id", match.ID).
				Str("type", job.Type).
				Msg("Pending job replaced by newer enqueue")
		}

	case models.DedupCoalesce:
		if pending != nil {
			if err := s.storage.UpdateScheduledFor(ctx, pending.ID, nowMs); err != nil {
				return "", newError(ErrStorage, job.Type, pending.ID, err)
			}
			s.logger.Debug().
				Str("job_id", pending.ID).
				Str("type", job.Type).
				Msg("Enqueue coalesced into pending job")
			return pending.ID, nil
		}
	}

	return "", nil
}

// Dequeue atomically claims the next eligible job. Returns (nil, nil) when
// nothing is ready.
func (s *Service) Dequeue(ctx context.Context) (*models.Job, error) {
	job, err := s.storage.DequeueJob(ctx, time.Now())
	if err != nil {
		return nil, newError(ErrStorage, "", "", err)
	}
	return job, nil
}

// Complete marks a job completed and stores its serialized result.
func (s *Service) Complete(ctx context.Context, jobID string, result interface{}) error {
	var encoded []byte
	if result != nil {
		raw, err := encodePayload(result)
		if err != nil {
			return fmt.Errorf("serialize result for job %s: %w", jobID, err)
		}
		encoded = raw
	}

	if err := s.storage.MarkCompleted(ctx, jobID, encoded, models.EpochMillis(time.Now())); err != nil {
		return wrapStorage(err, jobID)
	}

	s.logger.Info().Str("job_id", jobID).Msg("Job completed")
	return nil
}

// Fail records a failure. While retries remain the job returns to pending
// with exponential backoff: delay = min(1000 * 2^retryCount, 60000) ms,
// where retryCount is the count after this failure. Once retries are
// exhausted the job is marked failed and completed_at is stamped.
func (s *Service) Fail(ctx context.Context, jobID string, cause error) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return wrapStorage(err, jobID)
	}

	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	nowMs := models.EpochMillis(time.Now())

	if job.RetryCount < job.MaxRetries {
		retryCount := job.RetryCount + 1
		delayMs := backoffDelayMs(retryCount)
		scheduledFor := nowMs + delayMs

		if err := s.storage.ScheduleRetry(ctx, jobID, message, scheduledFor); err != nil {
			return wrapStorage(err, jobID)
		}

		s.logger.Warn().
			Str("job_id", jobID).
			Str("type", job.Type).
			Int("retry_count", retryCount).
			Int("max_retries", job.MaxRetries).
			Int64("delay_ms", delayMs).
			Str("error", message).
			Msg("Job failed, retry scheduled")
		return nil
	}

	if err := s.storage.MarkFailed(ctx, jobID, message, nowMs); err != nil {
		return wrapStorage(err, jobID)
	}

	s.logger.Error().
		Str("job_id", jobID).
		Str("type", job.Type).
		Int("retry_count", job.RetryCount).
		Str("error", message).
		Msg("Job failed permanently")
	return nil
}

// FailTerminal marks a job failed immediately, ignoring remaining retries.
// Non-recoverable dispatch failures (no handler, invalid payload) take this
// path: re-attempting cannot change the outcome, so no retry is scheduled.
func (s *Service) FailTerminal(ctx context.Context, jobID string, cause error) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return wrapStorage(err, jobID)
	}

	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	if err := s.storage.MarkFailed(ctx, jobID, message, models.EpochMillis(time.Now())); err != nil {
		return wrapStorage(err, jobID)
	}

	s.logger.Error().
		Str("job_id", jobID).
		Str("type", job.Type).
		Int("retry_count", job.RetryCount).
		Str("error", message).
		Msg("Job failed permanently, not retryable")
	return nil
}

// Update overwrites the job payload in place. Long-running handlers use it
// to persist incremental progress state.
func (s *Service) Update(ctx context.Context, jobID string, data interface{}) error {
	raw, err := encodePayload(data)
	if err != nil {
		return fmt.Errorf("serialize data for job %s: %w", jobID, err)
	}

	if err := s.storage.UpdateJobData(ctx, jobID, raw); err != nil {
		return wrapStorage(err, jobID)
	}
	return nil
}

// GetStatus reads a job row by primary key.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, wrapStorage(err, jobID)
	}
	return job, nil
}

// GetStatusByEntityID reads the most recent job whose payload id matches
// entityID.
func (s *Service) GetStatusByEntityID(ctx context.Context, entityID string) (*models.Job, error) {
	job, err := s.storage.GetJobByEntityID(ctx, entityID)
	if err != nil {
		return nil, wrapStorage(err, "")
	}
	return job, nil
}

// GetStats returns aggregate counts per status.
func (s *Service) GetStats(ctx context.Context) (*models.QueueStats, error) {
	stats, err := s.storage.GetStats(ctx)
	if err != nil {
		return nil, newError(ErrStorage, "", "", err)
	}
	return stats, nil
}

// GetActiveJobs returns pending and processing jobs, optionally filtered to
// a set of types, newest first.
func (s *Service) GetActiveJobs(ctx context.Context, types ...string) ([]*models.Job, error) {
	jobs, err := s.storage.GetActiveJobs(ctx, types)
	if err != nil {
		return nil, newError(ErrStorage, "", "", err)
	}
	return jobs, nil
}

// Cleanup deletes terminal jobs whose completed_at is older than the given
// age. Returns the number of rows deleted.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := models.EpochMillis(time.Now().Add(-olderThan))
	deleted, err := s.storage.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, newError(ErrStorage, "", "", err)
	}
	return deleted, nil
}

// ResetStuckJob transitions a processing job back to pending. Recovery
// escape hatch after a worker crash; the retry count is untouched.
func (s *Service) ResetStuckJob(ctx context.Context, jobID string) error {
	if err := s.storage.ResetJob(ctx, jobID); err != nil {
		return wrapStorage(err, jobID)
	}
	return nil
}

// backoffDelayMs computes the retry delay after the given failure count:
// one second doubling per failure, capped at one minute.
func backoffDelayMs(retryCount int) int64 {
	if retryCount >= 6 {
		// 1000 * 2^6 already exceeds the cap
		return backoffCapMs
	}
	delayMs := int64(1000) << uint(retryCount)
	if delayMs > backoffCapMs {
		delayMs = backoffCapMs
	}
	return delayMs
}

// encodePayload accepts pre-encoded JSON bytes or any marshalable value.
func encodePayload(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// wrapStorage classifies a storage failure, passing not-found through
// untouched so callers can match it.
func wrapStorage(err error, jobID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, interfaces.ErrJobNotFound) {
		return err
	}
	return newError(ErrStorage, "", jobID, err)
}
