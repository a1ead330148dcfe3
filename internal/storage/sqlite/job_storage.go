package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
)

// jobColumns is the canonical column list shared by every job SELECT.
const jobColumns = `id, type, data, status, priority, retry_count, max_retries,
	last_error, result, source, metadata, created_at, scheduled_for,
	started_at, completed_at, deduplication_key`

// rowScanner abstracts sql.Row and sql.Rows for shared scan logic
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// JobStorage implements SQLite persistence for the job queue
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// InsertJob persists a new job row
func (s *JobStorage) InsertJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize job metadata: %w", err)
	}

	// Handle nullable columns
	var lastError, result, source, dedupKey sql.NullString
	if job.LastError != "" {
		lastError.Valid = true
		lastError.String = job.LastError
	}
	if len(job.Result) > 0 {
		result.Valid = true
		result.String = string(job.Result)
	}
	if job.Source != "" {
		source.Valid = true
		source.String = job.Source
	}
	if job.DeduplicationKey != "" {
		dedupKey.Valid = true
		dedupKey.String = job.DeduplicationKey
	}

	var startedAt, completedAt sql.NullInt64
	if job.StartedAt != 0 {
		startedAt.Valid = true
		startedAt.Int64 = job.StartedAt
	}
	if job.CompletedAt != 0 {
		completedAt.Valid = true
		completedAt.Int64 = job.CompletedAt
	}

	query := `
		INSERT INTO job_queue (
			id, type, data, status, priority, retry_count, max_retries,
			last_error, result, source, metadata, created_at, scheduled_for,
			started_at, completed_at, deduplication_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.db.ExecContext(ctx, query,
		job.ID,
		job.Type,
		string(job.Data),
		string(job.Status),
		job.Priority,
		job.RetryCount,
		job.MaxRetries,
		lastError,
		result,
		source,
		string(metadataJSON),
		job.CreatedAt,
		job.ScheduledFor,
		startedAt,
		completedAt,
		dedupKey,
	)

	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to insert job")
		return fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("type", job.Type).Msg("Job inserted")
	return nil
}

// GetJob retrieves a job by ID
func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue WHERE id = ?`
	row := s.db.db.QueryRowContext(ctx, query, id)
	return s.scanJob(row)
}

// GetJobByEntityID retrieves the most recent job whose payload id field
// matches entityID
func (s *JobStorage) GetJobByEntityID(ctx context.Context, entityID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue
		WHERE json_extract(data, '$.id') = ?
		ORDER BY created_at DESC
		LIMIT 1`
	row := s.db.db.QueryRowContext(ctx, query, entityID)
	return s.scanJob(row)
}

// DequeueJob atomically claims the next eligible job. The SELECT and the
// transition to processing run in one transaction so concurrent workers
// never claim the same row. Returns (nil, nil) when nothing is eligible.
func (s *JobStorage) DequeueJob(ctx context.Context, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := models.EpochMillis(now)

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin dequeue transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM job_queue
		WHERE status = 'pending' AND scheduled_for <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`

	job, err := s.scanJob(tx.QueryRowContext(ctx, query, nowMs))
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			return nil, nil
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE job_queue SET status = 'processing', started_at = ? WHERE id = ? AND status = 'pending'`,
		nowMs, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}

	job.Status = models.JobStatusProcessing
	job.StartedAt = nowMs

	s.logger.Debug().Str("job_id", job.ID).Str("type", job.Type).Int("priority", job.Priority).Msg("Job dequeued")
	return job, nil
}

// MarkCompleted sets status completed, stores the result and stamps completed_at
func (s *JobStorage) MarkCompleted(ctx context.Context, id string, result []byte, completedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resultVal sql.NullString
	if len(result) > 0 {
		resultVal.Valid = true
		resultVal.String = string(result)
	}

	query := `UPDATE job_queue SET status = 'completed', result = ?, completed_at = ? WHERE id = ?`
	return s.execExpectingRow(ctx, id, query, resultVal, completedAt, id)
}

// MarkFailed sets status failed, records the error and stamps completed_at
func (s *JobStorage) MarkFailed(ctx context.Context, id string, lastError string, completedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE job_queue SET status = 'failed', last_error = ?, completed_at = ? WHERE id = ?`
	return s.execExpectingRow(ctx, id, query, lastError, completedAt, id)
}

// ScheduleRetry returns the job to pending with an incremented retry count
// and a new ready time
func (s *JobStorage) ScheduleRetry(ctx context.Context, id string, lastError string, scheduledFor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE job_queue
		SET status = 'pending', retry_count = retry_count + 1, last_error = ?,
		    scheduled_for = ?, started_at = NULL
		WHERE id = ?`
	return s.execExpectingRow(ctx, id, query, lastError, scheduledFor, id)
}

// UpdateJobData overwrites the serialized payload
func (s *JobStorage) UpdateJobData(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE job_queue SET data = ? WHERE id = ?`
	return s.execExpectingRow(ctx, id, query, string(data), id)
}

// UpdateScheduledFor moves a pending job's ready time. No-op when the job
// has already left pending.
func (s *JobStorage) UpdateScheduledFor(ctx context.Context, id string, scheduledFor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE job_queue SET scheduled_for = ? WHERE id = ? AND status = 'pending'`
	if _, err := s.db.db.ExecContext(ctx, query, scheduledFor, id); err != nil {
		return fmt.Errorf("failed to update scheduled_for: %w", err)
	}
	return nil
}

// ResetJob transitions a processing job back to pending and clears
// started_at. The retry count is untouched: a stuck job is not a failure.
func (s *JobStorage) ResetJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE job_queue SET status = 'pending', started_at = NULL WHERE id = ? AND status = 'processing'`
	res, err := s.db.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reset job: %w", err)
	}
	if affected == 0 {
		// Distinguish missing from not-processing
		var status string
		err := s.db.db.QueryRowContext(ctx, `SELECT status FROM job_queue WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return interfaces.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to reset job: %w", err)
		}
		return fmt.Errorf("job %s is %s, not processing", id, status)
	}

	s.logger.Info().Str("job_id", id).Msg("Job reset to pending")
	return nil
}

// FindActiveMatches returns active jobs sharing the given type and
// deduplication key, oldest first
func (s *JobStorage) FindActiveMatches(ctx context.Context, jobType, dedupKey string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue
		WHERE type = ? AND status IN ('pending', 'processing')
		  AND COALESCE(deduplication_key, '') = ?
		ORDER BY created_at ASC`

	rows, err := s.db.db.QueryContext(ctx, query, jobType, dedupKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find active matches: %w", err)
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// GetActiveJobs returns pending and processing jobs, optionally filtered by
// type, newest first
func (s *JobStorage) GetActiveJobs(ctx context.Context, types []string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue
		WHERE status IN ('pending', 'processing')`
	args := []interface{}{}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ", "))
	}

	query += " ORDER BY created_at DESC"

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get active jobs: %w", err)
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// GetStats returns aggregate row counts per status
func (s *JobStorage) GetStats(ctx context.Context) (*models.QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM job_queue GROUP BY status`

	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch models.JobStatus(status) {
		case models.JobStatusPending:
			stats.Pending = count
		case models.JobStatusProcessing:
			stats.Processing = count
		case models.JobStatusCompleted:
			stats.Completed = count
		case models.JobStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return stats, nil
}

// DeleteTerminalBefore deletes completed and failed rows finished before the
// cutoff. Returns the number of rows removed.
func (s *JobStorage) DeleteTerminalBefore(ctx context.Context, cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `DELETE FROM job_queue
		WHERE status IN ('completed', 'failed')
		  AND completed_at IS NOT NULL AND completed_at < ?`

	res, err := s.db.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal jobs: %w", err)
	}

	if affected > 0 {
		s.logger.Info().Int64("count", affected).Msg("Terminal jobs cleaned up")
	}
	return affected, nil
}

// ListProcessingOlderThan returns processing jobs whose started_at precedes
// the cutoff, oldest first
func (s *JobStorage) ListProcessingOlderThan(ctx context.Context, cutoff int64) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue
		WHERE status = 'processing' AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at ASC`

	rows, err := s.db.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// execExpectingRow runs an UPDATE that must touch exactly one row and maps
// zero affected rows to ErrJobNotFound
func (s *JobStorage) execExpectingRow(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("Failed to update job")
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if affected == 0 {
		return interfaces.ErrJobNotFound
	}
	return nil
}

// scanJob scans a single row into a Job
func (s *JobStorage) scanJob(row rowScanner) (*models.Job, error) {
	var (
		id, jobType, data, status, metadataJSON string
		priority, retryCount, maxRetries        int
		lastError, result, source, dedupKey     sql.NullString
		createdAt, scheduledFor                 int64
		startedAt, completedAt                  sql.NullInt64
	)

	err := row.Scan(
		&id, &jobType, &data, &status, &priority, &retryCount, &maxRetries,
		&lastError, &result, &source, &metadataJSON, &createdAt, &scheduledFor,
		&startedAt, &completedAt, &dedupKey,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	var metadata models.JobContext
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return nil, fmt.Errorf("failed to deserialize job metadata: %w", err)
	}

	job := &models.Job{
		ID:           id,
		Type:         jobType,
		Data:         json.RawMessage(data),
		Status:       models.JobStatus(status),
		Priority:     priority,
		RetryCount:   retryCount,
		MaxRetries:   maxRetries,
		Metadata:     metadata,
		CreatedAt:    createdAt,
		ScheduledFor: scheduledFor,
	}

	if lastError.Valid {
		job.LastError = lastError.String
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if source.Valid {
		job.Source = source.String
	}
	if dedupKey.Valid {
		job.DeduplicationKey = dedupKey.String
	}
	if startedAt.Valid {
		job.StartedAt = startedAt.Int64
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Int64
	}

	return job, nil
}

// scanJobs scans all rows into Jobs
func (s *JobStorage) scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	jobs := []*models.Job{}
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}
