// -----------------------------------------------------------------------
// Batch Manager - In-memory grouping of related jobs
// -----------------------------------------------------------------------

// Package batch groups related jobs enqueued together without introducing
// a special job type. Membership lives in memory; aggregate status is
// computed on demand from member job rows.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
	"github.com/ternarybob/agenda/internal/queue"
	"github.com/ternarybob/arbor"
)

// Manager implements interfaces.BatchManager over the queue service.
type Manager struct {
	queue    interfaces.QueueService
	validate *validator.Validate
	logger   arbor.ILogger

	mu      sync.RWMutex
	batches map[string]*models.Batch
}

// NewManager creates an empty batch manager.
func NewManager(queueService interfaces.QueueService, logger arbor.ILogger) *Manager {
	return &Manager{
		queue:    queueService,
		validate: validator.New(),
		logger:   logger,
		batches:  make(map[string]*models.Batch),
	}
}

// EnqueueBatch enqueues every operation as a member job whose
// metadata.rootJobId is the generated batch id. On a member enqueue
// failure the error propagates, but the batch is still recorded with the
// members that got through, for diagnostics.
func (m *Manager) EnqueueBatch(ctx context.Context, operations []models.BatchOperation, opts interfaces.BatchOptions) (string, error) {
	if len(operations) == 0 {
		return "", queue.ErrBatchEmpty
	}
	if err := m.validate.Struct(&opts); err != nil {
		return "", fmt.Errorf("invalid batch options: %w", err)
	}

	batchID := models.NewBatchID()

	// Every member carries the batch id as its root so workers and the
	// progress monitor recognize membership
	metadata := opts.Metadata.Clone()
	metadata.RootJobID = batchID

	record := &models.Batch{
		BatchID:    batchID,
		JobIDs:     make([]string, 0, len(operations)),
		Operations: operations,
		Source:     opts.Source,
		Metadata:   metadata,
		StartedAt:  models.EpochMillis(time.Now()),
	}

	var enqueueErr error
	for i, op := range operations {
		jobID, err := m.queue.Enqueue(ctx, op.Type, op.Data, models.EnqueueOptions{
			Source:     opts.Source,
			Metadata:   metadata,
			Priority:   opts.Priority,
			MaxRetries: opts.MaxRetries,
		})
		if err != nil {
			enqueueErr = fmt.Errorf("enqueue batch operation %d (%s): %w", i, op.Type, err)
			break
		}
		record.JobIDs = append(record.JobIDs, jobID)
	}

	m.mu.Lock()
	m.batches[batchID] = record
	m.mu.Unlock()

	if enqueueErr != nil {
		m.logger.Error().
			Err(enqueueErr).
			Str("batch_id", batchID).
			Int("enqueued", len(record.JobIDs)).
			Int("total", len(operations)).
			Msg("Batch partially enqueued")
		return batchID, enqueueErr
	}

	m.logger.Info().
		Str("batch_id", batchID).
		Str("source", opts.Source).
		Int("operations", len(operations)).
		Msg("Batch enqueued")

	return batchID, nil
}

// GetBatchStatus aggregates member job statuses. Returns (nil, nil) for
// an unknown batch id.
func (m *Manager) GetBatchStatus(ctx context.Context, batchID string) (*models.BatchStatus, error) {
	m.mu.RLock()
	record, ok := m.batches[batchID]
	if ok {
		record = record.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	return m.aggregate(ctx, record)
}

// GetActiveBatches returns the aggregate status of every batch that is
// not yet terminal, oldest first.
func (m *Manager) GetActiveBatches(ctx context.Context) ([]*models.BatchStatus, error) {
	m.mu.RLock()
	records := make([]*models.Batch, 0, len(m.batches))
	for _, record := range m.batches {
		records = append(records, record.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt < records[j].StartedAt
	})

	active := make([]*models.BatchStatus, 0, len(records))
	for _, record := range records {
		status, err := m.aggregate(ctx, record)
		if err != nil {
			return nil, err
		}
		if !status.IsTerminal() {
			active = append(active, status)
		}
	}

	return active, nil
}

// Cleanup drops batches older than the given age whose aggregate status
// is terminal. Returns the number of batches dropped.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := models.EpochMillis(time.Now().Add(-olderThan))

	m.mu.RLock()
	candidates := make([]*models.Batch, 0)
	for _, record := range m.batches {
		if record.StartedAt < cutoff {
			candidates = append(candidates, record.Clone())
		}
	}
	m.mu.RUnlock()

	dropped := 0
	for _, record := range candidates {
		status, err := m.aggregate(ctx, record)
		if err != nil {
			return dropped, err
		}
		if !status.IsTerminal() {
			continue
		}

		m.mu.Lock()
		delete(m.batches, record.BatchID)
		m.mu.Unlock()
		dropped++
	}

	if dropped > 0 {
		m.logger.Info().Int("dropped", dropped).Msg("Terminal batches cleaned up")
	}

	return dropped, nil
}

// aggregate computes the rollup for one batch from its member job rows.
// A member row deleted by queue cleanup counts as completed: only
// terminal rows are ever deleted.
func (m *Manager) aggregate(ctx context.Context, record *models.Batch) (*models.BatchStatus, error) {
	status := &models.BatchStatus{
		BatchID:         record.BatchID,
		TotalOperations: len(record.Operations),
		Metadata:        record.Metadata.Clone(),
		StartedAt:       record.StartedAt,
	}

	for i, jobID := range record.JobIDs {
		job, err := m.queue.GetStatus(ctx, jobID)
		if err != nil {
			if errors.Is(err, interfaces.ErrJobNotFound) {
				status.CompletedOperations++
				continue
			}
			return nil, fmt.Errorf("aggregate batch %s: %w", record.BatchID, err)
		}

		switch job.Status {
		case models.JobStatusCompleted:
			status.CompletedOperations++
		case models.JobStatusFailed:
			status.FailedOperations++
			if job.LastError != "" {
				status.Errors = append(status.Errors, job.LastError)
			}
		case models.JobStatusProcessing:
			status.ProcessingOperations++
		default:
			status.PendingOperations++
		}

		if status.CurrentOperation == "" && job.IsActive() && i < len(record.Operations) {
			status.CurrentOperation = fmt.Sprintf("Processing %s", record.Operations[i].Type)
		}
	}

	// Operations that never made it into the queue (partial enqueue)
	// count as failed so the batch can reach a terminal state
	if missing := len(record.Operations) - len(record.JobIDs); missing > 0 {
		status.FailedOperations += missing
		status.Errors = append(status.Errors, fmt.Sprintf("%d operations were never enqueued", missing))
	}

	switch {
	case status.PendingOperations > 0 || status.ProcessingOperations > 0:
		status.Status = models.JobStatusProcessing
	case status.FailedOperations > 0:
		status.Status = models.JobStatusFailed
	default:
		status.Status = models.JobStatusCompleted
	}

	return status, nil
}
