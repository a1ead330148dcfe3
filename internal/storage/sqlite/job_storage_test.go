package sqlite

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/agenda/internal/common"
	"github.com/ternarybob/agenda/internal/interfaces"
	"github.com/ternarybob/agenda/internal/models"
)

// setupJobTestDB creates a test database and returns cleanup function
func setupJobTestDB(t *testing.T) (*SQLiteDB, func()) {
	tempDir := t.TempDir()
	dbPath := tempDir + "/test.db"

	config := &common.SQLiteConfig{
		Path:          dbPath,
		WALMode:       false,
		BusyTimeoutMS: 5000,
		CacheSizeMB:   10,
	}

	logger := arbor.NewLogger()
	db, err := NewSQLiteDB(logger, config)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

// makeTestJob builds a pending job with sane defaults
func makeTestJob(id string, priority int, createdAt int64) *models.Job {
	return &models.Job{
		ID:         id,
		Type:       "data_export",
		Data:       json.RawMessage(`{"id":"entity-1","rows":100}`),
		Status:     models.JobStatusPending,
		Priority:   priority,
		MaxRetries: 3,
		Source:     "test",
		Metadata: models.JobContext{
			RootJobID:     id,
			OperationType: models.OperationDataProcessing,
		},
		CreatedAt:    createdAt,
		ScheduledFor: createdAt,
	}
}

func TestJobStorage_InsertAndGet(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now())
	job := makeTestJob("job-1", 5, now)
	job.DeduplicationKey = "entity-1:export"

	err := storage.InsertJob(ctx, job)
	require.NoError(t, err)

	got, err := storage.GetJob(ctx, "job-1")
	require.NoError(t, err)

	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, "data_export", got.Type)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, "test", got.Source)
	assert.Equal(t, "entity-1:export", got.DeduplicationKey)
	assert.Equal(t, now, got.CreatedAt)
	assert.Equal(t, now, got.ScheduledFor)
	assert.JSONEq(t, `{"id":"entity-1","rows":100}`, string(got.Data))

	// Metadata round-trips through the JSON column
	assert.Equal(t, "job-1", got.Metadata.RootJobID)
	assert.Equal(t, models.OperationDataProcessing, got.Metadata.OperationType)
}

func TestJobStorage_GetNotFound(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	_, err := storage.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_DequeueOrdering(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	base := models.EpochMillis(time.Now()) - 1000

	// Insert out of priority order with distinct created_at values
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("low", 1, base)))
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("high", 10, base+1)))
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("mid", 5, base+2)))

	now := time.Now()

	first, err := storage.DequeueJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "high", first.ID)
	assert.Equal(t, models.JobStatusProcessing, first.Status)
	assert.NotZero(t, first.StartedAt)

	second, err := storage.DequeueJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "mid", second.ID)

	third, err := storage.DequeueJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "low", third.ID)

	// Queue drained
	none, err := storage.DequeueJob(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestJobStorage_DequeueFIFOWithinPriority(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	base := models.EpochMillis(time.Now()) - 1000
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("older", 5, base)))
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("newer", 5, base+1)))

	first, err := storage.DequeueJob(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "older", first.ID)
}

func TestJobStorage_DequeueRespectsScheduledFor(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := time.Now()
	job := makeTestJob("delayed", 5, models.EpochMillis(now))
	job.ScheduledFor = models.EpochMillis(now.Add(1 * time.Hour))
	require.NoError(t, storage.InsertJob(ctx, job))

	// Not yet eligible
	got, err := storage.DequeueJob(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Eligible once the clock passes scheduled_for
	got, err = storage.DequeueJob(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "delayed", got.ID)
}

func TestJobStorage_ConcurrentDequeueNoDoubleClaim(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	base := models.EpochMillis(time.Now()) - 1000
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for i, id := range ids {
		require.NoError(t, storage.InsertJob(ctx, makeTestJob(id, 0, base+int64(i))))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < len(ids); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := storage.DequeueJob(ctx, time.Now())
			require.NoError(t, err)
			if job != nil {
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every job claimed exactly once
	assert.Len(t, claimed, len(ids))
	for id, count := range claimed {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

func TestJobStorage_MarkCompleted(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now())
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("job-1", 0, now)))

	completedAt := now + 500
	err := storage.MarkCompleted(ctx, "job-1", []byte(`{"exported":100}`), completedAt)
	require.NoError(t, err)

	got, err := storage.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, completedAt, got.CompletedAt)
	assert.JSONEq(t, `{"exported":100}`, string(got.Result))
}

func TestJobStorage_MarkCompletedNotFound(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	err := storage.MarkCompleted(ctx, "missing", nil, models.EpochMillis(time.Now()))
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_MarkFailed(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now())
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("job-1", 0, now)))

	err := storage.MarkFailed(ctx, "job-1", "handler exploded", now+500)
	require.NoError(t, err)

	got, err := storage.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "handler exploded", got.LastError)
	assert.Equal(t, now+500, got.CompletedAt)
}

func TestJobStorage_ScheduleRetry(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now()) - 1000
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("job-1", 0, now)))

	// Claim it first so started_at is set
	claimed, err := storage.DequeueJob(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	retryAt := models.EpochMillis(time.Now().Add(2 * time.Second))
	err = storage.ScheduleRetry(ctx, "job-1", "transient failure", retryAt)
	require.NoError(t, err)

	got, err := storage.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "transient failure", got.LastError)
	assert.Equal(t, retryAt, got.ScheduledFor)
	assert.Zero(t, got.StartedAt)

	// Not eligible until the retry time
	none, err := storage.DequeueJob(ctx, time.Now())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestJobStorage_UpdateJobData(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now())
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("job-1", 0, now)))

	err := storage.UpdateJobData(ctx, "job-1", []byte(`{"id":"entity-1","rows":250}`))
	require.NoError(t, err)

	got, err := storage.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"entity-1","rows":250}`, string(got.Data))
}

func TestJobStorage_UpdateScheduledForOnlyPending(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now()) - 1000
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("job-1", 0, now)))

	err := storage.UpdateScheduledFor(ctx, "job-1", now-500)
	require.NoError(t, err)

	got, err := storage.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, now-500, got.ScheduledFor)

	// Once processing, the ready time is frozen
	claimed, err := storage.DequeueJob(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = storage.UpdateScheduledFor(ctx, "job-1", now+9999)
	require.NoError(t, err)

	got, err = storage.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, now-500, got.ScheduledFor)
}

func TestJobStorage_ResetJob(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now()) - 1000
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("job-1", 0, now)))

	claimed, err := storage.DequeueJob(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = storage.ResetJob(ctx, "job-1")
	require.NoError(t, err)

	got, err := storage.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Zero(t, got.StartedAt)
	assert.Equal(t, 0, got.RetryCount, "reset must not count as a retry")

	// Resetting a pending job is invalid
	err = storage.ResetJob(ctx, "job-1")
	assert.Error(t, err)

	// Resetting an unknown job reports not found
	err = storage.ResetJob(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_FindActiveMatches(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now()) - 1000

	match := makeTestJob("match-1", 0, now)
	match.DeduplicationKey = "entity-1:export"
	require.NoError(t, storage.InsertJob(ctx, match))

	otherKey := makeTestJob("other-key", 0, now+1)
	otherKey.DeduplicationKey = "entity-2:export"
	require.NoError(t, storage.InsertJob(ctx, otherKey))

	otherType := makeTestJob("other-type", 0, now+2)
	otherType.Type = "data_import"
	otherType.DeduplicationKey = "entity-1:export"
	require.NoError(t, storage.InsertJob(ctx, otherType))

	// Terminal rows never match
	done := makeTestJob("done", 0, now+3)
	done.DeduplicationKey = "entity-1:export"
	require.NoError(t, storage.InsertJob(ctx, done))
	require.NoError(t, storage.MarkCompleted(ctx, "done", nil, now+4))

	matches, err := storage.FindActiveMatches(ctx, "data_export", "entity-1:export")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "match-1", matches[0].ID)
}

func TestJobStorage_GetActiveJobs(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now()) - 1000
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("pending-1", 0, now)))

	processing := makeTestJob("processing-1", 10, now+1)
	require.NoError(t, storage.InsertJob(ctx, processing))
	_, err := storage.DequeueJob(ctx, time.Now())
	require.NoError(t, err)

	imported := makeTestJob("import-1", 0, now+2)
	imported.Type = "data_import"
	require.NoError(t, storage.InsertJob(ctx, imported))

	completed := makeTestJob("done-1", 0, now+3)
	require.NoError(t, storage.InsertJob(ctx, completed))
	require.NoError(t, storage.MarkCompleted(ctx, "done-1", nil, now+4))

	// Unfiltered: all active, newest first
	active, err := storage.GetActiveJobs(ctx, nil)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "import-1", active[0].ID)

	// Filtered by type
	exports, err := storage.GetActiveJobs(ctx, []string{"data_export"})
	require.NoError(t, err)
	require.Len(t, exports, 2)
	for _, job := range exports {
		assert.Equal(t, "data_export", job.Type)
	}
}

func TestJobStorage_GetStats(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now()) - 1000
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("p1", 0, now)))
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("p2", 0, now+1)))

	require.NoError(t, storage.InsertJob(ctx, makeTestJob("c1", 5, now+2)))
	_, err := storage.DequeueJob(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, storage.MarkCompleted(ctx, "c1", nil, now+3))

	require.NoError(t, storage.InsertJob(ctx, makeTestJob("f1", 5, now+4)))
	_, err = storage.DequeueJob(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, storage.MarkFailed(ctx, "f1", "boom", now+5))

	stats, err := storage.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 4, stats.Total)
}

func TestJobStorage_DeleteTerminalBefore(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now())

	// Old completed job - should be removed
	old := makeTestJob("old-done", 0, now-10000)
	require.NoError(t, storage.InsertJob(ctx, old))
	require.NoError(t, storage.MarkCompleted(ctx, "old-done", nil, now-9000))

	// Recent failed job - inside retention
	recent := makeTestJob("recent-failed", 0, now-10000)
	require.NoError(t, storage.InsertJob(ctx, recent))
	require.NoError(t, storage.MarkFailed(ctx, "recent-failed", "boom", now-100))

	// Active job - never removed regardless of age
	require.NoError(t, storage.InsertJob(ctx, makeTestJob("still-pending", 0, now-10000)))

	deleted, err := storage.DeleteTerminalBefore(ctx, now-5000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = storage.GetJob(ctx, "old-done")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)

	_, err = storage.GetJob(ctx, "recent-failed")
	assert.NoError(t, err)

	_, err = storage.GetJob(ctx, "still-pending")
	assert.NoError(t, err)
}

func TestJobStorage_ListProcessingOlderThan(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	base := time.Now().Add(-30 * time.Minute)
	job := makeTestJob("stuck-1", 0, models.EpochMillis(base))
	require.NoError(t, storage.InsertJob(ctx, job))

	// Claim with a clock 30 minutes in the past to simulate a stale worker
	claimed, err := storage.DequeueJob(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	cutoff := models.EpochMillis(time.Now().Add(-15 * time.Minute))
	stuck, err := storage.ListProcessingOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "stuck-1", stuck[0].ID)

	// A freshly claimed job is not stuck
	fresh := makeTestJob("fresh-1", 0, models.EpochMillis(time.Now())-1000)
	require.NoError(t, storage.InsertJob(ctx, fresh))
	claimed, err = storage.DequeueJob(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	stuck, err = storage.ListProcessingOlderThan(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
}

func TestJobStorage_GetJobByEntityID(t *testing.T) {
	db, cleanup := setupJobTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	storage := NewJobStorage(db, logger)
	ctx := context.Background()

	now := models.EpochMillis(time.Now()) - 1000

	first := makeTestJob("job-1", 0, now)
	first.Data = json.RawMessage(`{"id":"doc-42","pass":1}`)
	require.NoError(t, storage.InsertJob(ctx, first))

	second := makeTestJob("job-2", 0, now+100)
	second.Data = json.RawMessage(`{"id":"doc-42","pass":2}`)
	require.NoError(t, storage.InsertJob(ctx, second))

	other := makeTestJob("job-3", 0, now+200)
	other.Data = json.RawMessage(`{"id":"doc-99"}`)
	require.NoError(t, storage.InsertJob(ctx, other))

	// Most recent job for the entity wins
	got, err := storage.GetJobByEntityID(ctx, "doc-42")
	require.NoError(t, err)
	assert.Equal(t, "job-2", got.ID)

	_, err = storage.GetJobByEntityID(ctx, "doc-unknown")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}
