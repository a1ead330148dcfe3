// -----------------------------------------------------------------------
// Worker Pool - Concurrent job dispatch with bounded fan-out
// -----------------------------------------------------------------------

// Package worker implements the dispatch side of the queue: a polling pool
// that claims eligible jobs, invokes the registered handler with a scoped
// progress reporter, persists the outcome and notifies the progress
// monitor on terminal transitions.
package worker

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

// Pool dispatches queued jobs to registered handlers. Fan-out is bounded
// by Concurrency; in-flight jobs are tracked by id so Stop can drain them
// before returning.
type Pool struct {
	queue    interfaces.QueueService
	registry interfaces.HandlerRegistry
	monitor  interfaces.ProgressMonitor
	config   models.WorkerConfig
	logger   arbor.ILogger

	mu        sync.Mutex
	running   bool
	stopping  bool
	startedAt time.Time
	processed int
	failed    int
	lastError string
	inFlight  map[string]struct{}

	// pollCancel stops the dispatch loop; jobCancel aborts handler
	// contexts when a drain deadline passes
	pollCancel context.CancelFunc
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	pollDone   chan struct{}
	jobWg      sync.WaitGroup
}

// NewPool creates a worker pool. The pool starts immediately when
// config.AutoStart is set.
func NewPool(queue interfaces.QueueService, registry interfaces.HandlerRegistry, monitor interfaces.ProgressMonitor, config models.WorkerConfig, logger arbor.ILogger) *Pool {
	p := &Pool{
		queue:    queue,
		registry: registry,
		monitor:  monitor,
		config:   config.Normalize(),
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}

	if p.config.AutoStart {
		if err := p.Start(); err != nil {
			logger.Error().Err(err).Msg("Worker pool auto-start failed")
		}
	}

	return p
}

// Start begins the poll loop. Calling Start on a running pool is a no-op.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())

	p.running = true
	p.stopping = false
	p.startedAt = time.Now()
	p.pollCancel = pollCancel
	p.jobCtx = jobCtx
	p.jobCancel = jobCancel
	p.pollDone = make(chan struct{})

	go p.pollLoop(pollCtx)

	p.logger.Info().
		Int("concurrency", p.config.Concurrency).
		Dur("poll_interval", p.config.PollInterval).
		Int("max_jobs", p.config.MaxJobs).
		Msg("Worker pool started")

	return nil
}

// Stop refuses new dispatch and waits for every in-flight job to finish.
// Handlers are not cancelled; they terminate on their own.
func (p *Pool) Stop() error {
	return p.stop(0)
}

// StopWithTimeout drains like Stop but cancels handler contexts when the
// deadline passes, then waits for them to unwind.
func (p *Pool) StopWithTimeout(timeout time.Duration) error {
	return p.stop(timeout)
}

func (p *Pool) stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	pollCancel := p.pollCancel
	pollDone := p.pollDone
	jobCancel := p.jobCancel
	p.mu.Unlock()

	p.logger.Info().Msg("Stopping worker pool, draining in-flight jobs")

	pollCancel()
	<-pollDone

	drained := make(chan struct{})
	go func() {
		p.jobWg.Wait()
		close(drained)
	}()

	if timeout > 0 {
		select {
		case <-drained:
		case <-time.After(timeout):
			p.logger.Warn().
				Dur("timeout", timeout).
				Msg("Drain deadline passed, cancelling handler contexts")
			jobCancel()
			<-drained
		}
	} else {
		<-drained
	}

	jobCancel()

	p.mu.Lock()
	p.running = false
	p.stopping = false
	p.mu.Unlock()

	p.logger.Info().Msg("Worker pool stopped")
	return nil
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *Pool) Stats() models.WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := models.WorkerStats{
		ProcessedJobs: p.processed,
		FailedJobs:    p.failed,
		ActiveJobs:    len(p.inFlight),
		IsRunning:     p.running,
		LastError:     p.lastError,
	}
	if p.running {
		stats.Uptime = time.Since(p.startedAt)
	}
	return stats
}

// pollLoop ticks every PollInterval and dispatches up to the number of
// free slots per tick.
func (p *Pool) pollLoop(ctx context.Context) {
	defer close(p.pollDone)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	// An immediate first tick keeps tests and short-lived pools snappy
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick claims up to the number of free slots. A MaxJobs limit that has
// been reached triggers an asynchronous Stop.
func (p *Pool) tick(ctx context.Context) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	if p.config.MaxJobs > 0 && p.processed >= p.config.MaxJobs {
		p.mu.Unlock()
		p.logger.Info().
			Int("max_jobs", p.config.MaxJobs).
			Msg("Job limit reached, stopping worker pool")
		common.SafeGo(p.logger, "pool-stop", func() { _ = p.Stop() })
		return
	}
	available := p.config.Concurrency - len(p.inFlight)
	p.mu.Unlock()

	for i := 0; i < available; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.recordError(err)
			p.logger.Error().Err(err).Msg("Dequeue failed")
			return
		}
		if job == nil {
			return
		}

		p.dispatch(job)
	}
}

// dispatch hands a claimed job to a new tracked goroutine.
func (p *Pool) dispatch(job *models.Job) {
	p.mu.Lock()
	p.inFlight[job.ID] = struct{}{}
	jobCtx := p.jobCtx
	p.mu.Unlock()

	p.jobWg.Add(1)
	common.SafeGo(p.logger, "pool-execute", func() {
		defer p.jobWg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, job.ID)
			p.processed++
			p.mu.Unlock()
		}()

		p.execute(jobCtx, job)
	})
}

// execute runs one job end to end: resolve handler, validate payload,
// process, persist the outcome and notify the progress monitor on
// terminal transitions.
func (p *Pool) execute(ctx context.Context, job *models.Job) {
	logger := p.logger.WithCorrelationId(job.ID)

	// A missing handler or a rejected payload cannot be cured by retrying;
	// both fail terminally on the first attempt
	handler, ok := p.registry.GetHandler(job.Type)
	if !ok {
		logger.Error().Str("type", job.Type).Msg("No handler registered for job type")
		p.failJob(ctx, job, fmt.Errorf("no handler registered for job type %s", job.Type), true, nil, nil, nil)
		return
	}

	parsed, err := handler.ValidateAndParse(job.Data)
	if err == nil && parsed == nil {
		err = fmt.Errorf("invalid job data for type %s", job.Type)
	}
	if err != nil {
		logger.Error().Err(err).Str("type", job.Type).Msg("Job payload failed validation")
		p.failJob(ctx, job, err, true, nil, nil, nil)
		return
	}

	reporter := p.monitor.CreateProgressReporter(job.ID)

	logger.Info().
		Str("type", job.Type).
		Int("retry_count", job.RetryCount).
		Msg("Processing job")

	result, procErr := p.runHandler(ctx, handler, parsed, job, reporter)
	if procErr != nil {
		logger.Warn().Err(procErr).Str("type", job.Type).Msg("Job handler failed")
		p.failJob(ctx, job, procErr, false, handler, parsed, reporter)
		return
	}

	if err := p.queue.Complete(ctx, job.ID, result); err != nil {
		p.recordError(err)
		logger.Error().Err(err).Msg("Failed to persist job completion")
		return
	}

	if err := p.monitor.HandleJobStatusChange(ctx, job.ID, models.JobStatusCompleted, job.Metadata); err != nil {
		logger.Warn().Err(err).Msg("Failed to broadcast completion event")
	}
}

// runHandler invokes Process with panic containment: a panicking handler
// counts as a failure, never as a pool crash.
func (p *Pool) runHandler(ctx context.Context, handler interfaces.JobHandler, parsed interface{}, job *models.Job, reporter interfaces.ProgressReporter) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
			p.logger.Error().
				Str("job_id", job.ID).
				Str("type", job.Type).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.GetStackTrace()).
				Msg("Job handler panicked")
		}
	}()

	return handler.Process(ctx, parsed, job.ID, reporter)
}

// failJob records the failure, runs the optional cleanup hook and emits a
// failed event once the job is terminal. A terminal cause skips retry
// scheduling entirely; otherwise only exhausted retries produce the event
// and a rescheduled job stays silent until its next attempt.
func (p *Pool) failJob(ctx context.Context, job *models.Job, cause error, terminal bool, handler interfaces.JobHandler, parsed interface{}, reporter interfaces.ProgressReporter) {
	p.recordError(cause)

	if onError, ok := handler.(interfaces.JobErrorHandler); ok {
		p.runErrorHook(ctx, onError, cause, parsed, job.ID, reporter)
	}

	if terminal {
		if err := p.queue.FailTerminal(ctx, job.ID, cause); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
			return
		}
	} else {
		if err := p.queue.Fail(ctx, job.ID, cause); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job failure")
			return
		}

		updated, err := p.queue.GetStatus(ctx, job.ID)
		if err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to read post-failure status")
			return
		}
		if updated.Status != models.JobStatusFailed {
			return
		}
	}

	p.mu.Lock()
	p.failed++
	p.mu.Unlock()

	if err := p.monitor.HandleJobStatusChange(ctx, job.ID, models.JobStatusFailed, job.Metadata); err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to broadcast failure event")
	}
}

// runErrorHook invokes OnError best-effort; its panic is logged and
// swallowed so cleanup can never affect retry accounting.
func (p *Pool) runErrorHook(ctx context.Context, hook interfaces.JobErrorHandler, cause error, parsed interface{}, jobID string, reporter interfaces.ProgressReporter) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn().
				Str("job_id", jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Handler error hook panicked")
		}
	}()

	hook.OnError(ctx, cause, parsed, jobID, reporter)
}

func (p *Pool) recordError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	p.lastError = err.Error()
	p.mu.Unlock()
}
