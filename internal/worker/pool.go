package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/interfaces"
	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/models"
)

// Reporter receives progress from a running job. progress is a ratio in
// [0, 100]; calls may be dropped by the progress throttle.
type Reporter func(progress float64, message string)

// Runner executes one kind of job
type Runner interface {
	Run(ctx context.Context, jobID string, params map[string]any, report Reporter) (json.RawMessage, error)
}

type execution struct {
	owner           string
	cancel          context.CancelFunc
	cancelRequested atomic.Bool
}

// WorkerPool runs submitted jobs, bounded by a weighted semaphore. Every
// state change is applied to the snapshot store first and then published on
// the event bus, one message at a time per job.
type WorkerPool struct {
	store    interfaces.JobStore
	events   interfaces.EventService
	runners  map[models.JobKind]Runner
	logger   arbor.ILogger
	sem      *semaphore.Weighted
	throttle time.Duration

	mu      sync.Mutex
	active  map[string]*execution
	stopped bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a pool running at most concurrency jobs at once.
// throttle is the minimum gap between progress reports of one job; zero
// disables throttling.
func NewWorkerPool(store interfaces.JobStore, events interfaces.EventService, logger arbor.ILogger, concurrency int, throttle time.Duration) *WorkerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		store:    store,
		events:   events,
		runners:  make(map[models.JobKind]Runner),
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		throttle: throttle,
		active:   make(map[string]*execution),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterRunner registers a runner for a job kind
func (wp *WorkerPool) RegisterRunner(kind models.JobKind, runner Runner) {
	wp.runners[kind] = runner
	wp.logger.Info().
		Str("job_kind", string(kind)).
		Msg("Runner registered")
}

// Submit stores a pending snapshot and starts the job in the background.
// owner is the client ID that receives the job's channel messages.
func (wp *WorkerPool) Submit(ctx context.Context, owner string, msg models.Message) (string, error) {
	runner, ok := wp.runners[msg.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", jobs.ErrInvalidKind, msg.Kind)
	}

	jobID := msg.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return "", jobs.ErrClosed
	}

	job := models.NewJob(jobID, msg.Kind, msg.Params, time.Now())
	if err := wp.store.Create(ctx, models.JobRecordFromJob(job, owner)); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(wp.ctx)
	exec := &execution{owner: owner, cancel: cancel}
	wp.active[jobID] = exec

	wp.wg.Add(1)
	common.SafeGo(wp.logger, "job:"+jobID, func() {
		defer wp.wg.Done()
		wp.execute(runCtx, jobID, msg.Params, runner, exec)
	})

	wp.logger.Info().
		Str("job_id", jobID).
		Str("job_kind", string(msg.Kind)).
		Str("owner", owner).
		Msg("Job accepted")
	return jobID, nil
}

// Cancel stops a running or queued job. Cancelling a finished job is a no-op.
func (wp *WorkerPool) Cancel(ctx context.Context, jobID string) error {
	wp.mu.Lock()
	exec, ok := wp.active[jobID]
	wp.mu.Unlock()

	if ok {
		exec.cancelRequested.Store(true)
		exec.cancel()
		wp.logger.Info().Str("job_id", jobID).Msg("Job cancellation requested")
		return nil
	}

	if _, err := wp.store.Get(ctx, jobID); err != nil {
		return err
	}
	return nil
}

// Active returns the number of jobs queued or running
func (wp *WorkerPool) Active() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.active)
}

// Stop cancels every job and waits for the workers to report
func (wp *WorkerPool) Stop() {
	wp.logger.Info().Msg("Stopping worker pool...")
	wp.mu.Lock()
	wp.stopped = true
	wp.mu.Unlock()

	wp.cancel()
	wp.wg.Wait()
	wp.logger.Info().Msg("Worker pool stopped")
}

func (wp *WorkerPool) execute(ctx context.Context, jobID string, params map[string]any, runner Runner, exec *execution) {
	defer func() {
		exec.cancel()
		wp.mu.Lock()
		delete(wp.active, jobID)
		wp.mu.Unlock()
	}()

	if err := wp.sem.Acquire(ctx, 1); err != nil {
		wp.finish(jobID, exec, nil, err)
		return
	}
	defer wp.sem.Release(1)

	wp.publish(jobID, exec.owner, models.Event{
		Status:   models.JobStatusRunning,
		Progress: models.Float(0),
		Message:  stringPtr("started"),
	})

	var limiter *rate.Limiter
	if wp.throttle > 0 {
		limiter = rate.NewLimiter(rate.Every(wp.throttle), 1)
	}
	report := func(progress float64, message string) {
		if limiter != nil && !limiter.Allow() {
			return
		}
		ev := models.Event{Status: models.JobStatusRunning, Progress: models.Float(progress)}
		if message != "" {
			ev.Message = stringPtr(message)
		}
		wp.publish(jobID, exec.owner, ev)
	}

	start := time.Now()
	result, err := runner.Run(ctx, jobID, params, report)
	wp.logger.Debug().
		Str("job_id", jobID).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Runner returned")

	wp.finish(jobID, exec, result, err)
}

// finish publishes the terminal state; terminal reports are never throttled
func (wp *WorkerPool) finish(jobID string, exec *execution, result json.RawMessage, err error) {
	var ev models.Event
	switch {
	case err == nil:
		ev = models.Event{Status: models.JobStatusCompleted, Result: result}
	case exec.cancelRequested.Load():
		ev = models.Event{Status: models.JobStatusCancelled, Message: stringPtr("cancelled on request")}
	case wp.ctx.Err() != nil:
		ev = models.Event{Status: models.JobStatusFailed, Error: "execution service shutting down"}
	default:
		ev = models.Event{Status: models.JobStatusFailed, Error: err.Error()}
	}
	wp.publish(jobID, exec.owner, ev)

	logEvent := wp.logger.Info()
	if ev.Status == models.JobStatusFailed {
		logEvent = wp.logger.Warn().Str("error", ev.Error)
	}
	logEvent.
		Str("job_id", jobID).
		Str("status", string(ev.Status)).
		Msg("Job finished")
}

func (wp *WorkerPool) publish(jobID, owner string, ev models.Event) {
	ev.JobID = jobID
	ev.Timestamp = time.Now()
	ev.Source = models.SourceLocal

	// the pool context may already be cancelled during shutdown; the final
	// state must still be recorded
	ctx := context.Background()

	outcome, record, err := wp.store.Apply(ctx, jobID, ev)
	if err != nil {
		wp.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record job state")
		return
	}
	if !outcome.Applied {
		return
	}

	msg := models.MessageFromJob(record.ToJob())
	if err := wp.events.PublishJobMessage(ctx, owner, msg); err != nil {
		wp.logger.Warn().Err(err).Str("job_id", jobID).Msg("Job message not delivered to every subscriber")
	}
}

func stringPtr(s string) *string { return &s }
