// -----------------------------------------------------------------------
// Job registry - in-memory table of tracked jobs and their subscribers
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/interfaces"
	"github.com/ternarybob/mcpdash/internal/jobs/state"
	"github.com/ternarybob/mcpdash/internal/models"
)

const (
	defaultGraceWindow      = 2 * time.Minute
	defaultGCSchedule       = "@every 30s"
	defaultSubscriberBuffer = 64
	defaultDispatchTimeout  = 30 * time.Second
)

// RegistryConfig tunes retention and delivery
type RegistryConfig struct {
	GraceWindow      time.Duration // how long terminal jobs stay readable
	GCSchedule       string        // cron spec for GC, e.g. "@every 30s"
	SubscriberBuffer int           // per-subscriber queue before progress events coalesce
	DispatchTimeout  time.Duration // bound on a single dispatch attempt
}

// RegistryStats counts how incoming events were handled
type RegistryStats struct {
	Applied   int64 `json:"applied"`
	Rejected  int64 `json:"rejected"`
	Unchanged int64 `json:"unchanged"`
	Dropped   int64 `json:"dropped"` // unknown or already purged job IDs
	Purged    int64 `json:"purged"`
}

type entry struct {
	mu      sync.Mutex // single writer for job state
	job     *models.Job
	subs    map[string]*Subscription
	removed bool
}

// Registry tracks submitted jobs, applies their events through the state
// machine and fans events out to subscribers.
//
// Lock order: Registry.mu before entry.mu.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*entry
	closed bool

	dispatcher interfaces.Dispatcher
	canceller  interfaces.Canceller
	onTerminal []func(jobID string)

	config  RegistryConfig
	logger  arbor.ILogger
	now     func() time.Time
	cron    *cron.Cron
	metrics *registryMetrics

	applied   atomic.Int64
	rejected  atomic.Int64
	unchanged atomic.Int64
	dropped   atomic.Int64
	purged    atomic.Int64
}

// NewRegistry creates an empty registry. Call Start to schedule GC and Close
// at session end.
func NewRegistry(logger arbor.ILogger, config RegistryConfig) *Registry {
	if config.GraceWindow <= 0 {
		config.GraceWindow = defaultGraceWindow
	}
	if config.GCSchedule == "" {
		config.GCSchedule = defaultGCSchedule
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = defaultSubscriberBuffer
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaultDispatchTimeout
	}
	return &Registry{
		jobs:    make(map[string]*entry),
		config:  config,
		logger:  logger,
		now:     time.Now,
		metrics: newRegistryMetrics(),
	}
}

// SetDispatcher sets the transport strategy used for new submissions
func (r *Registry) SetDispatcher(d interfaces.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = d
}

// SetCanceller sets the cancellation coordinator
func (r *Registry) SetCanceller(c interfaces.Canceller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceller = c
}

// OnTerminal registers fn to run once when a job reaches a terminal state,
// whichever path delivered it. fn runs on the applying goroutine without
// registry locks held.
func (r *Registry) OnTerminal(fn func(jobID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTerminal = append(r.onTerminal, fn)
}

// Start schedules periodic GC
func (r *Registry) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(r.config.GCSchedule, func() { r.GC() }); err != nil {
		return fmt.Errorf("invalid gc schedule %q: %w", r.config.GCSchedule, err)
	}
	c.Start()

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()

	r.logger.Debug().
		Str("schedule", r.config.GCSchedule).
		Dur("grace_window", r.config.GraceWindow).
		Msg("Job registry GC scheduled")
	return nil
}

// Close stops GC and ends every subscription. Tracked jobs are discarded.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	c := r.cron
	for id, e := range r.jobs {
		e.mu.Lock()
		e.removed = true
		for _, sub := range e.subs {
			sub.shutdown()
		}
		e.subs = nil
		e.mu.Unlock()
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	r.logger.Debug().Msg("Job registry closed")
}

// Submit registers a pending job and dispatches it in the background.
// It never waits on the network.
func (r *Registry) Submit(ctx context.Context, req models.SubmitRequest) (string, error) {
	if !req.Kind.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	if _, exists := r.jobs[jobID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}
	job := models.NewJob(jobID, req.Kind, req.Params, r.now())
	r.jobs[jobID] = &entry{job: job, subs: make(map[string]*Subscription)}
	snapshot := job.Clone()
	dispatcher := r.dispatcher
	r.mu.Unlock()

	r.logger.Debug().
		Str("job_id", jobID).
		Str("kind", string(req.Kind)).
		Msg("Job submitted")

	if dispatcher == nil {
		r.logger.Warn().Str("job_id", jobID).Msg("No dispatcher configured - job will stay pending")
		return jobID, nil
	}

	common.SafeGo(r.logger, "dispatch:"+jobID, func() {
		r.dispatch(dispatcher, snapshot)
	})
	return jobID, nil
}

func (r *Registry) dispatch(d interfaces.Dispatcher, job models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.DispatchTimeout)
	defer cancel()

	if err := d.Dispatch(ctx, job); err != nil {
		r.logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Msg("Dispatch failed on every transport")
		r.Apply(job.ID, models.Event{
			JobID:     job.ID,
			Status:    models.JobStatusFailed,
			Error:     fmt.Sprintf("dispatch failed: %v", err),
			Timestamp: r.now(),
			Source:    models.SourceLocal,
		})
	}
}

// Subscribe returns a live stream for jobID. A terminal job yields its final
// event and closes; otherwise the current snapshot comes first, then every
// later event. The subscription ends when ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	e, err := r.lookup(jobID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	sub := newSubscription(jobID, r.config.SubscriberBuffer, r.unsubscribe)
	sub.enqueue(e.job.Snapshot())
	if !e.job.Status.IsTerminal() {
		e.subs[sub.id] = sub
	}
	subCount := len(e.subs)
	e.mu.Unlock()

	r.logger.Debug().
		Str("job_id", jobID).
		Str("sub_id", sub.id).
		Int("subscriber_count", subCount).
		Msg("Subscriber added")

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}
	return sub, nil
}

func (r *Registry) unsubscribe(sub *Subscription) {
	r.mu.RLock()
	e, ok := r.jobs[sub.jobID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.subs, sub.id)
	e.mu.Unlock()
}

// Get returns a copy of the job
func (r *Registry) Get(jobID string) (models.Job, error) {
	e, err := r.lookup(jobID)
	if err != nil {
		return models.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return e.job.Clone(), nil
}

// List returns copies of every tracked job, oldest submission first
func (r *Registry) List() []models.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Cancel requests cancellation and returns without waiting on the network;
// the outcome arrives as a later event. Cancelling a terminal job is a no-op.
func (r *Registry) Cancel(ctx context.Context, jobID string) error {
	job, err := r.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		r.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Cancel ignored - job already terminal")
		return nil
	}

	r.mu.RLock()
	canceller := r.canceller
	r.mu.RUnlock()
	if canceller == nil {
		return fmt.Errorf("cancel %s: %w", jobID, ErrTransportUnavailable)
	}
	return canceller.RequestCancel(ctx, jobID)
}

// Apply runs ev through the state machine for jobID and notifies subscribers
// when it changes the job. Events for unknown jobs are dropped and counted.
// Rejections are logged, never returned as errors.
func (r *Registry) Apply(jobID string, ev models.Event) models.ApplyOutcome {
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}

	r.mu.RLock()
	e, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		r.drop(jobID, ev)
		return models.ApplyOutcome{Reason: models.ReasonUnknownJob}
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		r.drop(jobID, ev)
		return models.ApplyOutcome{Reason: models.ReasonUnknownJob}
	}

	outcome := state.Apply(e.job, ev, r.now())
	if outcome.Applied {
		delivered := e.job.Snapshot()
		delivered.Source = ev.Source
		for id, sub := range e.subs {
			sub.enqueue(delivered)
			if outcome.Terminal {
				delete(e.subs, id)
			}
		}
	}
	status := e.job.Status
	e.mu.Unlock()

	r.record(jobID, ev, outcome, status)
	if outcome.Applied && outcome.Terminal {
		r.mu.RLock()
		listeners := append([]func(string){}, r.onTerminal...)
		r.mu.RUnlock()
		for _, fn := range listeners {
			fn(jobID)
		}
	}
	return outcome
}

func (r *Registry) record(jobID string, ev models.Event, outcome models.ApplyOutcome, status models.JobStatus) {
	switch {
	case outcome.Applied:
		r.applied.Add(1)
		r.metrics.record("applied", outcome.Reason)
		if outcome.Terminal {
			r.logger.Info().
				Str("job_id", jobID).
				Str("status", string(status)).
				Str("source", ev.Source).
				Msg("Job reached terminal state")
		}
	case outcome.Err != nil:
		r.rejected.Add(1)
		r.metrics.record("rejected", outcome.Reason)
		if outcome.Reason == models.ReasonAlreadyTerminal {
			r.logger.Debug().Err(outcome.Err).Msg("Duplicate event after terminal state ignored")
		} else {
			r.logger.Warn().Err(outcome.Err).Msg("Stale event rejected")
		}
	default:
		r.unchanged.Add(1)
		r.metrics.record("unchanged", outcome.Reason)
	}
}

func (r *Registry) drop(jobID string, ev models.Event) {
	r.dropped.Add(1)
	r.metrics.record("dropped", models.ReasonUnknownJob)
	r.logger.Debug().
		Str("job_id", jobID).
		Str("status", string(ev.Status)).
		Str("source", ev.Source).
		Msg("Event for unknown job dropped")
}

// MarkCancelRequested flags the job as having a cancel in flight
func (r *Registry) MarkCancelRequested(jobID string) error {
	return r.mutate(jobID, func(job *models.Job) { job.CancelRequested = true })
}

// MarkCancelUnconfirmed flags that a local cancel may not have reached the worker
func (r *Registry) MarkCancelUnconfirmed(jobID string) error {
	return r.mutate(jobID, func(job *models.Job) { job.CancelUnconfirmed = true })
}

// Bind records which transport currently carries the job
func (r *Registry) Bind(jobID, transport string) error {
	return r.mutate(jobID, func(job *models.Job) { job.Transport = transport })
}

// mutate changes bookkeeping fields only; lifecycle fields go through Apply
func (r *Registry) mutate(jobID string, fn func(job *models.Job)) error {
	e, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	fn(e.job)
	return nil
}

// GC purges terminal jobs whose grace window has elapsed and returns how
// many were removed
func (r *Registry) GC() int {
	now := r.now()
	purged := 0

	r.mu.Lock()
	for id, e := range r.jobs {
		e.mu.Lock()
		if e.job.Status.IsTerminal() && now.Sub(e.job.TerminalAt) >= r.config.GraceWindow {
			e.removed = true
			for _, sub := range e.subs {
				sub.finish()
			}
			e.subs = nil
			delete(r.jobs, id)
			purged++
		}
		e.mu.Unlock()
	}
	remaining := len(r.jobs)
	r.mu.Unlock()

	if purged > 0 {
		r.purged.Add(int64(purged))
		r.logger.Debug().
			Int("purged", purged).
			Int("remaining", remaining).
			Msg("Job registry GC")
	}
	return purged
}

// Stats returns event handling counters
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Applied:   r.applied.Load(),
		Rejected:  r.rejected.Load(),
		Unchanged: r.unchanged.Load(),
		Dropped:   r.dropped.Load(),
		Purged:    r.purged.Load(),
	}
}

func (r *Registry) lookup(jobID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	e, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return e, nil
}
