// -----------------------------------------------------------------------
// Fallback poller - request/response progress tracking with hard limits
// -----------------------------------------------------------------------

package poller

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/interfaces"
	"github.com/ternarybob/mcpdash/internal/models"
)

// Config holds cadence and limits
type Config struct {
	Interval        time.Duration // tool execution cadence
	ScanInterval    time.Duration // bulk scan cadence
	FailureCeiling  int           // consecutive failures before PollAbortedError
	ExecutionBudget time.Duration
	ScanBudget      time.Duration
}

// DefaultConfig returns the production cadence
func DefaultConfig() Config {
	return Config{
		Interval:        500 * time.Millisecond,
		ScanInterval:    2 * time.Second,
		FailureCeiling:  5,
		ExecutionBudget: 5 * time.Minute,
		ScanBudget:      15 * time.Minute,
	}
}

// Poller drives GET /jobs/{id}/progress loops. Every snapshot goes through
// the registry, so the state machine decides what is applied.
type Poller struct {
	fetcher interfaces.ProgressFetcher
	tracker interfaces.JobTracker
	config  Config
	logger  arbor.ILogger
}

// New creates a poller
func New(fetcher interfaces.ProgressFetcher, tracker interfaces.JobTracker, config Config, logger arbor.ILogger) *Poller {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.FailureCeiling <= 0 {
		config.FailureCeiling = def.FailureCeiling
	}
	if config.ExecutionBudget <= 0 {
		config.ExecutionBudget = def.ExecutionBudget
	}
	if config.ScanBudget <= 0 {
		config.ScanBudget = def.ScanBudget
	}
	return &Poller{
		fetcher: fetcher,
		tracker: tracker,
		config:  config,
		logger:  logger,
	}
}

// Limits returns the cadence and budget for a job kind
func (p *Poller) Limits(kind models.JobKind) (interval, budget time.Duration) {
	if kind == models.JobKindScan {
		return p.config.ScanInterval, p.config.ScanBudget
	}
	return p.config.Interval, p.config.ExecutionBudget
}

// PollJob polls with the limits for the job's kind
func (p *Poller) PollJob(ctx context.Context, job models.Job) (models.Event, error) {
	interval, budget := p.Limits(job.Kind)
	return p.Poll(ctx, job.ID, interval, budget)
}

// Poll fetches the job's snapshot every interval until it is terminal.
//
// It stops with *PollAbortedError after FailureCeiling consecutive failed
// rounds and with *PollTimeoutError once budget has elapsed, whichever is
// reached first. A job that becomes terminal through another transport ends
// the loop with its final event.
func (p *Poller) Poll(ctx context.Context, jobID string, interval, budget time.Duration) (models.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	deadline, _ := ctx.Deadline()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		rounds   int
		failures int
		lastErr  error
	)

	timeout := func() error {
		p.logger.Warn().
			Str("job_id", jobID).
			Dur("budget", budget).
			Int("rounds", rounds).
			Msg("Poll budget exceeded")
		return &PollTimeoutError{JobID: jobID, Budget: budget, Rounds: rounds, LastErr: lastErr}
	}

	for {
		if job, err := p.tracker.Get(jobID); err == nil && job.Status.IsTerminal() {
			return job.Snapshot(), nil
		}

		rounds++
		msg, err := p.fetcher.Progress(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				if !time.Now().Before(deadline) {
					return models.Event{}, timeout()
				}
				return models.Event{}, ctx.Err()
			}

			failures++
			lastErr = err
			p.logger.Debug().
				Err(err).
				Str("job_id", jobID).
				Int("failures", failures).
				Msg("Poll round failed")
			if failures >= p.config.FailureCeiling {
				p.logger.Warn().
					Err(err).
					Str("job_id", jobID).
					Int("failures", failures).
					Msg("Poll aborted")
				return models.Event{}, &PollAbortedError{JobID: jobID, Failures: failures, LastErr: err}
			}
		} else {
			failures = 0
			if ev, ok := models.EventFromMessage(msg, models.SourcePoller); ok {
				p.tracker.Apply(jobID, ev)
				if ev.IsTerminal() {
					return p.final(jobID, ev), nil
				}
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if !time.Now().Before(deadline) {
				return models.Event{}, timeout()
			}
			return models.Event{}, ctx.Err()
		}
	}
}

// final prefers the registry's view, which holds whatever terminal event was
// applied first
func (p *Poller) final(jobID string, ev models.Event) models.Event {
	job, err := p.tracker.Get(jobID)
	if err == nil && job.Status.IsTerminal() {
		return job.Snapshot()
	}
	return ev
}
