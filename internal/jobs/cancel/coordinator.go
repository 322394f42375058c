// -----------------------------------------------------------------------
// Cancellation coordinator - routes cancel requests to the owning transport
// -----------------------------------------------------------------------

package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/interfaces"
	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/models"
)

const defaultGraceTimeout = 5 * time.Second

// Coordinator propagates cancel requests to the remote worker. It never
// decides success itself: the job only becomes cancelled when a cancelled
// event is applied, either from the remote side or from the local grace
// fallback when the request could not be delivered.
type Coordinator struct {
	tracker      interfaces.JobTracker
	sender       interfaces.CancelSender
	graceTimeout time.Duration
	logger       arbor.ILogger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	ctx    context.Context // cancelled on Close, bounds in-flight sends
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. graceTimeout bounds how long a cancel
// may stay unconfirmed when it could not be delivered.
func NewCoordinator(tracker interfaces.JobTracker, sender interfaces.CancelSender, graceTimeout time.Duration, logger arbor.ILogger) *Coordinator {
	if graceTimeout <= 0 {
		graceTimeout = defaultGraceTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		tracker:      tracker,
		sender:       sender,
		graceTimeout: graceTimeout,
		logger:       logger,
		pending:      make(map[string]*time.Timer),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RequestCancel marks the job and sends the cancel in the background through
// the transport that owns it. It returns without waiting on the network. If
// the send fails the job is cancelled locally after the grace timeout unless
// a terminal event arrives first.
func (c *Coordinator) RequestCancel(ctx context.Context, jobID string) error {
	job, err := c.tracker.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if err := c.tracker.MarkCancelRequested(jobID); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", jobID, jobs.ErrClosed)
	}
	c.wg.Add(1)
	c.mu.Unlock()

	common.SafeGo(c.logger, "cancel:"+jobID, func() {
		defer c.wg.Done()
		c.send(jobID, job.Transport)
	})
	return nil
}

func (c *Coordinator) send(jobID, transport string) {
	err := c.sender.SendCancel(c.ctx, jobID)
	switch {
	case err == nil:
		c.logger.Info().
			Str("job_id", jobID).
			Str("transport", transport).
			Msg("Cancel sent - awaiting confirmation")

	case c.ctx.Err() != nil:
		// closing

	case errors.Is(err, jobs.ErrTransportUnavailable):
		c.logger.Warn().
			Str("job_id", jobID).
			Dur("grace_timeout", c.graceTimeout).
			Msg("No transport for cancel - will cancel locally after grace timeout")
		c.scheduleLocal(jobID)

	default:
		c.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Dur("grace_timeout", c.graceTimeout).
			Msg("Cancel rejected by transport - will cancel locally after grace timeout")
		c.scheduleLocal(jobID)
	}
}

func (c *Coordinator) scheduleLocal(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, exists := c.pending[jobID]; exists {
		return
	}
	c.pending[jobID] = time.AfterFunc(c.graceTimeout, func() {
		c.expire(jobID)
	})
}

func (c *Coordinator) expire(jobID string) {
	c.mu.Lock()
	delete(c.pending, jobID)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	job, err := c.tracker.Get(jobID)
	if err != nil || job.Status.IsTerminal() {
		return
	}

	// Flag first so subscribers reading the job after the cancelled event
	// already see it as unconfirmed
	if err := c.tracker.MarkCancelUnconfirmed(jobID); err != nil {
		return
	}
	msg := "cancelled locally; remote worker was not reachable"
	out := c.tracker.Apply(jobID, models.Event{
		JobID:     jobID,
		Status:    models.JobStatusCancelled,
		Message:   &msg,
		Timestamp: time.Now(),
		Source:    models.SourceLocal,
	})
	if out.Applied {
		c.logger.Warn().
			Str("job_id", jobID).
			Msg("Job cancelled locally without remote confirmation")
	}
}

// Pending returns how many local cancellations are waiting on their grace timer
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops every pending grace timer and waits for in-flight sends
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.cancel()
	for id, t := range c.pending {
		t.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.wg.Wait()
}
