// -----------------------------------------------------------------------
// Transport strategy - duplex channel first, REST polling as fallback
// -----------------------------------------------------------------------

package transport

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
	"github.com/ternarybob/mcpdash/internal/transport/poller"
)

// Dispatcher selects the transport for each job. Callers only see
// submit/subscribe/cancel on the registry; which path carries a job is
// decided here and may change during the job's life.
type Dispatcher struct {
	tracker interfaces.JobTracker
	channel interfaces.ChannelTransport
	api     interfaces.JobAPI
	poller  interfaces.JobPoller
	health  interfaces.HealthReporter
	logger  arbor.ILogger

	mu       sync.Mutex
	bindings map[string]string // job ID -> models.Transport*
	polling  map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires the transports together. health may be nil when no
// supervisor is running.
func NewDispatcher(tracker interfaces.JobTracker, channel interfaces.ChannelTransport, api interfaces.JobAPI,
	poll interfaces.JobPoller, health interfaces.HealthReporter, logger arbor.ILogger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		tracker:  tracker,
		channel:  channel,
		api:      api,
		poller:   poll,
		health:   health,
		logger:   logger,
		bindings: make(map[string]string),
		polling:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch sends the submit over the channel when it is connected, otherwise
// posts it to the REST endpoint and starts a poll loop. It fails with
// ErrTransportUnavailable only when both paths are down.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job) error {
	msg := models.NewMessage(models.MessageTypeSubmit, job.ID)
	msg.Kind = job.Kind
	msg.Params = job.Params

	if d.channel.Connected() {
		err := d.channel.Send(ctx, msg)
		if err == nil {
			d.bind(job.ID, models.TransportChannel)
			d.logger.Debug().Str("job_id", job.ID).Msg("Job dispatched over channel")
			return nil
		}
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Channel submit failed - falling back to REST")
	}

	if _, err := d.api.Submit(ctx, msg); err != nil {
		if errors.Is(err, jobs.ErrTransportUnavailable) {
			return fmt.Errorf("dispatch %s: %w", job.ID, err)
		}
		return err
	}

	d.bind(job.ID, models.TransportPoller)
	d.logger.Debug().Str("job_id", job.ID).Msg("Job dispatched over REST - polling")
	d.startPoll(job)
	return nil
}

// HandleMessage routes an inbound channel message into the registry
func (d *Dispatcher) HandleMessage(msg models.Message) {
	if msg.Type == models.MessageTypeError {
		d.logger.Warn().
			Str("job_id", msg.JobID).
			Str("error", msg.Error).
			Msg("Execution service rejected a frame")
		if msg.JobID == "" {
			return
		}
		msg.Type = models.MessageTypeFailed
	}

	ev, ok := models.EventFromMessage(msg, models.SourceChannel)
	if !ok {
		return
	}
	out := d.tracker.Apply(msg.JobID, ev)
	if out.Terminal {
		d.unbind(msg.JobID)
	}
}

// HandleHealth reacts to supervisor state changes. On exhaustion every live
// channel job is handed to the poller; none of them is failed.
func (d *Dispatcher) HandleHealth(status models.HealthStatus) {
	if status.State != models.HealthExhausted {
		return
	}

	d.mu.Lock()
	var handoff []string
	for id, transport := range d.bindings {
		if transport == models.TransportChannel {
			handoff = append(handoff, id)
		}
	}
	d.mu.Unlock()

	for _, id := range handoff {
		job, err := d.tracker.Get(id)
		if err != nil || job.Status.IsTerminal() {
			d.unbind(id)
			continue
		}
		d.logger.Info().Str("job_id", id).Msg("Channel exhausted - handing job to poller")
		d.bind(id, models.TransportPoller)
		d.startPoll(job)
	}
}

// SendCancel sends a cancel through the transport that owns the job, then
// the other one. It returns ErrTransportUnavailable when neither can carry it.
func (d *Dispatcher) SendCancel(ctx context.Context, jobID string) error {
	viaChannel := func() error {
		if !d.channel.Connected() {
			return fmt.Errorf("channel: %w", jobs.ErrTransportUnavailable)
		}
		return d.channel.Send(ctx, models.NewMessage(models.MessageTypeCancel, jobID))
	}
	viaREST := func() error {
		return d.api.Cancel(ctx, jobID)
	}

	order := []func() error{viaChannel, viaREST}
	if d.binding(jobID) == models.TransportPoller {
		order = []func() error{viaREST, viaChannel}
	}

	var lastErr error
	for _, send := range order {
		err := send()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, jobs.ErrTransportUnavailable) {
			return err
		}
	}
	return lastErr
}

func (d *Dispatcher) binding(jobID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bindings[jobID]
}

// Active returns how many jobs are bound to a transport
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bindings)
}

// Close stops every poll loop and waits for them to return
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

// Release forgets the job's binding. The registry calls it when a job ends
// on any path, including a local cancel.
func (d *Dispatcher) Release(jobID string) {
	d.unbind(jobID)
}

// bind records the transport for a live job. A terminal event can land
// between the send and the bind, so the job is checked again afterwards.
func (d *Dispatcher) bind(jobID, transport string) {
	if err := d.tracker.Bind(jobID, transport); err != nil {
		d.logger.Debug().Err(err).Str("job_id", jobID).Msg("Bind skipped")
		return
	}
	d.mu.Lock()
	d.bindings[jobID] = transport
	d.mu.Unlock()

	if job, err := d.tracker.Get(jobID); err != nil || job.Status.IsTerminal() {
		d.unbind(jobID)
	}
}

func (d *Dispatcher) unbind(jobID string) {
	d.mu.Lock()
	delete(d.bindings, jobID)
	d.mu.Unlock()
}

func (d *Dispatcher) startPoll(job models.Job) {
	d.mu.Lock()
	if d.polling[job.ID] || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.polling[job.ID] = true
	d.wg.Add(1)
	d.mu.Unlock()

	common.SafeGo(d.logger, "poll:"+job.ID, func() {
		defer func() {
			d.mu.Lock()
			delete(d.polling, job.ID)
			d.mu.Unlock()
			d.wg.Done()
		}()
		d.poll(job)
	})
}

func (d *Dispatcher) poll(job models.Job) {
	_, err := d.poller.PollJob(d.ctx, job)
	if err == nil {
		d.unbind(job.ID)
		return
	}
	if d.ctx.Err() != nil {
		return
	}

	switch {
	case errors.Is(err, poller.ErrPollTimeout):
		d.fail(job.ID, err.Error())

	case errors.Is(err, poller.ErrPollAborted):
		if d.health != nil && d.health.State() == models.HealthExhausted {
			d.fail(job.ID, fmt.Sprintf("%v; %v", jobs.ErrReconnectExhausted, err))
			return
		}
		if d.health == nil && !d.channel.Connected() {
			d.fail(job.ID, err.Error())
			return
		}
		// The channel is up or still reconnecting; the server resyncs live
		// jobs for this client when it comes back
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Poller gave up - job left to the channel")
		d.bind(job.ID, models.TransportChannel)

	default:
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Poll loop ended with error")
	}
}

func (d *Dispatcher) fail(jobID, reason string) {
	d.unbind(jobID)
	d.tracker.Apply(jobID, models.Event{
		JobID:     jobID,
		Status:    models.JobStatusFailed,
		Error:     reason,
		Timestamp: time.Now(),
		Source:    models.SourceLocal,
	})
}
