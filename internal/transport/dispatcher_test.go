package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/jobs/cancel"
	"github.com/ternarybob/mcpdash/internal/models"
	"github.com/ternarybob/mcpdash/internal/transport/poller"
)

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	sent      []models.Message
}

func (c *fakeChannel) Send(ctx context.Context, msg models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("channel down: %w", jobs.ErrTransportUnavailable)
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeChannel) types() []models.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.MessageType, 0, len(c.sent))
	for _, m := range c.sent {
		out = append(out, m.Type)
	}
	return out
}

// fakeAPI serves the REST side from an in-memory status table
type fakeAPI struct {
	mu        sync.Mutex
	down      atomic.Bool
	submitted []string
	cancelled []string
	status    map[string]models.Message
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{status: make(map[string]models.Message)}
}

func (a *fakeAPI) Submit(ctx context.Context, msg models.Message) (string, error) {
	if a.down.Load() {
		return "", fmt.Errorf("submit: %w", jobs.ErrTransportUnavailable)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, msg.JobID)
	a.status[msg.JobID] = models.Message{Type: models.MessageTypeProgress, JobID: msg.JobID, Status: models.JobStatusPending}
	return msg.JobID, nil
}

func (a *fakeAPI) Progress(ctx context.Context, jobID string) (models.Message, error) {
	if a.down.Load() {
		return models.Message{}, fmt.Errorf("progress: %w", jobs.ErrTransportUnavailable)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	msg, ok := a.status[jobID]
	if !ok {
		return models.Message{}, jobs.ErrNotFound
	}
	return msg, nil
}

func (a *fakeAPI) Cancel(ctx context.Context, jobID string) error {
	if a.down.Load() {
		return fmt.Errorf("cancel: %w", jobs.ErrTransportUnavailable)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, jobID)
	return nil
}

func (a *fakeAPI) set(jobID string, msg models.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg.JobID = jobID
	a.status[jobID] = msg
}

type fakeHealth struct{ state atomic.Value }

func (h *fakeHealth) State() models.HealthState {
	if v, ok := h.state.Load().(models.HealthState); ok {
		return v
	}
	return models.HealthHealthy
}

type fixture struct {
	registry *jobs.Registry
	channel  *fakeChannel
	api      *fakeAPI
	health   *fakeHealth
	dispatch *Dispatcher
}

func newFixture(t *testing.T, connected bool) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	f := &fixture{
		registry: jobs.NewRegistry(logger, jobs.RegistryConfig{}),
		channel:  &fakeChannel{connected: connected},
		api:      newFakeAPI(),
		health:   &fakeHealth{},
	}
	p := poller.New(f.api, f.registry, poller.Config{
		Interval:        5 * time.Millisecond,
		ScanInterval:    5 * time.Millisecond,
		FailureCeiling:  3,
		ExecutionBudget: 2 * time.Second,
		ScanBudget:      2 * time.Second,
	}, logger)
	f.dispatch = NewDispatcher(f.registry, f.channel, f.api, p, f.health, logger)
	f.registry.SetDispatcher(f.dispatch)
	f.registry.OnTerminal(f.dispatch.Release)
	t.Cleanup(func() {
		f.dispatch.Close()
		f.registry.Close()
	})
	return f
}

func (f *fixture) submit(t *testing.T, id string) {
	t.Helper()
	_, err := f.registry.Submit(context.Background(), models.SubmitRequest{JobID: id, Kind: models.JobKindToolExecution})
	require.NoError(t, err)
}

func (f *fixture) waitFor(t *testing.T, id string, cond func(models.Job) bool) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.registry.Get(id)
		return err == nil && cond(job)
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestDispatcher_UsesChannelWhenConnected(t *testing.T) {
	f := newFixture(t, true)
	f.submit(t, "exec-1")

	job := f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Transport == models.TransportChannel })
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, []models.MessageType{models.MessageTypeSubmit}, f.channel.types())
	assert.Empty(t, f.api.submitted)

	f.dispatch.HandleMessage(models.Message{Type: models.MessageTypeProgress, JobID: "exec-1", Progress: models.Float(40)})
	f.dispatch.HandleMessage(models.Message{Type: models.MessageTypeCompleted, JobID: "exec-1"})

	job, _ = f.registry.Get("exec-1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 0, f.dispatch.Active())
}

func TestDispatcher_FallsBackToPolling(t *testing.T) {
	f := newFixture(t, false)
	f.submit(t, "exec-1")

	f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Transport == models.TransportPoller })
	f.api.set("exec-1", models.Message{Type: models.MessageTypeProgress, Status: models.JobStatusRunning, Progress: models.Float(50)})
	f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Progress == 50 })

	f.api.set("exec-1", models.Message{Type: models.MessageTypeCompleted, Status: models.JobStatusCompleted})
	f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Status == models.JobStatusCompleted })
}

func TestDispatcher_BothDownFailsJob(t *testing.T) {
	f := newFixture(t, false)
	f.api.down.Store(true)
	f.submit(t, "exec-1")

	job := f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Status.IsTerminal() })
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, jobs.ErrTransportUnavailable.Error())
}

func TestDispatcher_ExhaustedHandsJobsToPoller(t *testing.T) {
	f := newFixture(t, true)
	f.submit(t, "scan-9")
	f.waitFor(t, "scan-9", func(j models.Job) bool { return j.Transport == models.TransportChannel })

	f.dispatch.HandleMessage(models.Message{Type: models.MessageTypeProgress, JobID: "scan-9", Progress: models.Float(20)})

	f.channel.setConnected(false)
	f.health.state.Store(models.HealthExhausted)
	f.api.set("scan-9", models.Message{Type: models.MessageTypeProgress, Status: models.JobStatusRunning, Progress: models.Float(20)})
	f.dispatch.HandleHealth(models.HealthStatus{State: models.HealthExhausted})

	job := f.waitFor(t, "scan-9", func(j models.Job) bool { return j.Transport == models.TransportPoller })
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 20.0, job.Progress)

	f.api.set("scan-9", models.Message{Type: models.MessageTypeCompleted, Status: models.JobStatusCompleted})
	f.waitFor(t, "scan-9", func(j models.Job) bool { return j.Status == models.JobStatusCompleted })
}

func TestDispatcher_PollerFailureWhileExhaustedFailsJob(t *testing.T) {
	f := newFixture(t, true)
	f.submit(t, "scan-9")
	f.waitFor(t, "scan-9", func(j models.Job) bool { return j.Transport == models.TransportChannel })
	f.dispatch.HandleMessage(models.Message{Type: models.MessageTypeProgress, JobID: "scan-9", Progress: models.Float(20)})

	f.channel.setConnected(false)
	f.api.down.Store(true)
	f.health.state.Store(models.HealthExhausted)
	f.dispatch.HandleHealth(models.HealthStatus{State: models.HealthExhausted})

	job := f.waitFor(t, "scan-9", func(j models.Job) bool { return j.Status.IsTerminal() })
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, jobs.ErrReconnectExhausted.Error())
}

func TestDispatcher_PollerFailureWhileReconnectingKeepsJob(t *testing.T) {
	f := newFixture(t, false)
	f.health.state.Store(models.HealthReconnecting)
	f.submit(t, "exec-1")
	f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Transport == models.TransportPoller })

	f.api.down.Store(true)
	job := f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Transport == models.TransportChannel })
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestDispatcher_SendCancelRouting(t *testing.T) {
	f := newFixture(t, true)
	f.submit(t, "exec-1")
	f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Transport == models.TransportChannel })

	require.NoError(t, f.dispatch.SendCancel(context.Background(), "exec-1"))
	assert.Equal(t, []models.MessageType{models.MessageTypeSubmit, models.MessageTypeCancel}, f.channel.types())

	// Channel down: REST carries it
	f.channel.setConnected(false)
	require.NoError(t, f.dispatch.SendCancel(context.Background(), "exec-1"))
	assert.Equal(t, []string{"exec-1"}, f.api.cancelled)

	// Fully disconnected
	f.api.down.Store(true)
	err := f.dispatch.SendCancel(context.Background(), "exec-1")
	assert.True(t, errors.Is(err, jobs.ErrTransportUnavailable))
}

func TestDispatcher_ErrorFrameFailsJob(t *testing.T) {
	f := newFixture(t, true)
	f.submit(t, "exec-1")
	f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Transport == models.TransportChannel })

	f.dispatch.HandleMessage(models.Message{Type: models.MessageTypeError, JobID: "exec-1", Error: "unknown tool"})

	job, _ := f.registry.Get("exec-1")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "unknown tool", job.Error)
}

func TestDispatcher_LocalCancelReleasesBinding(t *testing.T) {
	f := newFixture(t, true)
	coord := cancel.NewCoordinator(f.registry, f.dispatch, 20*time.Millisecond, arbor.NewLogger())
	f.registry.SetCanceller(coord)
	t.Cleanup(coord.Close)

	f.submit(t, "exec-1")
	f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Transport == models.TransportChannel })
	assert.Equal(t, 1, f.dispatch.Active())

	// Nothing can carry the cancel, so the coordinator ends the job itself
	f.channel.setConnected(false)
	f.api.down.Store(true)
	require.NoError(t, f.registry.Cancel(context.Background(), "exec-1"))

	job := f.waitFor(t, "exec-1", func(j models.Job) bool { return j.Status.IsTerminal() })
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.True(t, job.CancelUnconfirmed)
	assert.Equal(t, 0, f.dispatch.Active())
}

func TestDispatcher_TerminalBeforeBindLeavesNoBinding(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.registry.Submit(context.Background(), models.SubmitRequest{JobID: "exec-1", Kind: models.JobKindToolExecution})
	require.NoError(t, err)
	f.registry.Apply("exec-1", models.Event{Status: models.JobStatusCompleted, Source: models.SourceChannel})

	f.dispatch.bind("exec-1", models.TransportChannel)
	require.Eventually(t, func() bool { return f.dispatch.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}
