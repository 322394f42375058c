// -----------------------------------------------------------------------
// Session - explicit lifecycle for the job tracking core
// -----------------------------------------------------------------------

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/jobs/cancel"
	"github.com/ternarybob/mcpdash/internal/models"
	"github.com/ternarybob/mcpdash/internal/transport"
	"github.com/ternarybob/mcpdash/internal/transport/channel"
	"github.com/ternarybob/mcpdash/internal/transport/health"
	"github.com/ternarybob/mcpdash/internal/transport/poller"
	"github.com/ternarybob/mcpdash/internal/transport/rest"
)

// Session owns one registry and the transports feeding it. It is created at
// session start and torn down with Close; nothing in it is global.
type Session struct {
	clientID string
	logger   arbor.ILogger

	registry   *jobs.Registry
	channel    *channel.Channel
	supervisor *health.Supervisor
	rest       *rest.Client
	poller     *poller.Poller
	dispatcher *transport.Dispatcher
	canceller  *cancel.Coordinator

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds and wires a session from the client section of the config
func New(config common.ClientConfig, logger arbor.ILogger) (*Session, error) {
	clientID := config.ClientID
	if clientID == "" {
		clientID = common.NewClientID()
	}

	wsURL, err := config.ChannelURL()
	if err != nil {
		return nil, err
	}

	registry := jobs.NewRegistry(logger, jobs.RegistryConfig{
		GraceWindow:      common.ParseDuration(config.Registry.GraceWindow, 0),
		GCSchedule:       config.Registry.GCSchedule,
		SubscriberBuffer: config.Registry.SubscriberBuffer,
		DispatchTimeout:  common.ParseDuration(config.RequestTimeout, 0),
	})

	ch := channel.New(channel.Config{
		URL:              wsURL,
		ClientID:         clientID,
		HandshakeTimeout: common.ParseDuration(config.Channel.HandshakeTimeout, 0),
		WriteWait:        common.ParseDuration(config.Channel.WriteWait, 0),
		PongWait:         common.ParseDuration(config.Channel.PongWait, 0),
	}, logger)

	supervisor := health.NewSupervisor(health.Config{
		BaseDelay:   common.ParseDuration(config.Reconnect.BaseDelay, 0),
		Multiplier:  config.Reconnect.Multiplier,
		MaxDelay:    common.ParseDuration(config.Reconnect.MaxDelay, 0),
		MaxAttempts: config.Reconnect.MaxAttempts,
	}, ch.Connect, logger)

	restClient := rest.NewClient(config.ServerURL, clientID, common.ParseDuration(config.RequestTimeout, 0), logger)

	poll := poller.New(restClient, registry, poller.Config{
		Interval:        common.ParseDuration(config.Poller.Interval, 0),
		ScanInterval:    common.ParseDuration(config.Poller.ScanInterval, 0),
		FailureCeiling:  config.Poller.FailureCeiling,
		ExecutionBudget: common.ParseDuration(config.Poller.ExecutionBudget, 0),
		ScanBudget:      common.ParseDuration(config.Poller.ScanBudget, 0),
	}, logger)

	dispatcher := transport.NewDispatcher(registry, ch, restClient, poll, supervisor, logger)
	canceller := cancel.NewCoordinator(registry, dispatcher, common.ParseDuration(config.Cancel.GraceTimeout, 0), logger)

	registry.SetDispatcher(dispatcher)
	registry.SetCanceller(canceller)
	registry.OnTerminal(dispatcher.Release)

	ch.OnMessage(dispatcher.HandleMessage)
	ch.OnDisconnect(supervisor.HandleDisconnect)
	ch.OnStateChange(func(state models.ConnectionState) {
		if state == models.ConnectionConnected {
			supervisor.ReportConnected()
		}
	})
	supervisor.OnStateChange(dispatcher.HandleHealth)

	return &Session{
		clientID:   clientID,
		logger:     logger,
		registry:   registry,
		channel:    ch,
		supervisor: supervisor,
		rest:       restClient,
		poller:     poll,
		dispatcher: dispatcher,
		canceller:  canceller,
	}, nil
}

// Start schedules registry GC and opens the channel. A channel that cannot
// connect is not fatal: the supervisor keeps retrying and submissions use
// the REST fallback meanwhile.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jobs.ErrClosed
	}
	if s.started {
		return nil
	}

	if err := s.registry.Start(); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	if err := s.channel.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Channel unavailable at start - using REST fallback while reconnecting")
		s.supervisor.HandleDisconnect(err)
	}

	s.started = true
	s.logger.Info().Str("client_id", s.clientID).Msg("Session started")
	return nil
}

// Close tears down transports and the registry. Open subscriptions end.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.supervisor.Close()
	s.channel.Disconnect()
	s.dispatcher.Close()
	s.canceller.Close()
	s.registry.Close()
	s.logger.Info().Str("client_id", s.clientID).Msg("Session closed")
}

// ClientID returns the identity presented on the channel
func (s *Session) ClientID() string { return s.clientID }

// Submit registers a job and dispatches it in the background
func (s *Session) Submit(ctx context.Context, kind models.JobKind, params map[string]any) (string, error) {
	return s.registry.Submit(ctx, models.SubmitRequest{Kind: kind, Params: params})
}

// SubmitRequest registers a job with a caller-assigned ID
func (s *Session) SubmitRequest(ctx context.Context, req models.SubmitRequest) (string, error) {
	return s.registry.Submit(ctx, req)
}

// Subscribe observes a job until it is terminal or ctx ends
func (s *Session) Subscribe(ctx context.Context, jobID string) (*jobs.Subscription, error) {
	return s.registry.Subscribe(ctx, jobID)
}

// Get returns the job's current state
func (s *Session) Get(jobID string) (models.Job, error) {
	return s.registry.Get(jobID)
}

// List returns every tracked job
func (s *Session) List() []models.Job {
	return s.registry.List()
}

// Cancel requests cancellation; a no-op for terminal jobs
func (s *Session) Cancel(ctx context.Context, jobID string) error {
	return s.registry.Cancel(ctx, jobID)
}

// Wait blocks until the job is terminal and returns its final state
func (s *Session) Wait(ctx context.Context, jobID string) (models.Job, error) {
	sub, err := s.registry.Subscribe(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	defer sub.Close()

	for ev := range sub.Events() {
		if ev.IsTerminal() {
			return s.registry.Get(jobID)
		}
	}
	if err := ctx.Err(); err != nil {
		return models.Job{}, err
	}
	return s.registry.Get(jobID)
}

// ConnectionState returns the channel state
func (s *Session) ConnectionState() models.ConnectionState {
	return s.channel.State()
}

// Health returns the supervisor snapshot
func (s *Session) Health() models.HealthStatus {
	return s.supervisor.Status()
}

// Reconnect asks for a fresh connection attempt, the only way out of an
// exhausted connection
func (s *Session) Reconnect(ctx context.Context) error {
	return s.supervisor.Reconnect(ctx)
}

// Stats returns registry and channel counters
func (s *Session) Stats() (jobs.RegistryStats, channel.Stats) {
	return s.registry.Stats(), s.channel.Stats()
}
