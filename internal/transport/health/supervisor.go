// -----------------------------------------------------------------------
// Connection health supervisor - bounded reconnect with exponential backoff
// -----------------------------------------------------------------------

package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/models"
)

// Config controls reconnect pacing
type Config struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultConfig matches the observed production pacing: 1s base, x1.5, five attempts
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		Multiplier:  1.5,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// ConnectFunc performs one connection attempt
type ConnectFunc func(ctx context.Context) error

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Supervisor owns the reconnect policy for one connection. Other components
// only observe its state; none of them retry on their own.
//
// healthy -> degraded -> reconnecting -> (healthy | exhausted)
//
// exhausted is terminal until Reconnect is called explicitly.
type Supervisor struct {
	config  Config
	connect ConnectFunc
	sleep   SleepFunc
	logger  arbor.ILogger

	mu        sync.Mutex
	status    models.HealthStatus
	looping   bool
	listeners []func(models.HealthStatus)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor in the healthy state. connect is called
// for every reconnect attempt.
func NewSupervisor(config Config, connect ConnectFunc, logger arbor.ILogger) *Supervisor {
	def := DefaultConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		config:  config,
		connect: connect,
		sleep:   sleepContext,
		logger:  logger,
		status:  models.HealthStatus{State: models.HealthHealthy, ChangedAt: time.Now()},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetSleep replaces the backoff wait, used by tests to avoid real delays
func (s *Supervisor) SetSleep(fn SleepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleep = fn
}

// OnStateChange registers a listener called after every state change.
// Listeners run on the supervisor's goroutine and must not block.
func (s *Supervisor) OnStateChange(fn func(models.HealthStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Status returns the current snapshot
func (s *Supervisor) Status() models.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns the current health state
func (s *Supervisor) State() models.HealthState {
	return s.Status().State
}

// Delay returns the wait before the given attempt (1-based):
// base * multiplier^(attempt-1), capped at MaxDelay
func (s *Supervisor) Delay(attempt int) time.Duration {
	b := s.newBackOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.BaseDelay
	b.Multiplier = s.config.Multiplier
	b.MaxInterval = s.config.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // the attempt cap bounds the loop
	b.Reset()
	return b
}

// ReportConnected records a successful connection and resets the attempt counter
func (s *Supervisor) ReportConnected() {
	s.transition(func(st *models.HealthStatus) bool {
		if st.State == models.HealthHealthy && st.ConsecutiveErrors == 0 && st.Attempt == 0 {
			return false
		}
		st.State = models.HealthHealthy
		st.Attempt = 0
		st.ConsecutiveErrors = 0
		st.LastError = ""
		st.NextDelay = 0
		return true
	})
}

// ReportError records a transport error on a live connection
func (s *Supervisor) ReportError(err error) {
	s.transition(func(st *models.HealthStatus) bool {
		st.ConsecutiveErrors++
		st.LastError = errString(err)
		if st.State == models.HealthHealthy {
			st.State = models.HealthDegraded
		}
		return true
	})
}

// HandleDisconnect is called when the connection closes abnormally. It starts
// the reconnect loop unless one is already running or the connection is
// exhausted.
func (s *Supervisor) HandleDisconnect(err error) {
	s.mu.Lock()
	if s.looping || s.status.State == models.HealthExhausted || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.looping = true
	s.mu.Unlock()

	s.logger.Warn().Err(err).Msg("Connection lost - starting reconnect")
	s.transition(func(st *models.HealthStatus) bool {
		st.State = models.HealthDegraded
		st.ConsecutiveErrors++
		st.LastError = errString(err)
		return true
	})

	s.wg.Add(1)
	common.SafeGo(s.logger, "health-reconnect", func() {
		defer s.wg.Done()
		s.reconnectLoop()
	})
}

// Reconnect requests a fresh connection attempt. It is the only way out of
// exhausted: the attempt budget starts over.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.looping {
		s.mu.Unlock()
		return fmt.Errorf("reconnect already in progress")
	}
	s.looping = true
	s.mu.Unlock()

	s.transition(func(st *models.HealthStatus) bool {
		st.State = models.HealthReconnecting
		st.Attempt = 0
		st.NextDelay = 0
		return true
	})

	err := s.connect(ctx)
	if err == nil {
		s.mu.Lock()
		s.looping = false
		s.mu.Unlock()
		s.ReportConnected()
		return nil
	}

	s.logger.Warn().Err(err).Msg("Manual reconnect failed - falling back to backoff")
	s.transition(func(st *models.HealthStatus) bool {
		st.ConsecutiveErrors++
		st.LastError = err.Error()
		return true
	})
	s.wg.Add(1)
	common.SafeGo(s.logger, "health-reconnect", func() {
		defer s.wg.Done()
		s.reconnectLoop()
	})
	return err
}

func (s *Supervisor) reconnectLoop() {
	s.mu.Lock()
	sleep := s.sleep
	s.mu.Unlock()

	b := s.newBackOff()
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		delay := b.NextBackOff()
		s.transition(func(st *models.HealthStatus) bool {
			st.State = models.HealthReconnecting
			st.Attempt = attempt
			st.NextDelay = delay
			return true
		})

		if err := sleep(s.ctx, delay); err != nil {
			s.endLoop(nil)
			return
		}

		err := s.connect(s.ctx)
		if err == nil {
			s.logger.Info().Int("attempt", attempt).Msg("Reconnected")
			s.endLoop(func(st *models.HealthStatus) {
				st.State = models.HealthHealthy
				st.Attempt = 0
				st.ConsecutiveErrors = 0
				st.LastError = ""
				st.NextDelay = 0
			})
			return
		}
		if s.ctx.Err() != nil {
			s.endLoop(nil)
			return
		}

		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.config.MaxAttempts).
			Dur("delay", delay).
			Msg("Reconnect attempt failed")
		s.transition(func(st *models.HealthStatus) bool {
			st.ConsecutiveErrors++
			st.LastError = err.Error()
			return true
		})
	}

	s.logger.Error().
		Int("attempts", s.config.MaxAttempts).
		Err(jobs.ErrReconnectExhausted).
		Msg("Giving up on connection - jobs stay in their last known state")
	s.endLoop(func(st *models.HealthStatus) {
		st.State = models.HealthExhausted
		st.NextDelay = 0
	})
}

// endLoop clears the loop flag in the same critical section as the final
// state change, so a disconnect reported right after sees a consistent view
func (s *Supervisor) endLoop(final func(st *models.HealthStatus)) {
	s.transition(func(st *models.HealthStatus) bool {
		s.looping = false
		if final == nil {
			return false
		}
		final(st)
		return true
	})
}

// Err returns ErrReconnectExhausted while exhausted
func (s *Supervisor) Err() error {
	if s.State() == models.HealthExhausted {
		return jobs.ErrReconnectExhausted
	}
	return nil
}

// Close stops any running reconnect loop and waits for it to return
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) transition(fn func(st *models.HealthStatus) bool) {
	s.mu.Lock()
	prev := s.status.State
	if !fn(&s.status) {
		s.mu.Unlock()
		return
	}
	if s.status.State != prev {
		s.status.ChangedAt = time.Now()
		s.logger.Debug().
			Str("from", string(prev)).
			Str("to", string(s.status.State)).
			Int("attempt", s.status.Attempt).
			Msg("Connection health changed")
	}
	snapshot := s.status
	listeners := append([]func(models.HealthStatus){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var target interface{ Timeout() bool }
	if errors.As(err, &target) && target.Timeout() {
		return "timeout: " + err.Error()
	}
	return err.Error()
}
