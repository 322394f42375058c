// -----------------------------------------------------------------------
// Event bus - carries job messages from workers to connected clients
// -----------------------------------------------------------------------

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ternarybob/mcpdash/internal/interfaces"
	"github.com/ternarybob/mcpdash/internal/models"
)

// ErrClosed is returned by every call after Close
var ErrClosed = errors.New("event service closed")

// Service implements interfaces.EventService. Job messages are published
// synchronously by the job's worker so each owner sees them in order; other
// events may be fire-and-forget.
type Service struct {
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	mu          sync.RWMutex
	closed      bool
	logger      arbor.ILogger

	published metric.Int64Counter
	failures  metric.Int64Counter
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) *Service {
	s := &Service{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:      logger,
		published:   noop.Int64Counter{},
		failures:    noop.Int64Counter{},
	}

	meter := otel.Meter("mcpdash/events")
	if c, err := meter.Int64Counter("events_published_total", metric.WithDescription("Events published by type")); err == nil {
		s.published = c
	}
	if c, err := meter.Int64Counter("event_handler_failures_total", metric.WithDescription("Event handler errors by type")); err == nil {
		s.failures = c
	}
	return s
}

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.subscribers[eventType] = append(s.subscribers[eventType], handler)

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	return nil
}

// SubscribeJobMessages registers a handler for job messages. Events on that
// type with any other payload are reported as handler errors.
func (s *Service) SubscribeJobMessages(handler interfaces.JobMessageHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	return s.Subscribe(interfaces.EventJobMessage, func(ctx context.Context, event interfaces.Event) error {
		jm, ok := event.Payload.(interfaces.JobMessage)
		if !ok {
			return fmt.Errorf("job message event carries %T", event.Payload)
		}
		return handler(ctx, jm)
	})
}

// PublishJobMessage delivers msg for the job's owner to every job message
// handler and waits for them
func (s *Service) PublishJobMessage(ctx context.Context, owner string, msg models.Message) error {
	err := s.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobMessage,
		Payload: interfaces.JobMessage{Owner: owner, Message: msg},
	})
	if err != nil {
		return fmt.Errorf("job %s %s: %w", msg.JobID, msg.Type, err)
	}
	return nil
}

func (s *Service) handlers(eventType interfaces.EventType) ([]interfaces.EventHandler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.subscribers[eventType], nil
}

// Publish sends an event to all subscribers asynchronously
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	handlers, err := s.handlers(event.Type)
	if err != nil {
		return err
	}
	s.count(ctx, s.published, event.Type)

	for _, handler := range handlers {
		go func(h interfaces.EventHandler) {
			if err := h(ctx, event); err != nil {
				s.handlerFailed(ctx, event.Type, err)
			}
		}(handler)
	}

	return nil
}

// PublishSync sends an event to all subscribers and waits for them. The
// returned error joins every handler error.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers, err := s.handlers(event.Type)
	if err != nil {
		return err
	}
	s.count(ctx, s.published, event.Type)
	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(handlers))

	for i, handler := range handlers {
		wg.Add(1)
		go func(i int, h interfaces.EventHandler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				s.handlerFailed(ctx, event.Type, err)
				errs[i] = err
			}
		}(i, handler)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s handlers failed: %w", event.Type, err)
	}
	return nil
}

func (s *Service) handlerFailed(ctx context.Context, eventType interfaces.EventType, err error) {
	s.count(ctx, s.failures, eventType)
	s.logger.Error().
		Err(err).
		Str("event_type", string(eventType)).
		Msg("Event handler failed")
}

func (s *Service) count(ctx context.Context, c metric.Int64Counter, eventType interfaces.EventType) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(eventType))))
}

// Close drops every subscriber; later calls fail with ErrClosed
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
	s.closed = true
	s.logger.Info().Msg("Event service closed")

	return nil
}
