package interfaces

import (
	"context"

	"github.com/ternarybob/mcpdash/internal/models"
)

// EventType represents different event types on the execution side
type EventType string

const (
	// EventJobMessage carries a JobMessage for every accepted state change
	EventJobMessage EventType = "job_message"
	// EventClientConnected carries the client ID of a (re)connected session
	EventClientConnected EventType = "client_connected"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// JobMessage is the payload of EventJobMessage. Owner is the client ID of the
// submitting session, empty for jobs submitted over REST.
type JobMessage struct {
	Owner   string
	Message models.Message
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// JobMessageHandler handles the payload of EventJobMessage
type JobMessageHandler func(ctx context.Context, msg JobMessage) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// SubscribeJobMessages registers a typed handler for EventJobMessage
	SubscribeJobMessages(handler JobMessageHandler) error

	// PublishJobMessage publishes msg for owner synchronously, keeping a
	// job's messages in order
	PublishJobMessage(ctx context.Context, owner string, msg models.Message) error

	// Close shuts down the event service
	Close() error
}
