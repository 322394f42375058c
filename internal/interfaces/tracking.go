package interfaces

import (
	"context"

	"github.com/ternarybob/mcpdash/internal/models"
)

// EventSink accepts progress events for tracked jobs. The job registry is the
// only implementation; transports never touch job state directly.
type EventSink interface {
	Apply(jobID string, ev models.Event) models.ApplyOutcome
}

// JobReader gives read access to tracked jobs
type JobReader interface {
	Get(jobID string) (models.Job, error)
}

// JobTracker is the narrow registry contract used by transports and the
// cancellation coordinator
type JobTracker interface {
	EventSink
	JobReader
	MarkCancelRequested(jobID string) error
	MarkCancelUnconfirmed(jobID string) error
	Bind(jobID, transport string) error
}

// Dispatcher sends a newly submitted job to the execution service over
// whichever transport is currently available
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.Job) error
}

// CancelSender delivers a cancel request for a job. It returns
// jobs.ErrTransportUnavailable when no transport can carry it.
type CancelSender interface {
	SendCancel(ctx context.Context, jobID string) error
}

// Canceller coordinates cancellation of a tracked job
type Canceller interface {
	RequestCancel(ctx context.Context, jobID string) error
}

// ProgressFetcher retrieves the current snapshot of a job over request/response
type ProgressFetcher interface {
	Progress(ctx context.Context, jobID string) (models.Message, error)
}

// JobAPI is the request/response face of the execution service
type JobAPI interface {
	ProgressFetcher
	Submit(ctx context.Context, msg models.Message) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// ChannelTransport is the send side of the duplex channel
type ChannelTransport interface {
	Send(ctx context.Context, msg models.Message) error
	Connected() bool
}

// JobPoller resolves a job over request/response polling
type JobPoller interface {
	PollJob(ctx context.Context, job models.Job) (models.Event, error)
}

// HealthReporter exposes the connection health state
type HealthReporter interface {
	State() models.HealthState
}
