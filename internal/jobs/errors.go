package jobs

import (
	"errors"

	"github.com/ternarybob/mcpdash/internal/jobs/state"
)

var (
	// ErrNotFound is returned for an unknown job ID
	ErrNotFound = errors.New("job not found")

	// ErrTransportUnavailable is returned when neither the channel nor the
	// REST fallback can reach the execution service
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrStaleEvent marks a rejected duplicate or regressive event.
	// It is logged, never returned to callers.
	ErrStaleEvent = state.ErrStaleEvent

	// ErrReconnectExhausted is reported when the health supervisor gives up.
	// Jobs bound to the connection survive.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrDuplicateJob is returned when a caller-supplied job ID is already tracked
	ErrDuplicateJob = errors.New("job already exists")

	// ErrInvalidKind is returned for an unsupported job kind
	ErrInvalidKind = errors.New("invalid job kind")

	// ErrClosed is returned once the registry has been torn down
	ErrClosed = errors.New("registry closed")
)
