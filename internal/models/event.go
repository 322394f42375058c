package models

import (
	"encoding/json"
	"time"
)

// Event sources
const (
	SourceChannel  = "channel"
	SourcePoller   = "poller"
	SourceLocal    = "local"
	SourceSnapshot = "snapshot"
)

// Event is an immutable progress update for one job.
// Status, Progress and Message are optional; Result and Error only accompany
// terminal events.
type Event struct {
	JobID     string          `json:"job_id"`
	Status    JobStatus       `json:"status,omitempty"`
	Progress  *float64        `json:"progress,omitempty"`
	Message   *string         `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
}

// IsTerminal reports whether the event carries a terminal status
func (e Event) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// EventFromMessage converts a wire message into an event.
// ok is false for message types that do not describe job progress
// (submit, cancel, error).
func EventFromMessage(msg Message, source string) (ev Event, ok bool) {
	ev = Event{
		JobID:     msg.JobID,
		Progress:  msg.Progress,
		Timestamp: msg.Time(),
		Source:    source,
	}
	if msg.Message != "" {
		text := msg.Message
		ev.Message = &text
	}

	switch msg.Type {
	case MessageTypeProgress:
		ev.Status = msg.Status
		if ev.Status == "" {
			ev.Status = JobStatusRunning
		}
	case MessageTypeCompleted:
		ev.Status = JobStatusCompleted
		ev.Result = msg.Result
	case MessageTypeFailed:
		ev.Status = JobStatusFailed
		ev.Error = msg.Error
	case MessageTypeCancelled:
		ev.Status = JobStatusCancelled
	default:
		return Event{}, false
	}
	return ev, true
}

// ApplyReason explains why an event was not (fully) applied
type ApplyReason string

const (
	ReasonNone            ApplyReason = ""
	ReasonUnknownJob      ApplyReason = "unknown_job"
	ReasonAlreadyTerminal ApplyReason = "already_terminal"
	ReasonRegression      ApplyReason = "regression"
	ReasonNotRunning      ApplyReason = "progress_not_running"
	ReasonInvalidStatus   ApplyReason = "invalid_status"
)

// ApplyOutcome is the result of applying an event to a job
type ApplyOutcome struct {
	Applied  bool        // job state changed and subscribers were notified
	Terminal bool        // this application moved the job into a terminal state
	Reason   ApplyReason // set when Applied is false, or when part of the event was ignored
	Err      error       // wraps ErrStaleEvent for rejections; never returned to callers
}
