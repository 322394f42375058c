// -----------------------------------------------------------------------
// Job - client-side record of a tracked asynchronous job
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the state of a tracked job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle: pending=0, running=1, terminal=2.
// Unknown statuses rank -1.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return 2
	}
	return -1
}

func (s JobStatus) String() string { return string(s) }

// JobKind classifies the work behind a job
type JobKind string

const (
	JobKindToolExecution JobKind = "tool_execution"
	JobKindScan          JobKind = "scan"
)

// IsValid reports whether k is a supported job kind.
func (k JobKind) IsValid() bool {
	return k == JobKindToolExecution || k == JobKindScan
}

// Transport bindings recorded on a job
const (
	TransportChannel = "channel"
	TransportPoller  = "poller"
)

// Job is the registry's record of one tracked job.
// Status, Progress, Message, Result and Error are only mutated through the
// execution state machine.
type Job struct {
	ID          string         `json:"id"`
	Kind        JobKind        `json:"kind"`
	Params      map[string]any `json:"params,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	TerminalAt  time.Time      `json:"terminal_at,omitempty"`

	Status   JobStatus       `json:"status"`
	Progress float64         `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"` // only when completed
	Error    string          `json:"error,omitempty"`  // only when failed

	CancelRequested   bool   `json:"cancel_requested,omitempty"`
	CancelUnconfirmed bool   `json:"cancel_unconfirmed,omitempty"` // cancelled locally, worker may still run
	Transport         string `json:"transport,omitempty"`
}

// NewJob creates a pending job
func NewJob(id string, kind JobKind, params map[string]any, now time.Time) *Job {
	return &Job{
		ID:          id,
		Kind:        kind,
		Params:      params,
		SubmittedAt: now,
		UpdatedAt:   now,
		Status:      JobStatusPending,
	}
}

// Clone returns a copy safe to hand to callers outside the registry lock
func (j *Job) Clone() Job {
	c := *j
	if j.Params != nil {
		c.Params = make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return c
}

// Snapshot renders the job's current state as an event, used to prime new
// subscriptions and to replay the final state to late subscribers.
func (j *Job) Snapshot() Event {
	progress := j.Progress
	msg := j.Message
	ev := Event{
		JobID:     j.ID,
		Status:    j.Status,
		Progress:  &progress,
		Message:   &msg,
		Error:     j.Error,
		Timestamp: j.UpdatedAt,
		Source:    SourceSnapshot,
	}
	if j.Result != nil {
		ev.Result = append(json.RawMessage(nil), j.Result...)
	}
	return ev
}

func (j *Job) String() string {
	return fmt.Sprintf("%s[%s %s %.0f%%]", j.ID, j.Kind, j.Status, j.Progress)
}

// SubmitRequest describes a job submission
type SubmitRequest struct {
	JobID  string         `json:"job_id,omitempty"` // optional, generated when empty
	Kind   JobKind        `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}
