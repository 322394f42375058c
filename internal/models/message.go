// -----------------------------------------------------------------------
// Wire message - shared by the WebSocket channel and the REST fallback
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags every frame on the multiplexed channel
type MessageType string

const (
	MessageTypeSubmit    MessageType = "submit"
	MessageTypeProgress  MessageType = "progress"
	MessageTypeCompleted MessageType = "completed"
	MessageTypeFailed    MessageType = "failed"
	MessageTypeCancel    MessageType = "cancel"
	MessageTypeCancelled MessageType = "cancelled"
	MessageTypeError     MessageType = "error" // server rejected a frame
)

// Message is the transport-agnostic wire shape. One physical connection
// carries messages for every active job of a session, tagged by JobID.
type Message struct {
	Type      MessageType     `json:"type"`
	JobID     string          `json:"job_id"`
	Kind      JobKind         `json:"kind,omitempty"`
	Status    JobStatus       `json:"status,omitempty"` // set on poll snapshots
	Progress  *float64        `json:"progress,omitempty"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"` // only on completed
	Error     string          `json:"error,omitempty"`  // only on failed / error
	Params    map[string]any  `json:"params,omitempty"` // only on submit
	Timestamp int64           `json:"timestamp"`        // unix milliseconds
}

// NewMessage creates a message stamped with the current time
func NewMessage(msgType MessageType, jobID string) Message {
	return Message{
		Type:      msgType,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Time returns the message timestamp, or now when unset
func (m Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Now()
	}
	return time.UnixMilli(m.Timestamp)
}

// IsTerminal reports whether the message type ends a job
func (m Message) IsTerminal() bool {
	switch m.Type {
	case MessageTypeCompleted, MessageTypeFailed, MessageTypeCancelled:
		return true
	}
	return false
}

// Validate checks the structural rules of the schema
func (m Message) Validate() error {
	switch m.Type {
	case MessageTypeSubmit, MessageTypeProgress, MessageTypeCompleted,
		MessageTypeFailed, MessageTypeCancel, MessageTypeCancelled, MessageTypeError:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.JobID == "" && m.Type != MessageTypeError {
		return fmt.Errorf("%s message without job_id", m.Type)
	}
	if m.Type == MessageTypeSubmit && !m.Kind.IsValid() {
		return fmt.Errorf("submit message with invalid kind %q", m.Kind)
	}
	if m.Result != nil && m.Type != MessageTypeCompleted && m.Type != MessageTypeProgress {
		return fmt.Errorf("result only allowed on completed messages, got %s", m.Type)
	}
	if m.Status != "" && !m.Status.IsValid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	return nil
}

// MessageFromJob renders a job snapshot in wire form, used by the progress
// endpoint and by channel resync.
func MessageFromJob(job *Job) Message {
	msg := Message{
		JobID:     job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		Message:   job.Message,
		Timestamp: job.UpdatedAt.UnixMilli(),
	}
	progress := job.Progress
	msg.Progress = &progress

	switch job.Status {
	case JobStatusCompleted:
		msg.Type = MessageTypeCompleted
		msg.Result = job.Result
	case JobStatusFailed:
		msg.Type = MessageTypeFailed
		msg.Error = job.Error
	case JobStatusCancelled:
		msg.Type = MessageTypeCancelled
	default:
		msg.Type = MessageTypeProgress
	}
	return msg
}

// Float returns a pointer to v, for optional progress fields
func Float(v float64) *float64 {
	return &v
}
