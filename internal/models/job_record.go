package models

import (
	"encoding/json"
	"time"
)

// JobRecord is the execution service's persisted snapshot of a job.
// It is stored flat so badgerhold can query on Status, Owner and Terminal.
type JobRecord struct {
	ID          string          `json:"id" badgerhold:"key"`
	Kind        JobKind         `json:"kind"`
	Owner       string          `json:"owner,omitempty"` // client ID of the submitting session, empty for REST
	Params      map[string]any  `json:"params,omitempty"`
	Status      JobStatus       `json:"status" badgerholdIndex:"Status"`
	Progress    float64         `json:"progress"`
	Message     string          `json:"message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Terminal    bool            `json:"terminal"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	TerminalAt  time.Time       `json:"terminal_at"`
}

// ToJob converts the record into a Job for state machine application
func (r *JobRecord) ToJob() *Job {
	return &Job{
		ID:          r.ID,
		Kind:        r.Kind,
		Params:      r.Params,
		SubmittedAt: r.SubmittedAt,
		UpdatedAt:   r.UpdatedAt,
		TerminalAt:  r.TerminalAt,
		Status:      r.Status,
		Progress:    r.Progress,
		Message:     r.Message,
		Result:      r.Result,
		Error:       r.Error,
	}
}

// JobRecordFromJob builds a record from a job, keeping the owner
func JobRecordFromJob(job *Job, owner string) *JobRecord {
	return &JobRecord{
		ID:          job.ID,
		Kind:        job.Kind,
		Owner:       owner,
		Params:      job.Params,
		Status:      job.Status,
		Progress:    job.Progress,
		Message:     job.Message,
		Result:      job.Result,
		Error:       job.Error,
		Terminal:    job.Status.IsTerminal(),
		SubmittedAt: job.SubmittedAt,
		UpdatedAt:   job.UpdatedAt,
		TerminalAt:  job.TerminalAt,
	}
}
