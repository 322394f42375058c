// -----------------------------------------------------------------------
// Execution state machine - validates and applies progress events
// -----------------------------------------------------------------------

package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/mcpdash/internal/models"
)

// ErrStaleEvent marks an event that was rejected because it would regress a
// job or re-apply a terminal state
var ErrStaleEvent = errors.New("stale event rejected")

const (
	minProgress = 0.0
	maxProgress = 100.0

	// ReasonUnchanged is reported when an event carries nothing new
	ReasonUnchanged models.ApplyReason = "unchanged"
)

// Apply validates ev against the lifecycle pending -> running -> {completed,
// failed, cancelled} and mutates job in place when the event is accepted.
//
// The caller must hold the job's single-writer lock. Apply never fails loudly:
// duplicates and regressions come back as a rejected outcome so transports can
// keep delivering whatever they receive.
func Apply(job *models.Job, ev models.Event, now time.Time) models.ApplyOutcome {
	if job.Status.IsTerminal() {
		return reject(job, ev, models.ReasonAlreadyTerminal)
	}

	target := ev.Status
	if target == "" {
		target = job.Status
	}
	if !target.IsValid() {
		return reject(job, ev, models.ReasonInvalidStatus)
	}
	if target.Rank() < job.Status.Rank() {
		return reject(job, ev, models.ReasonRegression)
	}

	changed := false
	reason := models.ReasonNone

	if target != job.Status {
		job.Status = target
		changed = true
	}

	if ev.Message != nil && *ev.Message != job.Message {
		job.Message = *ev.Message
		changed = true
	}

	if ev.Progress != nil && !target.IsTerminal() {
		p := Clamp(*ev.Progress)
		switch {
		case job.Status == models.JobStatusRunning:
			if p != job.Progress {
				job.Progress = p
				changed = true
			}
		case p != job.Progress:
			// Ratios are only meaningful while running
			reason = models.ReasonNotRunning
		}
	}

	if target.IsTerminal() {
		switch target {
		case models.JobStatusCompleted:
			job.Result = ev.Result
			job.Progress = maxProgress
		case models.JobStatusFailed:
			job.Error = ev.Error
			if job.Error == "" {
				job.Error = "job failed"
			}
		}
		job.TerminalAt = now
	}

	if !changed {
		if reason == models.ReasonNone {
			reason = ReasonUnchanged
		}
		return models.ApplyOutcome{Reason: reason}
	}

	job.UpdatedAt = now
	return models.ApplyOutcome{
		Applied:  true,
		Terminal: target.IsTerminal(),
		Reason:   reason,
	}
}

// Clamp bounds a progress ratio to [0, 100]; noisy producers are tolerated
func Clamp(p float64) float64 {
	if p != p { // NaN
		return minProgress
	}
	if p < minProgress {
		return minProgress
	}
	if p > maxProgress {
		return maxProgress
	}
	return p
}

// CanTransition reports whether from -> to is a legal lifecycle move
func CanTransition(from, to models.JobStatus) bool {
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	return to.Rank() >= from.Rank()
}

func reject(job *models.Job, ev models.Event, reason models.ApplyReason) models.ApplyOutcome {
	return models.ApplyOutcome{
		Reason: reason,
		Err: fmt.Errorf("%w: job %s is %s, event status %q from %s: %s",
			ErrStaleEvent, job.ID, job.Status, ev.Status, sourceOf(ev), reason),
	}
}

func sourceOf(ev models.Event) string {
	if ev.Source == "" {
		return "unknown"
	}
	return ev.Source
}
