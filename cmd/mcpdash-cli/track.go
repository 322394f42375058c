package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/ternarybob/mcpdash/internal/models"
	"github.com/ternarybob/mcpdash/internal/session"
)

var (
	cyan   = color.New(color.FgCyan)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	gray   = color.New(color.FgHiBlack)
)

// track prints a job's events until it is terminal. An interrupt cancels the
// job and keeps waiting for the cancelled state.
func track(ctx context.Context, s *session.Session, jobID string) (models.Job, error) {
	sub, err := s.Subscribe(context.Background(), jobID)
	if err != nil {
		return models.Job{}, err
	}
	defer sub.Close()

	interrupted := ctx.Done()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return s.Get(jobID)
			}
			printEvent(ev)
			if ev.IsTerminal() {
				return s.Get(jobID)
			}

		case <-interrupted:
			interrupted = nil
			yellow.Printf("\ninterrupted, cancelling %s\n", jobID)
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Cancel(cancelCtx, jobID); err != nil {
				red.Printf("cancel failed: %v\n", err)
			}
			cancel()
		}
	}
}

// waitDispatched blocks until the job has been handed to a transport
func waitDispatched(ctx context.Context, s *session.Session, jobID string) (models.Job, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := s.Get(jobID)
		if err != nil {
			return job, err
		}
		if job.Transport != "" || job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printEvent(ev models.Event) {
	gray.Printf("%s ", ev.Timestamp.Format("15:04:05"))
	cyan.Printf("[%s] ", ev.JobID)

	switch ev.Status {
	case models.JobStatusCompleted:
		green.Println("completed")
	case models.JobStatusFailed:
		red.Print("failed")
		fmt.Printf(": %s\n", ev.Error)
	case models.JobStatusCancelled:
		yellow.Println("cancelled")
	default:
		fmt.Printf("%-9s", ev.Status)
		if ev.Progress != nil {
			fmt.Printf(" %3.0f%%", *ev.Progress)
		}
		if ev.Message != nil && *ev.Message != "" {
			gray.Printf("  %s", *ev.Message)
		}
		fmt.Println()
	}
}

// finish prints the outcome and turns anything but completed into an error
func finish(job models.Job) error {
	if job.CancelUnconfirmed {
		yellow.Println("cancellation was not confirmed by the service; the job may still be running")
	}
	switch job.Status {
	case models.JobStatusCompleted:
		if len(job.Result) > 0 {
			fmt.Println(indent(job.Result))
		}
		return nil
	case models.JobStatusFailed:
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	default:
		return fmt.Errorf("job %s %s", job.ID, job.Status)
	}
}

func indent(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
