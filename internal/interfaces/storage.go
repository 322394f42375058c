package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/mcpdash/internal/models"
)

// JobStore persists the execution service's job snapshots. Every change goes
// through the execution state machine, so a snapshot never regresses.
type JobStore interface {
	// Create stores a new pending record; jobs.ErrDuplicateJob if the ID exists
	Create(ctx context.Context, record *models.JobRecord) error

	// Apply validates ev against the stored snapshot and persists the result
	Apply(ctx context.Context, jobID string, ev models.Event) (models.ApplyOutcome, *models.JobRecord, error)

	// Get returns a snapshot; jobs.ErrNotFound if unknown
	Get(ctx context.Context, jobID string) (*models.JobRecord, error)

	// ListByOwner returns a client's snapshots, terminal ones included until pruned
	ListByOwner(ctx context.Context, owner string) ([]*models.JobRecord, error)

	// Prune deletes terminal snapshots that ended before cutoff
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
