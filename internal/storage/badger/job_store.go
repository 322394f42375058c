package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/jobs/state"
	"github.com/ternarybob/mcpdash/internal/models"
)

// JobStore implements interfaces.JobStore on badgerhold
type JobStore struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time

	// serialises read-apply-write per store; snapshots are small and the
	// worker pool bounds the writers
	mu   sync.Mutex
	cron *cron.Cron
}

// NewJobStore creates a JobStore
func NewJobStore(db *BadgerDB, logger arbor.ILogger) *JobStore {
	return &JobStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func (s *JobStore) Create(ctx context.Context, record *models.JobRecord) error {
	if record.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Insert(record.ID, record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, record.ID)
		}
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStore) Apply(ctx context.Context, jobID string, ev models.Event) (models.ApplyOutcome, *models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.get(jobID)
	if err != nil {
		return models.ApplyOutcome{Reason: models.ReasonUnknownJob}, nil, err
	}

	job := record.ToJob()
	outcome := state.Apply(job, ev, s.now())
	if !outcome.Applied {
		return outcome, record, nil
	}

	updated := models.JobRecordFromJob(job, record.Owner)
	if err := s.db.Store().Upsert(jobID, updated); err != nil {
		return outcome, record, fmt.Errorf("failed to update job: %w", err)
	}
	return outcome, updated, nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	return s.get(jobID)
}

func (s *JobStore) get(jobID string) (*models.JobRecord, error) {
	var record models.JobRecord
	if err := s.db.Store().Get(jobID, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &record, nil
}

// ListByOwner returns every snapshot the owner still has in the store: live
// jobs and terminal jobs that have not been pruned yet
func (s *JobStore) ListByOwner(ctx context.Context, owner string) ([]*models.JobRecord, error) {
	var records []models.JobRecord
	query := badgerhold.Where("Owner").Eq(owner).SortBy("SubmittedAt")
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.JobRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}

func (s *JobStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []models.JobRecord
	query := badgerhold.Where("Terminal").Eq(true).And("TerminalAt").Lt(cutoff)
	if err := s.db.Store().Find(&records, query); err != nil {
		return 0, fmt.Errorf("failed to find expired jobs: %w", err)
	}

	deleted := 0
	for _, record := range records {
		if err := s.db.Store().Delete(record.ID, &models.JobRecord{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return deleted, fmt.Errorf("failed to delete job %s: %w", record.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// StartPruning schedules Prune with the given retention
func (s *JobStore) StartPruning(schedule string, retention time.Duration) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		deleted, err := s.Prune(context.Background(), s.now().Add(-retention))
		if err != nil {
			s.logger.Warn().Err(err).Msg("Job snapshot prune failed")
			return
		}
		if deleted > 0 {
			s.logger.Debug().Int("deleted", deleted).Msg("Pruned terminal job snapshots")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()

	s.logger.Debug().
		Str("schedule", schedule).
		Dur("retention", retention).
		Msg("Job snapshot pruning scheduled")
	return nil
}

// Close stops pruning; the database is closed by its owner
func (s *JobStore) Close() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
