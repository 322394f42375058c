package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/models"
	"github.com/ternarybob/mcpdash/internal/services/events"
	"github.com/ternarybob/mcpdash/internal/storage/badger"
)

type submission struct {
	owner string
	msg   models.Message
}

// fakeJobs records calls and fails them when err is set
type fakeJobs struct {
	mu          sync.Mutex
	submissions []submission
	cancels     []string
	err         error
}

func (f *fakeJobs) Submit(_ context.Context, owner string, msg models.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if msg.JobID == "" {
		msg.JobID = "generated-1"
	}
	f.submissions = append(f.submissions, submission{owner: owner, msg: msg})
	return msg.JobID, nil
}

func (f *fakeJobs) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancels = append(f.cancels, jobID)
	return nil
}

func (f *fakeJobs) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

func (f *fakeJobs) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

func newTestStore(t *testing.T) *badger.JobStore {
	t.Helper()
	db, err := badger.NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return badger.NewJobStore(db, arbor.NewLogger())
}

func newTestBus(t *testing.T) *events.Service {
	t.Helper()
	bus := events.NewService(arbor.NewLogger())
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

// seedJob stores a job owned by owner and optionally moves it to running
func seedJob(t *testing.T, store *badger.JobStore, id, owner string, progress float64) {
	t.Helper()
	ctx := context.Background()
	job := models.NewJob(id, models.JobKindToolExecution, nil, time.Now())
	require.NoError(t, store.Create(ctx, models.JobRecordFromJob(job, owner)))
	if progress > 0 {
		_, _, err := store.Apply(ctx, id, models.Event{
			JobID:     id,
			Status:    models.JobStatusRunning,
			Progress:  models.Float(progress),
			Timestamp: time.Now(),
			Source:    models.SourceLocal,
		})
		require.NoError(t, err)
	}
}
