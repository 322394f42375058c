package badger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/mcpdash/internal/common"
	"github.com/ternarybob/mcpdash/internal/jobs"
	"github.com/ternarybob/mcpdash/internal/models"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewJobStore(db, arbor.NewLogger())
	t.Cleanup(store.Close)
	return store
}

func pendingRecord(id, owner string) *models.JobRecord {
	now := time.Now()
	return models.JobRecordFromJob(models.NewJob(id, models.JobKindToolExecution, map[string]any{"tool": "echo"}, now), owner)
}

func running(jobID string, progress float64) models.Event {
	return models.Event{JobID: jobID, Status: models.JobStatusRunning, Progress: models.Float(progress), Timestamp: time.Now()}
}

func TestJobStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingRecord("job-1", "cli_a")))
	err := store.Create(ctx, pendingRecord("job-1", "cli_a"))
	assert.ErrorIs(t, err, jobs.ErrDuplicateJob)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, "cli_a", got.Owner)
	assert.Equal(t, "echo", got.Params["tool"])

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestJobStore_ApplyGoesThroughStateMachine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pendingRecord("job-1", "cli_a")))

	outcome, rec, err := store.Apply(ctx, "job-1", running("job-1", 40))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, 40.0, rec.Progress)

	// a status regression is rejected and not persisted
	outcome, _, err = store.Apply(ctx, "job-1", models.Event{JobID: "job-1", Status: models.JobStatusPending, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, models.ReasonRegression, outcome.Reason)

	done := models.Event{JobID: "job-1", Status: models.JobStatusCompleted, Result: json.RawMessage(`{"ok":true}`), Timestamp: time.Now()}
	outcome, rec, err = store.Apply(ctx, "job-1", done)
	require.NoError(t, err)
	assert.True(t, outcome.Terminal)
	assert.True(t, rec.Terminal)

	outcome, _, err = store.Apply(ctx, "job-1", done)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonAlreadyTerminal, outcome.Reason)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	_, _, err = store.Apply(ctx, "missing", done)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestJobStore_ListByOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingRecord("a-1", "cli_a")))
	require.NoError(t, store.Create(ctx, pendingRecord("a-2", "cli_a")))
	require.NoError(t, store.Create(ctx, pendingRecord("b-1", "cli_b")))
	_, _, err := store.Apply(ctx, "a-2", models.Event{JobID: "a-2", Status: models.JobStatusCancelled, Timestamp: time.Now()})
	require.NoError(t, err)

	owned, err := store.ListByOwner(ctx, "cli_a")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "a-1", owned[0].ID)
	assert.False(t, owned[0].Terminal)
	assert.Equal(t, "a-2", owned[1].ID)
	assert.Equal(t, models.JobStatusCancelled, owned[1].Status)

	// pruned terminal snapshots are no longer listed
	_, err = store.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	owned, err = store.ListByOwner(ctx, "cli_a")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "a-1", owned[0].ID)
}

func TestJobStore_Prune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	require.NoError(t, store.Create(ctx, pendingRecord("old", "")))
	require.NoError(t, store.Create(ctx, pendingRecord("live", "")))
	_, _, err := store.Apply(ctx, "old", models.Event{JobID: "old", Status: models.JobStatusFailed, Error: "boom", Timestamp: base})
	require.NoError(t, err)

	deleted, err := store.Prune(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	deleted, err = store.Prune(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	_, err = store.Get(ctx, "live")
	assert.NoError(t, err)

	assert.Error(t, store.StartPruning("whenever", time.Hour))
	assert.NoError(t, store.StartPruning("@every 1m", time.Hour))
}

func TestNewBadgerDB_OnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: dir, ResetOnStartup: true})
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
