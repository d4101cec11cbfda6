package file

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edforge/edforge/pkg/models"
	"github.com/edforge/edforge/pkg/persistence"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()

	return NewPersistence(t.TempDir())
}

func newTestRun() *models.PipelineRun {
	return &models.PipelineRun{
		ID:          uuid.New().String(),
		GraphID:     "course-generation",
		Status:      models.RunStatusActive,
		CurrentNode: "plan",
		Context:     map[string]any{"topic": "photosynthesis"},
		CreatedAt:   time.Now().UTC(),
	}
}

func TestRunRepositorySaveAndGet(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	run := newTestRun()
	require.NoError(t, p.RunRepository().Save(ctx, run))
	assert.Equal(t, 1, run.Version)

	loaded, err := p.RunRepository().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, "plan", loaded.CurrentNode)
	assert.Equal(t, 1, loaded.Version)
	assert.Equal(t, "photosynthesis", loaded.Context["topic"])
}

func TestRunRepositoryGetMissing(t *testing.T) {
	p := newTestPersistence(t)

	_, err := p.RunRepository().GetByID(context.Background(), uuid.New().String())
	require.Error(t, err)
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestRunRepositoryVersionConflict(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	run := newTestRun()
	require.NoError(t, p.RunRepository().Save(ctx, run))

	// A second writer holding the stale version must lose.
	stale := *run
	stale.Version = 0

	err := p.RunRepository().Save(ctx, &stale)
	require.Error(t, err)
	assert.True(t, persistence.IsVersionConflict(err))

	// The current holder can keep advancing.
	run.CurrentNode = "write"
	require.NoError(t, p.RunRepository().Save(ctx, run))
	assert.Equal(t, 2, run.Version)
}

func TestRunRepositoryRejectsUnsafeID(t *testing.T) {
	p := newTestPersistence(t)

	run := newTestRun()
	run.ID = "../escape"

	assert.Error(t, p.RunRepository().Save(context.Background(), run))
}

func TestRunRepositoryListByStatusAndStalled(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	active := newTestRun()
	require.NoError(t, p.RunRepository().Save(ctx, active))

	done := newTestRun()
	done.Status = models.RunStatusCompleted
	require.NoError(t, p.RunRepository().Save(ctx, done))

	actives, err := p.RunRepository().ListByStatus(ctx, models.RunStatusActive)
	require.NoError(t, err)
	require.Len(t, actives, 1)
	assert.Equal(t, active.ID, actives[0].ID)

	// Everything was just written, so nothing is stalled before a past cutoff.
	stalled, err := p.RunRepository().ListStalled(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stalled)

	// With a future cutoff the active run counts as stalled, the completed one never does.
	stalled, err = p.RunRepository().ListStalled(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, active.ID, stalled[0].ID)
}

func newTestEntry(runID string, created time.Time) *models.AuditLogEntry {
	return &models.AuditLogEntry{
		ID:      uuid.New().String(),
		RunID:   runID,
		GraphID: "course-generation",
		NodeID:  "review",
		Status:  models.EntryStatusSucceeded,
		Attempts: []*models.GenerationAttempt{
			{Number: 1, RawOutput: `{"decision":"meets"}`, Outcome: models.OutcomePass},
		},
		CreatedAt: created,
	}
}

func TestAuditRepositoryAppendIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	entry := newTestEntry("run-1", time.Now().UTC())
	require.NoError(t, p.AuditRepository().Append(ctx, entry))

	err := p.AuditRepository().Append(ctx, entry)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrEntryExists)

	loaded, err := p.AuditRepository().GetByID(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Attempts, 1)
	assert.Equal(t, models.OutcomePass, loaded.Attempts[0].Outcome)
}

func TestAuditRepositoryListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	base := time.Now().UTC().Add(-time.Hour)

	older := newTestEntry("run-1", base)
	require.NoError(t, p.AuditRepository().Append(ctx, older))

	newer := newTestEntry("run-1", base.Add(30*time.Minute))
	require.NoError(t, p.AuditRepository().Append(ctx, newer))

	other := newTestEntry("run-2", base.Add(10*time.Minute))
	other.Status = models.EntryStatusRetriesExhausted
	require.NoError(t, p.AuditRepository().Append(ctx, other))

	// By run, newest first.
	result, err := p.AuditRepository().List(ctx, persistence.AuditFilter{RunID: "run-1"}, persistence.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalCount)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, newer.ID, result.Entries[0].ID)
	assert.Equal(t, older.ID, result.Entries[1].ID)

	// By status.
	result, err = p.AuditRepository().List(ctx, persistence.AuditFilter{Status: models.EntryStatusRetriesExhausted}, persistence.Page{})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, other.ID, result.Entries[0].ID)

	// By time range.
	result, err = p.AuditRepository().List(ctx, persistence.AuditFilter{
		Since: base.Add(5 * time.Minute),
		Until: base.Add(15 * time.Minute),
	}, persistence.Page{})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, other.ID, result.Entries[0].ID)
}

func TestAuditRepositoryPagination(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		entry := newTestEntry("run-1", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, p.AuditRepository().Append(ctx, entry))
	}

	page1, err := p.AuditRepository().List(ctx, persistence.AuditFilter{}, persistence.Page{Number: 1, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page1.TotalCount)
	assert.Len(t, page1.Entries, 2)

	page3, err := p.AuditRepository().List(ctx, persistence.AuditFilter{}, persistence.Page{Number: 3, Size: 2})
	require.NoError(t, err)
	assert.Len(t, page3.Entries, 1)

	beyond, err := p.AuditRepository().List(ctx, persistence.AuditFilter{}, persistence.Page{Number: 9, Size: 2})
	require.NoError(t, err)
	assert.Empty(t, beyond.Entries)
}

func TestHealthCheck(t *testing.T) {
	p := newTestPersistence(t)
	assert.NoError(t, p.HealthCheck(context.Background()))

	missing := NewPersistence("/nonexistent/edforge-test-root")
	assert.Error(t, missing.HealthCheck(context.Background()))
}
