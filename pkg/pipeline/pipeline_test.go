package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rstrinati/bimwarehouse/pkg/config"
	"github.com/rstrinati/bimwarehouse/pkg/pipeline"
	"github.com/rstrinati/bimwarehouse/pkg/source"
	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupStores(t *testing.T) (source.Store, warehouse.Store) {
	t.Helper()

	log := testLogger()

	src := source.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(func() { _ = src.Stop() })

	wh := warehouse.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, wh.Start(context.Background()))
	t.Cleanup(func() { _ = wh.Stop() })

	return src, wh
}

func newPipeline(src source.Store, wh warehouse.Store, clock func() time.Time) *pipeline.Pipeline {
	return pipeline.New(testLogger(), pipeline.Config{
		PipelineName: "issue_warehouse",
		Clock:        clock,
	}, src, wh)
}

func seedCleanIssue(t *testing.T, src source.Store, changed time.Time) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, src.CreateProject(ctx, &source.Project{
		SourceSystem: "acc", SourceProjectID: "p1", Name: "Tower",
		Client: "Acme", ChangedAt: &changed,
	}))
	require.NoError(t, src.UpsertIssue(ctx, &source.Issue{
		SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
		Title: "Duct clash", Status: "open", Assignee: "alice",
		CreatedAtSrc: changed.Add(-time.Hour), ChangedAt: &changed,
	}))
}

func TestPipeline_EndToEndPublish(t *testing.T) {
	src, wh := setupStores(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	seedCleanIssue(t, src, t1)

	result, err := newPipeline(src, wh, clock).Run(ctx)
	require.NoError(t, err)

	assert.True(t, result.Published)
	assert.Equal(t, 1, result.SnapshotRows)
	assert.Equal(t, 1, result.CurrentRows)
	assert.Equal(t, 2, result.RowsStaged) // one project, one issue

	// Bookkeeping is terminal and carries the watermark.
	run, err := wh.GetPipelineRun(ctx, result.PipelineRunID)
	require.NoError(t, err)
	assert.Equal(t, warehouse.StatusSuccess, run.Status)

	imp, err := wh.GetIssueImportRun(ctx, result.ImportRunID)
	require.NoError(t, err)
	assert.Equal(t, warehouse.StatusSuccess, imp.Status)
	require.NotNil(t, imp.WatermarkValue)
	assert.True(t, imp.WatermarkValue.Equal(t1))

	wm, err := wh.GetWatermark(ctx, "issue_warehouse", "issues")
	require.NoError(t, err)
	assert.True(t, wm.Equal(t1))

	current, err := wh.ListCurrentIssues(ctx)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Open", current[0].StatusNormalized)
	assert.True(t, current[0].IsOpen)
	assert.NotNil(t, current[0].ProjectKey)
	assert.Equal(t, result.ImportRunID, current[0].ImportRunID)

	// Both suites left an audit trail.
	checks, err := wh.ListQualityCheckResults(ctx, result.ImportRunID)
	require.NoError(t, err)
	assert.NotEmpty(t, checks)
}

func TestPipeline_IncrementalSecondRun(t *testing.T) {
	src, wh := setupStores(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Hour)
	clock := func() time.Time { return time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC) }

	seedCleanIssue(t, src, t1)

	p := newPipeline(src, wh, clock)

	first, err := p.Run(ctx)
	require.NoError(t, err)
	require.True(t, first.Published)

	// The issue closes at T2; only the delta is extracted.
	require.NoError(t, src.UpsertIssue(ctx, &source.Issue{
		SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
		Title: "Duct clash", Status: "closed", Assignee: "alice",
		CreatedAtSrc: t1.Add(-time.Hour), ClosedAtSrc: &t2, ChangedAt: &t2,
	}))

	second, err := p.Run(ctx)
	require.NoError(t, err)

	assert.True(t, second.Published)
	assert.Equal(t, 1, second.RowsStaged)
	assert.Equal(t, 1, second.CurrentRows)

	// Staging is append-only: both versions survive.
	staged, err := wh.CountStgIssues(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, staged)

	wm, err := wh.GetWatermark(ctx, "issue_warehouse", "issues")
	require.NoError(t, err)
	assert.True(t, wm.Equal(t2))

	current, err := wh.ListCurrentIssues(ctx)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "Closed", current[0].StatusNormalized)
	assert.False(t, current[0].IsOpen)

	// The audit check against the previous run spotted the status change.
	checks, err := wh.ListQualityCheckResults(ctx, second.ImportRunID)
	require.NoError(t, err)

	var changeDetails string

	for _, c := range checks {
		if c.CheckName == "change_counts" {
			changeDetails = c.Details
		}
	}

	assert.Contains(t, changeDetails, "1 status changes")
}

func TestPipeline_GateBlocksPublish(t *testing.T) {
	src, wh := setupStores(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	// An issue pointing at a project nobody staged: the snapshot has an
	// unmapped project and the blocking suite must refuse the publish.
	require.NoError(t, src.UpsertIssue(ctx, &source.Issue{
		SourceSystem: "acc", SourceProjectID: "ghost", SourceIssueID: "i1",
		Status: "open", CreatedAtSrc: t1.Add(-time.Hour), ChangedAt: &t1,
	}))

	result, err := newPipeline(src, wh, clock).Run(ctx)
	require.NoError(t, err)

	assert.False(t, result.Published)
	assert.NotEmpty(t, result.GateFailures)

	// The previously published state (here: nothing) stays untouched.
	current, err := wh.CountCurrentIssues(ctx)
	require.NoError(t, err)
	assert.Zero(t, current)

	run, err := wh.GetPipelineRun(ctx, result.PipelineRunID)
	require.NoError(t, err)
	assert.Equal(t, warehouse.StatusFailed, run.Status)
	assert.Contains(t, run.Message, "quality gate failed")

	imp, err := wh.GetIssueImportRun(ctx, result.ImportRunID)
	require.NoError(t, err)
	assert.Equal(t, warehouse.StatusFailed, imp.Status)

	// The run's snapshot and check results are kept for diagnosis.
	snaps, err := wh.CountSnapshotsForRun(ctx, result.ImportRunID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snaps)
}

func TestPipeline_ConcurrentRunIsRefused(t *testing.T) {
	src, wh := setupStores(t)
	ctx := context.Background()

	// Another process holds a live lease.
	require.NoError(t, wh.AcquireLock(ctx, "issue_warehouse", "other-process", time.Hour))

	_, err := newPipeline(src, wh, nil).Run(ctx)
	require.ErrorIs(t, err, warehouse.ErrLockHeld)

	// Nothing was recorded.
	runs, err := wh.ListPipelineRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestLock_ReleaseAllowsNextRun(t *testing.T) {
	_, wh := setupStores(t)
	ctx := context.Background()

	first := pipeline.NewLock(testLogger(), wh, "issue_warehouse", time.Hour)
	second := pipeline.NewLock(testLogger(), wh, "issue_warehouse", time.Hour)

	require.NoError(t, first.Acquire(ctx))

	err := second.Acquire(ctx)
	require.ErrorIs(t, err, warehouse.ErrLockHeld)

	first.Release(ctx)
	require.NoError(t, second.Acquire(ctx))
	second.Release(ctx)
}
