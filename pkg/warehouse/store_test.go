package warehouse_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rstrinati/bimwarehouse/pkg/config"
	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

func setupTestStore(t *testing.T) warehouse.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := warehouse.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func timePtr(ts time.Time) *time.Time {
	return &ts
}

func TestStore_WatermarkDefaultsToEpoch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	value, err := s.GetWatermark(ctx, "issue_warehouse", "ops.issues")
	require.NoError(t, err)

	assert.Equal(t, 1900, value.Year())
	assert.Equal(t, time.January, value.Month())
	assert.Equal(t, 1, value.Day())
}

func TestStore_WatermarkNeverMovesBackwards(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, s.SetWatermark(ctx, "issue_warehouse", "ops.issues", t2, 5))

	// A lower value is silently ignored.
	require.NoError(t, s.SetWatermark(ctx, "issue_warehouse", "ops.issues", t1, 3))

	value, err := s.GetWatermark(ctx, "issue_warehouse", "ops.issues")
	require.NoError(t, err)
	assert.True(t, value.Equal(t2))

	// Equal value is accepted (idempotent re-run).
	require.NoError(t, s.SetWatermark(ctx, "issue_warehouse", "ops.issues", t2, 5))

	// Watermarks are scoped per source object.
	other, err := s.GetWatermark(ctx, "issue_warehouse", "ops.projects")
	require.NoError(t, err)
	assert.Equal(t, 1900, other.Year())
}

func TestStore_RunLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreatePipelineRun(ctx, "issue_warehouse")
	require.NoError(t, err)
	assert.Equal(t, warehouse.StatusRunning, run.Status)

	imp, err := s.CreateIssueImportRun(ctx, run.ID, "all", "incremental")
	require.NoError(t, err)
	assert.Equal(t, warehouse.StatusRunning, imp.Status)

	wm := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CompleteIssueImportRun(
		ctx, imp.ID, warehouse.StatusSuccess, "", 42, &wm,
	))

	got, err := s.GetIssueImportRun(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, warehouse.StatusSuccess, got.Status)
	assert.Equal(t, 42, got.RowCount)
	require.NotNil(t, got.WatermarkValue)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, s.CompletePipelineRun(
		ctx, run.ID, warehouse.StatusSuccess, "published 42 issues",
	))

	gotRun, err := s.GetPipelineRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, warehouse.StatusSuccess, gotRun.Status)

	imports, err := s.ListIssueImportRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, imports, 1)
}

func TestStore_PreviousSuccessfulImportRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreatePipelineRun(ctx, "issue_warehouse")
	require.NoError(t, err)

	first, err := s.CreateIssueImportRun(ctx, run.ID, "all", "incremental")
	require.NoError(t, err)

	prev, err := s.PreviousSuccessfulImportRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, prev)

	require.NoError(t, s.CompleteIssueImportRun(
		ctx, first.ID, warehouse.StatusSuccess, "", 10, nil,
	))

	// A failed run in between is skipped.
	failed, err := s.CreateIssueImportRun(ctx, run.ID, "all", "incremental")
	require.NoError(t, err)
	require.NoError(t, s.CompleteIssueImportRun(
		ctx, failed.ID, warehouse.StatusFailed, "gate failed", 10, nil,
	))

	third, err := s.CreateIssueImportRun(ctx, run.ID, "all", "incremental")
	require.NoError(t, err)

	prev, err = s.PreviousSuccessfulImportRun(ctx, third.ID)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, first.ID, prev.ID)
}

func TestStore_BulkInsertFallsBackRowByRow(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Two rows collide on the (source_system, raw_status) unique index, so
	// the all-or-nothing transaction fails and the row-by-row pass isolates
	// the bad row while keeping the good ones.
	rows := []warehouse.StatusMapping{
		{SourceSystem: "acc", RawStatus: "open", NormalizedStatus: "open", IsOpen: true},
		{SourceSystem: "acc", RawStatus: "open", NormalizedStatus: "opened", IsOpen: true},
		{SourceSystem: "acc", RawStatus: "closed", NormalizedStatus: "closed"},
	}

	err := s.BulkInsert(ctx, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 rows failed")

	stored, err := s.ListStatusMappings(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestStore_BulkInsertEmptySliceIsNoop(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.BulkInsert(context.Background(), []warehouse.StgIssue{}))
}

func TestStore_LatestStgIssuesPicksMostRecentPerKey(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Hour)
	loadTS := t2.Add(time.Minute)

	rows := []warehouse.StgIssue{
		{
			RecordSource: "ops.issues", SourceLoadTS: loadTS, ChangedAt: t1,
			SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
			StatusRaw: "open", CreatedAtSrc: t1,
		},
		{
			RecordSource: "ops.issues", SourceLoadTS: loadTS, ChangedAt: t2,
			SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
			StatusRaw: "closed", CreatedAtSrc: t1, ClosedAtSrc: timePtr(t2),
		},
		{
			RecordSource: "ops.issues", SourceLoadTS: loadTS, ChangedAt: t1,
			SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i2",
			StatusRaw: "open", CreatedAtSrc: t1,
		},
	}
	require.NoError(t, s.BulkInsert(ctx, rows))

	latest, err := s.LatestStgIssues(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	byKey := make(map[string]warehouse.StgIssue, len(latest))
	for _, row := range latest {
		byKey[row.SourceIssueID] = row
	}

	assert.Equal(t, "closed", byKey["i1"].StatusRaw)
	assert.Equal(t, "open", byKey["i2"].StatusRaw)

	total, err := s.CountStgIssues(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	distinct, err := s.CountDistinctStagingIssueKeys(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, distinct)
}

func TestStore_LatestStgIssuesTieBreaksOnCloseTime(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	changed := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	closed := changed.Add(time.Minute)

	rows := []warehouse.StgIssue{
		{
			RecordSource: "ops.issues", SourceLoadTS: closed, ChangedAt: changed,
			SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
			StatusRaw: "closed", CreatedAtSrc: changed, ClosedAtSrc: timePtr(closed),
		},
		{
			RecordSource: "ops.issues", SourceLoadTS: closed, ChangedAt: changed,
			SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
			StatusRaw: "open", CreatedAtSrc: changed,
		},
	}
	require.NoError(t, s.BulkInsert(ctx, rows))

	latest, err := s.LatestStgIssues(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)

	// Same change timestamp: the closed row wins over the open one.
	assert.Equal(t, "closed", latest[0].StatusRaw)
}

func TestStore_SeedStatusMappingsIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rows := []warehouse.StatusMapping{
		{SourceSystem: "acc", RawStatus: "open", NormalizedStatus: "open", IsOpen: true},
		{SourceSystem: "acc", RawStatus: "closed", NormalizedStatus: "closed"},
	}

	require.NoError(t, s.SeedStatusMappings(ctx, rows))
	require.NoError(t, s.SeedStatusMappings(ctx, rows))

	stored, err := s.ListStatusMappings(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestStore_BuildIssueFactsResolvesDimensions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	changed := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.BulkInsert(ctx, []warehouse.StgProject{
		{
			RecordSource: "ops.projects", SourceLoadTS: changed, ChangedAt: changed,
			SourceSystem: "acc", SourceProjectID: "p1", Name: "Tower", Client: "Acme",
		},
	}))

	require.NoError(t, s.BulkInsert(ctx, []warehouse.StgProjectAlias{
		{
			RecordSource: "ops.project_aliases", SourceLoadTS: changed, ChangedAt: changed,
			AliasName: "tower-alias", SourceSystem: "acc", SourceProjectID: "p1",
		},
	}))

	require.NoError(t, s.BulkInsert(ctx, []warehouse.StgIssue{
		{
			RecordSource: "ops.issues", SourceLoadTS: changed, ChangedAt: changed,
			SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
			StatusRaw: "open", Assignee: "alice", CreatedAtSrc: changed,
		},
		// Project referenced through an alias only.
		{
			RecordSource: "ops.issues", SourceLoadTS: changed, ChangedAt: changed,
			SourceSystem: "acc", SourceProjectID: "tower-alias", SourceIssueID: "i2",
			StatusRaw: "open", CreatedAtSrc: changed,
		},
		// Project nobody knows: ProjectKey stays NULL.
		{
			RecordSource: "ops.issues", SourceLoadTS: changed, ChangedAt: changed,
			SourceSystem: "acc", SourceProjectID: "ghost", SourceIssueID: "i3",
			StatusRaw: "open", CreatedAtSrc: changed,
		},
	}))

	require.NoError(t, s.BuildProjectDimension(ctx))
	require.NoError(t, s.BuildUserDimension(ctx))

	count, err := s.BuildIssueFacts(ctx, "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	facts, err := s.FactsForSnapshotDate(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, facts, 3)

	byIssue := make(map[string]warehouse.FactIssue, len(facts))
	for _, f := range facts {
		byIssue[f.SourceIssueID] = f
	}

	require.NotNil(t, byIssue["i1"].ProjectKey)
	require.NotNil(t, byIssue["i1"].AssigneeUserKey)
	require.NotNil(t, byIssue["i2"].ProjectKey)
	assert.Equal(t, *byIssue["i1"].ProjectKey, *byIssue["i2"].ProjectKey)
	assert.Nil(t, byIssue["i3"].ProjectKey)
}

func TestStore_BuildIssueFactsRebuildIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	changed := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.BulkInsert(ctx, []warehouse.StgIssue{
		{
			RecordSource: "ops.issues", SourceLoadTS: changed, ChangedAt: changed,
			SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
			StatusRaw: "open", CreatedAtSrc: changed,
		},
	}))

	for i := 0; i < 3; i++ {
		count, err := s.BuildIssueFacts(ctx, "2026-03-10")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}

	total, err := s.CountFactsForSnapshotDate(ctx, "2026-03-10")
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	date, err := s.LatestFactSnapshotDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", date)
}

func TestStore_ReplaceCurrentIssuesIsFullReplace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := []warehouse.CurrentIssue{
		{ImportRunID: 1, IssueKey: "acc|p1|i1", IssueKeyHash: warehouse.IssueKeyHash("acc|p1|i1")},
		{ImportRunID: 1, IssueKey: "acc|p1|i2", IssueKeyHash: warehouse.IssueKeyHash("acc|p1|i2")},
	}

	n, err := s.ReplaceCurrentIssues(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	second := []warehouse.CurrentIssue{
		{ImportRunID: 2, IssueKey: "acc|p1|i2", IssueKeyHash: warehouse.IssueKeyHash("acc|p1|i2")},
	}

	n, err = s.ReplaceCurrentIssues(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := s.ListCurrentIssues(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "acc|p1|i2", rows[0].IssueKey)
	assert.EqualValues(t, 2, rows[0].ImportRunID)
}

func TestStore_ChangeCountsSincePreviousRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreatePipelineRun(ctx, "issue_warehouse")
	require.NoError(t, err)

	prev, err := s.CreateIssueImportRun(ctx, run.ID, "all", "incremental")
	require.NoError(t, err)
	require.NoError(t, s.CompleteIssueImportRun(
		ctx, prev.ID, warehouse.StatusSuccess, "", 2, nil,
	))

	cur, err := s.CreateIssueImportRun(ctx, run.ID, "all", "incremental")
	require.NoError(t, err)

	hash1 := warehouse.IssueKeyHash("acc|p1|i1")
	hash2 := warehouse.IssueKeyHash("acc|p1|i2")
	userA := uint(1)
	userB := uint(2)

	require.NoError(t, s.InsertIssueSnapshots(ctx, []warehouse.IssueSnapshot{
		{ImportRunID: prev.ID, IssueKeyHash: hash1, StatusNormalized: "open", AssigneeUserKey: &userA},
		{ImportRunID: prev.ID, IssueKeyHash: hash2, StatusNormalized: "open"},
	}))

	require.NoError(t, s.InsertIssueSnapshots(ctx, []warehouse.IssueSnapshot{
		{ImportRunID: cur.ID, IssueKeyHash: hash1, StatusNormalized: "closed", AssigneeUserKey: &userB},
		{ImportRunID: cur.ID, IssueKeyHash: hash2, StatusNormalized: "open"},
	}))

	counts, err := s.ChangeCountsSincePreviousRun(ctx, cur.ID)
	require.NoError(t, err)
	require.NotNil(t, counts.PreviousRunID)
	assert.Equal(t, prev.ID, *counts.PreviousRunID)
	assert.Equal(t, 1, counts.StatusChanged)
	assert.Equal(t, 1, counts.AssigneeChanged)
}

func TestStore_AcquireLock(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AcquireLock(ctx, "issue_warehouse", "holder-a", time.Hour))

	// Second holder is refused while the lease is live.
	err := s.AcquireLock(ctx, "issue_warehouse", "holder-b", time.Hour)
	require.ErrorIs(t, err, warehouse.ErrLockHeld)

	// Re-acquiring as the same holder extends the lease.
	require.NoError(t, s.AcquireLock(ctx, "issue_warehouse", "holder-a", time.Hour))

	// A different pipeline name does not contend.
	require.NoError(t, s.AcquireLock(ctx, "other_pipeline", "holder-b", time.Hour))

	// After release, the other holder can acquire.
	require.NoError(t, s.ReleaseLock(ctx, "issue_warehouse", "holder-a"))
	require.NoError(t, s.AcquireLock(ctx, "issue_warehouse", "holder-b", time.Hour))
}

func TestStore_AcquireLockTakesOverExpiredLease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Negative TTL produces an already-expired lease.
	require.NoError(t, s.AcquireLock(ctx, "issue_warehouse", "holder-a", -time.Minute))

	require.NoError(t, s.AcquireLock(ctx, "issue_warehouse", "holder-b", time.Hour))

	// The original holder lost the lease; its release is a no-op and the
	// new holder still owns the lock.
	require.NoError(t, s.ReleaseLock(ctx, "issue_warehouse", "holder-a"))
	err := s.AcquireLock(ctx, "issue_warehouse", "holder-c", time.Hour)
	require.ErrorIs(t, err, warehouse.ErrLockHeld)
}

func TestIssueKeyHash(t *testing.T) {
	key := warehouse.IssueKey("acc", "p1", "i1")
	assert.Equal(t, "acc|p1|i1", key)

	hash := warehouse.IssueKeyHash(key)
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, warehouse.IssueKeyHash(key))
	assert.NotEqual(t, hash, warehouse.IssueKeyHash("acc|p1|i2"))
}
