package staging_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rstrinati/bimwarehouse/pkg/config"
	"github.com/rstrinati/bimwarehouse/pkg/source"
	"github.com/rstrinati/bimwarehouse/pkg/staging"
	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

func setupStores(t *testing.T) (source.Store, warehouse.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	srcCfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}
	src := source.NewStore(log, srcCfg)
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(func() { _ = src.Stop() })

	whCfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}
	wh := warehouse.NewStore(log, whCfg)
	require.NoError(t, wh.Start(context.Background()))
	t.Cleanup(func() { _ = wh.Stop() })

	return src, wh
}

func runnerByName(t *testing.T, runners []staging.Runner, name string) staging.Runner {
	t.Helper()

	for _, r := range runners {
		if r.Name == name {
			return r
		}
	}

	t.Fatalf("no runner named %q", name)

	return staging.Runner{}
}

func TestNewRunners_Order(t *testing.T) {
	src, wh := setupStores(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	runners := staging.NewRunners(log, "issue_warehouse", src, wh)

	names := make([]string, 0, len(runners))
	for _, r := range runners {
		names = append(names, r.Name)
	}

	// Reference datasets load before the issues that join against them.
	assert.Equal(t, []string{
		"projects", "project_aliases", "services", "reviews",
		"issues", "processed_issues", "issue_attributes",
	}, names)
}

func TestIssueLoader_StagesAndNormalizes(t *testing.T) {
	src, wh := setupStores(t)
	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	changed := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	// Project-scoped mapping beats the global default.
	require.NoError(t, src.CreatePriorityMapping(ctx, &source.PriorityMapping{
		SourceSystem: "acc", SourceProjectID: "", RawValue: "High", Normalized: "high",
	}))
	require.NoError(t, src.CreatePriorityMapping(ctx, &source.PriorityMapping{
		SourceSystem: "acc", SourceProjectID: "p1", RawValue: "High", Normalized: "urgent",
	}))

	require.NoError(t, src.UpsertIssue(ctx, &source.Issue{
		SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
		Title: "Duct clash", Status: "open", Priority: "High",
		CreatedAtSrc: changed, ChangedAt: &changed,
	}))
	require.NoError(t, src.UpsertIssue(ctx, &source.Issue{
		SourceSystem: "acc", SourceProjectID: "p2", SourceIssueID: "i2",
		Title: "Other", Status: "open", Priority: "High",
		CreatedAtSrc: changed, ChangedAt: &changed,
	}))
	require.NoError(t, src.UpsertIssue(ctx, &source.Issue{
		SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i3",
		Title: "Unmapped priority", Status: "open", Priority: "Whatever",
		CreatedAtSrc: changed, ChangedAt: &changed,
	}))

	runners := staging.NewRunners(log, "issue_warehouse", src, wh)

	res, err := runnerByName(t, runners, "issues").Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	assert.True(t, res.Watermark.Equal(changed))

	staged, err := wh.LatestStgIssues(ctx)
	require.NoError(t, err)
	require.Len(t, staged, 3)

	byIssue := make(map[string]warehouse.StgIssue, len(staged))
	for _, row := range staged {
		byIssue[row.SourceIssueID] = row
	}

	assert.Equal(t, "urgent", byIssue["i1"].PriorityNormalized)
	assert.Equal(t, "high", byIssue["i2"].PriorityNormalized)
	assert.Equal(t, "", byIssue["i3"].PriorityNormalized)
	assert.Equal(t, "High", byIssue["i1"].PriorityRaw)
	assert.Equal(t, "ops.issues", byIssue["i1"].RecordSource)
	assert.False(t, byIssue["i1"].SourceLoadTS.IsZero())

	wm, err := wh.GetWatermark(ctx, "issue_warehouse", "issues")
	require.NoError(t, err)
	assert.True(t, wm.Equal(changed))
}

func TestIssueLoader_RerunStagesOnlyNewChanges(t *testing.T) {
	src, wh := setupStores(t)
	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	t1 := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, src.UpsertIssue(ctx, &source.Issue{
		SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
		Status: "open", CreatedAtSrc: t1, ChangedAt: &t1,
	}))

	runners := staging.NewRunners(log, "issue_warehouse", src, wh)
	issues := runnerByName(t, runners, "issues")

	res, err := issues.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	// Re-run with no source changes: nothing staged, watermark untouched.
	res, err = issues.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, res.Written)

	// The issue closes; only the new version lands, and the staging table
	// keeps both rows (append-only).
	require.NoError(t, src.UpsertIssue(ctx, &source.Issue{
		SourceSystem: "acc", SourceProjectID: "p1", SourceIssueID: "i1",
		Status: "closed", CreatedAtSrc: t1, ClosedAtSrc: &t2, ChangedAt: &t2,
	}))

	res, err = issues.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.True(t, res.Watermark.Equal(t2))

	total, err := wh.CountStgIssues(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	latest, err := wh.LatestStgIssues(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "closed", latest[0].StatusRaw)
}

func TestProjectAliasLoader_Stages(t *testing.T) {
	src, wh := setupStores(t)
	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	changed := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	require.NoError(t, src.CreateProjectAlias(ctx, &source.ProjectAlias{
		AliasName: "tower-alias", SourceSystem: "acc", SourceProjectID: "p1",
		ChangedAt: &changed,
	}))

	runners := staging.NewRunners(log, "issue_warehouse", src, wh)

	res, err := runnerByName(t, runners, "project_aliases").Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	wm, err := wh.GetWatermark(ctx, "issue_warehouse", "project_aliases")
	require.NoError(t, err)
	assert.True(t, wm.Equal(changed))
}
