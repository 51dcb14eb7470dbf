package quality

import (
	"context"
	"fmt"

	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

// IssueSuite builds the pre-publish gate for one import run. Every blocking
// check must pass before the run's snapshot may replace the current-state
// table; info checks record audit context but never block.
func IssueSuite(wh warehouse.Store, importRunID uint) []Check {
	return []Check{
		{
			Name:     "snapshot_key_uniqueness",
			Severity: warehouse.SeverityBlocking,
			Run: func(ctx context.Context) (Outcome, error) {
				total, err := wh.CountSnapshotsForRun(ctx, importRunID)
				if err != nil {
					return Outcome{}, err
				}

				distinct, err := wh.CountDistinctSnapshotKeys(ctx, importRunID)
				if err != nil {
					return Outcome{}, err
				}

				if total != distinct {
					return Outcome{
						Details: fmt.Sprintf(
							"%d snapshot rows but only %d distinct issue keys",
							total, distinct,
						),
					}, nil
				}

				return Outcome{Passed: true}, nil
			},
		},
		{
			Name:     "staging_fact_cardinality",
			Severity: warehouse.SeverityBlocking,
			Run: func(ctx context.Context) (Outcome, error) {
				stagingKeys, err := wh.CountDistinctStagingIssueKeys(ctx)
				if err != nil {
					return Outcome{}, err
				}

				date, err := wh.LatestFactSnapshotDate(ctx)
				if err != nil {
					return Outcome{}, err
				}

				facts, err := wh.CountFactsForSnapshotDate(ctx, date)
				if err != nil {
					return Outcome{}, err
				}

				if facts != stagingKeys {
					return Outcome{
						Details: fmt.Sprintf(
							"%d facts for snapshot %s vs %d distinct staged issues",
							facts, date, stagingKeys,
						),
					}, nil
				}

				return Outcome{Passed: true}, nil
			},
		},
		{
			Name:     "snapshot_project_mapping",
			Severity: warehouse.SeverityBlocking,
			Run: func(ctx context.Context) (Outcome, error) {
				unmapped, err := wh.CountUnmappedProjectSnapshots(ctx, importRunID)
				if err != nil {
					return Outcome{}, err
				}

				if unmapped > 0 {
					return Outcome{
						Details: fmt.Sprintf("%d snapshot rows without a project dimension match", unmapped),
					}, nil
				}

				return Outcome{Passed: true}, nil
			},
		},
		{
			Name:     "snapshot_status_normalization",
			Severity: warehouse.SeverityBlocking,
			Run: func(ctx context.Context) (Outcome, error) {
				missing, err := wh.CountSnapshotsMissingNormalizedStatus(ctx, importRunID)
				if err != nil {
					return Outcome{}, err
				}

				if missing > 0 {
					return Outcome{
						Details: fmt.Sprintf("%d snapshot rows without a normalized status", missing),
					}, nil
				}

				return Outcome{Passed: true}, nil
			},
		},
		{
			Name:     "snapshot_date_sanity",
			Severity: warehouse.SeverityBlocking,
			Run: func(ctx context.Context) (Outcome, error) {
				bad, err := wh.CountSnapshotsClosedBeforeCreated(ctx, importRunID)
				if err != nil {
					return Outcome{}, err
				}

				if bad > 0 {
					return Outcome{
						Details: fmt.Sprintf("%d snapshot rows closed before they were created", bad),
					}, nil
				}

				return Outcome{Passed: true}, nil
			},
		},
		{
			Name:          "change_counts",
			Severity:      warehouse.SeverityInfo,
			DetailsOnPass: true,
			Run: func(ctx context.Context) (Outcome, error) {
				counts, err := wh.ChangeCountsSincePreviousRun(ctx, importRunID)
				if err != nil {
					return Outcome{}, err
				}

				if counts.PreviousRunID == nil {
					return Outcome{Passed: true, Details: "no previous successful run to compare against"}, nil
				}

				return Outcome{
					Passed: true,
					Details: fmt.Sprintf(
						"vs run %d: %d status changes, %d assignee changes",
						*counts.PreviousRunID, counts.StatusChanged, counts.AssigneeChanged,
					),
				}, nil
			},
		},
		{
			// The current table still holds the previous run here; a large
			// gap between it and this run's snapshot is worth a look.
			Name:          "current_snapshot_parity",
			Severity:      warehouse.SeverityInfo,
			DetailsOnPass: true,
			Run: func(ctx context.Context) (Outcome, error) {
				current, err := wh.CountCurrentIssues(ctx)
				if err != nil {
					return Outcome{}, err
				}

				snapshot, err := wh.CountDistinctSnapshotKeys(ctx, importRunID)
				if err != nil {
					return Outcome{}, err
				}

				return Outcome{
					Passed: true,
					Details: fmt.Sprintf(
						"current table holds %d issues, this run snapshots %d",
						current, snapshot,
					),
				}, nil
			},
		},
	}
}
