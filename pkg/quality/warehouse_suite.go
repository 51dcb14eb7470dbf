package quality

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

// Sources exceeding this share of NULL priorities are flagged for mapping
// review.
const maxNullPriorityRate = 0.20

// WarehouseSuite builds the post-run health checks over the fact layer.
// These are advisory: they surface drift for operators to review but never
// roll back a publish.
func WarehouseSuite(wh warehouse.Store, snapshotDate string) []Check {
	return []Check{
		{
			Name:     "fact_project_integrity",
			Severity: warehouse.SeverityAdvisory,
			Run: func(ctx context.Context) (Outcome, error) {
				orphans, err := wh.CountOrphanFactProjects(ctx, snapshotDate)
				if err != nil {
					return Outcome{}, err
				}

				if orphans > 0 {
					return Outcome{
						Details: fmt.Sprintf("%d fact rows reference no project dimension row", orphans),
					}, nil
				}

				return Outcome{Passed: true}, nil
			},
		},
		{
			Name:     "fact_date_sanity",
			Severity: warehouse.SeverityAdvisory,
			Run: func(ctx context.Context) (Outcome, error) {
				bad, err := wh.CountFactsWithImpossibleDates(ctx, snapshotDate)
				if err != nil {
					return Outcome{}, err
				}

				if bad > 0 {
					return Outcome{
						Details: fmt.Sprintf("%d fact rows with close dates before creation", bad),
					}, nil
				}

				return Outcome{Passed: true}, nil
			},
		},
		{
			Name:     "priority_completeness",
			Severity: warehouse.SeverityAdvisory,
			Run: func(ctx context.Context) (Outcome, error) {
				rates, err := wh.NullPriorityRateBySource(ctx, snapshotDate)
				if err != nil {
					return Outcome{}, err
				}

				var over []string

				for source, rate := range rates {
					if rate > maxNullPriorityRate {
						over = append(over, fmt.Sprintf("%s=%.0f%%", source, rate*100))
					}
				}

				if len(over) > 0 {
					sort.Strings(over)

					return Outcome{
						Details: fmt.Sprintf("null priority rate over threshold: %s", strings.Join(over, ", ")),
					}, nil
				}

				return Outcome{Passed: true}, nil
			},
		},
		{
			Name:     "fact_history_present",
			Severity: warehouse.SeverityAdvisory,
			Run: func(ctx context.Context) (Outcome, error) {
				dates, err := wh.CountFactSnapshotDates(ctx)
				if err != nil {
					return Outcome{}, err
				}

				if dates < 1 {
					return Outcome{Details: "fact table holds no snapshot partitions"}, nil
				}

				return Outcome{Passed: true}, nil
			},
		},
	}
}
