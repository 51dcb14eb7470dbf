package transform

import (
	"context"
	"time"

	"github.com/rstrinati/bimwarehouse/pkg/source"
	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

// defaultStatusMappings is the seed set for the status-normalization lookup
// dimension. Seeding uses FirstOrCreate, so operator-managed rows win over
// these defaults.
var defaultStatusMappings = []warehouse.StatusMapping{
	{SourceSystem: source.SystemACC, RawStatus: "open", NormalizedStatus: "Open", IsOpen: true},
	{SourceSystem: source.SystemACC, RawStatus: "answered", NormalizedStatus: "Answered", IsOpen: true},
	{SourceSystem: source.SystemACC, RawStatus: "in_review", NormalizedStatus: "In Review", IsOpen: true},
	{SourceSystem: source.SystemACC, RawStatus: "closed", NormalizedStatus: "Closed", IsOpen: false},
	{SourceSystem: source.SystemACC, RawStatus: "void", NormalizedStatus: "Void", IsOpen: false},
	{SourceSystem: source.SystemRevizto, RawStatus: "open", NormalizedStatus: "Open", IsOpen: true},
	{SourceSystem: source.SystemRevizto, RawStatus: "in progress", NormalizedStatus: "In Progress", IsOpen: true},
	{SourceSystem: source.SystemRevizto, RawStatus: "solved", NormalizedStatus: "Closed", IsOpen: false},
	{SourceSystem: source.SystemRevizto, RawStatus: "closed", NormalizedStatus: "Closed", IsOpen: false},
	{SourceSystem: source.SystemJira, RawStatus: "to do", NormalizedStatus: "Open", IsOpen: true},
	{SourceSystem: source.SystemJira, RawStatus: "in progress", NormalizedStatus: "In Progress", IsOpen: true},
	{SourceSystem: source.SystemJira, RawStatus: "done", NormalizedStatus: "Closed", IsOpen: false},
	{SourceSystem: source.SystemGitHub, RawStatus: "open", NormalizedStatus: "Open", IsOpen: true},
	{SourceSystem: source.SystemGitHub, RawStatus: "closed", NormalizedStatus: "Closed", IsOpen: false},
}

// defaultCategoryBridge seeds the category-to-discipline bridge.
var defaultCategoryBridge = []warehouse.CategoryBridge{
	{SourceSystem: source.SystemACC, Category: "structural", Discipline: "Structural"},
	{SourceSystem: source.SystemACC, Category: "hydraulic", Discipline: "Hydraulic"},
	{SourceSystem: source.SystemACC, Category: "electrical", Discipline: "Electrical"},
	{SourceSystem: source.SystemACC, Category: "mechanical", Discipline: "Mechanical"},
	{SourceSystem: source.SystemACC, Category: "architectural", Discipline: "Architectural"},
	{SourceSystem: source.SystemRevizto, Category: "clash", Discipline: "Coordination"},
	{SourceSystem: source.SystemRevizto, Category: "structural", Discipline: "Structural"},
	{SourceSystem: source.SystemRevizto, Category: "services", Discipline: "Building Services"},
}

// BuiltinDimensionRoutines returns the warehouse-backed dimension builds in
// dependency order: lookup/reference dimensions first, then the entity
// dimensions that depend on staged data.
func BuiltinDimensionRoutines(wh warehouse.Store) []Routine {
	return []Routine{
		{
			Name: "seed_status_mappings",
			Run: func(ctx context.Context) error {
				return wh.SeedStatusMappings(ctx, defaultStatusMappings)
			},
		},
		{
			Name: "seed_category_bridge",
			Run: func(ctx context.Context) error {
				return wh.SeedCategoryBridge(ctx, defaultCategoryBridge)
			},
		},
		{
			Name: "build_dim_project",
			Run:  wh.BuildProjectDimension,
		},
		{
			Name: "build_dim_user",
			Run:  wh.BuildUserDimension,
		},
	}
}

// BuiltinFactRoutines returns the fact builds. The snapshot-date partition
// comes from the injected clock so tests can pin it.
func BuiltinFactRoutines(wh warehouse.Store, now func() time.Time) []Routine {
	if now == nil {
		now = time.Now
	}

	return []Routine{
		{
			Name: "build_fact_issue",
			Run: func(ctx context.Context) error {
				date := now().UTC().Format(warehouse.SnapshotDateFormat)

				_, err := wh.BuildIssueFacts(ctx, date)

				return err
			},
		},
	}
}
