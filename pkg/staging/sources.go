package staging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rstrinati/bimwarehouse/pkg/source"
	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

// Runner is one configured staging loader, ready to execute.
type Runner struct {
	Name string
	Run  func(ctx context.Context) (Result, error)
}

// NewRunners builds the per-dataset loaders in their execution order. All
// loaders share the pipeline name as the watermark process.
func NewRunners(
	log logrus.FieldLogger,
	process string,
	src source.Store,
	wh warehouse.Store,
) []Runner {
	log = log.WithField("component", "staging")

	return []Runner{
		newProjectLoader(log, process, src, wh),
		newProjectAliasLoader(log, process, src, wh),
		newServiceLoader(log, process, src, wh),
		newReviewLoader(log, process, src, wh),
		newIssueLoader(log, process, src, wh),
		newProcessedIssueLoader(log, process, src, wh),
		newIssueAttributeLoader(log, process, src, wh),
	}
}

// changedAt dereferences a nullable change timestamp. Extraction queries
// exclude NULL rows, so a nil here would be a source-store bug; the zero
// time keeps the watermark honest in that case.
func changedAt(ts *time.Time) time.Time {
	if ts == nil {
		return time.Time{}
	}

	return *ts
}

// mappingResolver resolves raw priority/location strings through the
// project-scoped mapping tables, preferring the project-specific row over
// the source system's global default. Unmapped values normalize to "".
type mappingResolver struct {
	priority map[[3]string]string
	location map[[3]string]string
}

func newMappingResolver(
	priorities []source.PriorityMapping,
	locations []source.LocationMapping,
) *mappingResolver {
	r := &mappingResolver{
		priority: make(map[[3]string]string, len(priorities)),
		location: make(map[[3]string]string, len(locations)),
	}

	for _, m := range priorities {
		r.priority[[3]string{m.SourceSystem, m.SourceProjectID, m.RawValue}] = m.Normalized
	}

	for _, m := range locations {
		r.location[[3]string{m.SourceSystem, m.SourceProjectID, m.RawValue}] = m.Normalized
	}

	return r
}

func resolve(m map[[3]string]string, system, project, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if v, ok := m[[3]string{system, project, raw}]; ok {
		return v
	}

	if v, ok := m[[3]string{system, "", raw}]; ok {
		return v
	}

	return ""
}

func (r *mappingResolver) Priority(system, project, raw string) string {
	return resolve(r.priority, system, project, raw)
}

func (r *mappingResolver) Location(system, project, raw string) string {
	return resolve(r.location, system, project, raw)
}

// newIssueLoader stages changed issues, enriching raw priority and location
// through the mapping tables and deduplicating to the most recent version
// per issue key inside the window (tie-break on close time).
func newIssueLoader(
	log logrus.FieldLogger, process string,
	src source.Store, wh warehouse.Store,
) Runner {
	return Runner{
		Name: "issues",
		Run: func(ctx context.Context) (Result, error) {
			priorities, err := src.ListPriorityMappings(ctx)
			if err != nil {
				return Result{}, fmt.Errorf("loading priority mappings: %w", err)
			}

			locations, err := src.ListLocationMappings(ctx)
			if err != nil {
				return Result{}, fmt.Errorf("loading location mappings: %w", err)
			}

			resolver := newMappingResolver(priorities, locations)

			return Load(ctx, log, wh, Dataset[source.Issue, warehouse.StgIssue]{
				Process:      process,
				SourceObject: "issues",
				RecordSource: "ops.issues",
				Fetch:        src.ChangedIssues,
				ChangedAt:    func(i source.Issue) time.Time { return changedAt(i.ChangedAt) },
				Key: func(i source.Issue) string {
					return warehouse.IssueKey(i.SourceSystem, i.SourceProjectID, i.SourceIssueID)
				},
				MoreRecent: func(a, b source.Issue) bool {
					switch {
					case a.ClosedAtSrc != nil && b.ClosedAtSrc == nil:
						return true
					case a.ClosedAtSrc == nil && b.ClosedAtSrc != nil:
						return false
					case a.ClosedAtSrc != nil && b.ClosedAtSrc != nil:
						return a.ClosedAtSrc.After(*b.ClosedAtSrc)
					}

					return a.ID > b.ID
				},
				Normalize: func(i source.Issue, loadTS time.Time) warehouse.StgIssue {
					return warehouse.StgIssue{
						RecordSource:       "ops.issues",
						SourceLoadTS:       loadTS,
						ChangedAt:          changedAt(i.ChangedAt),
						SourceSystem:       i.SourceSystem,
						SourceProjectID:    i.SourceProjectID,
						SourceIssueID:      i.SourceIssueID,
						Title:              i.Title,
						StatusRaw:          i.Status,
						PriorityRaw:        i.Priority,
						PriorityNormalized: resolver.Priority(i.SourceSystem, i.SourceProjectID, i.Priority),
						LocationRaw:        i.Location,
						LocationNormalized: resolver.Location(i.SourceSystem, i.SourceProjectID, i.Location),
						Category:           i.Category,
						Assignee:           i.Assignee,
						CreatedAtSrc:       i.CreatedAtSrc,
						ClosedAtSrc:        i.ClosedAtSrc,
					}
				},
				Write: func(ctx context.Context, rows []warehouse.StgIssue) error {
					return wh.BulkInsert(ctx, rows)
				},
			})
		},
	}
}

func newProcessedIssueLoader(
	log logrus.FieldLogger, process string,
	src source.Store, wh warehouse.Store,
) Runner {
	return Runner{
		Name: "processed_issues",
		Run: func(ctx context.Context) (Result, error) {
			return Load(ctx, log, wh, Dataset[source.ProcessedIssue, warehouse.StgProcessedIssue]{
				Process:      process,
				SourceObject: "processed_issues",
				RecordSource: "ops.processed_issues",
				Fetch:        src.ChangedProcessedIssues,
				ChangedAt:    func(p source.ProcessedIssue) time.Time { return changedAt(p.ChangedAt) },
				Key: func(p source.ProcessedIssue) string {
					return warehouse.IssueKey(p.SourceSystem, p.SourceProjectID, p.SourceIssueID)
				},
				Normalize: func(p source.ProcessedIssue, loadTS time.Time) warehouse.StgProcessedIssue {
					return warehouse.StgProcessedIssue{
						RecordSource:    "ops.processed_issues",
						SourceLoadTS:    loadTS,
						ChangedAt:       changedAt(p.ChangedAt),
						SourceSystem:    p.SourceSystem,
						SourceProjectID: p.SourceProjectID,
						SourceIssueID:   p.SourceIssueID,
						Category:        p.Category,
						Discipline:      p.Discipline,
						Confidence:      p.Confidence,
					}
				},
				Write: func(ctx context.Context, rows []warehouse.StgProcessedIssue) error {
					return wh.BulkInsert(ctx, rows)
				},
			})
		},
	}
}

func newIssueAttributeLoader(
	log logrus.FieldLogger, process string,
	src source.Store, wh warehouse.Store,
) Runner {
	return Runner{
		Name: "issue_attributes",
		Run: func(ctx context.Context) (Result, error) {
			return Load(ctx, log, wh, Dataset[source.IssueAttribute, warehouse.StgIssueAttribute]{
				Process:      process,
				SourceObject: "issue_attributes",
				RecordSource: "ops.issue_attributes",
				Fetch:        src.ChangedIssueAttributes,
				ChangedAt:    func(a source.IssueAttribute) time.Time { return changedAt(a.ChangedAt) },
				Key: func(a source.IssueAttribute) string {
					return warehouse.IssueKey(a.SourceSystem, a.SourceProjectID, a.SourceIssueID) +
						"|" + a.Name
				},
				Normalize: func(a source.IssueAttribute, loadTS time.Time) warehouse.StgIssueAttribute {
					return warehouse.StgIssueAttribute{
						RecordSource:    "ops.issue_attributes",
						SourceLoadTS:    loadTS,
						ChangedAt:       changedAt(a.ChangedAt),
						SourceSystem:    a.SourceSystem,
						SourceProjectID: a.SourceProjectID,
						SourceIssueID:   a.SourceIssueID,
						Name:            a.Name,
						Value:           a.Value,
					}
				},
				Write: func(ctx context.Context, rows []warehouse.StgIssueAttribute) error {
					return wh.BulkInsert(ctx, rows)
				},
			})
		},
	}
}

func newProjectLoader(
	log logrus.FieldLogger, process string,
	src source.Store, wh warehouse.Store,
) Runner {
	return Runner{
		Name: "projects",
		Run: func(ctx context.Context) (Result, error) {
			return Load(ctx, log, wh, Dataset[source.Project, warehouse.StgProject]{
				Process:      process,
				SourceObject: "projects",
				RecordSource: "ops.projects",
				Fetch:        src.ChangedProjects,
				ChangedAt:    func(p source.Project) time.Time { return changedAt(p.ChangedAt) },
				Key: func(p source.Project) string {
					return p.SourceSystem + "|" + p.SourceProjectID
				},
				Normalize: func(p source.Project, loadTS time.Time) warehouse.StgProject {
					return warehouse.StgProject{
						RecordSource:    "ops.projects",
						SourceLoadTS:    loadTS,
						ChangedAt:       changedAt(p.ChangedAt),
						SourceSystem:    p.SourceSystem,
						SourceProjectID: p.SourceProjectID,
						Name:            p.Name,
						Client:          p.Client,
						Status:          p.Status,
					}
				},
				Write: func(ctx context.Context, rows []warehouse.StgProject) error {
					return wh.BulkInsert(ctx, rows)
				},
			})
		},
	}
}

func newServiceLoader(
	log logrus.FieldLogger, process string,
	src source.Store, wh warehouse.Store,
) Runner {
	return Runner{
		Name: "services",
		Run: func(ctx context.Context) (Result, error) {
			return Load(ctx, log, wh, Dataset[source.Service, warehouse.StgService]{
				Process:      process,
				SourceObject: "services",
				RecordSource: "ops.services",
				Fetch:        src.ChangedServices,
				ChangedAt:    func(v source.Service) time.Time { return changedAt(v.ChangedAt) },
				Key: func(v source.Service) string {
					return v.SourceSystem + "|" + v.SourceProjectID + "|" + v.Name
				},
				Normalize: func(v source.Service, loadTS time.Time) warehouse.StgService {
					return warehouse.StgService{
						RecordSource:    "ops.services",
						SourceLoadTS:    loadTS,
						ChangedAt:       changedAt(v.ChangedAt),
						SourceSystem:    v.SourceSystem,
						SourceProjectID: v.SourceProjectID,
						Name:            v.Name,
						Phase:           v.Phase,
						Status:          v.Status,
					}
				},
				Write: func(ctx context.Context, rows []warehouse.StgService) error {
					return wh.BulkInsert(ctx, rows)
				},
			})
		},
	}
}

func newReviewLoader(
	log logrus.FieldLogger, process string,
	src source.Store, wh warehouse.Store,
) Runner {
	return Runner{
		Name: "reviews",
		Run: func(ctx context.Context) (Result, error) {
			return Load(ctx, log, wh, Dataset[source.Review, warehouse.StgReview]{
				Process:      process,
				SourceObject: "reviews",
				RecordSource: "ops.reviews",
				Fetch:        src.ChangedReviews,
				ChangedAt:    func(r source.Review) time.Time { return changedAt(r.ChangedAt) },
				Key: func(r source.Review) string {
					return fmt.Sprintf("%s|%s|%d", r.SourceSystem, r.SourceProjectID, r.Cycle)
				},
				Normalize: func(r source.Review, loadTS time.Time) warehouse.StgReview {
					return warehouse.StgReview{
						RecordSource:    "ops.reviews",
						SourceLoadTS:    loadTS,
						ChangedAt:       changedAt(r.ChangedAt),
						SourceSystem:    r.SourceSystem,
						SourceProjectID: r.SourceProjectID,
						Cycle:           r.Cycle,
						ScheduledAt:     r.ScheduledAt,
						Status:          r.Status,
					}
				},
				Write: func(ctx context.Context, rows []warehouse.StgReview) error {
					return wh.BulkInsert(ctx, rows)
				},
			})
		},
	}
}

func newProjectAliasLoader(
	log logrus.FieldLogger, process string,
	src source.Store, wh warehouse.Store,
) Runner {
	return Runner{
		Name: "project_aliases",
		Run: func(ctx context.Context) (Result, error) {
			return Load(ctx, log, wh, Dataset[source.ProjectAlias, warehouse.StgProjectAlias]{
				Process:      process,
				SourceObject: "project_aliases",
				RecordSource: "ops.project_aliases",
				Fetch:        src.ChangedProjectAliases,
				ChangedAt:    func(a source.ProjectAlias) time.Time { return changedAt(a.ChangedAt) },
				Key: func(a source.ProjectAlias) string {
					return a.AliasName
				},
				Normalize: func(a source.ProjectAlias, loadTS time.Time) warehouse.StgProjectAlias {
					return warehouse.StgProjectAlias{
						RecordSource:    "ops.project_aliases",
						SourceLoadTS:    loadTS,
						ChangedAt:       changedAt(a.ChangedAt),
						AliasName:       a.AliasName,
						SourceSystem:    a.SourceSystem,
						SourceProjectID: a.SourceProjectID,
					}
				},
				Write: func(ctx context.Context, rows []warehouse.StgProjectAlias) error {
					return wh.BulkInsert(ctx, rows)
				},
			})
		},
	}
}
