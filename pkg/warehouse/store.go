package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rstrinati/bimwarehouse/pkg/config"
)

// watermarkEpoch is returned for absent watermarks: "load everything"
// semantics on the first run.
var watermarkEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrLockHeld is returned by AcquireLock when another holder owns a live
// lease on the pipeline lock.
var ErrLockHeld = errors.New("pipeline lock held by another run")

const bulkBatchSize = 500

// ChangeCounts summarizes snapshot drift against the previous successful
// import run, for the informational audit checks.
type ChangeCounts struct {
	PreviousRunID   *uint
	StatusChanged   int
	AssigneeChanged int
}

// Store provides persistence for the warehouse: run bookkeeping, watermarks,
// staging, the dimensional/fact layer, snapshots, the current-state table,
// quality results and the run lock.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Run bookkeeping.
	CreatePipelineRun(ctx context.Context, pipelineName string) (*PipelineRun, error)
	CompletePipelineRun(ctx context.Context, id uint, status, message string) error
	GetPipelineRun(ctx context.Context, id uint) (*PipelineRun, error)
	ListPipelineRuns(ctx context.Context) ([]PipelineRun, error)
	CreateIssueImportRun(
		ctx context.Context, pipelineRunID uint, sourceSystem, runType string,
	) (*IssueImportRun, error)
	CompleteIssueImportRun(
		ctx context.Context, id uint, status, notes string,
		rowCount int, watermark *time.Time,
	) error
	GetIssueImportRun(ctx context.Context, id uint) (*IssueImportRun, error)
	ListIssueImportRuns(ctx context.Context, pipelineRunID uint) ([]IssueImportRun, error)
	PreviousSuccessfulImportRun(ctx context.Context, beforeID uint) (*IssueImportRun, error)

	// Watermarks.
	GetWatermark(ctx context.Context, process, sourceObject string) (time.Time, error)
	SetWatermark(
		ctx context.Context, process, sourceObject string,
		value time.Time, rowCount int,
	) error
	ListWatermarks(ctx context.Context) ([]Watermark, error)

	// Staging.
	BulkInsert(ctx context.Context, rows any) error
	LatestStgIssues(ctx context.Context) ([]StgIssue, error)
	CountStgIssues(ctx context.Context) (int64, error)
	CountDistinctStagingIssueKeys(ctx context.Context) (int64, error)

	// Reference and dimension layer.
	SeedStatusMappings(ctx context.Context, rows []StatusMapping) error
	SeedCategoryBridge(ctx context.Context, rows []CategoryBridge) error
	ListStatusMappings(ctx context.Context) ([]StatusMapping, error)
	ListCategoryBridge(ctx context.Context) ([]CategoryBridge, error)
	BuildProjectDimension(ctx context.Context) error
	BuildUserDimension(ctx context.Context) error
	BuildIssueFacts(ctx context.Context, snapshotDate string) (int, error)

	// Fact layer.
	LatestFactSnapshotDate(ctx context.Context) (string, error)
	FactsForSnapshotDate(ctx context.Context, date string) ([]FactIssue, error)
	CountFactsForSnapshotDate(ctx context.Context, date string) (int64, error)
	CountOrphanFactProjects(ctx context.Context, date string) (int64, error)
	CountFactsWithImpossibleDates(ctx context.Context, date string) (int64, error)
	NullPriorityRateBySource(ctx context.Context, date string) (map[string]float64, error)
	CountFactSnapshotDates(ctx context.Context) (int64, error)

	// Snapshots.
	InsertIssueSnapshots(ctx context.Context, rows []IssueSnapshot) error
	SnapshotsForRun(ctx context.Context, importRunID uint) ([]IssueSnapshot, error)
	CountSnapshotsForRun(ctx context.Context, importRunID uint) (int64, error)
	CountDistinctSnapshotKeys(ctx context.Context, importRunID uint) (int64, error)
	CountUnmappedProjectSnapshots(ctx context.Context, importRunID uint) (int64, error)
	CountSnapshotsMissingNormalizedStatus(ctx context.Context, importRunID uint) (int64, error)
	CountSnapshotsClosedBeforeCreated(ctx context.Context, importRunID uint) (int64, error)
	ChangeCountsSincePreviousRun(ctx context.Context, importRunID uint) (*ChangeCounts, error)

	// Current state.
	ReplaceCurrentIssues(ctx context.Context, rows []CurrentIssue) (int, error)
	ListCurrentIssues(ctx context.Context) ([]CurrentIssue, error)
	CountCurrentIssues(ctx context.Context) (int64, error)

	// Quality results.
	InsertQualityCheckResult(ctx context.Context, r *QualityCheckResult) error
	ListQualityCheckResults(ctx context.Context, importRunID uint) ([]QualityCheckResult, error)

	// Run lock.
	AcquireLock(ctx context.Context, pipelineName, holderID string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, pipelineName, holderID string) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a warehouse Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "warehouse"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening warehouse database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&PipelineRun{},
		&IssueImportRun{},
		&Watermark{},
		&StgIssue{},
		&StgProcessedIssue{},
		&StgIssueAttribute{},
		&StgProject{},
		&StgService{},
		&StgReview{},
		&StgProjectAlias{},
		&StatusMapping{},
		&CategoryBridge{},
		&DimProject{},
		&DimUser{},
		&FactIssue{},
		&IssueSnapshot{},
		&CurrentIssue{},
		&QualityCheckResult{},
		&PipelineLock{},
	); err != nil {
		return fmt.Errorf("running warehouse migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Warehouse database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Run bookkeeping ---

func (s *store) CreatePipelineRun(
	ctx context.Context, pipelineName string,
) (*PipelineRun, error) {
	run := &PipelineRun{
		PipelineName: pipelineName,
		Status:       StatusRunning,
		StartedAt:    time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("creating pipeline run: %w", err)
	}

	return run, nil
}

func (s *store) CompletePipelineRun(
	ctx context.Context, id uint, status, message string,
) error {
	now := time.Now().UTC()

	if err := s.db.WithContext(ctx).
		Model(&PipelineRun{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       status,
			"message":      message,
			"completed_at": now,
		}).Error; err != nil {
		return fmt.Errorf("completing pipeline run: %w", err)
	}

	return nil
}

func (s *store) GetPipelineRun(
	ctx context.Context, id uint,
) (*PipelineRun, error) {
	var run PipelineRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, fmt.Errorf("getting pipeline run: %w", err)
	}

	return &run, nil
}

func (s *store) ListPipelineRuns(ctx context.Context) ([]PipelineRun, error) {
	var runs []PipelineRun
	if err := s.db.WithContext(ctx).
		Order("id DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing pipeline runs: %w", err)
	}

	return runs, nil
}

func (s *store) CreateIssueImportRun(
	ctx context.Context, pipelineRunID uint, sourceSystem, runType string,
) (*IssueImportRun, error) {
	run := &IssueImportRun{
		PipelineRunID: pipelineRunID,
		SourceSystem:  sourceSystem,
		RunType:       runType,
		Status:        StatusRunning,
		StartedAt:     time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("creating issue import run: %w", err)
	}

	return run, nil
}

func (s *store) CompleteIssueImportRun(
	ctx context.Context, id uint, status, notes string,
	rowCount int, watermark *time.Time,
) error {
	now := time.Now().UTC()

	updates := map[string]any{
		"status":       status,
		"notes":        notes,
		"row_count":    rowCount,
		"completed_at": now,
	}
	if watermark != nil {
		updates["watermark_value"] = watermark.UTC()
	}

	if err := s.db.WithContext(ctx).
		Model(&IssueImportRun{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("completing issue import run: %w", err)
	}

	return nil
}

func (s *store) GetIssueImportRun(
	ctx context.Context, id uint,
) (*IssueImportRun, error) {
	var run IssueImportRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, fmt.Errorf("getting issue import run: %w", err)
	}

	return &run, nil
}

func (s *store) ListIssueImportRuns(
	ctx context.Context, pipelineRunID uint,
) ([]IssueImportRun, error) {
	var runs []IssueImportRun
	if err := s.db.WithContext(ctx).
		Where("pipeline_run_id = ?", pipelineRunID).
		Order("id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing issue import runs: %w", err)
	}

	return runs, nil
}

// PreviousSuccessfulImportRun returns the most recent successful import run
// with an id lower than beforeID, or nil when none exists.
func (s *store) PreviousSuccessfulImportRun(
	ctx context.Context, beforeID uint,
) (*IssueImportRun, error) {
	var run IssueImportRun

	err := s.db.WithContext(ctx).
		Where("id < ? AND status = ?", beforeID, StatusSuccess).
		Order("id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("finding previous successful import run: %w", err)
	}

	return &run, nil
}

// --- Watermarks ---

// GetWatermark returns the stored watermark for (process, sourceObject),
// defaulting to 1900-01-01 UTC when absent.
func (s *store) GetWatermark(
	ctx context.Context, process, sourceObject string,
) (time.Time, error) {
	var wm Watermark

	err := s.db.WithContext(ctx).
		Where("process = ? AND source_object = ?", process, sourceObject).
		First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return watermarkEpoch, nil
	}

	if err != nil {
		return time.Time{}, fmt.Errorf("getting watermark: %w", err)
	}

	return wm.Value, nil
}

// SetWatermark upserts the watermark for (process, sourceObject). The stored
// value never moves backwards; a lower value than the current one is ignored.
func (s *store) SetWatermark(
	ctx context.Context, process, sourceObject string,
	value time.Time, rowCount int,
) error {
	var existing Watermark

	err := s.db.WithContext(ctx).
		Where("process = ? AND source_object = ?", process, sourceObject).
		First(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		wm := Watermark{
			Process:      process,
			SourceObject: sourceObject,
			Value:        value.UTC(),
			RowCount:     rowCount,
		}
		if err := s.db.WithContext(ctx).Create(&wm).Error; err != nil {
			return fmt.Errorf("creating watermark: %w", err)
		}

	case err != nil:
		return fmt.Errorf("reading watermark: %w", err)

	default:
		if value.Before(existing.Value) {
			s.log.WithFields(logrus.Fields{
				"process":       process,
				"source_object": sourceObject,
			}).Debug("Ignoring watermark regression")

			return nil
		}

		if err := s.db.WithContext(ctx).
			Model(&Watermark{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"value":     value.UTC(),
				"row_count": rowCount,
			}).Error; err != nil {
			return fmt.Errorf("updating watermark: %w", err)
		}
	}

	return nil
}

func (s *store) ListWatermarks(ctx context.Context) ([]Watermark, error) {
	var rows []Watermark
	if err := s.db.WithContext(ctx).
		Order("process ASC, source_object ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing watermarks: %w", err)
	}

	return rows, nil
}

// --- Staging ---

// BulkInsert writes a slice of staging rows. The first attempt is
// all-or-nothing inside one transaction; on a batch-level failure it falls
// back to inserting rows one at a time so the failing row can be identified
// and the rest of the batch is not silently lost. Row failures are logged
// and re-raised.
func (s *store) BulkInsert(ctx context.Context, rows any) error {
	rv := reflect.ValueOf(rows)
	if rv.Kind() != reflect.Slice {
		return fmt.Errorf("bulk insert requires a slice, got %T", rows)
	}

	n := rv.Len()
	if n == 0 {
		return nil
	}

	batchErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, bulkBatchSize).Error
	})
	if batchErr == nil {
		return nil
	}

	s.log.WithError(batchErr).
		WithField("rows", n).
		Warn("Bulk insert failed, retrying row by row")

	var (
		failed   int
		firstErr error
	)

	for i := 0; i < n; i++ {
		row := rv.Index(i).Addr().Interface()
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			s.log.WithFields(logrus.Fields{
				"row_index": i,
				"row":       fmt.Sprintf("%+v", rv.Index(i).Interface()),
			}).WithError(err).Error("Row insert failed")

			failed++

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("bulk insert: %d of %d rows failed: %w", failed, n, firstErr)
	}

	return nil
}

// LatestStgIssues reduces the append-only issue staging table to the most
// recent row per natural issue key. Recency is change timestamp, tie-broken
// by close time, then by insert order.
func (s *store) LatestStgIssues(ctx context.Context) ([]StgIssue, error) {
	var all []StgIssue
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&all).Error; err != nil {
		return nil, fmt.Errorf("reading staged issues: %w", err)
	}

	latest := make(map[string]StgIssue, len(all))

	for _, row := range all {
		key := row.NaturalKey()

		cur, ok := latest[key]
		if !ok || stgIssueMoreRecent(row, cur) {
			latest[key] = row
		}
	}

	out := make([]StgIssue, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}

	return out, nil
}

// stgIssueMoreRecent reports whether a supersedes b.
func stgIssueMoreRecent(a, b StgIssue) bool {
	if !a.ChangedAt.Equal(b.ChangedAt) {
		return a.ChangedAt.After(b.ChangedAt)
	}

	switch {
	case a.ClosedAtSrc != nil && b.ClosedAtSrc == nil:
		return true
	case a.ClosedAtSrc == nil && b.ClosedAtSrc != nil:
		return false
	case a.ClosedAtSrc != nil && b.ClosedAtSrc != nil &&
		!a.ClosedAtSrc.Equal(*b.ClosedAtSrc):
		return a.ClosedAtSrc.After(*b.ClosedAtSrc)
	}

	return a.ID > b.ID
}

func (s *store) CountStgIssues(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&StgIssue{}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting staged issues: %w", err)
	}

	return count, nil
}

func (s *store) CountDistinctStagingIssueKeys(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&StgIssue{}).
		Select("COUNT(DISTINCT source_system || '|' || source_project_id || '|' || source_issue_id)").
		Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("counting distinct staging issue keys: %w", err)
	}

	return count, nil
}

// --- Reference and dimension layer ---

func (s *store) SeedStatusMappings(
	ctx context.Context, rows []StatusMapping,
) error {
	for i := range rows {
		row := rows[i]
		if err := s.db.WithContext(ctx).
			Where("source_system = ? AND raw_status = ?",
				row.SourceSystem, row.RawStatus).
			FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("seeding status mapping %q/%q: %w",
				row.SourceSystem, row.RawStatus, err)
		}
	}

	return nil
}

func (s *store) SeedCategoryBridge(
	ctx context.Context, rows []CategoryBridge,
) error {
	for i := range rows {
		row := rows[i]
		if err := s.db.WithContext(ctx).
			Where("source_system = ? AND category = ?",
				row.SourceSystem, row.Category).
			FirstOrCreate(&row).Error; err != nil {
			return fmt.Errorf("seeding category bridge %q/%q: %w",
				row.SourceSystem, row.Category, err)
		}
	}

	return nil
}

func (s *store) ListStatusMappings(ctx context.Context) ([]StatusMapping, error) {
	var rows []StatusMapping
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing status mappings: %w", err)
	}

	return rows, nil
}

func (s *store) ListCategoryBridge(ctx context.Context) ([]CategoryBridge, error) {
	var rows []CategoryBridge
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing category bridge: %w", err)
	}

	return rows, nil
}

// BuildProjectDimension upserts one DimProject per distinct project seen in
// staging, keeping the most recently staged name and client.
func (s *store) BuildProjectDimension(ctx context.Context) error {
	var staged []StgProject
	if err := s.db.WithContext(ctx).
		Order("changed_at ASC, id ASC").
		Find(&staged).Error; err != nil {
		return fmt.Errorf("reading staged projects: %w", err)
	}

	type projectState struct{ name, client string }

	latest := make(map[[2]string]projectState, len(staged))
	for _, row := range staged {
		latest[[2]string{row.SourceSystem, row.SourceProjectID}] =
			projectState{name: row.Name, client: row.Client}
	}

	for key, state := range latest {
		dim := DimProject{
			SourceSystem:    key[0],
			SourceProjectID: key[1],
			Name:            state.name,
			Client:          state.client,
		}

		if err := s.db.WithContext(ctx).
			Where("source_system = ? AND source_project_id = ?", key[0], key[1]).
			Assign(map[string]any{"name": state.name, "client": state.client}).
			FirstOrCreate(&dim).Error; err != nil {
			return fmt.Errorf("upserting dim project %s/%s: %w", key[0], key[1], err)
		}
	}

	return nil
}

// BuildUserDimension upserts one DimUser per distinct non-empty assignee
// seen in issue staging.
func (s *store) BuildUserDimension(ctx context.Context) error {
	var names []string
	if err := s.db.WithContext(ctx).
		Model(&StgIssue{}).
		Distinct("assignee").
		Where("assignee <> ''").
		Pluck("assignee", &names).Error; err != nil {
		return fmt.Errorf("reading staged assignees: %w", err)
	}

	for _, name := range names {
		dim := DimUser{UserName: name}
		if err := s.db.WithContext(ctx).
			Where("user_name = ?", name).
			FirstOrCreate(&dim).Error; err != nil {
			return fmt.Errorf("upserting dim user %q: %w", name, err)
		}
	}

	return nil
}

// BuildIssueFacts rebuilds the fact partition for snapshotDate from the
// latest staging row per issue key, resolving project and assignee keys
// against the dimensions. The partition is deleted and rebuilt inside one
// transaction so a re-run against the same staging state is idempotent.
func (s *store) BuildIssueFacts(
	ctx context.Context, snapshotDate string,
) (int, error) {
	latest, err := s.LatestStgIssues(ctx)
	if err != nil {
		return 0, err
	}

	projects, aliases, users, enrichments, err := s.loadFactLookups(ctx)
	if err != nil {
		return 0, err
	}

	facts := make([]FactIssue, 0, len(latest))

	for _, row := range latest {
		fact := FactIssue{
			SnapshotDate:       snapshotDate,
			SourceSystem:       row.SourceSystem,
			SourceProjectID:    row.SourceProjectID,
			SourceIssueID:      row.SourceIssueID,
			Title:              row.Title,
			StatusRaw:          row.StatusRaw,
			PriorityNormalized: row.PriorityNormalized,
			LocationNormalized: row.LocationNormalized,
			Category:           row.Category,
			CreatedAtSrc:       row.CreatedAtSrc,
			ClosedAtSrc:        row.ClosedAtSrc,
			ChangedAt:          row.ChangedAt,
		}

		// Resolve the project directly, then through an alias. An
		// unresolved reference stays NULL and is surfaced by the
		// quality gate rather than dropped.
		if key, ok := projects[[2]string{row.SourceSystem, row.SourceProjectID}]; ok {
			fact.ProjectKey = &key
		} else if canonical, ok := aliases[row.SourceProjectID]; ok {
			if key, ok := projects[canonical]; ok {
				fact.ProjectKey = &key
			}
		}

		if row.Assignee != "" {
			if key, ok := users[row.Assignee]; ok {
				fact.AssigneeUserKey = &key
			}
		}

		if enrichment, ok := enrichments[row.NaturalKey()]; ok && enrichment.Category != "" {
			fact.Category = enrichment.Category
		}

		facts = append(facts, fact)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("snapshot_date = ?", snapshotDate).
			Delete(&FactIssue{}).Error; err != nil {
			return fmt.Errorf("clearing fact partition: %w", err)
		}

		if len(facts) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(facts, bulkBatchSize).Error; err != nil {
			return fmt.Errorf("inserting facts: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(facts), nil
}

// loadFactLookups loads the dimension and enrichment lookups used by the
// fact build.
func (s *store) loadFactLookups(ctx context.Context) (
	projects map[[2]string]uint,
	aliases map[string][2]string,
	users map[string]uint,
	enrichments map[string]StgProcessedIssue,
	err error,
) {
	var dimProjects []DimProject
	if err = s.db.WithContext(ctx).Find(&dimProjects).Error; err != nil {
		err = fmt.Errorf("reading project dimension: %w", err)

		return
	}

	projects = make(map[[2]string]uint, len(dimProjects))
	for _, p := range dimProjects {
		projects[[2]string{p.SourceSystem, p.SourceProjectID}] = p.ProjectKey
	}

	var stagedAliases []StgProjectAlias
	if err = s.db.WithContext(ctx).
		Order("changed_at ASC, id ASC").
		Find(&stagedAliases).Error; err != nil {
		err = fmt.Errorf("reading staged aliases: %w", err)

		return
	}

	aliases = make(map[string][2]string, len(stagedAliases))
	for _, a := range stagedAliases {
		aliases[a.AliasName] = [2]string{a.SourceSystem, a.SourceProjectID}
	}

	var dimUsers []DimUser
	if err = s.db.WithContext(ctx).Find(&dimUsers).Error; err != nil {
		err = fmt.Errorf("reading user dimension: %w", err)

		return
	}

	users = make(map[string]uint, len(dimUsers))
	for _, u := range dimUsers {
		users[u.UserName] = u.UserKey
	}

	var processed []StgProcessedIssue
	if err = s.db.WithContext(ctx).
		Order("changed_at ASC, id ASC").
		Find(&processed).Error; err != nil {
		err = fmt.Errorf("reading staged enrichments: %w", err)

		return
	}

	enrichments = make(map[string]StgProcessedIssue, len(processed))
	for _, p := range processed {
		key := IssueKey(p.SourceSystem, p.SourceProjectID, p.SourceIssueID)
		enrichments[key] = p
	}

	return
}

// --- Fact layer ---

func (s *store) LatestFactSnapshotDate(ctx context.Context) (string, error) {
	var date sql.NullString
	if err := s.db.WithContext(ctx).
		Model(&FactIssue{}).
		Select("MAX(snapshot_date)").
		Scan(&date).Error; err != nil {
		return "", fmt.Errorf("finding latest fact snapshot date: %w", err)
	}

	if !date.Valid {
		return "", nil
	}

	return date.String, nil
}

func (s *store) FactsForSnapshotDate(
	ctx context.Context, date string,
) ([]FactIssue, error) {
	var facts []FactIssue
	if err := s.db.WithContext(ctx).
		Where("snapshot_date = ?", date).
		Order("id ASC").
		Find(&facts).Error; err != nil {
		return nil, fmt.Errorf("reading facts for snapshot date: %w", err)
	}

	return facts, nil
}

func (s *store) CountFactsForSnapshotDate(
	ctx context.Context, date string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&FactIssue{}).
		Where("snapshot_date = ?", date).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting facts for snapshot date: %w", err)
	}

	return count, nil
}

func (s *store) CountOrphanFactProjects(
	ctx context.Context, date string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&FactIssue{}).
		Where("snapshot_date = ? AND project_key IS NOT NULL"+
			" AND project_key NOT IN (SELECT project_key FROM dim_projects)", date).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting orphan fact projects: %w", err)
	}

	return count, nil
}

// CountFactsWithImpossibleDates counts rows whose lifecycle timestamps are
// chronologically impossible (created after change, or closed before
// created).
func (s *store) CountFactsWithImpossibleDates(
	ctx context.Context, date string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&FactIssue{}).
		Where("snapshot_date = ? AND ("+
			"created_at_src > changed_at OR "+
			"(closed_at_src IS NOT NULL AND closed_at_src < created_at_src))", date).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting facts with impossible dates: %w", err)
	}

	return count, nil
}

// NullPriorityRateBySource returns, per source system, the fraction of fact
// rows in the partition with no normalized priority.
func (s *store) NullPriorityRateBySource(
	ctx context.Context, date string,
) (map[string]float64, error) {
	type row struct {
		SourceSystem string
		Total        int64
		Missing      int64
	}

	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&FactIssue{}).
		Select("source_system, COUNT(*) AS total, "+
			"SUM(CASE WHEN priority_normalized = '' THEN 1 ELSE 0 END) AS missing").
		Where("snapshot_date = ?", date).
		Group("source_system").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("computing null priority rates: %w", err)
	}

	rates := make(map[string]float64, len(rows))
	for _, r := range rows {
		if r.Total > 0 {
			rates[r.SourceSystem] = float64(r.Missing) / float64(r.Total)
		}
	}

	return rates, nil
}

func (s *store) CountFactSnapshotDates(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&FactIssue{}).
		Select("COUNT(DISTINCT snapshot_date)").
		Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("counting fact snapshot dates: %w", err)
	}

	return count, nil
}

// --- Snapshots ---

func (s *store) InsertIssueSnapshots(
	ctx context.Context, rows []IssueSnapshot,
) error {
	return s.BulkInsert(ctx, rows)
}

func (s *store) SnapshotsForRun(
	ctx context.Context, importRunID uint,
) ([]IssueSnapshot, error) {
	var rows []IssueSnapshot
	if err := s.db.WithContext(ctx).
		Where("import_run_id = ?", importRunID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading snapshots for run: %w", err)
	}

	return rows, nil
}

func (s *store) CountSnapshotsForRun(
	ctx context.Context, importRunID uint,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&IssueSnapshot{}).
		Where("import_run_id = ?", importRunID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting snapshots for run: %w", err)
	}

	return count, nil
}

func (s *store) CountDistinctSnapshotKeys(
	ctx context.Context, importRunID uint,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&IssueSnapshot{}).
		Where("import_run_id = ?", importRunID).
		Select("COUNT(DISTINCT issue_key_hash)").
		Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("counting distinct snapshot keys: %w", err)
	}

	return count, nil
}

func (s *store) CountUnmappedProjectSnapshots(
	ctx context.Context, importRunID uint,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&IssueSnapshot{}).
		Where("import_run_id = ? AND project_key IS NULL", importRunID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting unmapped project snapshots: %w", err)
	}

	return count, nil
}

func (s *store) CountSnapshotsMissingNormalizedStatus(
	ctx context.Context, importRunID uint,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&IssueSnapshot{}).
		Where("import_run_id = ? AND status_normalized = ''", importRunID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting snapshots missing normalized status: %w", err)
	}

	return count, nil
}

func (s *store) CountSnapshotsClosedBeforeCreated(
	ctx context.Context, importRunID uint,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&IssueSnapshot{}).
		Where("import_run_id = ? AND closed_at_src IS NOT NULL"+
			" AND closed_at_src < created_at_src", importRunID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting snapshots closed before created: %w", err)
	}

	return count, nil
}

// ChangeCountsSincePreviousRun compares this run's snapshots against the
// previous successful import run by issue key hash.
func (s *store) ChangeCountsSincePreviousRun(
	ctx context.Context, importRunID uint,
) (*ChangeCounts, error) {
	prev, err := s.PreviousSuccessfulImportRun(ctx, importRunID)
	if err != nil {
		return nil, err
	}

	counts := &ChangeCounts{}
	if prev == nil {
		return counts, nil
	}

	counts.PreviousRunID = &prev.ID

	prevRows, err := s.SnapshotsForRun(ctx, prev.ID)
	if err != nil {
		return nil, err
	}

	prevByKey := make(map[string]IssueSnapshot, len(prevRows))
	for _, row := range prevRows {
		prevByKey[row.IssueKeyHash] = row
	}

	curRows, err := s.SnapshotsForRun(ctx, importRunID)
	if err != nil {
		return nil, err
	}

	for _, row := range curRows {
		prevRow, ok := prevByKey[row.IssueKeyHash]
		if !ok {
			continue
		}

		if prevRow.StatusNormalized != row.StatusNormalized ||
			prevRow.StatusRaw != row.StatusRaw {
			counts.StatusChanged++
		}

		if !equalUintPtr(prevRow.AssigneeUserKey, row.AssigneeUserKey) {
			counts.AssigneeChanged++
		}
	}

	return counts, nil
}

func equalUintPtr(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

// --- Current state ---

// ReplaceCurrentIssues wholesale-replaces the current-state table inside a
// single transaction: full clear, then bulk insert. Not a merge.
func (s *store) ReplaceCurrentIssues(
	ctx context.Context, rows []CurrentIssue,
) (int, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("1 = 1").
			Delete(&CurrentIssue{}).Error; err != nil {
			return fmt.Errorf("clearing current issues: %w", err)
		}

		if len(rows) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(rows, bulkBatchSize).Error; err != nil {
			return fmt.Errorf("inserting current issues: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(rows), nil
}

func (s *store) ListCurrentIssues(ctx context.Context) ([]CurrentIssue, error) {
	var rows []CurrentIssue
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing current issues: %w", err)
	}

	return rows, nil
}

func (s *store) CountCurrentIssues(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&CurrentIssue{}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting current issues: %w", err)
	}

	return count, nil
}

// --- Quality results ---

func (s *store) InsertQualityCheckResult(
	ctx context.Context, r *QualityCheckResult,
) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("inserting quality check result: %w", err)
	}

	return nil
}

func (s *store) ListQualityCheckResults(
	ctx context.Context, importRunID uint,
) ([]QualityCheckResult, error) {
	var rows []QualityCheckResult
	if err := s.db.WithContext(ctx).
		Where("import_run_id = ?", importRunID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing quality check results: %w", err)
	}

	return rows, nil
}

// --- Run lock ---

// AcquireLock takes the leased run lock for pipelineName. A live lease held
// by a different holder returns ErrLockHeld; an expired lease or a lease
// already held by this holder is taken over.
func (s *store) AcquireLock(
	ctx context.Context, pipelineName, holderID string, ttl time.Duration,
) error {
	now := time.Now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lock PipelineLock

		err := tx.
			Where("pipeline_name = ?", pipelineName).
			First(&lock).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			lock = PipelineLock{
				PipelineName: pipelineName,
				HolderID:     holderID,
				AcquiredAt:   now,
				ExpiresAt:    now.Add(ttl),
			}
			if err := tx.Create(&lock).Error; err != nil {
				return fmt.Errorf("creating pipeline lock: %w", err)
			}

			return nil

		case err != nil:
			return fmt.Errorf("reading pipeline lock: %w", err)
		}

		if lock.HolderID != holderID && lock.ExpiresAt.After(now) {
			return ErrLockHeld
		}

		if err := tx.
			Model(&PipelineLock{}).
			Where("id = ?", lock.ID).
			Updates(map[string]any{
				"holder_id":   holderID,
				"acquired_at": now,
				"expires_at":  now.Add(ttl),
			}).Error; err != nil {
			return fmt.Errorf("taking over pipeline lock: %w", err)
		}

		return nil
	})
}

// ReleaseLock releases the lock if this holder still owns it. Releasing a
// lock lost to lease expiry is a no-op.
func (s *store) ReleaseLock(
	ctx context.Context, pipelineName, holderID string,
) error {
	if err := s.db.WithContext(ctx).
		Where("pipeline_name = ? AND holder_id = ?", pipelineName, holderID).
		Delete(&PipelineLock{}).Error; err != nil {
		return fmt.Errorf("releasing pipeline lock: %w", err)
	}

	return nil
}
