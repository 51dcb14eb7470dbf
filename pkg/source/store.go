package source

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rstrinati/bimwarehouse/pkg/config"
)

// Store provides read access to the operational source database and the
// upserts used by tracker ingest. Extraction queries return only rows whose
// change timestamp is strictly greater than the given watermark; rows with
// a NULL change timestamp are excluded (they cannot be detected
// incrementally).
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Incremental extraction, one query per dataset.
	ChangedIssues(ctx context.Context, since time.Time) ([]Issue, error)
	ChangedProcessedIssues(ctx context.Context, since time.Time) ([]ProcessedIssue, error)
	ChangedIssueAttributes(ctx context.Context, since time.Time) ([]IssueAttribute, error)
	ChangedProjects(ctx context.Context, since time.Time) ([]Project, error)
	ChangedServices(ctx context.Context, since time.Time) ([]Service, error)
	ChangedReviews(ctx context.Context, since time.Time) ([]Review, error)
	ChangedProjectAliases(ctx context.Context, since time.Time) ([]ProjectAlias, error)

	// Enrichment mapping tables, loaded whole per run.
	ListPriorityMappings(ctx context.Context) ([]PriorityMapping, error)
	ListLocationMappings(ctx context.Context) ([]LocationMapping, error)

	// Writes used by tracker ingest and operational seeding.
	UpsertIssue(ctx context.Context, issue *Issue) error
	CreateProcessedIssue(ctx context.Context, row *ProcessedIssue) error
	CreateIssueAttribute(ctx context.Context, row *IssueAttribute) error
	CreateProject(ctx context.Context, row *Project) error
	CreateService(ctx context.Context, row *Service) error
	CreateReview(ctx context.Context, row *Review) error
	CreateProjectAlias(ctx context.Context, row *ProjectAlias) error
	CreatePriorityMapping(ctx context.Context, row *PriorityMapping) error
	CreateLocationMapping(ctx context.Context, row *LocationMapping) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a source Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "source"),
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
		return fmt.Errorf("opening source database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Issue{},
		&ProcessedIssue{},
		&IssueAttribute{},
		&Project{},
		&Service{},
		&Review{},
		&ProjectAlias{},
		&PriorityMapping{},
		&LocationMapping{},
	); err != nil {
		return fmt.Errorf("running source migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Source database connected")

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

// changedScope filters to rows changed strictly after since, oldest first.
func changedScope(since time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.
			Where("changed_at IS NOT NULL AND changed_at > ?", since).
			Order("changed_at ASC")
	}
}

func (s *store) ChangedIssues(
	ctx context.Context, since time.Time,
) ([]Issue, error) {
	var rows []Issue
	if err := s.db.WithContext(ctx).
		Scopes(changedScope(since)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading changed issues: %w", err)
	}

	return rows, nil
}

func (s *store) ChangedProcessedIssues(
	ctx context.Context, since time.Time,
) ([]ProcessedIssue, error) {
	var rows []ProcessedIssue
	if err := s.db.WithContext(ctx).
		Scopes(changedScope(since)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading changed processed issues: %w", err)
	}

	return rows, nil
}

func (s *store) ChangedIssueAttributes(
	ctx context.Context, since time.Time,
) ([]IssueAttribute, error) {
	var rows []IssueAttribute
	if err := s.db.WithContext(ctx).
		Scopes(changedScope(since)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading changed issue attributes: %w", err)
	}

	return rows, nil
}

func (s *store) ChangedProjects(
	ctx context.Context, since time.Time,
) ([]Project, error) {
	var rows []Project
	if err := s.db.WithContext(ctx).
		Scopes(changedScope(since)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading changed projects: %w", err)
	}

	return rows, nil
}

func (s *store) ChangedServices(
	ctx context.Context, since time.Time,
) ([]Service, error) {
	var rows []Service
	if err := s.db.WithContext(ctx).
		Scopes(changedScope(since)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading changed services: %w", err)
	}

	return rows, nil
}

func (s *store) ChangedReviews(
	ctx context.Context, since time.Time,
) ([]Review, error) {
	var rows []Review
	if err := s.db.WithContext(ctx).
		Scopes(changedScope(since)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading changed reviews: %w", err)
	}

	return rows, nil
}

func (s *store) ChangedProjectAliases(
	ctx context.Context, since time.Time,
) ([]ProjectAlias, error) {
	var rows []ProjectAlias
	if err := s.db.WithContext(ctx).
		Scopes(changedScope(since)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading changed project aliases: %w", err)
	}

	return rows, nil
}

func (s *store) ListPriorityMappings(
	ctx context.Context,
) ([]PriorityMapping, error) {
	var rows []PriorityMapping
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing priority mappings: %w", err)
	}

	return rows, nil
}

func (s *store) ListLocationMappings(
	ctx context.Context,
) ([]LocationMapping, error) {
	var rows []LocationMapping
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing location mappings: %w", err)
	}

	return rows, nil
}

// UpsertIssue inserts or updates an issue keyed by its natural identity.
func (s *store) UpsertIssue(ctx context.Context, issue *Issue) error {
	result := s.db.WithContext(ctx).
		Where("source_system = ? AND source_project_id = ? AND source_issue_id = ?",
			issue.SourceSystem, issue.SourceProjectID, issue.SourceIssueID).
		Assign(map[string]any{
			"title":          issue.Title,
			"status":         issue.Status,
			"priority":       issue.Priority,
			"category":       issue.Category,
			"location":       issue.Location,
			"assignee":       issue.Assignee,
			"created_at_src": issue.CreatedAtSrc,
			"closed_at_src":  issue.ClosedAtSrc,
			"changed_at":     issue.ChangedAt,
		}).
		FirstOrCreate(issue)
	if result.Error != nil {
		return fmt.Errorf("upserting issue: %w", result.Error)
	}

	return nil
}

func (s *store) CreateProcessedIssue(ctx context.Context, row *ProcessedIssue) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating processed issue: %w", err)
	}

	return nil
}

func (s *store) CreateIssueAttribute(ctx context.Context, row *IssueAttribute) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating issue attribute: %w", err)
	}

	return nil
}

func (s *store) CreateProject(ctx context.Context, row *Project) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating project: %w", err)
	}

	return nil
}

func (s *store) CreateService(ctx context.Context, row *Service) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	return nil
}

func (s *store) CreateReview(ctx context.Context, row *Review) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating review: %w", err)
	}

	return nil
}

func (s *store) CreateProjectAlias(ctx context.Context, row *ProjectAlias) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating project alias: %w", err)
	}

	return nil
}

func (s *store) CreatePriorityMapping(ctx context.Context, row *PriorityMapping) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating priority mapping: %w", err)
	}

	return nil
}

func (s *store) CreateLocationMapping(ctx context.Context, row *LocationMapping) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating location mapping: %w", err)
	}

	return nil
}
