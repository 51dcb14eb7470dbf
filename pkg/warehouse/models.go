package warehouse

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Run and import-run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Quality check severities.
const (
	SeverityBlocking = "blocking"
	SeverityAdvisory = "advisory"
	SeverityInfo     = "info"
)

// IssueKey builds the natural composite identity of an issue.
func IssueKey(sourceSystem, sourceProjectID, sourceIssueID string) string {
	return sourceSystem + "|" + sourceProjectID + "|" + sourceIssueID
}

// IssueKeyHash returns the hex sha256 digest of an issue key, used for
// compact joins and uniqueness checks.
func IssueKeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))

	return hex.EncodeToString(sum[:])
}

// SnapshotDateFormat is the fact-partition date layout.
const SnapshotDateFormat = "2006-01-02"

// PipelineRun is the top-level run record. It is created when orchestration
// starts and mutated only by the run controller; once completed it is
// terminal.
type PipelineRun struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	PipelineName string `gorm:"index;not null" json:"pipeline_name"`
	Status       string `gorm:"not null" json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	Message      string     `json:"message"`
}

// IssueImportRun scopes one pipeline run's issue snapshots and quality
// results so re-runs never mix state from different runs.
type IssueImportRun struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	PipelineRunID  uint   `gorm:"index" json:"pipeline_run_id"`
	SourceSystem   string `json:"source_system"`
	RunType        string `json:"run_type"`
	Status         string `gorm:"index;not null" json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	WatermarkValue *time.Time `json:"watermark_value"`
	RowCount       int        `json:"row_count"`
	Notes          string     `json:"notes"`
}

// Watermark records the highest extracted change timestamp per
// (process, source object) pair. Its value is monotonically non-decreasing
// and is advanced only after the corresponding bulk write commits.
type Watermark struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Process      string    `gorm:"uniqueIndex:idx_watermark_key;not null" json:"process"`
	SourceObject string    `gorm:"uniqueIndex:idx_watermark_key;not null" json:"source_object"`
	Value        time.Time `json:"value"`
	RowCount     int       `json:"row_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Staging rows are append-only facts about what was seen in the source.
// They are never updated in place; the same source row may appear multiple
// times across runs under at-least-once extraction.

// StgIssue is a normalized staging projection of a source issue.
type StgIssue struct {
	ID                 uint      `gorm:"primaryKey"`
	RecordSource       string    `gorm:"not null"`
	SourceLoadTS       time.Time `gorm:"not null"`
	ChangedAt          time.Time `gorm:"index;not null"`
	SourceSystem       string    `gorm:"index:idx_stg_issue_key"`
	SourceProjectID    string    `gorm:"index:idx_stg_issue_key"`
	SourceIssueID      string    `gorm:"index:idx_stg_issue_key"`
	Title              string
	StatusRaw          string
	PriorityRaw        string
	PriorityNormalized string
	LocationRaw        string
	LocationNormalized string
	Category           string
	Assignee           string
	CreatedAtSrc       time.Time
	ClosedAtSrc        *time.Time
}

// StgProcessedIssue stages upstream enrichment rows.
type StgProcessedIssue struct {
	ID              uint      `gorm:"primaryKey"`
	RecordSource    string    `gorm:"not null"`
	SourceLoadTS    time.Time `gorm:"not null"`
	ChangedAt       time.Time `gorm:"index;not null"`
	SourceSystem    string
	SourceProjectID string
	SourceIssueID   string
	Category        string
	Discipline      string
	Confidence      float64
}

// StgIssueAttribute stages issue custom attributes.
type StgIssueAttribute struct {
	ID              uint      `gorm:"primaryKey"`
	RecordSource    string    `gorm:"not null"`
	SourceLoadTS    time.Time `gorm:"not null"`
	ChangedAt       time.Time `gorm:"index;not null"`
	SourceSystem    string
	SourceProjectID string
	SourceIssueID   string
	Name            string
	Value           string
}

// StgProject stages project records.
type StgProject struct {
	ID              uint      `gorm:"primaryKey"`
	RecordSource    string    `gorm:"not null"`
	SourceLoadTS    time.Time `gorm:"not null"`
	ChangedAt       time.Time `gorm:"index;not null"`
	SourceSystem    string
	SourceProjectID string
	Name            string
	Client          string
	Status          string
}

// StgService stages service agreement records.
type StgService struct {
	ID              uint      `gorm:"primaryKey"`
	RecordSource    string    `gorm:"not null"`
	SourceLoadTS    time.Time `gorm:"not null"`
	ChangedAt       time.Time `gorm:"index;not null"`
	SourceSystem    string
	SourceProjectID string
	Name            string
	Phase           string
	Status          string
}

// StgReview stages review cycle records.
type StgReview struct {
	ID              uint      `gorm:"primaryKey"`
	RecordSource    string    `gorm:"not null"`
	SourceLoadTS    time.Time `gorm:"not null"`
	ChangedAt       time.Time `gorm:"index;not null"`
	SourceSystem    string
	SourceProjectID string
	Cycle           int
	ScheduledAt     time.Time
	Status          string
}

// StgProjectAlias stages project alias records.
type StgProjectAlias struct {
	ID              uint      `gorm:"primaryKey"`
	RecordSource    string    `gorm:"not null"`
	SourceLoadTS    time.Time `gorm:"not null"`
	ChangedAt       time.Time `gorm:"index;not null"`
	AliasName       string
	SourceSystem    string
	SourceProjectID string
}

// StatusMapping maps a raw source status to its normalized form. Lookups
// are case- and whitespace-insensitive on (source system, raw status).
type StatusMapping struct {
	ID               uint   `gorm:"primaryKey"`
	SourceSystem     string `gorm:"uniqueIndex:idx_status_mapping;not null"`
	RawStatus        string `gorm:"uniqueIndex:idx_status_mapping;not null"`
	NormalizedStatus string `gorm:"not null"`
	IsOpen           bool
}

// CategoryBridge resolves an issue category to a discipline.
type CategoryBridge struct {
	ID           uint   `gorm:"primaryKey"`
	SourceSystem string `gorm:"uniqueIndex:idx_category_bridge;not null"`
	Category     string `gorm:"uniqueIndex:idx_category_bridge;not null"`
	Discipline   string `gorm:"not null"`
}

// DimProject is the project dimension.
type DimProject struct {
	ProjectKey      uint   `gorm:"primaryKey" json:"project_key"`
	SourceSystem    string `gorm:"uniqueIndex:idx_dim_project;not null" json:"source_system"`
	SourceProjectID string `gorm:"uniqueIndex:idx_dim_project;not null" json:"source_project_id"`
	Name            string `json:"name"`
	Client          string `json:"client"`
}

// DimUser is the assignee dimension.
type DimUser struct {
	UserKey  uint   `gorm:"primaryKey" json:"user_key"`
	UserName string `gorm:"uniqueIndex;not null" json:"user_name"`
}

// FactIssue is one issue state in a snapshot-date partition, built from the
// latest staging row per natural key. A NULL ProjectKey marks an issue whose
// project reference could not be resolved by the dimension layer.
type FactIssue struct {
	ID                 uint   `gorm:"primaryKey"`
	SnapshotDate       string `gorm:"index;not null"`
	SourceSystem       string
	SourceProjectID    string
	SourceIssueID      string
	ProjectKey         *uint
	AssigneeUserKey    *uint
	Title              string
	StatusRaw          string
	PriorityNormalized string
	LocationNormalized string
	Category           string
	CreatedAtSrc       time.Time
	ClosedAtSrc        *time.Time
	ChangedAt          time.Time
}

// IssueSnapshot is an immutable, run-scoped materialization of issue state.
// One row per issue per import run; never mutated after insert.
type IssueSnapshot struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	ImportRunID      uint   `gorm:"index;not null" json:"import_run_id"`
	IssueKey         string `gorm:"index" json:"issue_key"`
	IssueKeyHash     string `gorm:"index" json:"issue_key_hash"`
	SourceSystem     string `json:"source_system"`
	SourceProjectID  string `json:"source_project_id"`
	SourceIssueID    string `json:"source_issue_id"`
	ProjectKey       *uint  `json:"project_key"`
	AssigneeUserKey  *uint  `json:"assignee_user_key"`
	Title            string `json:"title"`
	StatusRaw        string `json:"status_raw"`
	StatusNormalized string `json:"status_normalized"`
	Priority         string `json:"priority"`
	Discipline       string `json:"discipline"`
	Location         string `json:"location"`
	CreatedAtSrc     time.Time  `json:"created_at_src"`
	ClosedAtSrc      *time.Time `json:"closed_at_src"`
	IsOpen           bool       `json:"is_open"`
	AgeDays          int        `json:"age_days"`
	DaysToClose      *int       `json:"days_to_close"`
	SnapshotDate     string     `json:"snapshot_date"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CurrentIssue is the latest-known-state row, wholesale-replaced on every
// successful gated publish and always traceable to one import run.
type CurrentIssue struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	ImportRunID      uint   `gorm:"index;not null" json:"import_run_id"`
	IssueKey         string `gorm:"index" json:"issue_key"`
	IssueKeyHash     string `gorm:"index" json:"issue_key_hash"`
	SourceSystem     string `json:"source_system"`
	SourceProjectID  string `json:"source_project_id"`
	SourceIssueID    string `json:"source_issue_id"`
	ProjectKey       *uint  `json:"project_key"`
	AssigneeUserKey  *uint  `json:"assignee_user_key"`
	Title            string `json:"title"`
	StatusRaw        string `json:"status_raw"`
	StatusNormalized string `json:"status_normalized"`
	Priority         string `json:"priority"`
	Discipline       string `json:"discipline"`
	Location         string `json:"location"`
	CreatedAtSrc     time.Time  `json:"created_at_src"`
	ClosedAtSrc      *time.Time `json:"closed_at_src"`
	IsOpen           bool       `json:"is_open"`
	SnapshotDate     string     `json:"snapshot_date"`
}

// QualityCheckResult is the append-only audit trail of check executions,
// one row per check per run regardless of blocking behavior.
type QualityCheckResult struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ImportRunID uint   `gorm:"index;not null" json:"import_run_id"`
	CheckName   string `gorm:"not null" json:"check_name"`
	Severity    string `gorm:"not null" json:"severity"`
	Passed      bool   `json:"passed"`
	Details     string `json:"details"`
	CreatedAt   time.Time `json:"created_at"`
}

// PipelineLock is a leased run-level lock keyed by pipeline name. A live
// lease held by another holder refuses a second concurrent run.
type PipelineLock struct {
	ID           uint   `gorm:"primaryKey"`
	PipelineName string `gorm:"uniqueIndex;not null"`
	HolderID     string `gorm:"not null"`
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// NaturalKey returns the issue key of a staged issue row.
func (s *StgIssue) NaturalKey() string {
	return IssueKey(s.SourceSystem, s.SourceProjectID, s.SourceIssueID)
}

// NaturalKey returns the issue key of a fact row.
func (f *FactIssue) NaturalKey() string {
	return IssueKey(f.SourceSystem, f.SourceProjectID, f.SourceIssueID)
}

// String implements fmt.Stringer for log output.
func (w *Watermark) String() string {
	return fmt.Sprintf("%s/%s@%s", w.Process, w.SourceObject,
		w.Value.UTC().Format(time.RFC3339))
}
