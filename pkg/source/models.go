package source

import (
	"time"
)

// Known source systems. Issues from other systems are accepted as-is; these
// constants only exist so ingest and seed code agree on spelling.
const (
	SystemACC     = "acc"
	SystemRevizto = "revizto"
	SystemJira    = "jira"
	SystemGitHub  = "github"
)

// Issue is an operational issue record as landed from a tracking system.
// ChangedAt is the source change timestamp driving incremental extraction;
// rows with a NULL ChangedAt can never be detected incrementally and must
// be backfilled out-of-band.
type Issue struct {
	ID              uint   `gorm:"primaryKey"`
	SourceSystem    string `gorm:"uniqueIndex:idx_src_issue_key;not null"`
	SourceProjectID string `gorm:"uniqueIndex:idx_src_issue_key;not null"`
	SourceIssueID   string `gorm:"uniqueIndex:idx_src_issue_key;not null"`
	Title           string
	Status          string
	Priority        string
	Category        string
	Location        string
	Assignee        string
	CreatedAtSrc    time.Time
	ClosedAtSrc     *time.Time
	ChangedAt       *time.Time `gorm:"index"`
}

// ProcessedIssue is an enrichment row produced by the upstream issue
// categorization process.
type ProcessedIssue struct {
	ID              uint `gorm:"primaryKey"`
	SourceSystem    string
	SourceProjectID string
	SourceIssueID   string
	Category        string
	Discipline      string
	Confidence      float64
	ChangedAt       *time.Time `gorm:"index"`
}

// IssueAttribute is a custom attribute attached to a source issue.
type IssueAttribute struct {
	ID              uint `gorm:"primaryKey"`
	SourceSystem    string
	SourceProjectID string
	SourceIssueID   string
	Name            string
	Value           string
	ChangedAt       *time.Time `gorm:"index"`
}

// Project is an operational project record.
type Project struct {
	ID              uint `gorm:"primaryKey"`
	SourceSystem    string
	SourceProjectID string
	Name            string
	Client          string
	Status          string
	ChangedAt       *time.Time `gorm:"index"`
}

// Service is a project service agreement row.
type Service struct {
	ID              uint `gorm:"primaryKey"`
	SourceSystem    string
	SourceProjectID string
	Name            string
	Phase           string
	Status          string
	ChangedAt       *time.Time `gorm:"index"`
}

// Review is a scheduled design review cycle.
type Review struct {
	ID              uint `gorm:"primaryKey"`
	SourceSystem    string
	SourceProjectID string
	Cycle           int
	ScheduledAt     time.Time
	Status          string
	ChangedAt       *time.Time `gorm:"index"`
}

// ProjectAlias maps an alternative project name onto a source project.
type ProjectAlias struct {
	ID              uint `gorm:"primaryKey"`
	AliasName       string
	SourceSystem    string
	SourceProjectID string
	ChangedAt       *time.Time `gorm:"index"`
}

// PriorityMapping normalizes a raw priority string. A row with an empty
// SourceProjectID is the global default for its source system; a
// project-scoped row takes precedence over it.
type PriorityMapping struct {
	ID              uint   `gorm:"primaryKey"`
	SourceSystem    string `gorm:"uniqueIndex:idx_priority_mapping"`
	SourceProjectID string `gorm:"uniqueIndex:idx_priority_mapping"`
	RawValue        string `gorm:"uniqueIndex:idx_priority_mapping"`
	Normalized      string
}

// LocationMapping normalizes a raw location string, with the same
// project-over-global precedence as PriorityMapping.
type LocationMapping struct {
	ID              uint   `gorm:"primaryKey"`
	SourceSystem    string `gorm:"uniqueIndex:idx_location_mapping"`
	SourceProjectID string `gorm:"uniqueIndex:idx_location_mapping"`
	RawValue        string `gorm:"uniqueIndex:idx_location_mapping"`
	Normalized      string
}
