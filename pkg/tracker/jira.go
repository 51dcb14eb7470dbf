package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"github.com/sirupsen/logrus"

	"github.com/rstrinati/bimwarehouse/pkg/config"
	"github.com/rstrinati/bimwarehouse/pkg/source"
)

const jiraPageSize = 100

// JiraTracker fetches issues from a Jira instance, one project at a time.
type JiraTracker struct {
	log      logrus.FieldLogger
	client   *jira.Client
	projects []string
}

// Compile-time interface check.
var _ Tracker = (*JiraTracker)(nil)

// NewJiraTracker creates a JiraTracker from config, authenticating with the
// basic-auth API token transport.
func NewJiraTracker(log logrus.FieldLogger, cfg *config.JiraConfig) (*JiraTracker, error) {
	tp := jira.BasicAuthTransport{
		Username: cfg.Username,
		Password: cfg.Token,
	}

	client, err := jira.NewClient(tp.Client(), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("creating jira client: %w", err)
	}

	return &JiraTracker{
		log:      log.WithField("tracker", source.SystemJira),
		client:   client,
		projects: cfg.Projects,
	}, nil
}

// Name implements Tracker.
func (t *JiraTracker) Name() string {
	return source.SystemJira
}

// FetchIssues implements Tracker. It pages through a JQL search per project;
// Jira's "updated" operator has minute granularity, so the query is
// inclusive and the upsert absorbs the overlap.
func (t *JiraTracker) FetchIssues(ctx context.Context, since time.Time) ([]source.Issue, error) {
	var out []source.Issue

	for _, project := range t.projects {
		jql := fmt.Sprintf(
			`project = %q AND updated >= "%s" ORDER BY updated ASC`,
			project, since.UTC().Format("2006-01-02 15:04"),
		)

		opts := &jira.SearchOptions{MaxResults: jiraPageSize}

		for {
			issues, resp, err := t.client.Issue.SearchWithContext(ctx, jql, opts)
			if err != nil {
				return nil, fmt.Errorf("searching jira project %s: %w", project, err)
			}

			for _, issue := range issues {
				out = append(out, jiraIssueToSource(project, issue))
			}

			if resp.StartAt+len(issues) >= resp.Total {
				break
			}

			opts.StartAt = resp.StartAt + len(issues)
		}

		t.log.WithField("project", project).Debug("Fetched jira project")
	}

	return out, nil
}

// jiraIssueToSource maps one Jira API issue onto the operational schema.
func jiraIssueToSource(project string, issue jira.Issue) source.Issue {
	out := source.Issue{
		SourceSystem:    source.SystemJira,
		SourceProjectID: project,
		SourceIssueID:   issue.Key,
	}

	if issue.Fields == nil {
		return out
	}

	out.Title = issue.Fields.Summary
	out.CreatedAtSrc = time.Time(issue.Fields.Created).UTC()

	if issue.Fields.Status != nil {
		out.Status = strings.ToLower(issue.Fields.Status.Name)
	}

	if issue.Fields.Priority != nil {
		out.Priority = issue.Fields.Priority.Name
	}

	if issue.Fields.Assignee != nil {
		out.Assignee = issue.Fields.Assignee.DisplayName
	}

	if len(issue.Fields.Labels) > 0 {
		out.Category = issue.Fields.Labels[0]
	}

	if updated := time.Time(issue.Fields.Updated); !updated.IsZero() {
		changed := updated.UTC()
		out.ChangedAt = &changed
	}

	if resolved := time.Time(issue.Fields.Resolutiondate); !resolved.IsZero() {
		closed := resolved.UTC()
		out.ClosedAtSrc = &closed
	}

	return out
}
