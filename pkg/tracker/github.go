package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v41/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/rstrinati/bimwarehouse/pkg/config"
	"github.com/rstrinati/bimwarehouse/pkg/source"
)

const githubPageSize = 100

// GitHubTracker fetches issues from a set of GitHub repositories.
type GitHubTracker struct {
	log          logrus.FieldLogger
	client       *github.Client
	repositories []string
}

// Compile-time interface check.
var _ Tracker = (*GitHubTracker)(nil)

// NewGitHubTracker creates a GitHubTracker from config using a static-token
// oauth2 client.
func NewGitHubTracker(ctx context.Context, log logrus.FieldLogger, cfg *config.GitHubConfig) *GitHubTracker {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	tc := oauth2.NewClient(ctx, ts)

	return &GitHubTracker{
		log:          log.WithField("tracker", source.SystemGitHub),
		client:       github.NewClient(tc),
		repositories: cfg.Repositories,
	}
}

// Name implements Tracker.
func (t *GitHubTracker) Name() string {
	return source.SystemGitHub
}

// FetchIssues implements Tracker. Pull requests come back from the issues
// API too and are skipped; the repository (owner/name) doubles as the
// project id.
func (t *GitHubTracker) FetchIssues(ctx context.Context, since time.Time) ([]source.Issue, error) {
	var out []source.Issue

	for _, repository := range t.repositories {
		parts := strings.SplitN(repository, "/", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid repository %q, expected owner/name", repository)
		}

		opts := &github.IssueListByRepoOptions{
			State:       "all",
			Since:       since,
			Sort:        "updated",
			Direction:   "asc",
			ListOptions: github.ListOptions{PerPage: githubPageSize},
		}

		for {
			issues, resp, err := t.client.Issues.ListByRepo(ctx, parts[0], parts[1], opts)
			if err != nil {
				return nil, fmt.Errorf("listing issues for %s: %w", repository, err)
			}

			for _, issue := range issues {
				if issue.IsPullRequest() {
					continue
				}

				out = append(out, githubIssueToSource(repository, issue))
			}

			if resp.NextPage == 0 {
				break
			}

			opts.Page = resp.NextPage
		}

		t.log.WithField("repository", repository).Debug("Fetched github repository")
	}

	return out, nil
}

// githubIssueToSource maps one GitHub API issue onto the operational schema.
func githubIssueToSource(repository string, issue *github.Issue) source.Issue {
	out := source.Issue{
		SourceSystem:    source.SystemGitHub,
		SourceProjectID: repository,
		SourceIssueID:   fmt.Sprintf("%d", issue.GetNumber()),
		Title:           issue.GetTitle(),
		Status:          issue.GetState(),
		Assignee:        issue.GetAssignee().GetLogin(),
		CreatedAtSrc:    issue.GetCreatedAt().UTC(),
	}

	if len(issue.Labels) > 0 {
		out.Category = issue.Labels[0].GetName()
	}

	if updated := issue.GetUpdatedAt(); !updated.IsZero() {
		changed := updated.UTC()
		out.ChangedAt = &changed
	}

	if closed := issue.GetClosedAt(); !closed.IsZero() {
		closedAt := closed.UTC()
		out.ClosedAtSrc = &closedAt
	}

	return out
}
