// Package tracker pulls issues from external tracking systems into the
// operational source database, where the staging extractors pick them up.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rstrinati/bimwarehouse/pkg/source"
)

// Tracker is one external issue tracking system.
type Tracker interface {
	// Name identifies the tracker in logs and as the issue SourceSystem.
	Name() string
	// FetchIssues returns the issues changed at or after since.
	FetchIssues(ctx context.Context, since time.Time) ([]source.Issue, error)
}

// Ingestor pulls issues from a set of trackers and upserts them into the
// source store. Re-running an ingest is safe: issues are keyed by their
// natural identity, so repeats update in place.
type Ingestor struct {
	log      logrus.FieldLogger
	src      source.Store
	trackers []Tracker
}

// NewIngestor creates an Ingestor over the given trackers.
func NewIngestor(log logrus.FieldLogger, src source.Store, trackers []Tracker) *Ingestor {
	return &Ingestor{
		log:      log.WithField("component", "tracker"),
		src:      src,
		trackers: trackers,
	}
}

// Ingest fetches from every tracker concurrently, then upserts the results
// in tracker order. It returns the total number of issues written. A tracker
// fetch error aborts the ingest before any writes; rows from a failed upsert
// pass stay, which the staging layer tolerates.
func (i *Ingestor) Ingest(ctx context.Context, since time.Time) (int, error) {
	fetched := make([][]source.Issue, len(i.trackers))

	g, gctx := errgroup.WithContext(ctx)

	for idx, t := range i.trackers {
		idx, t := idx, t
		g.Go(func() error {
			issues, err := t.FetchIssues(gctx, since)
			if err != nil {
				return fmt.Errorf("fetching from %s: %w", t.Name(), err)
			}

			fetched[idx] = issues

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total int

	for idx, t := range i.trackers {
		issues := fetched[idx]

		for j := range issues {
			if err := i.src.UpsertIssue(ctx, &issues[j]); err != nil {
				return total, fmt.Errorf(
					"upserting %s issue %s: %w",
					t.Name(), issues[j].SourceIssueID, err,
				)
			}

			total++
		}

		i.log.WithFields(logrus.Fields{
			"tracker": t.Name(),
			"issues":  len(issues),
			"since":   since,
		}).Info("Ingested tracker issues")
	}

	return total, nil
}
