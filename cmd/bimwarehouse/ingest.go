package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rstrinati/bimwarehouse/pkg/source"
	"github.com/rstrinati/bimwarehouse/pkg/tracker"
)

var ingestSince string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Pull issues from configured trackers into the source database",
	Long: `Fetch issues from the configured Jira projects and GitHub repositories
and upsert them into the operational source database. Re-running is safe:
issues are keyed by their natural identity.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestSince, "since", "",
		"Only fetch issues changed at or after this time (RFC 3339, default 30 days ago)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	since := time.Now().UTC().AddDate(0, 0, -30)

	if ingestSince != "" {
		since, err = time.Parse(time.RFC3339, ingestSince)
		if err != nil {
			return fmt.Errorf("parsing --since: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	var trackers []tracker.Tracker

	if cfg.Trackers.Jira != nil {
		jt, err := tracker.NewJiraTracker(log, cfg.Trackers.Jira)
		if err != nil {
			return fmt.Errorf("creating jira tracker: %w", err)
		}

		trackers = append(trackers, jt)
	}

	if cfg.Trackers.GitHub != nil {
		trackers = append(trackers, tracker.NewGitHubTracker(ctx, log, cfg.Trackers.GitHub))
	}

	if len(trackers) == 0 {
		return fmt.Errorf("no trackers configured")
	}

	src := source.NewStore(log, &cfg.Source)
	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("starting source store: %w", err)
	}
	defer stopStore("source", src.Stop)

	total, err := tracker.NewIngestor(log, src, trackers).Ingest(ctx, since)
	if err != nil {
		return err
	}

	log.WithField("issues", total).Info("Ingest finished")

	return nil
}
