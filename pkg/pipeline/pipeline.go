// Package pipeline orchestrates one end-to-end warehouse run: lock, extract,
// transform, snapshot, quality gate, publish, bookkeeping.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rstrinati/bimwarehouse/pkg/quality"
	"github.com/rstrinati/bimwarehouse/pkg/snapshot"
	"github.com/rstrinati/bimwarehouse/pkg/source"
	"github.com/rstrinati/bimwarehouse/pkg/staging"
	"github.com/rstrinati/bimwarehouse/pkg/transform"
	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

// Result summarizes one pipeline run.
type Result struct {
	PipelineRunID uint
	ImportRunID   uint
	RowsStaged    int
	SnapshotRows  int
	CurrentRows   int
	Published     bool
	GateFailures  []string
}

// Config carries the orchestrator's knobs.
type Config struct {
	PipelineName string
	LockTTL      time.Duration
	// Clock is injectable for deterministic snapshot dates in tests. Nil
	// uses time.Now.
	Clock func() time.Time
}

// Pipeline runs the warehouse load end to end. Exactly one Pipeline may be
// active per pipeline name at a time; the run lock enforces that.
type Pipeline struct {
	log logrus.FieldLogger
	cfg Config
	src source.Store
	wh  warehouse.Store
	now func() time.Time
}

// New creates a Pipeline.
func New(
	log logrus.FieldLogger,
	cfg Config,
	src source.Store,
	wh warehouse.Store,
) *Pipeline {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		log: log.WithField("component", "pipeline"),
		cfg: cfg,
		src: src,
		wh:  wh,
		now: now,
	}
}

// Run executes one full pipeline pass. The current-state table is replaced
// only when every blocking quality check passes; on gate failure the run is
// recorded as failed, history and staging keep the run's rows, and the
// previously published state stays visible.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	lock := NewLock(p.log, p.wh, p.cfg.PipelineName, p.cfg.LockTTL)

	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	run, err := p.wh.CreatePipelineRun(ctx, p.cfg.PipelineName)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline run: %w", err)
	}

	result, runErr := p.execute(ctx, run.ID)
	if runErr != nil {
		if err := p.wh.CompletePipelineRun(
			ctx, run.ID, warehouse.StatusFailed, runErr.Error(),
		); err != nil {
			p.log.WithError(err).Error("Failed to record pipeline run failure")
		}

		return nil, runErr
	}

	result.PipelineRunID = run.ID

	status := warehouse.StatusSuccess
	message := fmt.Sprintf("published %d issues", result.CurrentRows)

	if !result.Published {
		status = warehouse.StatusFailed
		message = "quality gate failed: " + strings.Join(result.GateFailures, "; ")
	}

	if err := p.wh.CompletePipelineRun(ctx, run.ID, status, message); err != nil {
		return nil, fmt.Errorf("completing pipeline run: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"run":       run.ID,
		"status":    status,
		"staged":    result.RowsStaged,
		"snapshots": result.SnapshotRows,
		"published": result.Published,
	}).Info("Pipeline run finished")

	return result, nil
}

// execute performs the run body under an already-created pipeline run. A
// returned error means the run aborted; a nil error with Published false
// means the run completed but the gate blocked the publish.
func (p *Pipeline) execute(ctx context.Context, runID uint) (*Result, error) {
	importRun, err := p.wh.CreateIssueImportRun(ctx, runID, "all", "incremental")
	if err != nil {
		return nil, fmt.Errorf("creating import run: %w", err)
	}

	result := &Result{ImportRunID: importRun.ID}

	failImport := func(notes string) {
		if err := p.wh.CompleteIssueImportRun(
			ctx, importRun.ID, warehouse.StatusFailed, notes, result.RowsStaged, nil,
		); err != nil {
			p.log.WithError(err).Error("Failed to record import run failure")
		}
	}

	// Extract into staging. Loaders run sequentially in dependency order;
	// each one advances its own watermark after its rows are committed.
	var maxWatermark time.Time

	for _, runner := range staging.NewRunners(p.log, p.cfg.PipelineName, p.src, p.wh) {
		res, err := runner.Run(ctx)
		if err != nil {
			failImport(fmt.Sprintf("staging %s: %v", runner.Name, err))

			return nil, fmt.Errorf("staging %s: %w", runner.Name, err)
		}

		result.RowsStaged += res.Written

		if !res.Skipped && res.Watermark.After(maxWatermark) {
			maxWatermark = res.Watermark
		}
	}

	// Transform: dimensions first, then the day's fact partition.
	executor := transform.NewExecutor(
		p.log,
		transform.BuiltinDimensionRoutines(p.wh),
		transform.BuiltinFactRoutines(p.wh, p.now),
	)

	if err := executor.RunDimensionBuilds(ctx); err != nil {
		failImport(err.Error())

		return nil, err
	}

	if err := executor.RunFactBuilds(ctx); err != nil {
		failImport(err.Error())

		return nil, err
	}

	// Immutable per-run snapshot.
	snapCount, err := snapshot.NewMaterializer(p.log, p.wh, p.now).
		Materialize(ctx, importRun.ID)
	if err != nil {
		failImport(err.Error())

		return nil, fmt.Errorf("materializing snapshot: %w", err)
	}

	result.SnapshotRows = snapCount

	// Quality gate.
	checker := quality.NewRunner(p.log, p.wh)

	summary, err := checker.RunChecks(
		ctx, importRun.ID, quality.IssueSuite(p.wh, importRun.ID),
	)
	if err != nil {
		failImport(err.Error())

		return nil, err
	}

	if summary.AllPassed() {
		published, err := snapshot.NewPublisher(p.log, p.wh).Publish(ctx, importRun.ID)
		if err != nil {
			failImport(err.Error())

			return nil, fmt.Errorf("publishing current state: %w", err)
		}

		result.CurrentRows = published
		result.Published = true

		var watermark *time.Time
		if !maxWatermark.IsZero() {
			watermark = &maxWatermark
		}

		if err := p.wh.CompleteIssueImportRun(
			ctx, importRun.ID, warehouse.StatusSuccess, "",
			result.RowsStaged, watermark,
		); err != nil {
			return nil, fmt.Errorf("completing import run: %w", err)
		}
	} else {
		for _, r := range summary.Results {
			if !r.Passed {
				result.GateFailures = append(
					result.GateFailures,
					fmt.Sprintf("%s: %s", r.CheckName, r.Details),
				)
			}
		}

		failImport("quality gate failed: " + strings.Join(result.GateFailures, "; "))
	}

	// Warehouse health checks run regardless of the gate outcome. They
	// are advisory: failures are persisted and logged, never fatal.
	date, err := p.wh.LatestFactSnapshotDate(ctx)
	if err != nil {
		p.log.WithError(err).Warn("Skipping warehouse health checks")

		return result, nil
	}

	if _, err := checker.RunChecks(
		ctx, importRun.ID, quality.WarehouseSuite(p.wh, date),
	); err != nil {
		p.log.WithError(err).Warn("Warehouse health checks aborted")
	}

	return result, nil
}
