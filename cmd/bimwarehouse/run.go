package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rstrinati/bimwarehouse/pkg/config"
	"github.com/rstrinati/bimwarehouse/pkg/pipeline"
	"github.com/rstrinati/bimwarehouse/pkg/source"
	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline",
	Long:  `Execute one full pipeline pass: extract, transform, snapshot, quality gate, publish.`,
	RunE:  runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	src := source.NewStore(log, &cfg.Source)
	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("starting source store: %w", err)
	}
	defer stopStore("source", src.Stop)

	wh := warehouse.NewStore(log, &cfg.Warehouse)
	if err := wh.Start(ctx); err != nil {
		return fmt.Errorf("starting warehouse store: %w", err)
	}
	defer stopStore("warehouse", wh.Stop)

	p := pipeline.New(log, pipeline.Config{
		PipelineName: cfg.PipelineName,
	}, src, wh)

	result, err := p.Run(ctx)
	if err != nil {
		return err
	}

	if !result.Published {
		return fmt.Errorf("quality gate blocked publish (run %d)", result.PipelineRunID)
	}

	log.WithFields(logrus.Fields{
		"run":       result.PipelineRunID,
		"staged":    result.RowsStaged,
		"snapshots": result.SnapshotRows,
		"published": result.CurrentRows,
	}).Info("Pipeline run succeeded")

	return nil
}

// loadConfig loads and validates the config file given on the command line.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	return ctx, cancel
}

func stopStore(name string, stop func() error) {
	if err := stop(); err != nil {
		log.WithError(err).WithField("store", name).Warn("Failed to stop store")
	}
}
