package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rstrinati/bimwarehouse/pkg/api"
	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only operator API",
	Long: `Start the HTTP API exposing run history, quality check results,
watermarks and the published current issue state.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	wh := warehouse.NewStore(log, &cfg.Warehouse)
	if err := wh.Start(ctx); err != nil {
		return fmt.Errorf("starting warehouse store: %w", err)
	}
	defer stopStore("warehouse", wh.Stop)

	server := api.NewServer(log, &cfg.Server, wh)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	<-ctx.Done()

	return server.Stop()
}
