package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hearthci/stoker/pkg/config"
	"github.com/hearthci/stoker/pkg/log"
	"github.com/hearthci/stoker/pkg/metrics"
	"github.com/hearthci/stoker/pkg/orchestrator"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stoker",
	Short: "Stoker - ephemeral CI job runner orchestrator",
	Long: `Stoker turns webhook deliveries into jobs, schedules them through
persistent priority queues, and runs each one in a short-lived
container on the local engine. Pools of warm runners, an auto-scaler,
a secret-scrubbing log pipeline, and a cleanup reaper come along.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stoker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("config", "", "Path to the YAML config file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start every component and serve the webhook listener. The process
runs until SIGINT or SIGTERM, then drains in reverse startup order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		orch, err := orchestrator.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build orchestrator: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := orch.Start(ctx); err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}

		fmt.Printf("Stoker is running. Webhooks on %s, metrics on %s.\n",
			cfg.Intake.ListenAddr, cfg.Control.MetricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		orch.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}
