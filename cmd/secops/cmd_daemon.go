package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/internal/daemon"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/telemetry"
)

var daemonOTELEndpoint string

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the continuous remediation loop",
	Long: `Run Secops in daemon mode.

The daemon scans the environment at the configured interval, triages every
new finding, remediates automatically where policy allows, and serves the
HTTP control surface for approvals and audit queries.

Features:
- Single-flight scan cycles (overlapping ticks are skipped, never queued)
- Prometheus metrics on /metrics, health on /healthz
- Append-only audit trail with a durable transition journal
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  secops daemon --config secops.yaml
  secops daemon --config secops.yaml --otel-endpoint otel-collector:4317`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonOTELEndpoint, "otel-endpoint", "", "OTLP gRPC endpoint for traces and metrics")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger("secops")
	ctx := context.Background()

	otelShutdown, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    "secops",
		ServiceVersion: version,
		Environment:    cfg.Triage.Environment,
		OTELEndpoint:   daemonOTELEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	sys, cleanup, err := assemble(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	d := daemon.New(daemon.Config{
		Interval: cfg.Scanning.Interval,
		APIAddr:  cfg.API.Addr,
	}, sys.orch, sys.store, logger.Logger)

	return d.Run(ctx)
}
