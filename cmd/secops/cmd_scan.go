package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/telemetry"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan cycle and exit",
	Long: `Run one full scan cycle: discover misconfigurations, triage them,
remediate what policy allows, and verify the fixes. Findings that need
approval are left in the audit store for the daemon's control surface.`,
	Example: `  secops scan --config secops.yaml`,
	RunE:    runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := telemetry.NewConsoleLogger("secops")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sys, cleanup, err := assemble(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := sys.orch.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("scan cycle failed: %w", err)
	}

	fmt.Printf("Scan cycle complete in %s\n", result.Duration.Round(time.Millisecond))
	fmt.Printf("  Raw findings:      %d\n", result.RawFindings)
	fmt.Printf("  Created:           %d\n", result.Created)
	fmt.Printf("  Rediscovered:      %d\n", result.Rediscovered)
	fmt.Printf("  Resolved (absent): %d\n", result.ResolvedAbsent)
	fmt.Printf("  Auto-remediated:   %d\n", result.Automatic)
	fmt.Printf("  Awaiting approval: %d\n", result.AwaitingApproval)
	fmt.Printf("  Manual review:     %d\n", result.ManualOnly)
	for _, msg := range result.Errors {
		fmt.Printf("  Error: %s\n", msg)
	}
	return nil
}
