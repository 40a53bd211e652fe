package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/config"
)

var (
	version = "0.1.0"

	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "secops",
		Short: "Continuous misconfiguration remediation engine",
		Long: `Secops - Continuous Misconfiguration Remediation

Secops runs a continuous control loop over your environment: scanner
adapters discover misconfigurations, triage policy routes each finding to
automatic remediation or human approval, runbooks apply the fix, and a
verification rescan confirms the issue is actually gone.

Every finding, suggestion, remediation run and state transition lands in
an append-only audit store queryable over the HTTP control surface.`,
		Version: version,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Secops {{.Version}} - Continuous Misconfiguration Remediation
`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (defaults apply without one)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadConfig reads the config file or falls back to defaults
func loadConfig() (*config.Config, error) {
	applyLogLevel()
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func applyLogLevel() {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
