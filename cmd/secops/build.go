package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/config"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/journal"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/normalize"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/orchestrator"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/remediation"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/remediation/awsexec"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/remediation/filepatch"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/runbook"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner/awsscan"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner/endpoint"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner/iacfile"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/suggest"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/triage"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/verify"
)

// system is everything assemble wires together, plus its teardown.
type system struct {
	orch  *orchestrator.Orchestrator
	store *audit.Store
}

// assemble builds the full control loop from config. The returned cleanup
// closes the store and journal after background work has drained.
func assemble(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*system, func(), error) {
	jnl, err := journal.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	store, err := audit.Open(cfg.DataDir, jnl)
	if err != nil {
		_ = jnl.Close()
		return nil, nil, fmt.Errorf("open audit store: %w", err)
	}

	adapters, executors, err := buildAWS(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		_ = jnl.Close()
		return nil, nil, err
	}

	if len(cfg.Scanning.Endpoints) > 0 {
		adapters = append(adapters, endpoint.New(cfg.Scanning.Endpoints, cfg.Scanning.AdapterTimeout, logger))
	}
	if len(cfg.Scanning.TemplateRoots) > 0 {
		adapters = append(adapters, iacfile.New(cfg.Scanning.TemplateRoots, logger))
		executors = append(executors, filepatch.New(cfg.Scanning.TemplateRoots[0], logger))
	}

	runner := scanner.NewRunner(adapters, cfg.Scanning.Workers, cfg.Scanning.AdapterTimeout, logger)

	normalizer, err := normalize.New(store, cfg.Scanning.SeverityMap, cfg.Scanning.AbsenceCycles, logger)
	if err != nil {
		_ = store.Close()
		_ = jnl.Close()
		return nil, nil, fmt.Errorf("build normalizer: %w", err)
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		_ = store.Close()
		_ = jnl.Close()
		return nil, nil, err
	}

	triageEngine := triage.New(catalog, cfg.Triage.AlwaysApprove, protectedTags(cfg), cfg.Triage.Environment, logger)
	if cfg.Triage.PolicyDir != "" {
		if err := triageEngine.LoadOverrideDir(ctx, cfg.Triage.PolicyDir); err != nil {
			_ = store.Close()
			_ = jnl.Close()
			return nil, nil, fmt.Errorf("load triage policies: %w", err)
		}
	}

	remediator := remediation.NewEngine(store, executors, cfg.Remedy.LockMaxWait, logger)
	verifier := verify.New(store, runner, cfg.Verify.SettleDelay, cfg.Verify.MaxRetries, cfg.Verify.BackoffBase, logger)

	provider, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		_ = jnl.Close()
		return nil, nil, err
	}
	suggester := suggest.NewService(provider, store, cfg.Suggest.Timeout, logger)

	orch := orchestrator.New(runner, normalizer, triageEngine, remediator, verifier, suggester, catalog, store, logger)

	cleanup := func() {
		orch.Wait()
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close audit store")
		}
		if err := jnl.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close journal")
		}
	}
	return &system{orch: orch, store: store}, cleanup, nil
}

// buildAWS loads AWS credentials and returns the resource-graph adapter and
// security-group executor. A credentials failure disables the AWS surface
// instead of killing the process, endpoints and templates still scan.
func buildAWS(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]scanner.Adapter, []remediation.ActionExecutor, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		logger.Warn().Err(err).Msg("AWS config unavailable, resource-graph scanning disabled")
		return nil, nil, nil
	}
	adapters := []scanner.Adapter{awsscan.New(awsCfg, logger)}
	executors := []remediation.ActionExecutor{awsexec.New(awsCfg, cfg.Remedy.AdminCIDR, logger)}
	return adapters, executors, nil
}

func loadCatalog(cfg *config.Config) (*runbook.Catalog, error) {
	if cfg.Remedy.CatalogPath == "" {
		return runbook.ParseCatalog([]byte("{}"))
	}
	catalog, err := runbook.LoadCatalog(cfg.Remedy.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load runbook catalog: %w", err)
	}
	return catalog, nil
}

func protectedTags(cfg *config.Config) []string {
	tags := make([]string, 0, len(cfg.Triage.ProtectedTags))
	for tag := range cfg.Triage.ProtectedTags {
		tags = append(tags, tag)
	}
	return tags
}

// buildProvider returns the configured suggestion provider, or nil. The
// approval flow works without one through static fallback text.
func buildProvider(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (suggest.Provider, error) {
	switch cfg.Suggest.Provider {
	case "":
		return nil, nil
	case "gemini":
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			logger.Warn().Msg("GEMINI_API_KEY not set, suggestions fall back to static text")
			return nil, nil
		}
		return suggest.NewGeminiProvider(ctx, apiKey, cfg.Suggest.Model)
	default:
		return nil, fmt.Errorf("unknown suggestion provider %q", cfg.Suggest.Provider)
	}
}
