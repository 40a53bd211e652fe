package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// Runner executes all registered adapters concurrently through a bounded
// worker pool with a per-adapter timeout.
type Runner struct {
	adapters []Adapter
	workers  int
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewRunner builds a runner. workers <= 0 defaults to one worker per adapter.
func NewRunner(adapters []Adapter, workers int, timeout time.Duration, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = len(adapters)
	}
	return &Runner{
		adapters: adapters,
		workers:  workers,
		timeout:  timeout,
		logger:   logger.With().Str("component", "scan-runner").Logger(),
	}
}

// Run executes every adapter and returns the merged raw findings. An adapter
// that fails or times out contributes a low-severity scanner-error finding
// scoped to itself instead of aborting the cycle. On cancellation, workers
// stop at the next adapter boundary; findings from adapters that already
// completed are returned along with ctx.Err so the caller can decide whether
// to keep them.
func (r *Runner) Run(ctx context.Context) ([]types.RawFinding, error) {
	jobs := make(chan Adapter)
	var (
		mu  sync.Mutex
		out []types.RawFinding
		wg  sync.WaitGroup
	)

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for adapter := range jobs {
				raws := r.runAdapter(ctx, adapter, nil)
				mu.Lock()
				out = append(out, raws...)
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, adapter := range r.adapters {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- adapter:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// ScanResource re-runs a single adapter against one target. Used for
// post-remediation verification.
func (r *Runner) ScanResource(ctx context.Context, adapterName string, target Target) ([]types.RawFinding, error) {
	for _, adapter := range r.adapters {
		if adapter.Name() != adapterName {
			continue
		}
		scanCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			scanCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return adapter.Scan(scanCtx, []Target{target})
	}
	return nil, fmt.Errorf("no adapter named %q", adapterName)
}

// runAdapter executes one adapter under the per-adapter timeout and converts
// failure into a scanner-error finding.
func (r *Runner) runAdapter(ctx context.Context, adapter Adapter, targets []Target) []types.RawFinding {
	scanCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	raws, err := adapter.Scan(scanCtx, targets)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("adapter", adapter.Name()).
			Dur("elapsed", elapsed).
			Msg("Adapter scan failed")
		return append(raws, scanErrorFinding(adapter.Name(), err))
	}

	r.logger.Debug().
		Str("adapter", adapter.Name()).
		Int("findings", len(raws)).
		Dur("elapsed", elapsed).
		Msg("Adapter scan complete")
	return raws
}

// scanErrorFinding records an adapter failure as a finding so it lands in the
// audit trail rather than being discarded.
func scanErrorFinding(adapterName string, scanErr error) types.RawFinding {
	return types.RawFinding{
		Type:        "SCANNER_ERROR",
		RawSeverity: "low",
		Resource:    types.ResourceRef{Service: "scanner", ID: adapterName},
		Scanner:     adapterName,
		Summary:     fmt.Sprintf("scanner %s failed: %v", adapterName, scanErr),
		Details:     map[string]any{"error": scanErr.Error()},
	}
}
