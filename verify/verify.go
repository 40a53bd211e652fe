// Package verify closes the remediation loop. After a run succeeds the
// affected resource is rescanned with the adapter that raised the finding,
// and the finding either resolves, reopens, or fails for manual review.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/normalize"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/telemetry"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// Rescanner is the slice of the scan runner the verifier needs.
type Rescanner interface {
	ScanResource(ctx context.Context, adapterName string, target scanner.Target) ([]types.RawFinding, error)
}

// Verifier rescans remediated resources after a settle delay.
type Verifier struct {
	store       *audit.Store
	runner      Rescanner
	settleDelay time.Duration
	maxAttempts int
	baseBackoff time.Duration
	logger      zerolog.Logger
}

// New builds a verifier. maxAttempts <= 0 defaults to 3, baseBackoff <= 0 to
// one second.
func New(store *audit.Store, runner Rescanner, settleDelay time.Duration, maxAttempts int, baseBackoff time.Duration, logger zerolog.Logger) *Verifier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	return &Verifier{
		store:       store,
		runner:      runner,
		settleDelay: settleDelay,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		logger:      logger.With().Str("component", "verifier").Logger(),
	}
}

// Verify rescans the finding's resource and settles its status. The finding
// must be in REMEDIATING, meaning a run just succeeded against it. The rescan
// is conclusive when the adapter answers without error: an answer that no
// longer contains the finding's type resolves it, an answer that still does
// reopens it as NEW for re-triage. Adapter errors are retried with
// exponential backoff; exhausting the attempts marks the finding FAILED so it
// never lingers in REMEDIATING unnoticed.
func (v *Verifier) Verify(ctx context.Context, findingID string) (types.Finding, error) {
	f, err := v.store.GetFinding(findingID)
	if err != nil {
		return types.Finding{}, err
	}
	if f.Status != types.StatusRemediating {
		return types.Finding{}, fmt.Errorf("finding %s is %s, not %s", findingID, f.Status, types.StatusRemediating)
	}

	if err := sleep(ctx, v.settleDelay); err != nil {
		return types.Finding{}, err
	}

	target := scanner.Target{Resource: f.Resource}
	var lastErr error
	for attempt := 0; attempt < v.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, v.baseBackoff<<(attempt-1)); err != nil {
				return types.Finding{}, err
			}
		}

		raws, scanErr := v.runner.ScanResource(ctx, f.SourceScanner, target)
		if scanErr != nil {
			lastErr = scanErr
			v.logger.Warn().
				Err(scanErr).
				Str("finding_id", f.ID).
				Int("attempt", attempt+1).
				Msg("Verification rescan failed")
			continue
		}

		if stillPresent(raws, f) {
			v.logger.Info().Str("finding_id", f.ID).Msg("Condition persists after remediation")
			telemetry.RecordVerification(ctx, "reopened")
			return v.store.TransitionFinding(f.ID, types.StatusNew, "verification rescan: condition persists")
		}
		v.logger.Info().Str("finding_id", f.ID).Msg("Verification rescan clean")
		telemetry.RecordVerification(ctx, "resolved")
		telemetry.RecordFindingsResolved(ctx, 1, "verified")
		return v.store.TransitionFinding(f.ID, types.StatusResolved, "verification rescan: condition gone")
	}

	telemetry.RecordVerification(ctx, "inconclusive")
	reason := fmt.Sprintf("verification inconclusive after %d attempts: %v", v.maxAttempts, lastErr)
	v.logger.Error().
		Err(lastErr).
		Str("finding_id", f.ID).
		Int("attempts", v.maxAttempts).
		Msg("Verification exhausted retries")
	return v.store.TransitionFinding(f.ID, types.StatusFailed, reason)
}

// stillPresent reports whether the rescan reproduced the finding on the same
// resource. Raw types go through the canonical table so an adapter emitting
// an alias still matches.
func stillPresent(raws []types.RawFinding, f types.Finding) bool {
	for _, raw := range raws {
		if raw.Resource != f.Resource {
			continue
		}
		if normalize.CanonicalType(raw.Type) == f.Type {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
