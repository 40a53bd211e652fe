// Package orchestrator coordinates the scan → normalize → triage →
// remediate → verify flow and exposes the approval entry points used by the
// control surface.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/normalize"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/remediation"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/runbook"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/suggest"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/telemetry"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/triage"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/verify"
)

// Orchestrator wires one cycle end to end
type Orchestrator struct {
	runner     *scanner.Runner
	normalizer *normalize.Normalizer
	triage     *triage.Engine
	remediator *remediation.Engine
	verifier   *verify.Verifier
	suggester  *suggest.Service
	catalog    *runbook.Catalog
	store      *audit.Store
	logger     zerolog.Logger

	verifyWG sync.WaitGroup
	verifyMu sync.Mutex
	// verifying tracks findings with an in-flight verification goroutine,
	// so the per-cycle resume pass never double-queues one
	verifying map[string]struct{}
}

// New creates an orchestrator over fully constructed components
func New(
	runner *scanner.Runner,
	normalizer *normalize.Normalizer,
	triageEngine *triage.Engine,
	remediator *remediation.Engine,
	verifier *verify.Verifier,
	suggester *suggest.Service,
	catalog *runbook.Catalog,
	store *audit.Store,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		runner:     runner,
		normalizer: normalizer,
		triage:     triageEngine,
		remediator: remediator,
		verifier:   verifier,
		suggester:  suggester,
		catalog:    catalog,
		store:      store,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		verifying:  make(map[string]struct{}),
	}
}

// RunCycle runs one full scan cycle. A cancelled scan discards its partial
// results rather than feeding them to the normalizer, so resolve-by-absence
// never fires off an incomplete picture of the environment.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "scan.cycle")
	defer span.End()

	result := &CycleResult{
		StartTime: time.Now(),
		Success:   true,
	}

	o.logger.Info().Msg("starting scan cycle")

	result.ResumedVerifications = o.resumeVerifications(ctx)

	raws, err := o.runner.Run(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scan aborted: %v", err))
		result.Success = false
		return o.finishCycle(ctx, result), err
	}
	result.RawFindings = len(raws)

	report, err := o.normalizer.Ingest(raws, time.Now().UTC())
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("normalization failed: %v", err))
		result.Success = false
		return o.finishCycle(ctx, result), err
	}
	result.Created = len(report.Created)
	result.Rediscovered = report.Touched
	result.ResolvedAbsent = len(report.ResolvedAbsent)

	for _, id := range report.Created {
		if err := o.routeFinding(ctx, id, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
			// Continue with other findings
		}
	}

	span.SetAttributes(
		attribute.Int("raw_findings", result.RawFindings),
		attribute.Int("created", result.Created),
		attribute.Int("resolved_absent", result.ResolvedAbsent),
	)
	return o.finishCycle(ctx, result), nil
}

// resumeVerifications re-queues findings stranded in REMEDIATING. A daemon
// stopped between a successful run and its verification rescan leaves the
// finding there with nothing working on it; every cycle picks those up so a
// finding never sits in REMEDIATING unattended.
func (o *Orchestrator) resumeVerifications(ctx context.Context) int {
	open, err := o.store.OpenFindings()
	if err != nil {
		o.logger.Error().Err(err).Msg("Could not list open findings to resume verification")
		return 0
	}

	resumed := 0
	for _, f := range open {
		if f.Status != types.StatusRemediating {
			continue
		}
		if o.verifyAsync(ctx, f.ID) {
			resumed++
			o.logger.Warn().
				Str("finding_id", f.ID).
				Msg("Resuming interrupted verification")
		}
	}
	return resumed
}

// ApproveSuggestion marks a suggestion approved and executes its finding's
// runbook with the approver recorded on the run.
func (o *Orchestrator) ApproveSuggestion(ctx context.Context, suggestionID, approver string) (types.RemediationRun, error) {
	sg, err := o.store.TransitionSuggestion(suggestionID, types.SuggestionApproved, fmt.Sprintf("approved by %s", approver))
	if err != nil {
		return types.RemediationRun{}, err
	}

	f, err := o.store.GetFinding(sg.FindingID)
	if err != nil {
		return types.RemediationRun{}, err
	}
	return o.remediate(ctx, f, approver)
}

// RejectSuggestion marks a suggestion rejected and returns its finding to
// NEW so the next cycle can re-triage it.
func (o *Orchestrator) RejectSuggestion(ctx context.Context, suggestionID, actor string) error {
	sg, err := o.store.TransitionSuggestion(suggestionID, types.SuggestionRejected, fmt.Sprintf("rejected by %s", actor))
	if err != nil {
		return err
	}
	_, err = o.store.TransitionFinding(sg.FindingID, types.StatusNew, fmt.Sprintf("suggestion %s rejected by %s", sg.ID, actor))
	return err
}

// TriggerRemediation executes the matching runbook for a finding on behalf
// of an operator, bypassing the suggestion flow.
func (o *Orchestrator) TriggerRemediation(ctx context.Context, findingID, approver string) (types.RemediationRun, error) {
	f, err := o.store.GetFinding(findingID)
	if err != nil {
		return types.RemediationRun{}, err
	}
	if !f.IsOpen() {
		return types.RemediationRun{}, fmt.Errorf("finding %s is %s, nothing to remediate", f.ID, f.Status)
	}
	return o.remediate(ctx, f, approver)
}

// Wait blocks until background verifications and suggestion generations
// finish. Called on shutdown.
func (o *Orchestrator) Wait() {
	o.verifyWG.Wait()
	o.suggester.Wait()
}

// routeFinding triages one newly created finding and starts it down its path
func (o *Orchestrator) routeFinding(ctx context.Context, findingID string, result *CycleResult) error {
	f, err := o.store.GetFinding(findingID)
	if err != nil {
		return fmt.Errorf("load finding %s: %w", findingID, err)
	}

	decision := o.triage.Decide(ctx, f)
	switch decision.Decision {
	case triage.DecisionAutomatic:
		result.Automatic++
		if _, err := o.remediateWith(ctx, f, *decision.Runbook, ""); err != nil {
			return fmt.Errorf("remediate finding %s: %w", f.ID, err)
		}

	case triage.DecisionSuggestAndApprove:
		result.AwaitingApproval++
		updated, err := o.store.TransitionFinding(f.ID, types.StatusSuggested, decision.Reason)
		if err != nil {
			return fmt.Errorf("transition finding %s: %w", f.ID, err)
		}
		o.suggester.GenerateAsync(updated, fallbackText(updated, decision.Runbook))

	case triage.DecisionManualOnly:
		result.ManualOnly++
		o.logger.Info().
			Str("finding_id", f.ID).
			Str("reason", decision.Reason).
			Msg("finding requires manual review")
	}
	return nil
}

// remediate selects the finding's runbook and executes it
func (o *Orchestrator) remediate(ctx context.Context, f types.Finding, approver string) (types.RemediationRun, error) {
	rb, matched := runbook.Select(o.catalog.Runbooks(), f)
	if !matched {
		return types.RemediationRun{}, fmt.Errorf("no runbook matches finding %s (type %s)", f.ID, f.Type)
	}
	return o.remediateWith(ctx, f, rb, approver)
}

// remediateWith executes a runbook and schedules verification on success
func (o *Orchestrator) remediateWith(ctx context.Context, f types.Finding, rb runbook.Runbook, approver string) (types.RemediationRun, error) {
	run, err := o.remediator.Execute(ctx, f, rb, approver)
	if err != nil {
		return run, err
	}
	if run.Status == types.RunSucceeded {
		o.verifyAsync(ctx, f.ID)
	}
	return run, nil
}

// verifyAsync settles the finding's final state in the background. It
// reports whether a goroutine was started; a finding already being verified
// is left to the in-flight one.
func (o *Orchestrator) verifyAsync(ctx context.Context, findingID string) bool {
	o.verifyMu.Lock()
	if _, inFlight := o.verifying[findingID]; inFlight {
		o.verifyMu.Unlock()
		return false
	}
	o.verifying[findingID] = struct{}{}
	o.verifyMu.Unlock()

	o.verifyWG.Add(1)
	go func() {
		defer o.verifyWG.Done()
		defer func() {
			o.verifyMu.Lock()
			delete(o.verifying, findingID)
			o.verifyMu.Unlock()
		}()
		if _, err := o.verifier.Verify(ctx, findingID); err != nil {
			o.logger.Error().
				Err(err).
				Str("finding_id", findingID).
				Msg("verification did not complete")
		}
	}()
	return true
}

func (o *Orchestrator) finishCycle(ctx context.Context, result *CycleResult) *CycleResult {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	telemetry.RecordCycle(ctx, result.Duration.Seconds(), result.Success)
	telemetry.RecordFindingsCreated(ctx, result.Created)
	telemetry.RecordFindingsResolved(ctx, result.ResolvedAbsent, "absence")
	if open, err := o.store.OpenFindings(); err == nil {
		telemetry.RecordOpenFindings(ctx, len(open))
	}

	outcome := "complete"
	if !result.Success {
		outcome = "aborted"
	}
	cycleID := fmt.Sprintf("cycle-%s", result.StartTime.UTC().Format("20060102-150405.000"))
	summary := fmt.Sprintf("raw=%d created=%d rediscovered=%d resolved_absent=%d resumed=%d errors=%d",
		result.RawFindings, result.Created, result.Rediscovered, result.ResolvedAbsent,
		result.ResumedVerifications, len(result.Errors))
	if err := o.store.RecordCycle(cycleID, outcome, summary); err != nil {
		o.logger.Error().Err(err).Msg("Could not record cycle in the audit trail")
	}

	o.logger.Info().
		Int("raw_findings", result.RawFindings).
		Int("created", result.Created).
		Int("rediscovered", result.Rediscovered).
		Int("resolved_absent", result.ResolvedAbsent).
		Int("automatic", result.Automatic).
		Int("awaiting_approval", result.AwaitingApproval).
		Int("manual_only", result.ManualOnly).
		Int("resumed_verifications", result.ResumedVerifications).
		Dur("duration", result.Duration).
		Bool("success", result.Success).
		Msg("scan cycle complete")

	return result
}

// fallbackText is the static guidance used when no provider answer arrives.
// It keeps the approval path working with no model configured.
func fallbackText(f types.Finding, rb *runbook.Runbook) string {
	if rb != nil && rb.Description != "" {
		return fmt.Sprintf("%s. Proposed fix: %s (runbook %s).", f.Summary, rb.Description, rb.ID)
	}
	return fmt.Sprintf("%s. Review resource %s and apply the matching runbook.", f.Summary, f.Resource.String())
}
