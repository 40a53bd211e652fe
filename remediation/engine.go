// Package remediation executes runbook actions against findings. Each run
// walks the PENDING → RUNNING → SUCCEEDED | FAILED | ROLLED_BACK state
// machine with a per-resource lock so concurrent runs never touch the same
// resource.
package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/runbook"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/telemetry"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// ApplyResult is what an executor reports back after applying an action.
// BeforeState must be captured before any mutation; Mutated reports whether
// the resource was changed, including partially before a failure.
type ApplyResult struct {
	BeforeState json.RawMessage
	AfterState  json.RawMessage
	Mutated     bool
}

// ActionExecutor is the side-effect boundary. The engine never encodes
// provider-specific mutation logic; it only drives executors and records
// state snapshots.
type ActionExecutor interface {
	Kind() string
	Apply(ctx context.Context, action runbook.ActionSpec, ref types.ResourceRef) (ApplyResult, error)
	Rollback(ctx context.Context, rollback runbook.ActionSpec, ref types.ResourceRef, beforeState json.RawMessage) error
}

// Engine drives remediation runs.
type Engine struct {
	store     *audit.Store
	executors map[string]ActionExecutor
	locks     *lockTable
	maxWait   time.Duration
	logger    zerolog.Logger
}

// NewEngine builds the engine. maxWait bounds how long a run queues on a
// busy resource before failing.
func NewEngine(store *audit.Store, executors []ActionExecutor, maxWait time.Duration, logger zerolog.Logger) *Engine {
	byKind := make(map[string]ActionExecutor, len(executors))
	for _, ex := range executors {
		byKind[ex.Kind()] = ex
	}
	return &Engine{
		store:     store,
		executors: byKind,
		locks:     newLockTable(),
		maxWait:   maxWait,
		logger:    logger.With().Str("component", "remediation").Logger(),
	}
}

// Execute runs the runbook against the finding and returns the run in a
// terminal state. approver is empty for automatic runs. On success the
// finding stays in REMEDIATING; verification decides its final state. On
// failure the finding reverts to NEW for re-triage.
func (e *Engine) Execute(ctx context.Context, f types.Finding, rb runbook.Runbook, approver string) (types.RemediationRun, error) {
	run := types.RemediationRun{
		FindingID: f.ID,
		RunbookID: rb.ID,
		Resource:  f.Resource,
		Approver:  approver,
		StartedAt: time.Now(),
	}
	if err := e.store.CreateRun(&run); err != nil {
		return run, fmt.Errorf("create run: %w", err)
	}

	if _, err := e.store.TransitionFinding(f.ID, types.StatusRemediating, fmt.Sprintf("run %s executing runbook %s", run.ID, rb.ID)); err != nil {
		return run, fmt.Errorf("transition finding: %w", err)
	}

	lockKey := f.Resource.String()
	if err := e.locks.acquire(ctx, lockKey, e.maxWait); err != nil {
		run, failErr := e.failRun(run, f, err, errors.Is(err, ErrResourceBusy))
		telemetry.RecordRemediationRun(ctx, string(run.Status))
		return run, failErr
	}
	defer e.locks.release(lockKey)

	run.Status = types.RunRunning
	if err := e.store.UpdateRun(run, "resource lock acquired"); err != nil {
		return run, fmt.Errorf("update run: %w", err)
	}

	executor, ok := e.executors[rb.Action.Kind]
	if !ok {
		run, failErr := e.failRun(run, f, fmt.Errorf("no executor for action kind %q", rb.Action.Kind), false)
		telemetry.RecordRemediationRun(ctx, string(run.Status))
		return run, failErr
	}

	result, applyErr := executor.Apply(ctx, rb.Action, f.Resource)
	run.BeforeState = result.BeforeState
	run.AfterState = result.AfterState

	if applyErr == nil {
		run.Status = types.RunSucceeded
		run.FinishedAt = time.Now()
		if err := e.store.UpdateRun(run, "action applied"); err != nil {
			return run, fmt.Errorf("update run: %w", err)
		}
		e.logger.Info().
			Str("run_id", run.ID).
			Str("finding_id", f.ID).
			Str("runbook_id", rb.ID).
			Msg("Remediation applied, awaiting verification")
		telemetry.RecordRemediationRun(ctx, string(run.Status))
		return run, nil
	}

	run, err := e.failRun(run, f, applyErr, false)
	if err != nil {
		return run, err
	}

	// A partial mutation leaves the resource in an unknown state; one
	// rollback attempt restores the captured before state.
	if result.Mutated {
		run = e.rollback(ctx, run, executor, rb, f)
	}
	telemetry.RecordRemediationRun(ctx, string(run.Status))
	return run, nil
}

// failRun moves the run to FAILED and the finding back to NEW.
func (e *Engine) failRun(run types.RemediationRun, f types.Finding, cause error, busy bool) (types.RemediationRun, error) {
	run.Status = types.RunFailed
	run.Error = cause.Error()
	run.FinishedAt = time.Now()

	reason := "action failed"
	if busy {
		reason = "resource busy, eligible for retry on the next cycle"
	}
	if err := e.store.UpdateRun(run, reason); err != nil {
		return run, fmt.Errorf("update run: %w", err)
	}
	if _, err := e.store.TransitionFinding(f.ID, types.StatusNew, fmt.Sprintf("run %s failed: %v", run.ID, cause)); err != nil {
		return run, fmt.Errorf("transition finding: %w", err)
	}

	e.logger.Warn().
		Err(cause).
		Str("run_id", run.ID).
		Str("finding_id", f.ID).
		Bool("resource_busy", busy).
		Msg("Remediation failed")
	return run, nil
}

// rollback attempts the single permitted rollback after a partial mutation.
func (e *Engine) rollback(ctx context.Context, run types.RemediationRun, executor ActionExecutor, rb runbook.Runbook, f types.Finding) types.RemediationRun {
	if rb.Rollback.Kind == "" {
		e.logger.Error().
			Str("run_id", run.ID).
			Msg("Partial mutation with no rollback spec, manual cleanup required")
		return run
	}

	if err := executor.Rollback(ctx, rb.Rollback, f.Resource, run.BeforeState); err != nil {
		e.logger.Error().
			Err(err).
			Str("run_id", run.ID).
			Str("finding_id", f.ID).
			Msg("Rollback failed, resource left partially mutated")
		return run
	}

	run.Status = types.RunRolledBack
	if err := e.store.UpdateRun(run, "before state restored after partial mutation"); err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record rollback")
		return run
	}

	e.logger.Info().
		Str("run_id", run.ID).
		Str("finding_id", f.ID).
		Msg("Rollback restored before state")
	return run
}
