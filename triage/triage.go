// Package triage routes findings onto a remediation path. The routing rules
// are deterministic: runbook match, auto-approve flag, severity threshold and
// protected-resource tags, optionally overridden by Rego policies. Any policy
// evaluation failure fails safe to manual review.
package triage

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/runbook"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// Decision is the routing outcome for one finding.
type Decision string

const (
	DecisionAutomatic         Decision = "AUTOMATIC"
	DecisionSuggestAndApprove Decision = "SUGGEST_AND_APPROVE"
	DecisionManualOnly        Decision = "MANUAL_ONLY"
)

// Result carries the decision plus the runbook it applies to. Runbook is nil
// when no runbook matched.
type Result struct {
	Decision Decision
	Runbook  *runbook.Runbook
	Reason   string
}

// Engine evaluates routing policy over findings.
type Engine struct {
	catalog       *runbook.Catalog
	alwaysApprove types.Severity
	protectedTags map[string]struct{}
	environment   string
	overrides     map[string]rego.PreparedEvalQuery
	logger        zerolog.Logger
}

// policyInput is the document Rego override policies evaluate against.
type policyInput struct {
	Finding     types.Finding `json:"finding"`
	RunbookID   string        `json:"runbook_id"`
	AutoApprove bool          `json:"auto_approve"`
	Environment string        `json:"environment"`
}

// New builds a triage engine. alwaysApprove is the severity at or above which
// auto-approve runbooks still require human approval.
func New(catalog *runbook.Catalog, alwaysApprove types.Severity, protectedTags []string, environment string, logger zerolog.Logger) *Engine {
	protected := make(map[string]struct{}, len(protectedTags))
	for _, tag := range protectedTags {
		protected[strings.ToLower(tag)] = struct{}{}
	}
	return &Engine{
		catalog:       catalog,
		alwaysApprove: alwaysApprove,
		protectedTags: protected,
		environment:   environment,
		overrides:     make(map[string]rego.PreparedEvalQuery),
		logger:        logger.With().Str("component", "triage").Logger(),
	}
}

// LoadOverride compiles a Rego override policy. Policies may set a "decision"
// rule to force a routing outcome for matching findings.
func (e *Engine) LoadOverride(ctx context.Context, name, regoCode string) error {
	prepared, err := rego.New(
		rego.Query("data.secops.triage"),
		rego.Module(name, regoCode),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}
	e.overrides[name] = prepared
	e.logger.Info().Str("policy_name", name).Msg("Triage override policy loaded")
	return nil
}

// Decide routes one finding. It never returns an error: policy failure is a
// routing outcome (manual review), not a caller problem.
func (e *Engine) Decide(ctx context.Context, f types.Finding) Result {
	rb, matched := runbook.Select(e.catalog.Runbooks(), f)
	if !matched {
		return Result{
			Decision: DecisionManualOnly,
			Reason:   fmt.Sprintf("no runbook matches finding type %s", f.Type),
		}
	}

	result := e.baseDecision(f, rb)

	if override, ok := e.applyOverrides(ctx, f, rb); ok {
		result = override
		result.Runbook = &rb
	}

	e.logger.Debug().
		Str("finding_id", f.ID).
		Str("runbook_id", rb.ID).
		Str("decision", string(result.Decision)).
		Str("reason", result.Reason).
		Msg("Triage decision")
	return result
}

// baseDecision applies the static routing rules.
func (e *Engine) baseDecision(f types.Finding, rb runbook.Runbook) Result {
	if tag, protected := e.protectedTag(f); protected {
		return Result{
			Decision: DecisionSuggestAndApprove,
			Runbook:  &rb,
			Reason:   fmt.Sprintf("resource carries protected tag %q", tag),
		}
	}
	if !rb.AutoApprove {
		return Result{
			Decision: DecisionSuggestAndApprove,
			Runbook:  &rb,
			Reason:   fmt.Sprintf("runbook %s requires approval", rb.ID),
		}
	}
	if f.Severity.AtLeast(e.alwaysApprove) {
		return Result{
			Decision: DecisionSuggestAndApprove,
			Runbook:  &rb,
			Reason:   fmt.Sprintf("severity %s is at or above the approval threshold %s", f.Severity, e.alwaysApprove),
		}
	}
	return Result{
		Decision: DecisionAutomatic,
		Runbook:  &rb,
		Reason:   fmt.Sprintf("runbook %s auto-approves below %s", rb.ID, e.alwaysApprove),
	}
}

// applyOverrides evaluates loaded Rego policies. The first policy that emits
// a valid decision wins. Evaluation failure or an unknown decision value
// fails safe to MANUAL_ONLY.
func (e *Engine) applyOverrides(ctx context.Context, f types.Finding, rb runbook.Runbook) (Result, bool) {
	input := policyInput{
		Finding:     f,
		RunbookID:   rb.ID,
		AutoApprove: rb.AutoApprove,
		Environment: e.environment,
	}

	for name, query := range e.overrides {
		results, err := query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.Error().
				Err(err).
				Str("policy_name", name).
				Str("finding_id", f.ID).
				Msg("Policy evaluation failed, failing safe to manual review")
			return Result{
				Decision: DecisionManualOnly,
				Reason:   fmt.Sprintf("policy %s evaluation failed: %v", name, err),
			}, true
		}

		decision, reason, found := extractDecision(results)
		if !found {
			continue
		}
		switch decision {
		case DecisionAutomatic, DecisionSuggestAndApprove, DecisionManualOnly:
			if reason == "" {
				reason = fmt.Sprintf("policy %s override", name)
			}
			return Result{Decision: decision, Reason: reason}, true
		default:
			e.logger.Error().
				Str("policy_name", name).
				Str("decision", string(decision)).
				Msg("Policy emitted unknown decision, failing safe to manual review")
			return Result{
				Decision: DecisionManualOnly,
				Reason:   fmt.Sprintf("policy %s emitted unknown decision %q", name, decision),
			}, true
		}
	}
	return Result{}, false
}

// extractDecision pulls decision and reason rules out of an eval result set.
func extractDecision(results rego.ResultSet) (Decision, string, bool) {
	for _, res := range results {
		for _, expr := range res.Expressions {
			doc, ok := expr.Value.(map[string]interface{})
			if !ok {
				continue
			}
			raw, ok := doc["decision"].(string)
			if !ok {
				continue
			}
			reason, _ := doc["reason"].(string)
			return Decision(raw), reason, true
		}
	}
	return "", "", false
}

// protectedTag reports whether the finding's resource carries one of the
// configured protected tags. Scanners attach tags under details["tags"].
func (e *Engine) protectedTag(f types.Finding) (string, bool) {
	if len(e.protectedTags) == 0 || f.Details == nil {
		return "", false
	}
	raw, ok := f.Details["tags"]
	if !ok {
		return "", false
	}

	check := func(tag string) bool {
		_, hit := e.protectedTags[strings.ToLower(tag)]
		return hit
	}

	switch tags := raw.(type) {
	case []string:
		for _, tag := range tags {
			if check(tag) {
				return tag, true
			}
		}
	case []any:
		for _, v := range tags {
			if tag, ok := v.(string); ok && check(tag) {
				return tag, true
			}
		}
	case map[string]string:
		for key := range tags {
			if check(key) {
				return key, true
			}
		}
	case map[string]any:
		for key := range tags {
			if check(key) {
				return key, true
			}
		}
	}
	return "", false
}
