package runbook

import (
	"fmt"
	"sort"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// MatchPredicate filters which findings a runbook applies to.
// Empty fields match anything; specified fields all have to hold.
type MatchPredicate struct {
	FindingTypes []string       `yaml:"finding_types,omitempty"`
	Services     []string       `yaml:"services,omitempty"`
	MinSeverity  types.Severity `yaml:"min_severity,omitempty"`
	MaxSeverity  types.Severity `yaml:"max_severity,omitempty"`
}

// ActionSpec describes a change as data. The remediation engine hands
// it to an action executor; runbooks never contain code.
type ActionSpec struct {
	Kind   string            `yaml:"kind"`
	Params map[string]string `yaml:"params,omitempty"`
}

// Runbook is a declarative fix template for a class of finding
type Runbook struct {
	ID          string         `yaml:"-"`
	Description string         `yaml:"description,omitempty"`
	Match       MatchPredicate `yaml:"match"`
	Action      ActionSpec     `yaml:"action"`
	Rollback    ActionSpec     `yaml:"rollback,omitempty"`
	AutoApprove bool           `yaml:"auto_approve"`
}

// Validate ensures the runbook is executable
func (r *Runbook) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("runbook ID cannot be empty")
	}
	if r.Action.Kind == "" {
		return fmt.Errorf("runbook %s: action kind cannot be empty", r.ID)
	}
	if err := r.Match.validate(); err != nil {
		return fmt.Errorf("runbook %s: %w", r.ID, err)
	}
	return nil
}

func (p *MatchPredicate) validate() error {
	if p.MinSeverity != "" && p.MinSeverity.Rank() == 0 {
		return fmt.Errorf("min_severity %q is not canonical", p.MinSeverity)
	}
	if p.MaxSeverity != "" && p.MaxSeverity.Rank() == 0 {
		return fmt.Errorf("max_severity %q is not canonical", p.MaxSeverity)
	}
	return nil
}

// Matches reports whether the predicate accepts the finding
func (p *MatchPredicate) Matches(f types.Finding) bool {
	if len(p.FindingTypes) > 0 && !containsString(p.FindingTypes, f.Type) {
		return false
	}
	if len(p.Services) > 0 && !containsString(p.Services, f.Resource.Service) {
		return false
	}
	if p.MinSeverity != "" && !f.Severity.AtLeast(p.MinSeverity) {
		return false
	}
	if p.MaxSeverity != "" && f.Severity.Rank() > p.MaxSeverity.Rank() {
		return false
	}
	return true
}

// Specificity counts the constraint fields the predicate specifies.
// Drives tie-breaking when multiple runbooks match one finding.
func (p *MatchPredicate) Specificity() int {
	n := 0
	if len(p.FindingTypes) > 0 {
		n++
	}
	if len(p.Services) > 0 {
		n++
	}
	if p.MinSeverity != "" {
		n++
	}
	if p.MaxSeverity != "" {
		n++
	}
	return n
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Select picks the single runbook for a finding from candidates.
// Most specific predicate wins; on ties the most conservative runbook
// (approval-requiring before auto-approve, then lowest ID) wins, so
// the choice is deterministic.
func Select(candidates []Runbook, f types.Finding) (Runbook, bool) {
	var matched []Runbook
	for _, rb := range candidates {
		if rb.Match.Matches(f) {
			matched = append(matched, rb)
		}
	}
	if len(matched) == 0 {
		return Runbook{}, false
	}

	sort.Slice(matched, func(i, j int) bool {
		si, sj := matched[i].Match.Specificity(), matched[j].Match.Specificity()
		if si != sj {
			return si > sj
		}
		if matched[i].AutoApprove != matched[j].AutoApprove {
			return !matched[i].AutoApprove
		}
		return matched[i].ID < matched[j].ID
	})

	return matched[0], true
}
