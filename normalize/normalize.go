// Package normalize converts heterogeneous raw scanner output into canonical
// findings and keeps the open-finding set consistent across scan cycles.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// defaultSeverityMap covers the vocabularies our scanners emit out of the box.
var defaultSeverityMap = map[string]types.Severity{
	"critical": types.SeverityCritical,
	"high":     types.SeverityHigh,
	"medium":   types.SeverityMedium,
	"moderate": types.SeverityMedium,
	"low":      types.SeverityLow,
	"info":     types.SeverityLow,
}

// Normalizer canonicalizes raw findings and deduplicates them against the
// open findings in the audit store.
type Normalizer struct {
	store         *audit.Store
	severityMap   map[string]types.Severity
	absenceCycles int
	logger        zerolog.Logger
}

// Report summarizes one normalization pass.
type Report struct {
	Created         []string // IDs of newly created findings
	Touched         int      // rediscovered open findings
	ResolvedAbsent  []string // IDs resolved by absence
	UnknownSeverity int      // raw severities that fell back to MEDIUM
}

// New builds a Normalizer. Entries in severityOverrides extend or replace the
// built-in raw severity table. absenceCycles <= 0 disables resolve-by-absence.
func New(store *audit.Store, severityOverrides map[string]string, absenceCycles int, logger zerolog.Logger) (*Normalizer, error) {
	sevMap := make(map[string]types.Severity, len(defaultSeverityMap)+len(severityOverrides))
	for raw, sev := range defaultSeverityMap {
		sevMap[raw] = sev
	}
	for raw, sev := range severityOverrides {
		canonical := types.Severity(strings.ToUpper(sev))
		if !canonical.Valid() {
			return nil, fmt.Errorf("severity map entry %q maps to unknown severity %q", raw, sev)
		}
		sevMap[strings.ToLower(raw)] = canonical
	}
	return &Normalizer{
		store:         store,
		severityMap:   sevMap,
		absenceCycles: absenceCycles,
		logger:        logger.With().Str("component", "normalizer").Logger(),
	}, nil
}

// Ingest processes all raw findings from one scan cycle. Each raw finding is
// either matched to an existing open finding by dedup key or persisted as a
// new finding in NEW. Findings open in the store but absent from this cycle
// accrue a missed-cycle count and resolve once the absence threshold is hit.
func (n *Normalizer) Ingest(raws []types.RawFinding, seenAt time.Time) (Report, error) {
	var report Report
	seen := make(map[string]struct{}, len(raws))

	for _, raw := range raws {
		finding, unknownSev := n.canonicalize(raw, seenAt)
		if unknownSev {
			report.UnknownSeverity++
		}
		seen[finding.DedupKey] = struct{}{}

		existing, found, err := n.store.OpenFindingByDedupKey(finding.DedupKey)
		if err != nil {
			return report, fmt.Errorf("dedup lookup for %s: %w", finding.DedupKey, err)
		}
		if found {
			if err := n.store.TouchFinding(existing.ID, seenAt); err != nil {
				return report, fmt.Errorf("touch finding %s: %w", existing.ID, err)
			}
			report.Touched++
			continue
		}

		if err := n.store.CreateFinding(&finding); err != nil {
			return report, fmt.Errorf("create finding: %w", err)
		}
		report.Created = append(report.Created, finding.ID)
		n.logger.Info().
			Str("finding_id", finding.ID).
			Str("type", finding.Type).
			Str("severity", string(finding.Severity)).
			Str("resource", finding.Resource.String()).
			Msg("New finding")
	}

	resolved, err := n.sweepAbsent(seen)
	if err != nil {
		return report, err
	}
	report.ResolvedAbsent = resolved
	return report, nil
}

// canonicalize maps one raw finding onto the unified model.
func (n *Normalizer) canonicalize(raw types.RawFinding, seenAt time.Time) (types.Finding, bool) {
	canonicalType := CanonicalType(raw.Type)
	severity, known := n.severityMap[strings.ToLower(raw.RawSeverity)]
	if !known {
		severity = types.SeverityMedium
		n.logger.Warn().
			Str("raw_severity", raw.RawSeverity).
			Str("type", canonicalType).
			Str("scanner", raw.Scanner).
			Msg("Unknown raw severity, defaulting to MEDIUM")
	}

	return types.Finding{
		DedupKey:        types.DedupKeyFor(canonicalType, raw.Resource),
		Type:            canonicalType,
		Severity:        severity,
		Resource:        raw.Resource,
		SourceScanner:   raw.Scanner,
		Summary:         raw.Summary,
		Details:         raw.Details,
		Status:          types.StatusNew,
		DiscoveredAt:    seenAt,
		LastSeenAt:      seenAt,
		UnknownSeverity: !known,
	}, !known
}

// sweepAbsent walks the open findings not rediscovered this cycle. Findings
// in active remediation are left alone; the verifier owns their fate.
func (n *Normalizer) sweepAbsent(seen map[string]struct{}) ([]string, error) {
	open, err := n.store.OpenFindings()
	if err != nil {
		return nil, fmt.Errorf("list open findings: %w", err)
	}

	var resolved []string
	for _, f := range open {
		if _, ok := seen[f.DedupKey]; ok {
			continue
		}
		if f.Status == types.StatusRemediating {
			continue
		}
		missed, err := n.store.MarkFindingMissed(f.ID)
		if err != nil {
			return resolved, fmt.Errorf("mark missed %s: %w", f.ID, err)
		}
		if n.absenceCycles <= 0 || missed < n.absenceCycles {
			continue
		}
		reason := fmt.Sprintf("not observed for %d consecutive scan cycles", missed)
		if _, err := n.store.TransitionFinding(f.ID, types.StatusResolved, reason); err != nil {
			return resolved, fmt.Errorf("resolve absent %s: %w", f.ID, err)
		}
		resolved = append(resolved, f.ID)
		n.logger.Info().
			Str("finding_id", f.ID).
			Int("missed_cycles", missed).
			Msg("Finding resolved by absence")
	}
	return resolved, nil
}
