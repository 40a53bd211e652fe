package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Severity is the canonical severity scale. Raw scanner severities
// map into this via the normalizer's lookup table.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Rank orders severities for threshold comparisons. Higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Valid reports whether s is a known canonical severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// FindingStatus tracks a finding through the remediation loop
type FindingStatus string

const (
	StatusNew              FindingStatus = "NEW"
	StatusSuggested        FindingStatus = "SUGGESTED"
	StatusAwaitingApproval FindingStatus = "AWAITING_APPROVAL"
	StatusRemediating      FindingStatus = "REMEDIATING"
	StatusResolved         FindingStatus = "RESOLVED"
	StatusFailed           FindingStatus = "FAILED"
)

// ResourceRef identifies one resource within one service
type ResourceRef struct {
	Service string `json:"service" yaml:"service"`
	ID      string `json:"id" yaml:"id"`
}

func (r ResourceRef) String() string {
	return r.Service + "/" + r.ID
}

func (r ResourceRef) IsZero() bool {
	return r.Service == "" && r.ID == ""
}

// RawFinding is what a scanner adapter emits before normalization
type RawFinding struct {
	Type        string         `json:"type"`
	RawSeverity string         `json:"raw_severity"`
	Resource    ResourceRef    `json:"resource"`
	Scanner     string         `json:"scanner"`
	Summary     string         `json:"summary"`
	Details     map[string]any `json:"details,omitempty"`
}

// Finding is a single detected misconfiguration instance,
// deduplicated by (type, resource) across scan cycles.
type Finding struct {
	ID            string         `json:"id"`
	DedupKey      string         `json:"dedup_key"`
	Type          string         `json:"type"`
	Severity      Severity       `json:"severity"`
	Resource      ResourceRef    `json:"resource"`
	SourceScanner string         `json:"source_scanner"`
	Summary       string         `json:"summary"`
	Details       map[string]any `json:"details,omitempty"`
	Status        FindingStatus  `json:"status"`
	DiscoveredAt  time.Time      `json:"discovered_at"`
	LastSeenAt    time.Time      `json:"last_seen_at"`
	// MissedCycles counts consecutive scan cycles in which the
	// finding was not rediscovered. Drives resolve-by-absence.
	MissedCycles int `json:"missed_cycles,omitempty"`
	// UnknownSeverity flags findings whose raw severity had no
	// mapping table entry, for later table maintenance.
	UnknownSeverity bool `json:"unknown_severity,omitempty"`
}

// DedupKeyFor computes the stable identity hash for an issue on a resource.
// The same (type, resourceRef) always yields the same key.
func DedupKeyFor(findingType string, ref ResourceRef) string {
	h := sha256.Sum256([]byte(findingType + "\x00" + ref.Service + "\x00" + ref.ID))
	return hex.EncodeToString(h[:16])
}

// Validate ensures the finding has required fields
func (f *Finding) Validate() error {
	if f.Type == "" {
		return fmt.Errorf("finding type cannot be empty")
	}
	if f.Resource.ID == "" {
		return fmt.Errorf("finding resource ID cannot be empty")
	}
	if f.Severity.Rank() == 0 {
		return fmt.Errorf("finding severity %q is not canonical", f.Severity)
	}
	if f.DedupKey == "" {
		return fmt.Errorf("finding dedup key cannot be empty")
	}
	return nil
}

// IsOpen reports whether the finding still occupies its dedup slot.
// Only RESOLVED findings free the slot; FAILED findings keep it so a
// rediscovery updates them instead of spawning duplicates.
func (f *Finding) IsOpen() bool {
	return f.Status != StatusResolved
}
