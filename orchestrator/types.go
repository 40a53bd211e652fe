package orchestrator

import (
	"time"
)

// CycleResult contains the results of one scan cycle
type CycleResult struct {
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	Duration         time.Duration `json:"duration"`
	RawFindings      int           `json:"raw_findings"`
	Created          int           `json:"created"`
	Rediscovered     int           `json:"rediscovered"`
	ResolvedAbsent   int           `json:"resolved_absent"`
	Automatic        int           `json:"automatic"`
	AwaitingApproval int           `json:"awaiting_approval"`
	ManualOnly       int           `json:"manual_only"`

	// ResumedVerifications counts findings found stranded in REMEDIATING
	// whose verification this cycle re-queued
	ResumedVerifications int `json:"resumed_verifications"`

	Errors  []string `json:"errors,omitempty"`
	Success bool     `json:"success"`
}
