package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus tracks a remediation run through its state machine
type RunStatus string

const (
	RunPending    RunStatus = "PENDING"
	RunRunning    RunStatus = "RUNNING"
	RunSucceeded  RunStatus = "SUCCEEDED"
	RunFailed     RunStatus = "FAILED"
	RunRolledBack RunStatus = "ROLLED_BACK"
)

// IsTerminal reports whether the run can no longer change state
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunRolledBack
}

// RemediationRun is one execution attempt of a runbook against a finding
type RemediationRun struct {
	ID          string          `json:"id"`
	FindingID   string          `json:"finding_id"`
	RunbookID   string          `json:"runbook_id"`
	Resource    ResourceRef     `json:"resource"`
	Status      RunStatus       `json:"status"`
	BeforeState json.RawMessage `json:"before_state,omitempty"`
	AfterState  json.RawMessage `json:"after_state,omitempty"`
	Approver    string          `json:"approver,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// Validate ensures the run has required fields
func (r *RemediationRun) Validate() error {
	if r.FindingID == "" {
		return fmt.Errorf("remediation run finding ID cannot be empty")
	}
	if r.RunbookID == "" {
		return fmt.Errorf("remediation run runbook ID cannot be empty")
	}
	if r.Resource.ID == "" {
		return fmt.Errorf("remediation run resource cannot be empty")
	}
	return nil
}

// SuggestionStatus tracks the approval state of generated remediation text
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "PENDING"
	SuggestionApproved SuggestionStatus = "APPROVED"
	SuggestionRejected SuggestionStatus = "REJECTED"
)

// Suggestion is generated remediation guidance for a finding.
// Immutable once terminal, except the single approve/reject transition.
type Suggestion struct {
	ID        string           `json:"id"`
	FindingID string           `json:"finding_id"`
	Text      string           `json:"text"`
	Provider  string           `json:"provider"`
	Status    SuggestionStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at,omitempty"`
}
