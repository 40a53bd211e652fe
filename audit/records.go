package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/journal"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
	"go.etcd.io/bbolt"
)

// CreateSuggestion assigns an ID and persists the suggestion in PENDING
func (s *Store) CreateSuggestion(sg *types.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sg.Status == "" {
		sg.Status = types.SuggestionPending
	}
	sg.CreatedAt = time.Now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSuggestions)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		sg.ID = fmt.Sprintf("sug-%08d", seq)

		if err := putJSON(bucket, sg.ID, sg); err != nil {
			return err
		}
		return s.recordTransition(tx, journal.KindSuggestion, sg.ID, "", string(sg.Status), "generated by "+sg.Provider)
	})
	if err != nil {
		return fmt.Errorf("failed to create suggestion: %w", err)
	}
	return nil
}

// GetSuggestion loads one suggestion by ID
func (s *Store) GetSuggestion(id string) (types.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sg types.Suggestion
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSuggestions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &sg)
	})
	return sg, err
}

// TransitionSuggestion applies the single permitted approve/reject
// transition. Terminal suggestions are immutable.
func (s *Store) TransitionSuggestion(id string, to types.SuggestionStatus, reason string) (types.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated types.Suggestion
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSuggestions)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("suggestion %s: %w", id, ErrNotFound)
		}
		var sg types.Suggestion
		if err := json.Unmarshal(data, &sg); err != nil {
			return err
		}

		if sg.Status != types.SuggestionPending {
			return fmt.Errorf("suggestion %s is %s and immutable", id, sg.Status)
		}
		if to != types.SuggestionApproved && to != types.SuggestionRejected {
			return fmt.Errorf("invalid suggestion transition to %s", to)
		}

		from := sg.Status
		sg.Status = to
		sg.UpdatedAt = time.Now()
		if err := putJSON(bucket, id, sg); err != nil {
			return err
		}
		updated = sg

		return s.recordTransition(tx, journal.KindSuggestion, id, string(from), string(to), reason)
	})
	if err != nil {
		return types.Suggestion{}, err
	}
	return updated, nil
}

// SuggestionsForFinding returns all suggestions attached to a finding
func (s *Store) SuggestionsForFinding(findingID string) ([]types.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Suggestion
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSuggestions).ForEach(func(k, v []byte) error {
			var sg types.Suggestion
			if err := json.Unmarshal(v, &sg); err != nil {
				return err
			}
			if sg.FindingID == findingID {
				out = append(out, sg)
			}
			return nil
		})
	})
	return out, err
}

// CreateRun assigns an ID and persists a remediation run
func (s *Store) CreateRun(run *types.RemediationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.Status == "" {
		run.Status = types.RunPending
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		run.ID = fmt.Sprintf("run-%08d", seq)

		if err := run.Validate(); err != nil {
			return err
		}
		if err := putJSON(bucket, run.ID, run); err != nil {
			return err
		}
		return s.recordTransition(tx, journal.KindRun, run.ID, "", string(run.Status), "runbook "+run.RunbookID)
	})
	if err != nil {
		return fmt.Errorf("failed to create remediation run: %w", err)
	}
	return nil
}

// GetRun loads one remediation run by ID
func (s *Store) GetRun(id string) (types.RemediationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var run types.RemediationRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	return run, err
}

// UpdateRun persists run state and records the status transition if
// the status changed. Terminal runs only accept the rollback transition.
func (s *Store) UpdateRun(run types.RemediationRun, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		data := bucket.Get([]byte(run.ID))
		if data == nil {
			return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
		}
		var prev types.RemediationRun
		if err := json.Unmarshal(data, &prev); err != nil {
			return err
		}

		if prev.Status.IsTerminal() && !(prev.Status == types.RunFailed && run.Status == types.RunRolledBack) {
			return fmt.Errorf("run %s is %s and immutable", run.ID, prev.Status)
		}

		if err := putJSON(bucket, run.ID, run); err != nil {
			return err
		}

		if prev.Status != run.Status {
			return s.recordTransition(tx, journal.KindRun, run.ID, string(prev.Status), string(run.Status), reason)
		}
		return nil
	})
}

// RunsForFinding returns all remediation runs for a finding
func (s *Store) RunsForFinding(findingID string) ([]types.RemediationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.RemediationRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run types.RemediationRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.FindingID == findingID {
				out = append(out, run)
			}
			return nil
		})
	})
	return out, err
}
