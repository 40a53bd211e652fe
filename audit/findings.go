package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/journal"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
	"go.etcd.io/bbolt"
)

// findingRecord is the stored form of a finding
type findingRecord struct {
	Finding types.Finding `json:"finding"`
}

// ErrNotFound is returned when an entity does not exist
var ErrNotFound = fmt.Errorf("not found")

// CreateFinding assigns an ID, persists the finding in NEW, indexes
// it by dedup key and records the creation transition
func (s *Store) CreateFinding(f *types.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Status == "" {
		f.Status = types.StatusNew
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFindings)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		f.ID = fmt.Sprintf("fnd-%08d", seq)

		if err := f.Validate(); err != nil {
			return err
		}

		if err := putJSON(bucket, f.ID, findingRecord{Finding: *f}); err != nil {
			return err
		}

		return s.recordTransition(tx, journal.KindFinding, f.ID, "", string(f.Status), "discovered by "+f.SourceScanner)
	})
	if err != nil {
		return fmt.Errorf("failed to create finding: %w", err)
	}

	s.index.ReplaceOrInsert(&openEntry{DedupKey: f.DedupKey, FindingID: f.ID})
	return nil
}

// GetFinding loads one finding by ID
func (s *Store) GetFinding(id string) (types.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getFindingLocked(id)
}

func (s *Store) getFindingLocked(id string) (types.Finding, error) {
	var rec findingRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFindings).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("finding %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec.Finding, err
}

// OpenFindingByDedupKey looks up the single open finding for a dedup key
func (s *Store) OpenFindingByDedupKey(key string) (types.Finding, bool, error) {
	s.mu.RLock()
	entry, found := s.index.Get(&openEntry{DedupKey: key})
	s.mu.RUnlock()
	if !found {
		return types.Finding{}, false, nil
	}

	f, err := s.GetFinding(entry.FindingID)
	if err != nil {
		return types.Finding{}, false, err
	}
	return f, true, nil
}

// TouchFinding refreshes last-seen on rediscovery and clears the
// absence counter. Status is left untouched.
func (s *Store) TouchFinding(id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFindings)
		rec, err := getFindingTx(bucket, id)
		if err != nil {
			return err
		}
		rec.Finding.LastSeenAt = seenAt
		rec.Finding.MissedCycles = 0
		return putJSON(bucket, id, rec)
	})
}

// MarkFindingMissed increments the absence counter and returns the new value
func (s *Store) MarkFindingMissed(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missed int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFindings)
		rec, err := getFindingTx(bucket, id)
		if err != nil {
			return err
		}
		rec.Finding.MissedCycles++
		missed = rec.Finding.MissedCycles
		return putJSON(bucket, id, rec)
	})
	return missed, err
}

// TransitionFinding moves a finding to a new status, records the
// transition with its reason, and maintains the dedup index
func (s *Store) TransitionFinding(id string, to types.FindingStatus, reason string) (types.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated types.Finding
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFindings)
		rec, err := getFindingTx(bucket, id)
		if err != nil {
			return err
		}

		from := rec.Finding.Status
		if from == to {
			updated = rec.Finding
			return nil
		}

		rec.Finding.Status = to
		if err := putJSON(bucket, id, rec); err != nil {
			return err
		}
		updated = rec.Finding

		return s.recordTransition(tx, journal.KindFinding, id, string(from), string(to), reason)
	})
	if err != nil {
		return types.Finding{}, fmt.Errorf("failed to transition finding %s: %w", id, err)
	}

	if to == types.StatusResolved {
		s.index.Delete(&openEntry{DedupKey: updated.DedupKey})
	} else {
		s.index.ReplaceOrInsert(&openEntry{DedupKey: updated.DedupKey, FindingID: updated.ID})
	}

	return updated, nil
}

// OpenFindings returns every finding currently occupying a dedup slot
func (s *Store) OpenFindings() ([]types.Finding, error) {
	s.mu.RLock()
	var ids []string
	s.index.Ascend(func(e *openEntry) bool {
		ids = append(ids, e.FindingID)
		return true
	})
	s.mu.RUnlock()

	out := make([]types.Finding, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetFinding(id)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// FindingFilter narrows finding queries
type FindingFilter struct {
	Service  string
	Severity types.Severity
	Status   types.FindingStatus
	Resource string
	Limit    int
}

func (ff FindingFilter) matches(f types.Finding) bool {
	if ff.Service != "" && f.Resource.Service != ff.Service {
		return false
	}
	if ff.Severity != "" && f.Severity != ff.Severity {
		return false
	}
	if ff.Status != "" && f.Status != ff.Status {
		return false
	}
	if ff.Resource != "" && f.Resource.ID != ff.Resource {
		return false
	}
	return true
}

// QueryFindings returns findings matching the filter, newest first
func (s *Store) QueryFindings(filter FindingFilter) ([]types.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Finding
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFindings).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec findingRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !filter.matches(rec.Finding) {
				continue
			}
			out = append(out, rec.Finding)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func getFindingTx(bucket *bbolt.Bucket, id string) (findingRecord, error) {
	var rec findingRecord
	data := bucket.Get([]byte(id))
	if data == nil {
		return rec, fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func putJSON(bucket *bbolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(id), data)
}
