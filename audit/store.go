package audit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/journal"
	"go.etcd.io/bbolt"
)

// Bucket names in bbolt
var (
	bucketFindings    = []byte("findings")
	bucketSuggestions = []byte("suggestions")
	bucketRuns        = []byte("runs")
	bucketTransitions = []byte("transitions")
)

// Store is the system of record: durable findings, suggestions and
// remediation runs, plus an append-only transition ledger. External
// dashboards read it; core components append to it.
type Store struct {
	mu sync.RWMutex

	db *bbolt.DB

	// In-memory index of open findings by dedup key
	index *btree.BTreeG[*openEntry]

	// Durable transition log, replayable on recovery
	journal *journal.Journal
}

// openEntry tracks one open finding in the dedup index
type openEntry struct {
	DedupKey  string
	FindingID string
}

// Transition is one recorded state change
type Transition struct {
	Sequence  uint64             `json:"sequence"`
	Kind      journal.EntityKind `json:"kind"`
	EntityID  string             `json:"entity_id"`
	From      string             `json:"from,omitempty"`
	To        string             `json:"to"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Open creates or opens the audit store in dir. The journal may be
// nil for read-only tooling; core components pass one so every
// transition is durably logged before it is queryable.
func Open(dir string, jnl *journal.Journal) (*Store, error) {
	dbPath := filepath.Join(dir, "secops.db")

	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketFindings, bucketSuggestions, bucketRuns, bucketTransitions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db: db,
		index: btree.NewG[*openEntry](32, func(a, b *openEntry) bool {
			return a.DedupKey < b.DedupKey
		}),
		journal: jnl,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild index: %w", err)
	}

	return s, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// rebuildIndex scans the findings bucket and indexes open findings
func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFindings).ForEach(func(k, v []byte) error {
			var f findingRecord
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("corrupt finding %s: %w", k, err)
			}
			if f.Finding.IsOpen() {
				s.index.ReplaceOrInsert(&openEntry{DedupKey: f.Finding.DedupKey, FindingID: f.Finding.ID})
			}
			return nil
		})
	})
}

// recordTransition appends to the transition bucket and the journal.
// Caller holds s.mu.
func (s *Store) recordTransition(tx *bbolt.Tx, kind journal.EntityKind, entityID, from, to, reason string) error {
	bucket := tx.Bucket(bucketTransitions)
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}

	tr := Transition{
		Sequence:  seq,
		Kind:      kind,
		EntityID:  entityID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	value, err := json.Marshal(tr)
	if err != nil {
		return err
	}
	if err := bucket.Put(transitionKey(seq), value); err != nil {
		return err
	}

	if s.journal != nil {
		if err := s.journal.Record(kind, entityID, from, to, reason, nil); err != nil {
			return fmt.Errorf("journal append failed: %w", err)
		}
	}
	return nil
}

// RecordCycle appends one scan cycle's outcome to the transition ledger and
// the journal, so the audit trail shows when the loop ran, not only what it
// changed.
func (s *Store) RecordCycle(cycleID, outcome, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.recordTransition(tx, journal.KindCycle, cycleID, "", outcome, summary)
	})
}

// Transitions returns the recorded transitions for one entity, oldest first
func (s *Store) Transitions(entityID string) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transition
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTransitions).ForEach(func(k, v []byte) error {
			var tr Transition
			if err := json.Unmarshal(v, &tr); err != nil {
				return err
			}
			if tr.EntityID == entityID {
				out = append(out, tr)
			}
			return nil
		})
	})
	return out, err
}

// Stats reports entity counts for operational visibility
func (s *Store) Stats() (findings, suggestions, runs int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.View(func(tx *bbolt.Tx) error {
		findings = tx.Bucket(bucketFindings).Stats().KeyN
		suggestions = tx.Bucket(bucketSuggestions).Stats().KeyN
		runs = tx.Bucket(bucketRuns).Stats().KeyN
		return nil
	})
	return findings, suggestions, runs, err
}

func transitionKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
