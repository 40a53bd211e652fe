package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EntityKind identifies what a journal entry is about
type EntityKind string

const (
	KindFinding    EntityKind = "finding"
	KindSuggestion EntityKind = "suggestion"
	KindRun        EntityKind = "remediation_run"
	KindCycle      EntityKind = "scan_cycle"
)

// Entry is a single append-only record of a state transition.
// Every status change in the system lands here before anything else
// acts on it, so the journal doubles as the recovery log.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Kind      EntityKind      `json:"kind"`
	EntityID  string          `json:"entity_id"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to"`
	Reason    string          `json:"reason,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// Journal provides durable append-only transition logging
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
}

// Open creates or opens a journal in the specified directory
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// Timestamp in filename for rotation
	filename := fmt.Sprintf("secops-%s.jsonl", time.Now().Format("20060102-150405"))
	path := filepath.Join(dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	j := &Journal{
		file:   file,
		writer: bufio.NewWriter(file),
		dir:    dir,
	}

	j.loadSequence()

	return j, nil
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Record appends a transition entry
func (j *Journal) Record(kind EntityKind, entityID, from, to, reason string, detail any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.sequence++

	entry := Entry{
		Timestamp: time.Now(),
		Sequence:  j.sequence,
		Kind:      kind,
		EntityID:  entityID,
		From:      from,
		To:        to,
		Reason:    reason,
	}

	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to marshal detail: %w", err)
		}
		entry.Detail = data
	}

	return j.writeEntry(entry)
}

// writeEntry writes a single entry and syncs for durability
func (j *Journal) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}

	if _, err := j.writer.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return j.file.Sync()
}

// loadSequence resumes numbering from existing journal files
func (j *Journal) loadSequence() {
	files, err := filepath.Glob(filepath.Join(j.dir, "secops-*.jsonl"))
	if err != nil {
		return
	}

	var last int64
	for _, file := range files {
		reader, err := NewReader(file)
		if err != nil {
			continue
		}
		for {
			entry, err := reader.Next()
			if err != nil {
				break
			}
			if entry.Sequence > last {
				last = entry.Sequence
			}
		}
		_ = reader.Close()
	}

	j.sequence = last
}

// Reader replays journal entries
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the specified journal file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay invokes handler for every entry recorded after since,
// across all journal files in the directory
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	files, err := filepath.Glob(filepath.Join(dir, "secops-*.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to list journal files: %w", err)
	}

	for _, file := range files {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}

	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
