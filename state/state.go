// Package state remembers which messages already had their attachments
// staged, so a re-imported archive or a message whose seen flag could not be
// set is not harvested twice.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileName is the jsonl ledger kept inside the state directory.
const FileName = "harvested.jsonl"

type Tracker interface {
	AlreadyHarvested(key string) bool
	MarkHarvested(rec Record) error
	Snapshot() Snapshot
}

// Record is one harvested message. Key is the stable identity of the message
// in its source (content hash for mbox, mailbox/uidvalidity/uid for IMAP).
type Record struct {
	Key         string    `json:"key"`
	MessageID   string    `json:"message_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	Attachments int       `json:"attachments"`
	HarvestedAt time.Time `json:"harvested_at"`
}

type Snapshot struct {
	Harvested int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	harvested map[string]Record
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{harvested: make(map[string]Record)}
}

func (m *MemoryTracker) AlreadyHarvested(key string) bool {
	if key == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.harvested[key]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkHarvested(rec Record) error {
	if rec.Key == "" {
		return nil
	}

	m.mu.Lock()
	m.harvested[rec.Key] = rec
	m.mu.Unlock()
	return nil
}

// Lookup returns the stored record for key.
func (m *MemoryTracker) Lookup(key string) (Record, bool) {
	m.mu.RLock()
	rec, ok := m.harvested[key]
	m.mu.RUnlock()
	return rec, ok
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.harvested)
	m.mu.RUnlock()
	return Snapshot{Harvested: count}
}

// FileTracker persists harvested message keys so future runs can skip them.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

// NewFileTracker loads the ledger in stateDir. With persist false (dry run)
// new records are only kept in memory.
func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, FileName),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 16*1024)
	}

	return tracker, nil
}

func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Key == "" {
			continue
		}

		f.mu.Lock()
		f.harvested[record.Key] = record
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// MarkHarvested records rec and appends it to the ledger. The record is
// flushed immediately: a crash after staging must not lose the mark.
func (f *FileTracker) MarkHarvested(rec Record) error {
	if rec.Key == "" {
		return nil
	}
	if rec.HarvestedAt.IsZero() {
		rec.HarvestedAt = time.Now().UTC()
	}

	f.mu.Lock()
	if _, exists := f.harvested[rec.Key]; exists {
		f.mu.Unlock()
		return nil
	}
	f.harvested[rec.Key] = rec
	f.mu.Unlock()

	if !f.persist {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}

	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
