// Package ledger implements the append-only JSONL record stores.
//
// One file per record kind (run-ledger.jsonl, budget-ledger.jsonl,
// incidents.jsonl, ...). Appends are single O_APPEND writes of one line so
// concurrent appenders never interleave a record. Rewrites (rollup, prune)
// go through tmp + rename.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Known record kinds and the fields each requires at write time.
var requiredFields = map[string][]string{
	"tasks":         {"id", "ts", "title", "status"},
	"messages":      {"id", "ts", "taskId", "body"},
	"activities":    {"id", "ts", "kind"},
	"documents":     {"id", "ts", "title"},
	"notifications": {"id", "ts", "targetKind", "targetId"},
	"subscriptions": {"id", "ts", "taskId", "agentId"},
	"signals":       {"id", "ts", "source"},
	"run-ledger":    {"id", "ts", "source", "status"},
	"budget-ledger": {"id", "ts", "scope", "decision"},
	"incidents":     {"id", "ts", "source", "severity", "summary"},
}

// ValidationError reports a record rejected at write time. The stream is
// never corrupted by a rejected record.
type ValidationError struct {
	Kind    string
	Missing string
}

func (e *ValidationError) Error() string {
	if e.Missing == "" {
		return fmt.Sprintf("ledger: unknown record kind %q", e.Kind)
	}
	return fmt.Sprintf("ledger: %s record missing required field %q", e.Kind, e.Missing)
}

// Store appends and reads JSONL ledgers under a base directory.
type Store struct {
	dir string

	mu    sync.Mutex
	files map[string]*sync.Mutex // per-kind append lock
}

// NewStore creates a ledger store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, files: map[string]*sync.Mutex{}}
}

// Dir returns the ledger base directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file path for a record kind.
func (s *Store) Path(kind string) string {
	return filepath.Join(s.dir, kind+".jsonl")
}

func (s *Store) kindLock(kind string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.files[kind]
	if !ok {
		l = &sync.Mutex{}
		s.files[kind] = l
	}
	return l
}

// Append validates and appends one record to the kind's file.
// The record must marshal to a single line; embedded newlines are rejected.
func (s *Store) Append(kind string, record any) error {
	req, ok := requiredFields[kind]
	if !ok {
		return &ValidationError{Kind: kind}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("ledger: marshal %s record: %w", kind, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("ledger: %s record is not an object: %w", kind, err)
	}
	for _, f := range req {
		v, ok := fields[f]
		if !ok || string(v) == `""` || string(v) == "null" {
			return &ValidationError{Kind: kind, Missing: f}
		}
	}
	if bytes.ContainsRune(data, '\n') {
		return fmt.Errorf("ledger: %s record contains embedded newline", kind)
	}

	lock := s.kindLock(kind)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path(kind), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", kind, err)
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// ReadAll returns every record in the kind's file as raw lines.
// Malformed lines are skipped rather than failing the whole read.
func (s *Store) ReadAll(kind string) ([]json.RawMessage, error) {
	f, err := os.Open(s.Path(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []json.RawMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		out = append(out, json.RawMessage(append([]byte(nil), line...)))
	}
	return out, sc.Err()
}

// Rewrite atomically replaces the kind's file with the given lines.
func (s *Store) Rewrite(kind string, records []json.RawMessage) error {
	lock := s.kindLock(kind)
	lock.Lock()
	defer lock.Unlock()

	var buf bytes.Buffer
	for _, r := range records {
		buf.Write(r)
		buf.WriteByte('\n')
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp := s.Path(kind) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path(kind))
}

// Timestamp formats a ledger timestamp (ISO-8601, millisecond precision, UTC).
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTimestamp accepts the formats appearing in ledger files.
func ParseTimestamp(ts string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
