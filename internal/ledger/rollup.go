package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Kinds eligible for rollup compaction.
var rollupKinds = []string{
	"tasks", "messages", "activities", "documents", "notifications",
	"subscriptions", "signals", "run-ledger", "budget-ledger", "incidents",
}

// RollupOptions tunes the periodic ledger compaction.
type RollupOptions struct {
	KeepDays int   // records newer than this stay in place (default 7)
	MinBytes int64 // files smaller than this are left alone (default 256 KiB)
}

type rollupState struct {
	LastRunDay string `json:"lastRunDay"` // YYYY-MM-DD, one rollup per day
}

// Rollup rewrites each ledger file keeping only records newer than KeepDays,
// appending the older records to rollups/<date>/<kind>.jsonl. At most one
// rollup runs per calendar day; the gate lives in rollups/rollup.state.json.
func (s *Store) Rollup(now time.Time, opts RollupOptions) error {
	if opts.KeepDays <= 0 {
		opts.KeepDays = 7
	}
	if opts.MinBytes <= 0 {
		opts.MinBytes = 256 * 1024
	}

	stateDir := filepath.Join(s.dir, "rollups")
	statePath := filepath.Join(stateDir, "rollup.state.json")
	day := now.UTC().Format("2006-01-02")

	var state rollupState
	if data, err := os.ReadFile(statePath); err == nil {
		_ = json.Unmarshal(data, &state)
	}
	if state.LastRunDay == day {
		return nil
	}

	cutoff := now.Add(-time.Duration(opts.KeepDays) * 24 * time.Hour)
	archiveDir := filepath.Join(stateDir, day)

	for _, kind := range rollupKinds {
		if err := s.rollupKind(kind, cutoff, opts.MinBytes, archiveDir); err != nil {
			slog.Warn("ledger rollup failed", "kind", kind, "error", err)
		}
	}

	state.LastRunDay = day
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(statePath, data, 0o644)
}

func (s *Store) rollupKind(kind string, cutoff time.Time, minBytes int64, archiveDir string) error {
	info, err := os.Stat(s.Path(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < minBytes {
		return nil
	}

	records, err := s.ReadAll(kind)
	if err != nil {
		return err
	}

	var keep, archive []json.RawMessage
	for _, rec := range records {
		var meta struct {
			TS string `json:"ts"`
		}
		if err := json.Unmarshal(rec, &meta); err != nil {
			keep = append(keep, rec)
			continue
		}
		t, ok := ParseTimestamp(meta.TS)
		if ok && t.Before(cutoff) {
			archive = append(archive, rec)
		} else {
			keep = append(keep, rec)
		}
	}
	if len(archive) == 0 {
		return nil
	}

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(archiveDir, kind+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	for _, rec := range archive {
		if _, err := f.Write(append(rec, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	slog.Info("ledger rollup", "kind", kind, "kept", len(keep), "archived", len(archive))
	return s.Rewrite(kind, keep)
}
