package incidents

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/surpriselab/surprisebot/internal/ledger"
)

// Sentinels bounding the generated block in the active memory file. Text
// outside the block is never touched.
const (
	sentinelStart = "<!-- AUTO-GENERATED: START -->"
	sentinelEnd   = "<!-- AUTO-GENERATED: END -->"
)

const (
	refreshInterval  = time.Minute
	activeWindow     = 24 * time.Hour
	maxActiveEntries = 20
)

// Refresher keeps the active memory file's generated block in sync with the
// incident ledger so agents see recent incidents without querying anything.
type Refresher struct {
	path   string
	ledger *ledger.Store
	now    func() time.Time
}

// NewRefresher creates a Refresher for path; an empty path disables it.
func NewRefresher(path string, led *ledger.Store) *Refresher {
	return &Refresher{path: path, ledger: led, now: time.Now}
}

// Run rewrites the block once per minute until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		if err := r.RefreshOnce(); err != nil {
			slog.Warn("active memory refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RefreshOnce rewrites the generated block from the last 24h of incidents.
func (r *Refresher) RefreshOnce() error {
	incidents, err := r.ledger.ReadIncidents()
	if err != nil {
		return err
	}
	block := r.renderBlock(incidents)

	existing, err := os.ReadFile(r.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	updated := spliceBlock(string(existing), block)

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(updated), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func (r *Refresher) renderBlock(incidents []ledger.IncidentRecord) string {
	cutoff := r.now().Add(-activeWindow)
	var recent []ledger.IncidentRecord
	for _, inc := range incidents {
		ts, ok := ledger.ParseTimestamp(inc.TS)
		if !ok || ts.Before(cutoff) {
			continue
		}
		recent = append(recent, inc)
	}
	if len(recent) > maxActiveEntries {
		recent = recent[len(recent)-maxActiveEntries:]
	}

	var b strings.Builder
	b.WriteString(sentinelStart + "\n")
	if len(recent) == 0 {
		b.WriteString("No active incidents in the last 24h.\n")
	} else {
		fmt.Fprintf(&b, "Active incidents (last 24h, newest last):\n")
		for _, inc := range recent {
			fmt.Fprintf(&b, "- [%s] %s (%s, %s)\n", inc.Severity, inc.Summary, inc.Source, inc.TS)
		}
	}
	b.WriteString(sentinelEnd)
	return b.String()
}

// spliceBlock replaces the sentinel-bounded block in content, appending a new
// block when no sentinels exist yet.
func spliceBlock(content, block string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)
	if start < 0 || end < 0 || end < start {
		if content == "" {
			return block + "\n"
		}
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		return content + "\n" + block + "\n"
	}
	return content[:start] + block + content[end+len(sentinelEnd):]
}
