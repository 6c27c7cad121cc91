package incidents

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/ledger"
	"github.com/surpriselab/surprisebot/internal/sessions"
)

// TaskSink receives qualifying incidents for task creation.
type TaskSink interface {
	MaybeCreateTaskFromIncident(ctx context.Context, inc ledger.IncidentRecord) (bool, error)
}

// EventSink queues a system event for a session.
type EventSink interface {
	Enqueue(sessionKey, contextKey, text string)
}

// Debounce timings: a file must be quiet this long before its new lines are
// read, so half-written batches are not classified mid-flight.
const (
	debounceQuiet = 500 * time.Millisecond
	debounceStep  = 200 * time.Millisecond
)

// statusScanInterval paces re-reads of the research status file.
const statusScanInterval = time.Minute

const defaultMinEvidence = 2

// maxEvidenceLines caps evidence carried on one incident record.
const maxEvidenceLines = 10

// Deps are the generator's collaborators. Tasks and Events may be nil.
type Deps struct {
	Config *config.Config
	Ledger *ledger.Store
	Tasks  TaskSink
	Events EventSink
	// Kick requests an early heartbeat after an incident is queued.
	Kick func(agentID, reason string)
	// Now is injectable for tests.
	Now func() time.Time
}

// Generator watches log directories and the research status file and emits
// incident records.
type Generator struct {
	deps     Deps
	tailer   *tailer
	suppress *suppressor

	mu       sync.Mutex
	pending  map[string]*time.Timer
	lastSeen map[string]time.Time // status exposure fingerprints already emitted
}

// New creates a Generator.
func New(d Deps) *Generator {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Generator{
		deps:     d,
		tailer:   newTailer(),
		suppress: newSuppressor(d.Now),
		pending:  map[string]*time.Timer{},
		lastSeen: map[string]time.Time{},
	}
}

// Enabled reports whether incident generation is on.
func (g *Generator) Enabled() bool {
	e := g.deps.Config.Incidents.Enabled
	return e == nil || *e
}

// Run watches until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	if !g.Enabled() {
		<-ctx.Done()
		return ctx.Err()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range g.deps.Config.Incidents.WatchDirs {
		if werr := watcher.Add(dir); werr != nil {
			slog.Warn("incident watch dir unavailable", "dir", dir, "error", werr)
		}
	}

	statusTicker := time.NewTicker(statusScanInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				g.scheduleFlush(ctx, ev.Name)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("incident watcher error", "error", werr)
		case <-statusTicker.C:
			g.scanStatusFile(ctx)
		}
	}
}

// scheduleFlush (re)arms the per-file debounce timer. Each write pushes the
// flush out by debounceStep up to the quiet window.
func (g *Generator) scheduleFlush(ctx context.Context, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.pending[path]; ok {
		t.Reset(debounceStep)
		return
	}
	g.pending[path] = time.AfterFunc(debounceQuiet, func() {
		g.mu.Lock()
		delete(g.pending, path)
		g.mu.Unlock()
		g.FlushFile(ctx, path)
	})
}

// FlushFile reads new lines from path and emits incidents for them.
func (g *Generator) FlushFile(ctx context.Context, path string) {
	lines, err := g.tailer.ReadNew(path)
	if err != nil {
		slog.Warn("incident tail failed", "file", path, "error", err)
		return
	}
	g.ProcessLines(ctx, path, lines)
}

// ProcessLines classifies a batch of lines from one source file. A batch of
// batchPromoteThreshold or more matches collapses into a single high incident.
func (g *Generator) ProcessLines(ctx context.Context, path string, lines []string) {
	type match struct {
		line     string
		severity string
	}
	var matches []match
	for _, line := range lines {
		if sev := ClassifyLine(line); sev != "" {
			matches = append(matches, match{line: line, severity: sev})
		}
	}
	if len(matches) == 0 {
		return
	}
	source := filepath.Base(path)

	if len(matches) >= batchPromoteThreshold {
		evidence := make([]string, 0, maxEvidenceLines)
		for _, m := range matches[:maxEvidenceLines] {
			evidence = append(evidence, m.line)
		}
		g.emit(ctx, ledger.IncidentRecord{
			Source:   source,
			Severity: SeverityHigh,
			Summary:  summarizeBatch(source, len(matches)),
			Evidence: evidence,
			Meta:     map[string]any{"file": path, "matchCount": len(matches)},
		})
		return
	}

	for _, m := range matches {
		g.emit(ctx, ledger.IncidentRecord{
			Source:   source,
			Severity: m.severity,
			Summary:  truncateLine(m.line, 200),
			Evidence: []string{m.line},
			Meta:     map[string]any{"file": path},
		})
	}
}

// emit records the incident and fans it out to the task sink and event queue.
// Suppressed duplicates are dropped silently.
func (g *Generator) emit(ctx context.Context, inc ledger.IncidentRecord) {
	if !g.suppress.allow(inc.Source, inc.Summary, inc.Severity) {
		return
	}
	inc.ID = uuid.NewString()
	inc.TS = ledger.Timestamp(g.deps.Now())

	if err := g.deps.Ledger.AppendIncident(inc); err != nil {
		slog.Warn("incident ledger append failed", "error", err)
		return
	}
	slog.Info("incident", "id", inc.ID, "severity", inc.Severity, "source", inc.Source)

	if g.deps.Tasks != nil {
		if _, err := g.deps.Tasks.MaybeCreateTaskFromIncident(ctx, inc); err != nil {
			slog.Warn("incident task creation failed", "incident", inc.ID, "error", err)
		}
	}

	agentID := g.deps.Config.DefaultAgentID()
	if g.deps.Events != nil {
		key := sessions.BuildAgentMainSessionKey(agentID, g.deps.Config.Sessions.MainKey)
		text := "Incident [" + inc.Severity + "] " + inc.Summary
		g.deps.Events.Enqueue(key, "incident:"+summaryHash(inc.Summary), text)
	}
	if g.deps.Kick != nil {
		g.deps.Kick(agentID, "incident")
	}
}

// statusFile is the research scanner's output format.
type statusFile struct {
	Exposures []exposureItem `json:"exposures"`
}

type exposureItem struct {
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	Severity string   `json:"severity,omitempty"`
	Evidence []string `json:"evidence,omitempty"`
}

// scanStatusFile turns research exposure items into incidents. Items without
// a URL or with too little evidence are skipped; each item emits once.
func (g *Generator) scanStatusFile(ctx context.Context) {
	path := g.deps.Config.Incidents.StatusFile
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("status file read failed", "file", path, "error", err)
		}
		return
	}
	var status statusFile
	if err := json.Unmarshal(data, &status); err != nil {
		slog.Warn("status file malformed", "file", path, "error", err)
		return
	}

	minEvidence := g.deps.Config.Incidents.MinEvidenceCount
	if minEvidence <= 0 {
		minEvidence = defaultMinEvidence
	}
	for _, item := range status.Exposures {
		if item.URL == "" || len(item.Evidence) < minEvidence {
			continue
		}
		fp := summaryHash(item.Title + "|" + item.URL)
		g.mu.Lock()
		_, seen := g.lastSeen[fp]
		g.lastSeen[fp] = g.deps.Now()
		g.mu.Unlock()
		if seen {
			continue
		}
		sev := researchSeverity(item.Severity)
		evidence := item.Evidence
		if len(evidence) > maxEvidenceLines {
			evidence = evidence[:maxEvidenceLines]
		}
		g.emit(ctx, ledger.IncidentRecord{
			Source:   "research",
			Severity: sev,
			Summary:  item.Title,
			Evidence: evidence,
			Meta:     map[string]any{"url": item.URL},
		})
	}
}

// researchSeverity maps an exposure item's reported severity onto the
// incident scale: critical and high collapse to high, medium stays, the rest
// is low.
func researchSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func summarizeBatch(source string, n int) string {
	return "Burst of " + strconv.Itoa(n) + " error lines in " + source
}

func truncateLine(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
