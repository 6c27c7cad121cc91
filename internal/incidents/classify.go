// Package incidents tails watched log directories, classifies new lines into
// incident records, and forwards qualifying incidents to the task sink and
// the system-event queue.
package incidents

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Severity levels, ordered.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

var severityRank = map[string]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3}

// SeverityAtLeast reports whether sev meets the min threshold.
func SeverityAtLeast(sev, min string) bool {
	if min == "" {
		return true
	}
	return severityRank[sev] >= severityRank[min]
}

// Transient network noise from recon-style scanners; these never become
// incidents on their own.
var noisyReconErrorRe = regexp.MustCompile(
	`(?i)(connection (refused|reset)|no route to host|i/o timeout|context deadline exceeded|broken pipe|EOF during handshake)`)

var highRe = regexp.MustCompile(
	`(?i)\b(critical|fatal|panic|exploit|breach|compromis\w+|unauthoriz\w+|credential\w* leak\w*|rce|injection)\b`)

var errorRe = regexp.MustCompile(
	`(?i)\b(error|fail(ed|ure)?|exception|denied|refused|unreachable)\b`)

// batchPromoteThreshold: a flush with at least this many matching lines is
// collapsed into one high-severity incident.
const batchPromoteThreshold = 50

// lowSeveritySuppressWindow suppresses repeated low findings from the same
// source arriving in a burst.
const lowSeveritySuppressWindow = 30 * time.Second

// dupSuppressWindow suppresses incidents with an identical normalized summary.
const dupSuppressWindow = 10 * time.Minute

// ClassifyLine maps one log line to a severity; "" means not incident-worthy.
func ClassifyLine(line string) string {
	if strings.TrimSpace(line) == "" {
		return ""
	}
	if noisyReconErrorRe.MatchString(line) && !highRe.MatchString(line) {
		return ""
	}
	if highRe.MatchString(line) {
		return SeverityHigh
	}
	if errorRe.MatchString(line) {
		return SeverityMedium
	}
	return ""
}

// summaryHash fingerprints a summary for duplicate suppression.
func summaryHash(summary string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(summary)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

// suppressor remembers recent incident hashes and per-source low-severity
// emission times.
type suppressor struct {
	mu      sync.Mutex
	seen    map[string]time.Time // summary hash → last emit
	lastLow map[string]time.Time // source → last low emit
	now     func() time.Time
}

func newSuppressor(now func() time.Time) *suppressor {
	if now == nil {
		now = time.Now
	}
	return &suppressor{
		seen:    map[string]time.Time{},
		lastLow: map[string]time.Time{},
		now:     now,
	}
}

// allow decides whether an incident from source with this summary and
// severity may emit, recording it when allowed. The burst window applies to
// low severity only and is scoped to the source.
func (s *suppressor) allow(source, summary, severity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	h := summaryHash(summary)
	if last, ok := s.seen[h]; ok && now.Sub(last) < dupSuppressWindow {
		return false
	}
	if severity == SeverityLow && now.Sub(s.lastLow[source]) < lowSeveritySuppressWindow {
		return false
	}
	s.seen[h] = now
	if severity == SeverityLow {
		s.lastLow[source] = now
	}
	// Opportunistic prune.
	for k, t := range s.seen {
		if now.Sub(t) > dupSuppressWindow {
			delete(s.seen, k)
		}
	}
	return true
}
