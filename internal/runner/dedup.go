package runner

import (
	"strings"
	"sync"
)

// messagingDedup tracks texts the agent already sent via a messaging tool so
// downstream delivery does not echo them.
//
// Pending entries are keyed by toolCallId while the tool call is in flight.
// On clean completion the text moves to the sent list; on error it is
// discarded.
type messagingDedup struct {
	mu             sync.Mutex
	pendingTexts   map[string]string // toolCallId → text
	pendingTargets map[string]string // toolCallId → recipient
	sentTexts      []string
}

func newMessagingDedup() *messagingDedup {
	return &messagingDedup{
		pendingTexts:   map[string]string{},
		pendingTargets: map[string]string{},
	}
}

// toolStarted records an in-flight send-message tool call.
func (d *messagingDedup) toolStarted(toolCallID, text, target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingTexts[toolCallID] = text
	if target != "" {
		d.pendingTargets[toolCallID] = target
	}
}

// toolEnded resolves a pending entry. Errored sends are discarded.
func (d *messagingDedup) toolEnded(toolCallID string, isError bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	text, ok := d.pendingTexts[toolCallID]
	delete(d.pendingTexts, toolCallID)
	delete(d.pendingTargets, toolCallID)
	if ok && !isError {
		d.sentTexts = append(d.sentTexts, text)
	}
}

// discardPending drops all in-flight entries (run cancelled).
func (d *messagingDedup) discardPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingTexts = map[string]string{}
	d.pendingTargets = map[string]string{}
}

// alreadySent reports whether text matches a tool-sent message
// (case and whitespace normalized).
func (d *messagingDedup) alreadySent(text string) bool {
	norm := normalizeForDedup(text)
	if norm == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sent := range d.sentTexts {
		if normalizeForDedup(sent) == norm {
			return true
		}
	}
	return false
}

// filterPayloads drops payloads whose text the agent already delivered via a
// messaging tool.
func (d *messagingDedup) filterPayloads(payloads []Payload) []Payload {
	out := payloads[:0]
	for _, p := range payloads {
		if p.Text != "" && len(p.MediaURLs) == 0 && d.alreadySent(p.Text) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func normalizeForDedup(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
