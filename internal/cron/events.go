package cron

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/surpriselab/surprisebot/internal/sessions"
)

// SystemEvents queues out-of-band notices (incident digests, watcher alerts)
// for a session. Events are drained into the next agent turn's prompt; the
// optional kick callback requests an early heartbeat so queued events do not
// sit until the next scheduled wake.
type SystemEvents struct {
	mu    sync.Mutex
	byKey map[string][]systemEvent
	// Kick is called with (agentID, reason) after each enqueue.
	Kick func(agentID, reason string)
}

type systemEvent struct {
	contextKey string
	text       string
	at         time.Time
}

// NewSystemEvents creates an empty queue.
func NewSystemEvents() *SystemEvents {
	return &SystemEvents{byKey: map[string][]systemEvent{}}
}

// Enqueue adds an event for sessionKey. A second event with the same
// contextKey replaces the first in place, so repeated alerts collapse to the
// latest text instead of piling up.
func (q *SystemEvents) Enqueue(sessionKey, contextKey, text string) {
	q.mu.Lock()
	events := q.byKey[sessionKey]
	replaced := false
	if contextKey != "" {
		for i := range events {
			if events[i].contextKey == contextKey {
				events[i].text = text
				events[i].at = time.Now()
				replaced = true
				break
			}
		}
	}
	if !replaced {
		events = append(events, systemEvent{contextKey: contextKey, text: text, at: time.Now()})
	}
	q.byKey[sessionKey] = events
	kick := q.Kick
	q.mu.Unlock()

	if kick != nil {
		agentID, _ := sessions.ParseSessionKey(sessionKey)
		kick(agentID, "system-event")
	}
}

// Drain removes and returns all queued events for sessionKey in arrival order.
func (q *SystemEvents) Drain(sessionKey string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.byKey[sessionKey]
	if len(events) == 0 {
		return nil
	}
	delete(q.byKey, sessionKey)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.text
	}
	return out
}

// Size returns the number of queued events for sessionKey.
func (q *SystemEvents) Size(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byKey[sessionKey])
}

// ComposePrefix renders drained events as a prompt preamble, or "" when the
// queue was empty.
func (q *SystemEvents) ComposePrefix(sessionKey string) string {
	events := q.Drain(sessionKey)
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("System events since last turn:\n")
	for i, e := range events {
		fmt.Fprintf(&b, "%d. %s\n", i+1, e)
	}
	return b.String()
}
