// Package heartbeat runs periodic synthetic agent turns so agents can surface
// proactive findings. Replies that are pure acknowledgements are suppressed
// instead of delivered.
package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/runner"
	"github.com/surpriselab/surprisebot/internal/sessions"
)

const (
	defaultEvery       = 30 * time.Minute
	defaultAckToken    = "HEARTBEAT_OK"
	defaultAckMaxChars = 300
	defaultPrompt      = "Read HEARTBEAT.md if it exists (workspace context). Follow it strictly. " +
		"If nothing needs attention, reply " + defaultAckToken + "."

	// checkInterval bounds how late a due heartbeat can fire.
	checkInterval = 30 * time.Second
	// coalesceDelay batches bursts of wake requests into one early run.
	coalesceDelay = 250 * time.Millisecond
)

// AckPredicate decides whether a heartbeat reply is a pure acknowledgement.
// It returns the text remaining after the ack token is stripped; empty means
// suppress delivery entirely.
type AckPredicate func(reply string, hb *config.HeartbeatConfig) (ack bool, remainder string)

// EventSource drains queued system-event one-liners into a prompt preamble.
type EventSource interface {
	ComposePrefix(sessionKey string) string
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Config   *config.Config
	Runner   *runner.Runner
	Sessions *sessions.Store
	// QueueSize gates heartbeats behind pending interactive work.
	QueueSize func(lane string) int
	// Deliver sends non-ack heartbeat output. Nil disables delivery.
	Deliver runner.Deliverer
	// Events supplies queued system events for the agent's main session.
	Events EventSource
	// Ack overrides the default token-based predicate.
	Ack AckPredicate
	// Now is injectable for tests.
	Now func() time.Time
}

type agentState struct {
	lastRunAt time.Time
	requested bool
	reason    string
}

// Scheduler drives heartbeats for every agent that configures one.
type Scheduler struct {
	deps Deps

	mu     sync.Mutex
	agents map[string]*agentState
	wake   chan struct{}
}

// New creates a Scheduler.
func New(d Deps) *Scheduler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Ack == nil {
		d.Ack = tokenAck
	}
	return &Scheduler{
		deps:   d,
		agents: map[string]*agentState{},
		wake:   make(chan struct{}, 1),
	}
}

// RequestNow asks for an early heartbeat for agentID. Requests arriving while
// one is already pending coalesce into a single run.
func (s *Scheduler) RequestNow(agentID, reason string) {
	agentID = config.NormalizeAgentID(agentID)
	s.mu.Lock()
	st := s.state(agentID)
	already := st.requested
	st.requested = true
	if st.reason == "" {
		st.reason = reason
	}
	s.mu.Unlock()
	if already {
		return
	}
	// Small delay so a burst of requests wakes the loop once.
	time.AfterFunc(coalesceDelay, func() {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
}

func (s *Scheduler) state(agentID string) *agentState {
	st, ok := s.agents[agentID]
	if !ok {
		st = &agentState{}
		s.agents[agentID] = st
	}
	return st
}

// Run loops until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
		s.sweep(ctx)
	}
}

// sweep runs every agent whose heartbeat is due or requested.
func (s *Scheduler) sweep(ctx context.Context) {
	for _, agentID := range s.heartbeatAgents() {
		s.maybeRun(ctx, agentID)
	}
}

func (s *Scheduler) heartbeatAgents() []string {
	ids := map[string]bool{}
	if s.deps.Config.Agents.Defaults.Heartbeat != nil {
		ids[s.deps.Config.DefaultAgentID()] = true
	}
	for id := range s.deps.Config.Agents.List {
		resolved := s.deps.Config.ResolveAgent(id)
		if resolved.Heartbeat != nil {
			ids[config.NormalizeAgentID(id)] = true
		}
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// maybeRun applies the gates in order; a skipped heartbeat does not advance
// the last-run timestamp.
func (s *Scheduler) maybeRun(ctx context.Context, agentID string) {
	resolved := s.deps.Config.ResolveAgent(agentID)
	hb := resolved.Heartbeat
	if hb == nil {
		return
	}
	every := parseEvery(hb.Every)
	now := s.deps.Now()

	s.mu.Lock()
	st := s.state(agentID)
	requested := st.requested
	reason := st.reason
	st.requested = false
	st.reason = ""
	last := st.lastRunAt
	s.mu.Unlock()

	if every <= 0 && !requested {
		return
	}
	due := last.IsZero() || now.Sub(last) >= every
	if !due && !requested {
		return
	}
	if min := time.Duration(hb.MinIntervalMinutes) * time.Minute; min > 0 && !last.IsZero() && now.Sub(last) < min {
		slog.Debug("heartbeat skipped", "agent", agentID, "reason", "min_interval")
		return
	}
	if s.deps.QueueSize != nil && s.deps.QueueSize("main") > 0 {
		slog.Debug("heartbeat skipped", "agent", agentID, "reason", "queue_busy")
		return
	}
	if !withinActiveHours(hb.ActiveHours, now) {
		slog.Debug("heartbeat skipped", "agent", agentID, "reason", "active_hours")
		return
	}

	if err := s.runOnce(ctx, agentID, hb, reason); err != nil {
		slog.Warn("heartbeat run failed", "agent", agentID, "error", err)
	}
	s.mu.Lock()
	s.state(agentID).lastRunAt = s.deps.Now()
	s.mu.Unlock()
}

func (s *Scheduler) runOnce(ctx context.Context, agentID string, hb *config.HeartbeatConfig, reason string) error {
	prompt := hb.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}
	if reason != "" {
		prompt += "\n\nWake reason: " + reason
	}

	sessionKey := sessions.BuildAgentMainSessionKey(agentID, s.deps.Config.Sessions.MainKey)
	if s.deps.Events != nil {
		if prefix := s.deps.Events.ComposePrefix(sessionKey); prefix != "" {
			prompt = prefix + "\n" + prompt
		}
	}
	outcome, err := s.deps.Runner.Run(ctx, runner.Request{
		SessionKey:  sessionKey,
		AgentID:     agentID,
		Message:     prompt,
		Lane:        "heartbeat",
		Source:      "system",
		IsHeartbeat: true,
	})
	if err != nil {
		return err
	}

	ack, remainder := s.deps.Ack(outcome.Text, hb)
	if ack {
		slog.Info("heartbeat ok", "agent", agentID)
		return nil
	}
	channel, to := s.resolveTarget(agentID, hb, sessionKey)
	if channel == "" || to == "" || s.deps.Deliver == nil {
		slog.Info("heartbeat finding with no delivery target", "agent", agentID)
		return nil
	}
	slog.Info("heartbeat delivering", "agent", agentID, "channel", channel)
	return s.deps.Deliver.Deliver(ctx, runner.DeliveryRequest{
		Channel: channel, To: to,
		Payloads:   []runner.Payload{{Text: remainder}},
		BestEffort: true,
	})
}

// resolveTarget maps the heartbeat target setting to a concrete destination.
// "last" follows the session's most recent conversation; "none" never delivers.
func (s *Scheduler) resolveTarget(agentID string, hb *config.HeartbeatConfig, sessionKey string) (channel, to string) {
	switch hb.Target {
	case "none":
		return "", ""
	case "", "last":
		entry, err := s.deps.Sessions.Get(sessionKey)
		if err != nil || entry == nil {
			return "", ""
		}
		return entry.LastChannel, entry.LastTo
	default:
		return hb.Target, hb.To
	}
}

// parseEvery parses the heartbeat interval; "0m" or garbage disables it.
func parseEvery(every string) time.Duration {
	if every == "" {
		return defaultEvery
	}
	d, err := time.ParseDuration(every)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// tokenAck strips the ack token and decides suppression: a reply whose
// residual text fits inside ackMaxChars is treated as a pure ack.
func tokenAck(reply string, hb *config.HeartbeatConfig) (bool, string) {
	token := hb.AckToken
	if token == "" {
		token = defaultAckToken
	}
	maxChars := hb.AckMaxChars
	if maxChars <= 0 {
		maxChars = defaultAckMaxChars
	}
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return true, ""
	}
	if !strings.Contains(trimmed, token) {
		return false, trimmed
	}
	remainder := strings.TrimSpace(strings.ReplaceAll(trimmed, token, ""))
	if len(remainder) <= maxChars {
		return true, ""
	}
	return false, remainder
}

// withinActiveHours reports whether now falls in the configured window.
// Windows may wrap midnight (start > end).
func withinActiveHours(ah *config.ActiveHoursConfig, now time.Time) bool {
	if ah == nil || ah.Start == "" || ah.End == "" {
		return true
	}
	loc := now.Location()
	if ah.Timezone != "" {
		if l, err := time.LoadLocation(ah.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	start, ok1 := parseHHMM(ah.Start)
	end, ok2 := parseHHMM(ah.End)
	if !ok1 || !ok2 {
		return true
	}
	cur := local.Hour()*60 + local.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseHHMM(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
