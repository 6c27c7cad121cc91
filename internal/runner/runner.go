// Package runner implements the agent run orchestrator: stimulus → session
// resolution → policy/budget gates → model failover execution → retry
// policies → session/ledger updates → delivery handoff.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/surpriselab/surprisebot/internal/budget"
	"github.com/surpriselab/surprisebot/internal/bus"
	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/ledger"
	"github.com/surpriselab/surprisebot/internal/models"
	"github.com/surpriselab/surprisebot/internal/sessions"
	"github.com/surpriselab/surprisebot/internal/tools"
)

// Request is one stimulus handed to the runner.
type Request struct {
	SessionKey       string
	ParentSessionKey string // set for thread stimuli: fork from this session
	ThreadLabel      string
	AgentID          string // used when SessionKey is empty
	Channel          string
	To               string
	AccountID        string
	Message          string
	Images           []string
	Provider         string // explicit override
	Model            string // explicit override
	Thinking         string
	Verbose          string
	TimeoutSec       int
	Lane             string // job type for budget scoping (default "interactive")
	Source           string // ledger source (default "interactive")
	RunID            string
	Deliver           bool
	BestEffortDeliver bool
	ExtraSystemPrompt string
	IsHeartbeat       bool
}

// Outcome is the runner's result for one run.
type Outcome struct {
	Text     string
	Payloads []Payload
	Usage    Usage
	Provider string
	Model    string
	RunID    string
	Retries  int
}

// Deps are the runner's injected collaborators.
type Deps struct {
	Config      *config.Config
	Sessions    *sessions.Store
	Ledger      *ledger.Store
	Budget      *budget.Manager
	Bus         *bus.Bus
	Cooldowns   *models.Cooldowns
	Registry    *tools.Registry
	Deliverer   Deliverer
	SendPolicy  SendPolicy // nil = allow all
	RunEmbedded Executor
	RunCLI      Executor
}

// Runner is the central orchestrator. Independent session keys run
// concurrently; runs for the same key are serialized.
type Runner struct {
	cfg         *config.Config
	sessions    *sessions.Store
	ledger      *ledger.Store
	budget      *budget.Manager
	bus         *bus.Bus
	cooldowns   *models.Cooldowns
	registry    *tools.Registry
	guard       *tools.SharedMemoryGuard
	deliverer   Deliverer
	sendPolicy  SendPolicy
	runEmbedded Executor
	runCLI      Executor

	// throttle paces runs when the budget decision is throttle.
	throttle *rate.Limiter

	jobs     *jobContexts
	keyLocks sync.Map // sessionKey → *sync.Mutex

	laneMu     sync.Mutex
	laneQueued map[string]int
}

// New creates a Runner.
func New(d Deps) *Runner {
	r := &Runner{
		cfg:         d.Config,
		sessions:    d.Sessions,
		ledger:      d.Ledger,
		budget:      d.Budget,
		bus:         d.Bus,
		cooldowns:   d.Cooldowns,
		registry:    d.Registry,
		deliverer:   d.Deliverer,
		sendPolicy:  d.SendPolicy,
		runEmbedded: d.RunEmbedded,
		runCLI:      d.RunCLI,
		throttle:    rate.NewLimiter(rate.Every(5*time.Second), 1),
		jobs:        newJobContexts(),
		laneQueued:  map[string]int{},
	}
	if r.cooldowns == nil {
		r.cooldowns = models.NewCooldowns()
	}
	r.guard = tools.NewSharedMemoryGuard(d.Config.SharedMemory.File, d.Config.SharedMemoryWriteAllowed)
	return r
}

// QueueSize returns how many runs are queued or active on a lane.
// The heartbeat gate refuses to run while the main lane has work.
func (r *Runner) QueueSize(lane string) int {
	r.laneMu.Lock()
	defer r.laneMu.Unlock()
	return r.laneQueued[lane]
}

func (r *Runner) laneEnter(lane string) {
	r.laneMu.Lock()
	r.laneQueued[lane]++
	r.laneMu.Unlock()
}

func (r *Runner) laneExit(lane string) {
	r.laneMu.Lock()
	if r.laneQueued[lane] > 0 {
		r.laneQueued[lane]--
	}
	r.laneMu.Unlock()
}

// JobContext returns the active job context for a session key, if any.
// The tool layer bumps its query counter for budget enforcement.
func (r *Runner) JobContext(sessionKey string) *JobContext {
	return r.jobs.get(sessionKey)
}

// Run executes one agent turn for the request.
func (r *Runner) Run(ctx context.Context, req Request) (outcome *Outcome, err error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Lane == "" {
		req.Lane = "interactive"
	}
	if req.Source == "" {
		req.Source = ledger.SourceInteractive
	}

	agentID := config.NormalizeAgentID(req.AgentID)
	if req.SessionKey == "" {
		req.SessionKey = sessions.BuildAgentMainSessionKey(agentID, r.cfg.Sessions.MainKey)
	} else if id, _ := sessions.ParseSessionKey(req.SessionKey); id != "" {
		agentID = id
	}
	resolved := r.cfg.ResolveAgent(agentID)

	r.laneEnter(req.Lane)
	defer r.laneExit(req.Lane)

	// Serialize runs per session key.
	lockAny, _ := r.keyLocks.LoadOrStore(req.SessionKey, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	job := r.jobs.begin(req.SessionKey, req.Lane, req.RunID)
	defer r.jobs.clear(req.SessionKey)

	dedup := newMessagingDedup()
	started := time.Now()

	r.bus.Publish(req.RunID, bus.StreamLifecycle, map[string]any{
		"phase": "start", "sessionKey": req.SessionKey, "agentId": agentID, "lane": req.Lane,
	})

	var usage Usage
	defer func() {
		status := ledger.StatusDone
		exitCode := 0
		switch {
		case err == nil:
			// done
		case errors.Is(err, context.Canceled):
			status = ledger.StatusCancelled
			exitCode = 130
			dedup.discardPending()
		default:
			status = ledger.StatusFailed
			exitCode = 1
		}
		finish := ledger.RunRecord{
			ID: req.RunID, TS: ledger.Timestamp(time.Now()),
			Source: req.Source, Status: status,
			AgentID: agentID, JobType: req.Lane,
			StartedAt:       ledger.Timestamp(started),
			FinishedAt:      ledger.Timestamp(time.Now()),
			ExitCode:        &exitCode,
			EstimatedTokens: usage.Total,
		}
		// Ledger-write failures in the finally path are logged, never
		// rethrown, so they cannot mask the primary failure.
		if lerr := r.ledger.AppendRun(finish); lerr != nil {
			slog.Warn("run ledger finish append failed", "run", req.RunID, "error", lerr)
		}
		r.bus.Finish(req.RunID, map[string]any{"phase": "end", "status": status})
	}()

	// Send policy gates before any execution.
	if r.sendPolicy != nil {
		if perr := r.sendPolicy(req.SessionKey, req.Channel, req.To); perr != nil {
			return nil, fmt.Errorf("send policy denied: %w", perr)
		}
	}

	// Budget gate: deny and defer abort before the run starts.
	eval, berr := r.budget.Evaluate(agentID, req.Lane)
	if berr != nil {
		return nil, berr
	}
	switch eval.Decision {
	case budget.DecisionDeny, budget.DecisionDefer:
		return nil, &budget.Error{Decision: eval.Decision, Reason: eval.Reason, Scope: eval.Scope}
	case budget.DecisionThrottle:
		slog.Info("budget throttle", "agent", agentID, "lane", req.Lane, "reason", eval.Reason)
		if werr := r.throttle.Wait(ctx); werr != nil {
			return nil, werr
		}
	}
	caps := r.budget.ResolveCaps(agentID, req.Lane)

	// Workspace + shared memory file.
	if resolved.Workspace != "" {
		if merr := os.MkdirAll(resolved.Workspace, 0o755); merr != nil {
			return nil, fmt.Errorf("workspace: %w", merr)
		}
	}
	r.ensureSharedMemory()

	entry, newSession, serr := r.resolveSession(req, resolved)
	if serr != nil {
		return nil, serr
	}

	// Model resolution: explicit override > persisted override > resolved.
	requested := models.Candidate{Provider: req.Provider, Model: req.Model}
	explicit := requested.Provider != "" || requested.Model != ""
	if !explicit {
		requested = models.Candidate{Provider: entry.ProviderOverride, Model: entry.ModelOverride}
	}
	candidates := models.BuildCandidates(models.CandidateOptions{
		Requested:        requested,
		Default:          models.Candidate{Provider: resolved.Provider, Model: resolved.Model},
		Fallbacks:        toCandidates(r.cfg.Models.Fallbacks),
		AllowList:        toCandidates(r.cfg.Models.AllowList),
		ExplicitOverride: explicit,
		IsCLI:            r.cfg.IsCLIProvider,
		Cooldowns:        r.cooldowns,
	})

	thinking := resolveThinking(req.Thinking, entry.ThinkingLevel, resolved.ThinkingLevel)
	verbose := resolveVerbose(req.Verbose, entry.VerboseLevel, resolved.VerboseLevel)

	// Persist overrides and snapshot before execution.
	entry, serr = r.sessions.Update(req.SessionKey, func(e *sessions.Entry) {
		if explicit {
			e.ProviderOverride = requested.Provider
			e.ModelOverride = requested.Model
		}
		e.ThinkingLevel = thinking
		e.VerboseLevel = verbose
		if newSession {
			e.SkillsSnapshot = snapshotSkills()
		}
		e.AbortedLastRun = false
	})
	if serr != nil {
		return nil, serr
	}

	if lerr := r.ledger.AppendRun(ledger.RunRecord{
		ID: req.RunID, TS: ledger.Timestamp(started),
		Source: req.Source, Status: ledger.StatusRunning,
		AgentID: agentID, JobType: req.Lane,
		Command:   truncate(req.Message, 200),
		StartedAt: ledger.Timestamp(started),
	}); lerr != nil {
		return nil, lerr
	}

	timeout := req.TimeoutSec
	if timeout <= 0 {
		timeout = resolved.TimeoutSeconds
	}
	if caps.MaxRuntimeSeconds > 0 && (timeout <= 0 || timeout > caps.MaxRuntimeSeconds) {
		timeout = caps.MaxRuntimeSeconds
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	exec, xerr := r.executeTurn(runCtx, req, resolved, entry, candidates, thinking, verbose, job, dedup, timeout, req.Message)
	if xerr != nil {
		err = xerr
		return nil, err
	}

	// Retry policies apply after the first successful execution, one retry
	// per rule, then strict re-checks.
	retries := 0
	applied := map[string]bool{}
	for {
		rules := evaluateRetryRules(resolved.ToolResults, req.Message, exec.Text, exec.Meta.ToolResults, applied)
		if len(rules) == 0 {
			break
		}
		rule := rules[0]
		applied[rule.rule] = true
		retries++
		slog.Info("tool-result retry", "run", req.RunID, "rule", rule.rule)
		r.bus.Publish(req.RunID, bus.StreamBlock, map[string]any{"flush": true, "force": true})
		prompt := req.Message + "\n\n" + rule.note
		retryExec, rerr := r.executeTurn(runCtx, req, resolved, entry, candidates, thinking, verbose, job, dedup, timeout, prompt)
		if rerr != nil {
			err = rerr
			return nil, err
		}
		addUsage(&exec.Meta.AgentMeta.Usage, retryExec.Meta.AgentMeta.Usage)
		retryExec.Meta.AgentMeta.Usage = exec.Meta.AgentMeta.Usage
		exec = retryExec
	}

	usage = exec.Meta.AgentMeta.Usage
	payloads := exec.Payloads
	text := exec.Text

	if violation := strictViolation(resolved.ToolResults, req.Message, text, exec.Meta.ToolResults); violation != "" {
		text = violation
		payloads = []Payload{{Text: violation, IsError: true}}
	}

	if caps.MaxOutputChars > 0 && len(text) > caps.MaxOutputChars {
		text = text[:runeBoundary(text, caps.MaxOutputChars)]
	}

	payloads = dedup.filterPayloads(payloads)

	// Persist usage and routing state.
	provider := exec.Meta.AgentMeta.Provider
	model := exec.Meta.AgentMeta.Model
	if _, serr = r.sessions.Update(req.SessionKey, func(e *sessions.Entry) {
		e.ModelProvider = provider
		e.Model = model
		e.ContextTokens = usage.Context
		e.InputTokens += usage.Input
		e.OutputTokens += usage.Output
		e.TotalTokens += usage.Input + usage.Output + usage.CacheRead + usage.CacheWrite
		e.SystemSent = true
		if req.Channel != "" {
			e.LastChannel = req.Channel
		}
		if req.To != "" {
			e.LastTo = req.To
		}
		if req.AccountID != "" {
			e.LastAccountID = req.AccountID
		}
		if r.cfg.IsCLIProvider(provider) && exec.Meta.AgentMeta.SessionID != "" {
			if e.CLISessionIDs == nil {
				e.CLISessionIDs = map[string]string{}
			}
			e.CLISessionIDs[provider] = exec.Meta.AgentMeta.SessionID
		}
	}); serr != nil {
		slog.Warn("session update failed", "key", req.SessionKey, "error", serr)
	}

	if resolved.UsageLine && text != "" {
		text += "\n" + formatUsageLine(usage, model)
		if n := len(payloads); n > 0 && payloads[n-1].Text != "" {
			payloads[n-1].Text += "\n" + formatUsageLine(usage, model)
		}
	}

	outcome = &Outcome{
		Text: text, Payloads: payloads, Usage: usage,
		Provider: provider, Model: model, RunID: req.RunID, Retries: retries,
	}

	if req.Deliver && r.deliverer != nil && req.Channel != "" && req.To != "" && len(payloads) > 0 {
		derr := r.deliverer.Deliver(ctx, DeliveryRequest{
			Channel: req.Channel, To: req.To, AccountID: req.AccountID,
			Payloads: payloads, BestEffort: req.BestEffortDeliver,
		})
		if derr != nil {
			if req.BestEffortDeliver {
				slog.Warn("best-effort delivery failed", "run", req.RunID, "channel", req.Channel, "error", derr)
			} else {
				err = fmt.Errorf("deliver: %w", derr)
				return nil, err
			}
		}
	}
	return outcome, nil
}

// executeTurn runs one model turn with failover and the compaction-failure
// session reset (at most one reset per call).
func (r *Runner) executeTurn(ctx context.Context, req Request, resolved config.Resolved, entry *sessions.Entry, candidates []models.Candidate, thinking, verbose string, job *JobContext, dedup *messagingDedup, timeoutSec int, prompt string) (*ExecResult, error) {
	run := func(entry *sessions.Entry) (*ExecResult, error) {
		res, rerr := models.RunWithFailover(ctx, candidates, func(ctx context.Context, c models.Candidate) (*ExecResult, error) {
			exec := r.runEmbedded
			if r.cfg.IsCLIProvider(c.Provider) {
				exec = r.runCLI
			}
			if exec == nil {
				return nil, fmt.Errorf("no executor for provider %s", c.Provider)
			}
			return exec(ctx, ExecArgs{
				SessionID:         entry.SessionID,
				SessionKey:        req.SessionKey,
				SessionFile:       entry.SessionFile,
				WorkspaceDir:      resolved.Workspace,
				Prompt:            prompt,
				Images:            req.Images,
				Provider:          c.Provider,
				Model:             c.Model,
				ThinkLevel:        downgradeThinking(thinking, c.Provider, r.cfg),
				VerboseLevel:      verbose,
				TimeoutMs:         int64(timeoutSec) * 1000,
				RunID:             req.RunID,
				Lane:              req.Lane,
				ExtraSystemPrompt: req.ExtraSystemPrompt,
				OnAgentEvent:      r.makeEventSink(req.RunID, job, dedup),
			})
		}, models.RunOptions{
			IsCLI:     r.cfg.IsCLIProvider,
			Cooldowns: r.cooldowns,
			OnError: func(c models.Candidate, fe *models.FailoverError) {
				r.bus.Publish(req.RunID, bus.StreamError, map[string]any{
					"candidate": c.Key(), "reason": fe.Reason, "message": fe.Message,
				})
			},
		})
		if rerr != nil {
			return nil, rerr
		}
		out := res.Value
		if out.Meta.AgentMeta.Provider == "" {
			out.Meta.AgentMeta.Provider = res.Provider
		}
		if out.Meta.AgentMeta.Model == "" {
			out.Meta.AgentMeta.Model = res.Model
		}
		return out, nil
	}

	out, err := run(entry)
	var cfe *CompactionFailedError
	if err != nil && errors.As(err, &cfe) && resolved.SessionResets {
		// Reset session identity and restart the run once.
		slog.Warn("compaction failed, resetting session", "key", req.SessionKey, "detail", cfe.Detail)
		reset, serr := r.sessions.Update(req.SessionKey, func(e *sessions.Entry) {
			e.SessionID = uuid.NewString()
			e.SessionFile = r.sessions.ResolveTranscriptPath(e.SessionID, sessions.TopicID(req.SessionKey))
			e.SystemSent = false
		})
		if serr != nil {
			return nil, serr
		}
		r.bus.Publish(req.RunID, bus.StreamCompaction, map[string]any{"phase": "session_reset"})
		return run(reset)
	}
	return out, err
}

// resolveSession loads or creates the entry for the request's key, forking
// from the parent session for thread stimuli.
func (r *Runner) resolveSession(req Request, resolved config.Resolved) (*sessions.Entry, bool, error) {
	entry, err := r.sessions.Get(req.SessionKey)
	if err != nil {
		return nil, false, err
	}
	if entry != nil && entry.SessionID != "" {
		return entry, false, nil
	}

	if req.ParentSessionKey != "" {
		e, ferr := r.sessions.ForkForThread(req.ParentSessionKey, req.SessionKey, req.ThreadLabel)
		return e, true, ferr
	}

	e, uerr := r.sessions.Update(req.SessionKey, func(e *sessions.Entry) {
		e.SessionID = uuid.NewString()
		e.SessionFile = r.sessions.ResolveTranscriptPath(e.SessionID, sessions.TopicID(req.SessionKey))
		if resolved.DisplayName != "" {
			e.DisplayName = resolved.DisplayName
		}
	})
	return e, true, uerr
}

// makeEventSink forwards executor events to the bus and feeds tool events to
// the messaging dedup tracker and the job query counter. Out-of-order tool
// end events (end without start) are logged as anomalies and dropped.
func (r *Runner) makeEventSink(runID string, job *JobContext, dedup *messagingDedup) func(bus.Event) {
	startedCalls := map[string]bool{}
	var mu sync.Mutex
	return func(ev bus.Event) {
		data, _ := ev.Data.(map[string]any)
		if ev.Stream == bus.StreamTool && data != nil {
			phase, _ := data["phase"].(string)
			callID, _ := data["toolCallId"].(string)
			name, _ := data["name"].(string)
			mu.Lock()
			switch phase {
			case "start":
				startedCalls[callID] = true
				job.IncrementQuery()
				if name == "message" || name == "sessions_send" {
					text, _ := data["text"].(string)
					to, _ := data["to"].(string)
					dedup.toolStarted(callID, text, to)
				}
			case "end":
				if !startedCalls[callID] {
					mu.Unlock()
					slog.Warn("tool end without start", "run", runID, "toolCallId", callID)
					return
				}
				isErr, _ := data["isError"].(bool)
				dedup.toolEnded(callID, isErr)
			}
			mu.Unlock()
		}
		r.bus.Publish(runID, ev.Stream, ev.Data)
	}
}

func (r *Runner) ensureSharedMemory() {
	f := r.cfg.SharedMemory.File
	if f == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(f), 0o755); err != nil {
		return
	}
	if _, err := os.Stat(f); os.IsNotExist(err) {
		_ = os.WriteFile(f, nil, 0o644)
	}
}

// Guard returns the shared-memory write guard for the tool layer.
func (r *Runner) Guard() *tools.SharedMemoryGuard { return r.guard }

func toCandidates(refs []config.ModelRef) []models.Candidate {
	out := make([]models.Candidate, 0, len(refs))
	for _, ref := range refs {
		out = append(out, models.Candidate{Provider: ref.Provider, Model: ref.Model})
	}
	return out
}

var thinkingLevels = map[string]bool{"off": true, "low": true, "medium": true, "high": true, "xhigh": true}

func resolveThinking(override, persisted, def string) string {
	for _, v := range []string{override, persisted, def} {
		if thinkingLevels[v] {
			return v
		}
	}
	return "medium"
}

// downgradeThinking lowers xhigh to high for providers that do not support it.
// Only CLI backends accept xhigh.
func downgradeThinking(level, provider string, cfg *config.Config) string {
	if level == "xhigh" && !cfg.IsCLIProvider(provider) {
		return "high"
	}
	return level
}

func resolveVerbose(override, persisted, def string) string {
	for _, v := range []string{override, persisted, def} {
		if v == "on" || v == "off" {
			return v
		}
	}
	return "off"
}

// snapshotSkills lists skill names available from the configured roots.
func snapshotSkills() []string {
	var names []string
	for _, root := range config.SkillsRoots() {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}
	return names
}

func formatUsageLine(u Usage, model string) string {
	return fmt.Sprintf("📊 %s · in %d · out %d · total %d", model, u.Input, u.Output, u.Input+u.Output)
}

func addUsage(dst *Usage, u Usage) {
	dst.Input += u.Input
	dst.Output += u.Output
	dst.CacheRead += u.CacheRead
	dst.CacheWrite += u.CacheWrite
	dst.Total += u.Total
	if u.Context > 0 {
		dst.Context = u.Context
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:runeBoundary(s, n)] + "…"
}

// runeBoundary backs n off to the nearest rune start so a byte cut never
// splits a UTF-8 sequence.
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
