// Package budget evaluates run budgets over sliding ledger windows and
// emits four-valued decisions (allow/throttle/defer/deny) to the budget ledger.
package budget

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/ledger"
)

// Decisions, ordered weakest to strongest.
const (
	DecisionAllow    = "allow"
	DecisionThrottle = "throttle"
	DecisionDefer    = "defer"
	DecisionDeny     = "deny"
)

var decisionRank = map[string]int{
	DecisionAllow: 0, DecisionThrottle: 1, DecisionDefer: 2, DecisionDeny: 3,
}

// Error is a pre-run budget denial. Decision is defer or deny.
type Error struct {
	Decision string
	Reason   string
	Scope    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("budget %s (%s scope): %s", e.Decision, e.Scope, e.Reason)
}

// Check is one scope's evaluation, recorded in the budget ledger meta.
type Check struct {
	Scope      string `json:"scope"`
	ScopeID    string `json:"scopeId,omitempty"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	UsedRuns   int    `json:"usedRuns"`
	UsedTokens int64  `json:"usedTokens"`
	Running    int    `json:"running"`
}

// Evaluation is the collapsed outcome across scopes.
type Evaluation struct {
	Decision string
	Reason   string
	Scope    string
	Checks   []Check
}

// Caps are the per-run limits the runner and tool layer enforce mid-run.
type Caps struct {
	QueryLimit        int
	MaxRuntimeSeconds int
	MaxOutputChars    int
}

// Manager evaluates budgets against the run ledger.
type Manager struct {
	cfg    *config.Config
	ledger *ledger.Store
	now    func() time.Time
}

// NewManager creates a budget manager.
func NewManager(cfg *config.Config, led *ledger.Store) *Manager {
	return &Manager{cfg: cfg, ledger: led, now: time.Now}
}

// scopeWindow pairs one configured scope with the runs that count against it.
type scopeWindow struct {
	scope   string
	scopeID string
	win     *config.BudgetWindow
	match   func(ledger.RunRecord) bool
}

func (m *Manager) scopes(agentID, jobType string) []scopeWindow {
	b := m.cfg.Budgets
	var out []scopeWindow
	if b.Global != nil {
		out = append(out, scopeWindow{
			scope: "global", win: b.Global,
			match: func(ledger.RunRecord) bool { return true },
		})
	}
	if w, ok := b.ByAgent[agentID]; ok && w != nil {
		out = append(out, scopeWindow{
			scope: "agent", scopeID: agentID, win: w,
			match: func(r ledger.RunRecord) bool { return r.AgentID == agentID },
		})
	}
	if w, ok := b.ByJob[jobType]; ok && w != nil {
		out = append(out, scopeWindow{
			scope: "job", scopeID: jobType, win: w,
			match: func(r ledger.RunRecord) bool { return r.JobType == jobType },
		})
	}
	return out
}

// Evaluate runs the window algorithm for one prospective run and appends the
// budget-ledger record. The returned evaluation is the collapsed decision;
// callers treat defer/deny as a pre-run abort.
func (m *Manager) Evaluate(agentID, jobType string) (*Evaluation, error) {
	now := m.now()
	scopes := m.scopes(agentID, jobType)

	eval := &Evaluation{Decision: DecisionAllow}
	for _, sw := range scopes {
		check, err := m.evaluateScope(sw, now)
		if err != nil {
			return nil, err
		}
		eval.Checks = append(eval.Checks, check)
		if decisionRank[check.Decision] > decisionRank[eval.Decision] {
			eval.Decision = check.Decision
			eval.Reason = check.Reason
			eval.Scope = check.Scope
		}
	}

	rec := ledger.BudgetRecord{
		ID:       uuid.NewString(),
		TS:       ledger.Timestamp(now),
		Scope:    "run",
		ScopeID:  agentID,
		Decision: eval.Decision,
		Reason:   eval.Reason,
		BudgetSnapshot: map[string]any{
			"agentId": agentID,
			"jobType": jobType,
		},
		Meta: map[string]any{"checks": eval.Checks},
	}
	if eval.Scope != "" {
		rec.Scope = eval.Scope
	}
	if err := m.ledger.AppendBudget(rec); err != nil {
		return nil, err
	}
	return eval, nil
}

func (m *Manager) evaluateScope(sw scopeWindow, now time.Time) (Check, error) {
	check := Check{Scope: sw.scope, ScopeID: sw.scopeID, Decision: DecisionAllow}

	runs, err := m.ledger.ReadRunsSince(now.Add(-sw.win.WindowDuration()))
	if err != nil {
		return check, err
	}
	for _, r := range runs {
		if !sw.match(r) {
			continue
		}
		check.UsedRuns++
		check.UsedTokens += r.EstimatedTokens
		if r.Status == ledger.StatusRunning {
			check.Running++
		}
	}

	w := sw.win
	warnPct := w.WarnPct
	if warnPct <= 0 {
		warnPct = 80
	}
	hardPct := w.HardPct
	if hardPct <= 0 {
		hardPct = 100
	}
	hardDecision := DecisionDeny
	if w.Enforcement == "soft" {
		hardDecision = DecisionDefer
	}
	estimate := w.TokenEstimate

	// over compares a usage count against a limit. Counts of completed work
	// trip a threshold once they reach it; a prospective count (usage plus
	// the estimate for this run) only trips when it would exceed it, so the
	// first run under an untouched limit is never refused.
	over := func(count, limit float64, prospective bool) string {
		if limit <= 0 {
			return DecisionAllow
		}
		exceeds := func(threshold float64) bool {
			if prospective {
				return count > threshold
			}
			return count >= threshold
		}
		switch {
		case exceeds(limit * hardPct / 100):
			return hardDecision
		case exceeds(limit * warnPct / 100):
			return DecisionThrottle
		default:
			return DecisionAllow
		}
	}
	apply := func(decision, reason string) {
		if decisionRank[decision] > decisionRank[check.Decision] {
			check.Decision = decision
			check.Reason = reason
		}
	}

	if w.ConcurrencyLimit > 0 && check.Running >= w.ConcurrencyLimit {
		apply(hardDecision, "concurrency_limit_reached")
	}
	apply(over(float64(check.UsedRuns), float64(w.RunLimit), false), "run_limit_reached")
	apply(over(float64(check.UsedTokens+estimate), float64(w.TokenLimit), true), "token_limit_reached")

	// Throttle reasons should not carry the hard-limit label.
	if check.Decision == DecisionThrottle {
		check.Reason = "approaching_" + check.Reason
	}
	return check, nil
}

// ResolveCaps exposes the effective per-run caps; the innermost configured
// scope wins (job over agent over global).
func (m *Manager) ResolveCaps(agentID, jobType string) Caps {
	var caps Caps
	apply := func(w *config.BudgetWindow) {
		if w == nil {
			return
		}
		if w.QueryLimit > 0 {
			caps.QueryLimit = w.QueryLimit
		}
		if w.MaxRuntimeSeconds > 0 {
			caps.MaxRuntimeSeconds = w.MaxRuntimeSeconds
		}
		if w.MaxOutputChars > 0 {
			caps.MaxOutputChars = w.MaxOutputChars
		}
	}
	apply(m.cfg.Budgets.Global)
	apply(m.cfg.Budgets.ByAgent[agentID])
	apply(m.cfg.Budgets.ByJob[jobType])
	return caps
}
