package budget

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/ledger"
)

func testManager(t *testing.T, cfg *config.Config) (*Manager, *ledger.Store, time.Time) {
	t.Helper()
	led := ledger.NewStore(t.TempDir())
	m := NewManager(cfg, led)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, led, now
}

func appendRun(t *testing.T, led *ledger.Store, id, agentID, jobType, status string, ts time.Time, tokens int64) {
	t.Helper()
	err := led.AppendRun(ledger.RunRecord{
		ID: id, TS: ledger.Timestamp(ts), Source: ledger.SourceCron,
		Status: status, AgentID: agentID, JobType: jobType, EstimatedTokens: tokens,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEvaluate_NoBudgetsAllows(t *testing.T) {
	m, _, _ := testManager(t, config.Default())
	eval, err := m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decision != DecisionAllow {
		t.Errorf("decision = %q, want allow", eval.Decision)
	}
}

func TestEvaluate_SoftRunLimitDefers(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.ByJob = map[string]*config.BudgetWindow{
		"cron": {Window: "24h", Enforcement: "soft", RunLimit: 2},
	}
	m, led, now := testManager(t, cfg)
	appendRun(t, led, "r1", "main", "cron", ledger.StatusDone, now.Add(-2*time.Hour), 0)
	appendRun(t, led, "r2", "main", "cron", ledger.StatusDone, now.Add(-1*time.Hour), 0)

	eval, err := m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decision != DecisionDefer {
		t.Errorf("decision = %q, want defer", eval.Decision)
	}
	if eval.Reason != "run_limit_reached" {
		t.Errorf("reason = %q", eval.Reason)
	}
	if eval.Scope != "job" {
		t.Errorf("scope = %q", eval.Scope)
	}

	// The decision lands in the budget ledger.
	lines, err := led.ReadAll("budget-ledger")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("budget ledger lines = %d, want 1", len(lines))
	}
	var rec ledger.BudgetRecord
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Decision != DecisionDefer || rec.Reason != "run_limit_reached" || rec.Scope != "job" {
		t.Errorf("record = %+v", rec)
	}
}

func TestEvaluate_HardEnforcementDenies(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.ByAgent = map[string]*config.BudgetWindow{
		"main": {Window: "24h", RunLimit: 1},
	}
	m, led, now := testManager(t, cfg)
	appendRun(t, led, "r1", "main", "cron", ledger.StatusDone, now.Add(-time.Hour), 0)

	eval, err := m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decision != DecisionDeny {
		t.Errorf("decision = %q, want deny", eval.Decision)
	}
}

func TestEvaluate_WarnPctThrottles(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.Global = &config.BudgetWindow{
		Window: "24h", RunLimit: 10, WarnPct: 80,
	}
	m, led, now := testManager(t, cfg)
	for i := 0; i < 8; i++ {
		appendRun(t, led, "r"+string(rune('0'+i)), "main", "cron", ledger.StatusDone, now.Add(-time.Hour), 0)
	}

	// 8 used runs = 80% of 10 but under the hard limit.
	eval, err := m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decision != DecisionThrottle {
		t.Errorf("decision = %q, want throttle", eval.Decision)
	}
	if eval.Reason != "approaching_run_limit_reached" {
		t.Errorf("reason = %q", eval.Reason)
	}
}

func TestEvaluate_ConcurrencyLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.ByAgent = map[string]*config.BudgetWindow{
		"main": {Window: "24h", ConcurrencyLimit: 1},
	}
	m, led, now := testManager(t, cfg)
	appendRun(t, led, "r1", "main", "cron", ledger.StatusRunning, now.Add(-time.Minute), 0)

	eval, err := m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decision != DecisionDeny || eval.Reason != "concurrency_limit_reached" {
		t.Errorf("eval = %+v", eval)
	}
}

func TestEvaluate_DedupCountsFinalStatusOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.ByAgent = map[string]*config.BudgetWindow{
		"main": {Window: "24h", Enforcement: "soft", RunLimit: 3},
	}
	m, led, now := testManager(t, cfg)
	// One run appears twice (running then done); it must count once.
	appendRun(t, led, "r1", "main", "cron", ledger.StatusRunning, now.Add(-time.Hour), 0)
	appendRun(t, led, "r1", "main", "cron", ledger.StatusDone, now.Add(-50*time.Minute), 0)

	eval, err := m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if len(eval.Checks) != 1 {
		t.Fatalf("checks = %+v", eval.Checks)
	}
	if eval.Checks[0].UsedRuns != 1 {
		t.Errorf("usedRuns = %d, want 1", eval.Checks[0].UsedRuns)
	}
	if eval.Checks[0].Running != 0 {
		t.Errorf("running = %d, want 0 (final status wins)", eval.Checks[0].Running)
	}
}

func TestEvaluate_TokenLimitWithEstimate(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.Global = &config.BudgetWindow{
		Window: "24h", Enforcement: "soft", TokenLimit: 1000, TokenEstimate: 300,
	}
	m, led, now := testManager(t, cfg)
	appendRun(t, led, "r1", "main", "cron", ledger.StatusDone, now.Add(-time.Hour), 800)

	eval, err := m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decision != DecisionDefer || eval.Reason != "token_limit_reached" {
		t.Errorf("eval = %+v", eval)
	}
}

func TestEvaluate_FirstRunUnderLimitAllows(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.ByAgent = map[string]*config.BudgetWindow{
		"main": {Window: "24h", RunLimit: 1},
	}
	m, led, now := testManager(t, cfg)

	// Empty window: the single allowed run must go through.
	eval, err := m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decision != DecisionAllow {
		t.Fatalf("decision = %q, want allow before any run", eval.Decision)
	}

	appendRun(t, led, "r1", "main", "cron", ledger.StatusDone, now.Add(-time.Minute), 0)
	eval, err = m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decision != DecisionDeny || eval.Reason != "run_limit_reached" {
		t.Errorf("eval = %+v, want deny once the limit is used", eval)
	}
}

func TestEvaluate_WindowExcludesOldRuns(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.ByAgent = map[string]*config.BudgetWindow{
		"main": {Window: "1h", RunLimit: 1},
	}
	m, led, now := testManager(t, cfg)
	appendRun(t, led, "r1", "main", "cron", ledger.StatusDone, now.Add(-2*time.Hour), 0)

	eval, err := m.Evaluate("main", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if eval.Decision != DecisionAllow {
		t.Errorf("decision = %q, runs outside the window must not count", eval.Decision)
	}
}

func TestResolveCaps_InnermostWins(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.Global = &config.BudgetWindow{QueryLimit: 100, MaxRuntimeSeconds: 600}
	cfg.Budgets.ByAgent = map[string]*config.BudgetWindow{
		"main": {QueryLimit: 50},
	}
	cfg.Budgets.ByJob = map[string]*config.BudgetWindow{
		"cron": {MaxRuntimeSeconds: 120, MaxOutputChars: 4000},
	}
	m, _, _ := testManager(t, cfg)

	caps := m.ResolveCaps("main", "cron")
	if caps.QueryLimit != 50 {
		t.Errorf("QueryLimit = %d, want agent override 50", caps.QueryLimit)
	}
	if caps.MaxRuntimeSeconds != 120 {
		t.Errorf("MaxRuntimeSeconds = %d, want job override 120", caps.MaxRuntimeSeconds)
	}
	if caps.MaxOutputChars != 4000 {
		t.Errorf("MaxOutputChars = %d", caps.MaxOutputChars)
	}
}
