package heartbeat

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/surpriselab/surprisebot/internal/budget"
	"github.com/surpriselab/surprisebot/internal/bus"
	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/cron"
	"github.com/surpriselab/surprisebot/internal/ledger"
	"github.com/surpriselab/surprisebot/internal/runner"
	"github.com/surpriselab/surprisebot/internal/sessions"
	"github.com/surpriselab/surprisebot/internal/tools"
)

func TestTokenAck(t *testing.T) {
	hb := &config.HeartbeatConfig{}

	tests := []struct {
		name      string
		reply     string
		wantAck   bool
		remainder string
	}{
		{"empty reply", "   ", true, ""},
		{"bare token", "HEARTBEAT_OK", true, ""},
		{"token with short residual", "HEARTBEAT_OK all quiet", true, ""},
		{"no token", "disk filling up on /var", false, "disk filling up on /var"},
		{
			"token with long residual",
			"HEARTBEAT_OK " + strings.Repeat("x", defaultAckMaxChars+1),
			false, strings.Repeat("x", defaultAckMaxChars+1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, rem := tokenAck(tt.reply, hb)
			if ack != tt.wantAck {
				t.Errorf("ack = %v, want %v", ack, tt.wantAck)
			}
			if rem != tt.remainder {
				t.Errorf("remainder = %q, want %q", rem, tt.remainder)
			}
		})
	}
}

func TestTokenAckCustomToken(t *testing.T) {
	hb := &config.HeartbeatConfig{AckToken: "ALL_CLEAR", AckMaxChars: 5}
	if ack, _ := tokenAck("ALL_CLEAR done", hb); !ack {
		t.Error("short residual within custom limit must ack")
	}
	if ack, rem := tokenAck("ALL_CLEAR something longer", hb); ack || rem == "" {
		t.Errorf("residual over custom limit must not ack, rem = %q", rem)
	}
	if ack, _ := tokenAck("HEARTBEAT_OK", hb); ack {
		t.Error("default token must not match when a custom token is set")
	}
}

func TestParseEvery(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", defaultEvery},
		{"15m", 15 * time.Minute},
		{"1h", time.Hour},
		{"0m", 0},
		{"-5m", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseEvery(tt.in); got != tt.want {
			t.Errorf("parseEvery(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWithinActiveHours(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 1, hour, min, 0, 0, time.UTC)
	}
	day := &config.ActiveHoursConfig{Start: "09:00", End: "17:00", Timezone: "UTC"}
	night := &config.ActiveHoursConfig{Start: "22:00", End: "06:00", Timezone: "UTC"}

	tests := []struct {
		name string
		ah   *config.ActiveHoursConfig
		now  time.Time
		want bool
	}{
		{"nil window always active", nil, at(3, 0), true},
		{"inside day window", day, at(12, 0), true},
		{"start is inclusive", day, at(9, 0), true},
		{"end is exclusive", day, at(17, 0), false},
		{"before day window", day, at(8, 59), false},
		{"midnight wrap, late evening", night, at(23, 0), true},
		{"midnight wrap, early morning", night, at(5, 59), true},
		{"midnight wrap, daytime", night, at(12, 0), false},
		{"malformed bounds always active", &config.ActiveHoursConfig{Start: "9am", End: "5pm"}, at(3, 0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinActiveHours(tt.ah, tt.now); got != tt.want {
				t.Errorf("withinActiveHours = %v, want %v", got, tt.want)
			}
		})
	}
}

type recordingDeliverer struct {
	reqs []runner.DeliveryRequest
}

func (d *recordingDeliverer) Deliver(ctx context.Context, req runner.DeliveryRequest) error {
	d.reqs = append(d.reqs, req)
	return nil
}

func testScheduler(t *testing.T, reply string, queue int) (*Scheduler, *recordingDeliverer, *sessions.Store, func(time.Time)) {
	t.Helper()
	cfg := config.Default()
	cfg.Agents.Defaults.Workspace = t.TempDir()
	cfg.Agents.Defaults.Heartbeat = &config.HeartbeatConfig{Every: "30m"}

	stateDir := t.TempDir()
	sess := sessions.NewStore(filepath.Join(stateDir, "sessions.json"), stateDir)
	led := ledger.NewStore(filepath.Join(stateDir, "ledger"))
	exec := func(ctx context.Context, args runner.ExecArgs) (*runner.ExecResult, error) {
		return &runner.ExecResult{Text: reply, Payloads: []runner.Payload{{Text: reply}}}, nil
	}
	r := runner.New(runner.Deps{
		Config: cfg, Sessions: sess, Ledger: led,
		Budget: budget.NewManager(cfg, led), Bus: bus.New(),
		Registry: tools.NewRegistry(), RunEmbedded: exec, RunCLI: exec,
	})

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	del := &recordingDeliverer{}
	s := New(Deps{
		Config: cfg, Runner: r, Sessions: sess,
		QueueSize: func(lane string) int { return queue },
		Deliver:   del,
		Now:       func() time.Time { return clock },
	})
	return s, del, sess, func(now time.Time) { clock = now }
}

func TestMaybeRunAckSuppressesDelivery(t *testing.T) {
	s, del, _, _ := testScheduler(t, "HEARTBEAT_OK", 0)
	s.maybeRun(context.Background(), "main")
	if len(del.reqs) != 0 {
		t.Errorf("ack reply must not be delivered, got %+v", del.reqs)
	}
	s.mu.Lock()
	last := s.state("main").lastRunAt
	s.mu.Unlock()
	if last.IsZero() {
		t.Error("completed heartbeat must advance lastRunAt")
	}
}

func TestMaybeRunDeliversFindingToLastTarget(t *testing.T) {
	s, del, sess, _ := testScheduler(t, "disk filling up on /var", 0)
	key := sessions.BuildAgentMainSessionKey("main", "main")
	if _, err := sess.Update(key, func(e *sessions.Entry) {
		e.SessionID = "s1"
		e.LastChannel = "telegram"
		e.LastTo = "12345"
	}); err != nil {
		t.Fatal(err)
	}

	s.maybeRun(context.Background(), "main")
	if len(del.reqs) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(del.reqs))
	}
	got := del.reqs[0]
	if got.Channel != "telegram" || got.To != "12345" || !got.BestEffort {
		t.Errorf("delivery = %+v", got)
	}
	if len(got.Payloads) != 1 || !strings.Contains(got.Payloads[0].Text, "disk filling up") {
		t.Errorf("payloads = %+v", got.Payloads)
	}
}

func TestMaybeRunSkipsWhileQueueBusy(t *testing.T) {
	s, del, _, _ := testScheduler(t, "HEARTBEAT_OK", 3)
	s.maybeRun(context.Background(), "main")
	if len(del.reqs) != 0 {
		t.Error("busy queue must skip the heartbeat")
	}
	s.mu.Lock()
	last := s.state("main").lastRunAt
	s.mu.Unlock()
	if !last.IsZero() {
		t.Error("skipped heartbeat must not advance lastRunAt")
	}
}

func TestMaybeRunHonorsMinInterval(t *testing.T) {
	s, _, _, setNow := testScheduler(t, "HEARTBEAT_OK", 0)
	s.deps.Config.Agents.Defaults.Heartbeat.MinIntervalMinutes = 10

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.maybeRun(context.Background(), "main")
	s.mu.Lock()
	first := s.state("main").lastRunAt
	s.mu.Unlock()
	if first.IsZero() {
		t.Fatal("first run must fire")
	}

	// A wake request inside the min interval stays gated.
	setNow(now.Add(5 * time.Minute))
	s.mu.Lock()
	s.state("main").requested = true
	s.mu.Unlock()
	s.maybeRun(context.Background(), "main")
	s.mu.Lock()
	second := s.state("main").lastRunAt
	s.mu.Unlock()
	if !second.Equal(first) {
		t.Error("min interval must gate requested runs")
	}
}

func TestMaybeRunRequestedBeatsInterval(t *testing.T) {
	s, _, _, setNow := testScheduler(t, "HEARTBEAT_OK", 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.maybeRun(context.Background(), "main")
	s.mu.Lock()
	first := s.state("main").lastRunAt
	s.mu.Unlock()

	// Not yet due, but a wake request forces the run.
	setNow(now.Add(2 * time.Minute))
	s.RequestNow("main", "incident")
	s.maybeRun(context.Background(), "main")
	s.mu.Lock()
	second := s.state("main").lastRunAt
	s.mu.Unlock()
	if second.Equal(first) {
		t.Error("requested heartbeat must run before the interval elapses")
	}
}

func TestMaybeRunIncludesQueuedSystemEvents(t *testing.T) {
	cfg := config.Default()
	cfg.Agents.Defaults.Workspace = t.TempDir()
	cfg.Agents.Defaults.Heartbeat = &config.HeartbeatConfig{Every: "30m"}

	stateDir := t.TempDir()
	sess := sessions.NewStore(filepath.Join(stateDir, "sessions.json"), stateDir)
	led := ledger.NewStore(filepath.Join(stateDir, "ledger"))
	var prompts []string
	exec := func(ctx context.Context, args runner.ExecArgs) (*runner.ExecResult, error) {
		prompts = append(prompts, args.Prompt)
		return &runner.ExecResult{Text: "HEARTBEAT_OK"}, nil
	}
	r := runner.New(runner.Deps{
		Config: cfg, Sessions: sess, Ledger: led,
		Budget: budget.NewManager(cfg, led), Bus: bus.New(),
		Registry: tools.NewRegistry(), RunEmbedded: exec, RunCLI: exec,
	})

	events := cron.NewSystemEvents()
	key := sessions.BuildAgentMainSessionKey("main", "main")
	events.Enqueue(key, "incident:abc", "Incident [high] disk corruption")

	s := New(Deps{
		Config: cfg, Runner: r, Sessions: sess, Events: events,
		Now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	s.maybeRun(context.Background(), "main")
	if len(prompts) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(prompts))
	}
	if !strings.HasPrefix(prompts[0], "System events since last turn:\n1. Incident [high] disk corruption") {
		t.Errorf("prompt = %q", prompts[0])
	}
	if events.Size(key) != 0 {
		t.Error("queued events must drain into the heartbeat prompt")
	}

	// The next wake carries no stale event prefix.
	s.RequestNow("main", "interval")
	s.maybeRun(context.Background(), "main")
	if len(prompts) != 2 {
		t.Fatalf("executor calls = %d, want 2", len(prompts))
	}
	if strings.Contains(prompts[1], "System events since last turn:") {
		t.Errorf("second prompt repeats drained events: %q", prompts[1])
	}
}

func TestTargetNoneNeverDelivers(t *testing.T) {
	s, del, sess, _ := testScheduler(t, "a real finding", 0)
	s.deps.Config.Agents.Defaults.Heartbeat.Target = "none"
	key := sessions.BuildAgentMainSessionKey("main", "main")
	if _, err := sess.Update(key, func(e *sessions.Entry) {
		e.SessionID = "s1"
		e.LastChannel = "telegram"
		e.LastTo = "12345"
	}); err != nil {
		t.Fatal(err)
	}

	s.maybeRun(context.Background(), "main")
	if len(del.reqs) != 0 {
		t.Errorf("target none must suppress delivery, got %+v", del.reqs)
	}
}
