package missioncontrol

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/ledger"
)

func testDB(t *testing.T, cfg *config.Config) *DB {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.MissionControl.DBPath = filepath.Join(t.TempDir(), "mission-control.db")
	db, err := Open(context.Background(), cfg, ledger.NewStore(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func incident(severity, summary string) ledger.IncidentRecord {
	return ledger.IncidentRecord{
		ID: "inc-1", TS: ledger.Timestamp(time.Now()),
		Source: "app.log", Severity: severity, Summary: summary,
		Evidence: []string{"line one", "line two"},
	}
}

func countRows(t *testing.T, db *DB, table string) int {
	t.Helper()
	var n int
	if err := db.sql.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestFingerprintStable(t *testing.T) {
	a := incident("high", "disk corruption")
	b := incident("high", "disk corruption")
	b.ID = "inc-2"
	b.TS = ledger.Timestamp(time.Now().Add(time.Hour))
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprint must ignore id and ts")
	}

	c := incident("high", "disk corruption")
	c.Evidence = []string{"other"}
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("fingerprint must cover evidence")
	}
}

func TestMaybeCreateTask(t *testing.T) {
	db := testDB(t, nil)
	created, err := db.MaybeCreateTaskFromIncident(context.Background(), incident("high", "disk corruption"))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a task")
	}

	var source, severity, status, assignee, tier string
	var qa int
	err = db.sql.QueryRow(`SELECT source, severity, status, assignee, trust_tier, qa_required FROM tasks`).
		Scan(&source, &severity, &status, &assignee, &tier, &qa)
	if err != nil {
		t.Fatal(err)
	}
	if source != "app.log" || severity != "high" || status != StatusInbox {
		t.Errorf("task = %s/%s/%s", source, severity, status)
	}
	if assignee != "main" {
		t.Errorf("assignee = %q, want default agent", assignee)
	}
	if tier != TierUnverified {
		t.Errorf("tier = %q", tier)
	}
	if qa != 0 {
		t.Error("qa_required must be 0 without a QA agent")
	}
	var priority, meta string
	if err := db.sql.QueryRow(`SELECT priority, meta FROM tasks`).Scan(&priority, &meta); err != nil {
		t.Fatal(err)
	}
	if priority != "high" {
		t.Errorf("priority = %q, want severity carried over", priority)
	}
	var m struct {
		IncidentID string `json:"incidentId"`
	}
	if err := json.Unmarshal([]byte(meta), &m); err != nil || m.IncidentID != "inc-1" {
		t.Errorf("meta = %q, want the originating incident id", meta)
	}
	if countRows(t, db, "activities") != 1 {
		t.Error("task_created activity missing")
	}
	if countRows(t, db, "subscriptions") != 1 || countRows(t, db, "notifications") != 1 {
		t.Error("assignee subscription/notification missing")
	}
}

func TestMaybeCreateTaskDedupesByFingerprint(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()
	if created, _ := db.MaybeCreateTaskFromIncident(ctx, incident("high", "disk corruption")); !created {
		t.Fatal("first incident must create")
	}
	dup := incident("high", "disk corruption")
	dup.ID = "inc-2"
	created, err := db.MaybeCreateTaskFromIncident(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("duplicate fingerprint must not create a second task")
	}
	if countRows(t, db, "tasks") != 1 {
		t.Errorf("tasks = %d", countRows(t, db, "tasks"))
	}
	var kind, detail string
	err = db.sql.QueryRow(`SELECT kind, detail FROM activities WHERE kind = 'incident_dedupe'`).Scan(&kind, &detail)
	if err != nil {
		t.Fatal(err)
	}
	if detail != "inc-2" {
		t.Errorf("dedupe detail = %q", detail)
	}
}

func TestMaybeCreateTaskGates(t *testing.T) {
	t.Run("kill switch", func(t *testing.T) {
		cfg := config.Default()
		cfg.MissionControl.KillSwitch = true
		db := testDB(t, cfg)
		created, err := db.MaybeCreateTaskFromIncident(context.Background(), incident("high", "x"))
		if err != nil || created {
			t.Errorf("created = %v, err = %v", created, err)
		}
	})

	t.Run("below min severity", func(t *testing.T) {
		db := testDB(t, nil)
		created, err := db.MaybeCreateTaskFromIncident(context.Background(), incident("low", "x"))
		if err != nil || created {
			t.Errorf("created = %v, err = %v", created, err)
		}
	})

	t.Run("research without url", func(t *testing.T) {
		db := testDB(t, nil)
		inc := incident("high", "exposure")
		inc.Source = "research"
		created, err := db.MaybeCreateTaskFromIncident(context.Background(), inc)
		if err != nil || created {
			t.Errorf("created = %v, err = %v", created, err)
		}
	})

	t.Run("research with url", func(t *testing.T) {
		db := testDB(t, nil)
		inc := incident("high", "exposure")
		inc.Source = "research"
		inc.Meta = map[string]any{"url": "https://example.com/report"}
		created, err := db.MaybeCreateTaskFromIncident(context.Background(), inc)
		if err != nil || !created {
			t.Errorf("created = %v, err = %v", created, err)
		}
		var url string
		if err := db.sql.QueryRow(`SELECT url FROM tasks`).Scan(&url); err != nil {
			t.Fatal(err)
		}
		if url != "https://example.com/report" {
			t.Errorf("url = %q", url)
		}
	})
}

func TestRoutingAndTrust(t *testing.T) {
	cfg := config.Default()
	cfg.MissionControl.Routing = map[string]string{
		"app.log": "ops",
		"default": "triage",
	}
	cfg.MissionControl.Trust = config.TrustConfig{
		BySource:          map[string]string{"app.log": TierTrusted},
		QuarantineSources: []string{"pastebin"},
	}
	cfg.MissionControl.QAAgent = "qa"
	db := testDB(t, cfg)
	ctx := context.Background()

	if _, err := db.MaybeCreateTaskFromIncident(ctx, incident("high", "routed incident")); err != nil {
		t.Fatal(err)
	}
	var assignee, tier string
	var qa int
	err := db.sql.QueryRow(`SELECT assignee, trust_tier, qa_required FROM tasks WHERE title = 'routed incident'`).
		Scan(&assignee, &tier, &qa)
	if err != nil {
		t.Fatal(err)
	}
	if assignee != "ops" || tier != TierTrusted || qa != 0 {
		t.Errorf("assignee=%q tier=%q qa=%d", assignee, tier, qa)
	}

	other := incident("high", "unknown source incident")
	other.Source = "pastebin"
	if _, err := db.MaybeCreateTaskFromIncident(ctx, other); err != nil {
		t.Fatal(err)
	}
	err = db.sql.QueryRow(`SELECT assignee, trust_tier, qa_required FROM tasks WHERE title = 'unknown source incident'`).
		Scan(&assignee, &tier, &qa)
	if err != nil {
		t.Fatal(err)
	}
	if assignee != "triage" || tier != TierQuarantined || qa != 1 {
		t.Errorf("assignee=%q tier=%q qa=%d", assignee, tier, qa)
	}
	// QA agent subscribed alongside the assignee.
	var subs int
	db.sql.QueryRow(`SELECT COUNT(*) FROM subscriptions s JOIN tasks t ON t.id = s.task_id WHERE t.title = 'unknown source incident'`).Scan(&subs)
	if subs != 2 {
		t.Errorf("subscriptions = %d, want assignee + qa", subs)
	}
}

func TestPruneIncidentDuplicates(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()

	add := func(id, source, summary string, meta map[string]any) {
		t.Helper()
		err := db.led.AppendIncident(ledger.IncidentRecord{
			ID: id, TS: ledger.Timestamp(time.Now()), Source: source,
			Severity: "high", Summary: summary, Meta: meta,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	add("i1", "app.log", "Disk Corruption detected", nil)
	add("i2", "app.log", "disk  corruption DETECTED", nil)
	add("i3", "research", "disk corruption detected", map[string]any{"url": "https://example.com"})

	// Tasks created from the first two incidents; the duplicate's task must go.
	for _, inc := range []string{"i1", "i2"} {
		meta, _ := json.Marshal(map[string]any{"incidentId": inc})
		_, err := db.sql.ExecContext(ctx, `
			INSERT INTO tasks (id, fingerprint, source, severity, title, status, meta, created_at, updated_at)
			VALUES (?, ?, 'app.log', 'high', 'disk corruption', 'inbox', ?, '2026-03-01T10:00:00Z', '2026-03-01T10:00:00Z')`,
			"t-"+inc, "fp-"+inc, string(meta))
		if err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.PruneIncidentDuplicates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	incs, err := db.led.ReadIncidents()
	if err != nil {
		t.Fatal(err)
	}
	if len(incs) != 2 {
		t.Fatalf("incidents after prune = %d, want 2 (different source/url kept)", len(incs))
	}
	if incs[0].ID != "i1" {
		t.Errorf("keeper = %q, want the first occurrence", incs[0].ID)
	}
	if countRows(t, db, "tasks") != 1 {
		t.Errorf("tasks = %d, want the pruned incident's task dropped", countRows(t, db, "tasks"))
	}
	var remaining string
	if err := db.sql.QueryRow(`SELECT id FROM tasks`).Scan(&remaining); err != nil {
		t.Fatal(err)
	}
	if remaining != "t-i1" {
		t.Errorf("remaining task = %q", remaining)
	}

	// A second pass finds nothing new.
	if n, err := db.PruneIncidentDuplicates(ctx); err != nil || n != 0 {
		t.Errorf("second pass = %d, %v", n, err)
	}
}

func TestPruneDuplicates(t *testing.T) {
	db := testDB(t, nil)
	ctx := context.Background()

	insert := func(id, title, createdAt string) {
		t.Helper()
		_, err := db.sql.ExecContext(ctx, `
			INSERT INTO tasks (id, fingerprint, source, severity, title, status, created_at, updated_at)
			VALUES (?, ?, 'app.log', 'high', ?, 'inbox', ?, ?)`,
			id, "fp-"+id, title, createdAt, createdAt)
		if err != nil {
			t.Fatal(err)
		}
	}
	insert("t1", "Disk Corruption detected", "2026-03-01T10:00:00Z")
	insert("t2", "disk   corruption DETECTED", "2026-03-01T11:00:00Z")
	insert("t3", "a different problem", "2026-03-01T12:00:00Z")

	// Dependent rows on the duplicate must cascade.
	if _, err := db.sql.ExecContext(ctx,
		`INSERT INTO activities (id, task_id, kind, created_at) VALUES ('a1', 't2', 'task_created', '2026-03-01T11:00:00Z')`); err != nil {
		t.Fatal(err)
	}

	n, err := db.PruneDuplicates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if countRows(t, db, "tasks") != 2 {
		t.Errorf("tasks = %d", countRows(t, db, "tasks"))
	}
	var keeper string
	if err := db.sql.QueryRow(`SELECT id FROM tasks WHERE title LIKE '%orruption%'`).Scan(&keeper); err != nil {
		t.Fatal(err)
	}
	if keeper != "t1" {
		t.Errorf("keeper = %q, want the oldest", keeper)
	}
	if countRows(t, db, "activities") != 0 {
		t.Error("cascade delete missed dependent activities")
	}
}
