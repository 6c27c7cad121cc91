package missioncontrol

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/surpriselab/surprisebot/internal/ledger"
)

// Trust tiers, loosest to strictest handling.
const (
	TierTrusted     = "trusted"
	TierUnverified  = "unverified"
	TierQuarantined = "quarantined"
)

// Task statuses. New tasks land in the inbox; QA-required tasks pass through
// review before any terminal state.
const (
	StatusInbox      = "inbox"
	StatusAssigned   = "assigned"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusVerified   = "verified"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
	StatusCancelled  = "cancelled"
)

var severityRank = map[string]int{"low": 1, "medium": 2, "high": 3}

// Fingerprint derives the stable task identity for an incident:
// SHA-256 over source, severity, summary and evidence lines.
func Fingerprint(inc ledger.IncidentRecord) string {
	h := sha256.New()
	h.Write([]byte(inc.Source))
	h.Write([]byte("\n"))
	h.Write([]byte(inc.Severity))
	h.Write([]byte("\n"))
	h.Write([]byte(inc.Summary))
	h.Write([]byte("\n"))
	h.Write([]byte(strings.Join(inc.Evidence, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// MaybeCreateTaskFromIncident creates a task for the incident unless a gate
// blocks it. Returns true when a new task row was inserted.
//
// Gates, in order: kill switch, minimum severity, research incidents must
// carry a URL. A fingerprint collision records an incident_dedupe activity
// on the existing task instead of inserting.
func (d *DB) MaybeCreateTaskFromIncident(ctx context.Context, inc ledger.IncidentRecord) (bool, error) {
	mc := d.cfg.MissionControl
	if mc.KillSwitch {
		return false, nil
	}
	minSev := mc.MinSeverity
	if minSev == "" {
		minSev = "medium"
	}
	if severityRank[inc.Severity] < severityRank[minSev] {
		return false, nil
	}
	url, _ := inc.Meta["url"].(string)
	if inc.Source == "research" && url == "" {
		return false, nil
	}
	path, _ := inc.Meta["file"].(string)

	fp := Fingerprint(inc)

	var existingID string
	err := d.sql.QueryRowContext(ctx, `SELECT id FROM tasks WHERE fingerprint = ?`, fp).Scan(&existingID)
	switch {
	case err == nil:
		// Duplicate: log the sighting on the existing task.
		if _, aerr := d.sql.ExecContext(ctx,
			`INSERT INTO activities (id, task_id, kind, detail, created_at) VALUES (?, ?, 'incident_dedupe', ?, ?)`,
			uuid.NewString(), existingID, inc.ID, d.timestamp()); aerr != nil {
			return false, aerr
		}
		slog.Debug("incident deduped to existing task", "task", existingID, "incident", inc.ID)
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}

	tier := d.resolveTrustTier(inc.Source)
	assignee := d.resolveAssignee(inc.Source)
	qaRequired := mc.QAAgent != "" && tier != TierTrusted

	meta, err := json.Marshal(map[string]any{"incidentId": inc.ID})
	if err != nil {
		return false, err
	}

	taskID := uuid.NewString()
	now := d.timestamp()
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, fingerprint, source, severity, title, description, url, path,
			status, priority, assignee, trust_tier, qa_required, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, fp, inc.Source, inc.Severity, inc.Summary,
		strings.Join(inc.Evidence, "\n"), url, path,
		StatusInbox, inc.Severity, assignee, tier, boolInt(qaRequired),
		string(meta), now, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO activities (id, task_id, kind, detail, created_at) VALUES (?, ?, 'task_created', ?, ?)`,
		uuid.NewString(), taskID, inc.ID, now); err != nil {
		return false, err
	}
	for _, agent := range subscribers(assignee, mc.QAAgent, qaRequired) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO subscriptions (id, task_id, agent_id, created_at) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), taskID, agent, now); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notifications (id, task_id, agent_id, kind, body, created_at) VALUES (?, ?, ?, 'task_created', ?, ?)`,
			uuid.NewString(), taskID, agent, inc.Summary, now); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	slog.Info("task created", "task", taskID, "source", inc.Source, "severity", inc.Severity, "assignee", assignee)
	return true, nil
}

func (d *DB) resolveTrustTier(source string) string {
	trust := d.cfg.MissionControl.Trust
	for _, q := range trust.QuarantineSources {
		if strings.EqualFold(q, source) {
			return TierQuarantined
		}
	}
	if tier, ok := trust.BySource[source]; ok && tier != "" {
		return tier
	}
	if trust.DefaultTier != "" {
		return trust.DefaultTier
	}
	return TierUnverified
}

func (d *DB) resolveAssignee(source string) string {
	routing := d.cfg.MissionControl.Routing
	if agent, ok := routing[source]; ok {
		return agent
	}
	if agent, ok := routing["default"]; ok {
		return agent
	}
	return d.cfg.DefaultAgentID()
}

func subscribers(assignee, qaAgent string, qaRequired bool) []string {
	var out []string
	if assignee != "" {
		out = append(out, assignee)
	}
	if qaRequired && qaAgent != "" && qaAgent != assignee {
		out = append(out, qaAgent)
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
