package ledger

import (
	"encoding/json"
	"time"
)

// Run sources.
const (
	SourceInteractive = "interactive"
	SourceCron        = "cron"
	SourceSystem      = "system"
	SourceHook        = "hook"
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RunRecord is one line of run-ledger.jsonl. Later records with the same ID
// override earlier ones; readers collapse to the latest ts.
type RunRecord struct {
	ID              string         `json:"id"`
	TS              string         `json:"ts"`
	Source          string         `json:"source"`
	Status          string         `json:"status"`
	AgentID         string         `json:"agentId,omitempty"`
	JobType         string         `json:"jobType,omitempty"`
	Command         string         `json:"command,omitempty"`
	StartedAt       string         `json:"startedAt,omitempty"`
	FinishedAt      string         `json:"finishedAt,omitempty"`
	ExitCode        *int           `json:"exitCode,omitempty"`
	EstimatedTokens int64          `json:"estimatedTokens,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
}

// BudgetRecord is one line of budget-ledger.jsonl, written before each run.
type BudgetRecord struct {
	ID             string         `json:"id"`
	TS             string         `json:"ts"`
	Scope          string         `json:"scope"` // global|agent|job|run
	ScopeID        string         `json:"scopeId,omitempty"`
	Decision       string         `json:"decision"` // allow|throttle|defer|deny
	Reason         string         `json:"reason,omitempty"`
	BudgetSnapshot map[string]any `json:"budgetSnapshot,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// IncidentRecord is one line of incidents.jsonl.
type IncidentRecord struct {
	ID       string         `json:"id"`
	TS       string         `json:"ts"`
	Source   string         `json:"source"`
	Severity string         `json:"severity"` // low|medium|high
	Summary  string         `json:"summary"`
	Evidence []string       `json:"evidence,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// AppendRun appends a run-ledger record.
func (s *Store) AppendRun(r RunRecord) error { return s.Append("run-ledger", r) }

// AppendBudget appends a budget-ledger record.
func (s *Store) AppendBudget(r BudgetRecord) error { return s.Append("budget-ledger", r) }

// AppendIncident appends an incident record.
func (s *Store) AppendIncident(r IncidentRecord) error { return s.Append("incidents", r) }

// ReadRunsSince returns run records with ts >= since, deduplicated by id
// keeping the record with the latest ts — the final status of each run.
func (s *Store) ReadRunsSince(since time.Time) ([]RunRecord, error) {
	raw, err := s.ReadAll("run-ledger")
	if err != nil {
		return nil, err
	}
	latest := map[string]RunRecord{}
	order := []string{}
	for _, line := range raw {
		var r RunRecord
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		t, ok := ParseTimestamp(r.TS)
		if !ok || t.Before(since) {
			continue
		}
		prev, seen := latest[r.ID]
		if !seen {
			order = append(order, r.ID)
			latest[r.ID] = r
			continue
		}
		pt, _ := ParseTimestamp(prev.TS)
		if !t.Before(pt) {
			latest[r.ID] = r
		}
	}
	out := make([]RunRecord, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

// ReadIncidents returns all incident records in file order.
func (s *Store) ReadIncidents() ([]IncidentRecord, error) {
	raw, err := s.ReadAll("incidents")
	if err != nil {
		return nil, err
	}
	out := make([]IncidentRecord, 0, len(raw))
	for _, line := range raw {
		var r IncidentRecord
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
