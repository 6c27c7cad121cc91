package missioncontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// maintenanceInterval paces the background duplicate sweep.
const maintenanceInterval = time.Hour

// Run performs maintenance on a fixed interval until ctx is done.
func (d *DB) Run(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		if n, err := d.PruneIncidentDuplicates(ctx); err != nil {
			slog.Warn("incident prune failed", "error", err)
		} else if n > 0 {
			slog.Info("incident duplicates pruned", "count", n)
		}
		if n, err := d.PruneDuplicates(ctx); err != nil {
			slog.Warn("mission db maintenance failed", "error", err)
		} else if n > 0 {
			slog.Info("mission db duplicates pruned", "count", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PruneIncidentDuplicates rewrites incidents.jsonl dropping records that
// duplicate an earlier one by (source, normalized summary, url, path),
// keeping the first occurrence. Tasks created from a pruned incident are
// deleted; their activities and subscriptions cascade.
func (d *DB) PruneIncidentDuplicates(ctx context.Context) (int, error) {
	if d.led == nil {
		return 0, nil
	}
	incs, err := d.led.ReadIncidents()
	if err != nil {
		return 0, err
	}

	seen := map[string]bool{}
	var keep []json.RawMessage
	pruned := map[string]bool{}
	for _, inc := range incs {
		url, _ := inc.Meta["url"].(string)
		path, _ := inc.Meta["file"].(string)
		key := inc.Source + "|" + normalizeSummary(inc.Summary) + "|" + url + "|" + path
		if seen[key] {
			pruned[inc.ID] = true
			continue
		}
		seen[key] = true
		line, merr := json.Marshal(inc)
		if merr != nil {
			return 0, merr
		}
		keep = append(keep, line)
	}
	if len(pruned) == 0 {
		return 0, nil
	}
	if err := d.led.Rewrite("incidents", keep); err != nil {
		return 0, err
	}

	rows, err := d.sql.QueryContext(ctx, `SELECT id, COALESCE(meta, '') FROM tasks`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var orphaned []string
	for rows.Next() {
		var id, meta string
		if err := rows.Scan(&id, &meta); err != nil {
			return 0, err
		}
		var m struct {
			IncidentID string `json:"incidentId"`
		}
		if meta == "" || json.Unmarshal([]byte(meta), &m) != nil {
			continue
		}
		if pruned[m.IncidentID] {
			orphaned = append(orphaned, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, id := range orphaned {
		if _, err := d.sql.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return 0, err
		}
	}
	return len(pruned), nil
}

// PruneDuplicates removes tasks that duplicate an earlier task by
// (source, normalized title, url, path), keeping the oldest. Dependent
// rows cascade via foreign keys.
func (d *DB) PruneDuplicates(ctx context.Context) (int, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id, source, title, COALESCE(url, ''), COALESCE(path, '') FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	var dupes []string
	for rows.Next() {
		var id, source, title, url, path string
		if err := rows.Scan(&id, &source, &title, &url, &path); err != nil {
			return 0, err
		}
		key := source + "|" + normalizeSummary(title) + "|" + url + "|" + path
		if seen[key] {
			dupes = append(dupes, id)
			continue
		}
		seen[key] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range dupes {
		if _, err := d.sql.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return 0, err
		}
	}
	return len(dupes), nil
}

func normalizeSummary(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
