package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/surpriselab/surprisebot/internal/budget"
	"github.com/surpriselab/surprisebot/internal/bus"
	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/cron"
	"github.com/surpriselab/surprisebot/internal/ledger"
	"github.com/surpriselab/surprisebot/internal/models"
	"github.com/surpriselab/surprisebot/internal/runner"
	"github.com/surpriselab/surprisebot/internal/sessions"
	"github.com/surpriselab/surprisebot/internal/tools"
)

// stack bundles the orchestrator's wired components.
type stack struct {
	cfg       *config.Config
	sessions  *sessions.Store
	ledger    *ledger.Store
	budget    *budget.Manager
	bus       *bus.Bus
	cooldowns *models.Cooldowns
	registry  *tools.Registry
	events    *cron.SystemEvents
	runner    *runner.Runner
	deliverer runner.Deliverer
}

// buildStack loads config and wires every component short of the background
// loops. The gateway and the one-shot agent command share it.
func buildStack() (*stack, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	stateDir := config.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, err
	}

	s := &stack{
		cfg:       cfg,
		sessions:  sessions.NewStore(filepath.Join(stateDir, "sessions.json"), stateDir),
		ledger:    ledger.NewStore(filepath.Join(stateDir, "ledger")),
		bus:       bus.New(),
		cooldowns: models.NewCooldowns(),
		registry:  tools.NewRegistry(),
		events:    cron.NewSystemEvents(),
	}
	s.budget = budget.NewManager(cfg, s.ledger)
	s.deliverer = &outboxDeliverer{path: filepath.Join(stateDir, "outbox.jsonl")}

	s.registry.Register(sessionStatusTool(s.sessions))

	s.runner = runner.New(runner.Deps{
		Config:      cfg,
		Sessions:    s.sessions,
		Ledger:      s.ledger,
		Budget:      s.budget,
		Bus:         s.bus,
		Cooldowns:   s.cooldowns,
		Registry:    s.registry,
		Deliverer:   s.deliverer,
		RunEmbedded: embeddedUnavailable,
		RunCLI:      cliExecutor,
	})
	return s, nil
}

// outboxDeliverer appends outbound payloads to an outbox file. Channel
// transports run out of process and tail this file.
type outboxDeliverer struct {
	path string
}

type outboxRecord struct {
	ID      string   `json:"id"`
	TS      string   `json:"ts"`
	Channel string   `json:"channel"`
	To      string   `json:"to"`
	Account string   `json:"accountId,omitempty"`
	Texts   []string `json:"texts,omitempty"`
	Media   []string `json:"mediaUrls,omitempty"`
}

func (o *outboxDeliverer) Deliver(ctx context.Context, req runner.DeliveryRequest) error {
	rec := outboxRecord{
		ID: uuid.NewString(), TS: ledger.Timestamp(time.Now()),
		Channel: req.Channel, To: req.To, Account: req.AccountID,
	}
	for _, p := range req.Payloads {
		if p.Text != "" {
			rec.Texts = append(rec.Texts, p.Text)
		}
		rec.Media = append(rec.Media, p.MediaURLs...)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// sessionStatusTool reports the session entry backing the current run. This
// is the one tool in the "minimal" profile.
func sessionStatusTool(store *sessions.Store) *tools.Tool {
	return &tools.Tool{
		Name:        "session_status",
		Description: "Show the current session's model, token usage and transcript path",
		Execute: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			key, _ := args["sessionKey"].(string)
			if key == "" {
				return &tools.Result{ForAgent: "sessionKey argument required", IsError: true}, nil
			}
			entry, err := store.Get(key)
			if err != nil {
				return nil, err
			}
			if entry == nil {
				return &tools.Result{ForAgent: "no session for " + key}, nil
			}
			return &tools.Result{ForAgent: fmt.Sprintf(
				"session %s\nmodel: %s/%s\ntokens: in %d out %d total %d\ntranscript: %s",
				entry.SessionID, entry.ModelProvider, entry.Model,
				entry.InputTokens, entry.OutputTokens, entry.TotalTokens, entry.SessionFile)}, nil
		},
	}
}
