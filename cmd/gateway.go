package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/cron"
	"github.com/surpriselab/surprisebot/internal/heartbeat"
	"github.com/surpriselab/surprisebot/internal/incidents"
	"github.com/surpriselab/surprisebot/internal/ledger"
	"github.com/surpriselab/surprisebot/internal/missioncontrol"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the orchestrator gateway (heartbeat, cron, incidents, maintenance)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	initLogging()
	s, err := buildStack()
	if err != nil {
		slog.Error("gateway startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := missioncontrol.Open(ctx, s.cfg, s.ledger)
	if err != nil {
		slog.Error("mission db open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	hb := heartbeat.New(heartbeat.Deps{
		Config:    s.cfg,
		Runner:    s.runner,
		Sessions:  s.sessions,
		QueueSize: s.runner.QueueSize,
		Deliver:   s.deliverer,
		Events:    s.events,
	})
	s.events.Kick = hb.RequestNow

	cronSched := cron.New(cron.Deps{Config: s.cfg, Runner: s.runner})

	gen := incidents.New(incidents.Deps{
		Config: s.cfg,
		Ledger: s.ledger,
		Tasks:  db,
		Events: s.events,
		Kick:   hb.RequestNow,
	})
	memory := incidents.NewRefresher(s.cfg.Incidents.ActiveMemoryFile, s.ledger)

	slog.Info("gateway starting", "version", Version, "state", config.StateDir())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hb.Run(ctx) })
	g.Go(func() error { return cronSched.Run(ctx) })
	g.Go(func() error { return gen.Run(ctx) })
	g.Go(func() error { return memory.Run(ctx) })
	g.Go(func() error { return db.Run(ctx) })
	g.Go(func() error { return rollupLoop(ctx, s) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

// rollupLoop archives old ledger records once per day (checked hourly).
func rollupLoop(ctx context.Context, s *stack) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		opts := ledger.RollupOptions{KeepDays: s.cfg.MissionControl.KeepDays}
		if err := s.ledger.Rollup(time.Now(), opts); err != nil {
			slog.Warn("ledger rollup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
