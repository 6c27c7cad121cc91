// Package cron schedules recurring agent turns and queues system events for
// agents to pick up on their next wake.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/ledger"
	"github.com/surpriselab/surprisebot/internal/runner"
	"github.com/surpriselab/surprisebot/internal/sessions"
)

// Deps are the scheduler's collaborators.
type Deps struct {
	Config *config.Config
	Runner *runner.Runner
	// Now is injectable for tests.
	Now func() time.Time
	// OnJobDone observes job completions (tests, metrics).
	OnJobDone func(job config.CronJob, err error)
}

// Scheduler fires configured cron jobs. Each job runs in its own isolated
// session so recurring work never pollutes conversation history.
type Scheduler struct {
	deps Deps
	gron *gronx.Gronx

	mu      sync.Mutex
	lastRun map[string]time.Time // job id → minute it last fired
}

// New creates a Scheduler. Jobs with invalid schedules are logged and skipped
// at tick time, never at startup.
func New(d Deps) *Scheduler {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Scheduler{
		deps:    d,
		gron:    gronx.New(),
		lastRun: map[string]time.Time{},
	}
}

// Run ticks once per minute until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	// Align the first tick to the minute boundary.
	now := s.deps.Now()
	first := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		s.Tick(ctx, s.deps.Now())
		now = s.deps.Now()
		timer.Reset(now.Truncate(time.Minute).Add(time.Minute).Sub(now))
	}
}

// Tick evaluates every job against the given instant and fires the due ones.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	for _, job := range s.deps.Config.Cron.Jobs {
		if job.Schedule == "" || job.ID == "" {
			continue
		}
		due, err := s.gron.IsDue(job.Schedule, minute)
		if err != nil {
			slog.Warn("cron schedule invalid", "job", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.mu.Lock()
		if s.lastRun[job.ID].Equal(minute) {
			s.mu.Unlock()
			continue
		}
		s.lastRun[job.ID] = minute
		s.mu.Unlock()

		go s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job config.CronJob) {
	agentID := config.NormalizeAgentID(job.AgentID)
	if job.AgentID == "" {
		agentID = s.deps.Config.DefaultAgentID()
	}
	lane := job.JobType
	if lane == "" {
		lane = "cron"
	}
	provider, model := splitModelRef(job.Payload.Model)

	name := job.Name
	if name == "" {
		name = job.ID
	}
	prompt := fmt.Sprintf("[cron:%s %s] %s", job.ID, name, job.Payload.Message)

	slog.Info("cron job firing", "job", job.ID, "agent", agentID)
	_, err := s.deps.Runner.Run(ctx, runner.Request{
		SessionKey:        sessions.BuildCronSessionKey(agentID, job.ID),
		AgentID:           agentID,
		Message:           prompt,
		Provider:          provider,
		Model:             model,
		Thinking:          job.Payload.Thinking,
		TimeoutSec:        job.Payload.TimeoutSeconds,
		Lane:              lane,
		Source:            ledger.SourceCron,
		Deliver:           job.Payload.Deliver,
		BestEffortDeliver: job.Payload.BestEffortDeliver,
		Channel:           job.Payload.Channel,
		To:                job.Payload.To,
	})
	if err != nil {
		slog.Warn("cron job failed", "job", job.ID, "error", err)
	}
	if s.deps.OnJobDone != nil {
		s.deps.OnJobDone(job, err)
	}
}

// splitModelRef splits "provider/model" into its parts; a bare value is a model.
func splitModelRef(ref string) (provider, model string) {
	if ref == "" {
		return "", ""
	}
	if i := strings.IndexByte(ref, '/'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
