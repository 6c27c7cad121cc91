// Package config holds the typed gateway configuration.
//
// Every value that reaches the runner is fully typed here; the resolver in
// resolve.go collapses defaults, per-agent overrides and provider overrides
// into an effective view before a run starts.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the Surprisebot gateway core.
type Config struct {
	Agents         AgentsConfig         `json:"agents"`
	Models         ModelsConfig         `json:"models"`
	Tools          ToolsConfig          `json:"tools"`
	Sessions       SessionsConfig       `json:"sessions"`
	Budgets        BudgetsConfig        `json:"budgets,omitempty"`
	Cron           CronConfig           `json:"cron,omitempty"`
	Incidents      IncidentsConfig      `json:"incidents,omitempty"`
	MissionControl MissionControlConfig `json:"missionControl,omitempty"`
	SharedMemory   SharedMemoryConfig   `json:"sharedMemory,omitempty"`

	mu sync.RWMutex
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
// Used by config reload so long-lived holders keep a stable pointer.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Models = src.Models
	c.Tools = src.Tools
	c.Sessions = src.Sessions
	c.Budgets = src.Budgets
	c.Cron = src.Cron
	c.Incidents = src.Incidents
	c.MissionControl = src.MissionControl
	c.SharedMemory = src.SharedMemory
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings applied to every agent.
type AgentDefaults struct {
	Workspace      string           `json:"workspace"`
	ThinkingLevel  string           `json:"thinkingLevel,omitempty"` // off|low|medium|high|xhigh
	VerboseLevel   string           `json:"verboseLevel,omitempty"`  // on|off
	TimeoutSeconds int              `json:"timeoutSeconds,omitempty"`
	Heartbeat      *HeartbeatConfig `json:"heartbeat,omitempty"`
	SessionResets  *bool            `json:"sessionResets,omitempty"` // reset session on compaction failure (default true)
	UsageLine      bool             `json:"usageLine,omitempty"`     // append a usage summary line to replies
	ToolResults    ToolResultPolicy `json:"toolResults,omitempty"`
}

// AgentSpec is the per-agent configuration override.
// Zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName    string           `json:"displayName,omitempty"`
	Provider       string           `json:"provider,omitempty"`
	Model          string           `json:"model,omitempty"`
	ThinkingLevel  string           `json:"thinkingLevel,omitempty"`
	TimeoutSeconds int              `json:"timeoutSeconds,omitempty"`
	Workspace      string           `json:"workspace,omitempty"`
	Tools          *ToolPolicySpec  `json:"tools,omitempty"`
	Heartbeat      *HeartbeatConfig `json:"heartbeat,omitempty"`
	Default        bool             `json:"default,omitempty"`
}

// ToolResultPolicy governs the post-run retry rules for tool results.
type ToolResultPolicy struct {
	RetryOnce           bool `json:"retryOnce,omitempty"`
	WarnOnMissing       bool `json:"warnOnMissing,omitempty"`
	RequireToolForQuery bool `json:"requireToolForQueries,omitempty"`
	Strict              bool `json:"strict,omitempty"`
}

// ModelsConfig configures model selection and failover.
type ModelsConfig struct {
	Provider  string      `json:"provider"` // primary provider
	Model     string      `json:"model"`    // primary model
	Fallbacks []ModelRef  `json:"fallbacks,omitempty"`
	AllowList []ModelRef  `json:"allowList,omitempty"` // empty = all allowed
	CLI       []string    `json:"cliProviders,omitempty"` // providers that run as out-of-process CLI backends
}

// ModelRef names a provider/model pair.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ToolsConfig is the global tool policy plus named profile selection.
type ToolsConfig struct {
	Profile    string                     `json:"profile,omitempty"`
	Allow      []string                   `json:"allow,omitempty"`
	Deny       []string                   `json:"deny,omitempty"`
	ByProvider map[string]*ToolPolicySpec `json:"byProvider,omitempty"`
	Sandbox    *ToolPolicySpec            `json:"sandbox,omitempty"`
}

// ToolPolicySpec is one allow/deny layer, optionally per-provider.
type ToolPolicySpec struct {
	Profile    string                     `json:"profile,omitempty"`
	Allow      []string                   `json:"allow,omitempty"`
	Deny       []string                   `json:"deny,omitempty"`
	ByProvider map[string]*ToolPolicySpec `json:"byProvider,omitempty"`
}

// SessionsConfig configures session persistence.
type SessionsConfig struct {
	MainKey string `json:"mainKey,omitempty"` // shared main session suffix (default "main")
	DMScope string `json:"dmScope,omitempty"` // main|per-peer|per-channel-peer
	Scope   string `json:"scope,omitempty"`   // global|per-sender
}

// BudgetsConfig holds the three nested budget scopes.
type BudgetsConfig struct {
	Global  *BudgetWindow            `json:"global,omitempty"`
	ByJob   map[string]*BudgetWindow `json:"byJob,omitempty"`
	ByAgent map[string]*BudgetWindow `json:"byAgent,omitempty"`
}

// BudgetWindow is one scope's sliding window and caps. Zero caps are unset.
type BudgetWindow struct {
	Window            string  `json:"window,omitempty"`      // duration string, default "24h"
	Enforcement       string  `json:"enforcement,omitempty"` // hard|soft (default hard)
	WarnPct           float64 `json:"warnPct,omitempty"`     // default 80
	HardPct           float64 `json:"hardPct,omitempty"`     // default 100
	RunLimit          int     `json:"runLimit,omitempty"`
	TokenLimit        int64   `json:"tokenLimit,omitempty"`
	ConcurrencyLimit  int     `json:"concurrencyLimit,omitempty"`
	QueryLimit        int     `json:"queryLimit,omitempty"`
	MaxRuntimeSeconds int     `json:"maxRuntimeSeconds,omitempty"`
	MaxOutputChars    int     `json:"maxOutputChars,omitempty"`
	TokenEstimate     int64   `json:"tokenEstimate,omitempty"`
}

// WindowDuration parses the window with a 24h default.
func (w *BudgetWindow) WindowDuration() time.Duration {
	if w == nil || w.Window == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(w.Window)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// HeartbeatConfig configures periodic agent heartbeats.
type HeartbeatConfig struct {
	Every              string             `json:"every,omitempty"` // "30m", "0m"=disabled
	MinIntervalMinutes int                `json:"minIntervalMinutes,omitempty"`
	Prompt             string             `json:"prompt,omitempty"`
	AckToken           string             `json:"ackToken,omitempty"`    // default "HEARTBEAT_OK"
	AckMaxChars        int                `json:"ackMaxChars,omitempty"` // max trailing chars after token (default 300)
	Target             string             `json:"target,omitempty"`      // "last" (default), "none", or channel ID
	To                 string             `json:"to,omitempty"`
	ActiveHours        *ActiveHoursConfig `json:"activeHours,omitempty"`
}

// ActiveHoursConfig restricts heartbeats to a time window.
type ActiveHoursConfig struct {
	Start    string `json:"start,omitempty"`    // "HH:MM" inclusive
	End      string `json:"end,omitempty"`      // "HH:MM" exclusive
	Timezone string `json:"timezone,omitempty"` // IANA timezone (default: local)
}

// CronConfig holds the cron schedule list.
type CronConfig struct {
	Jobs []CronJob `json:"jobs,omitempty"`
}

// CronJob is one scheduled agent turn.
type CronJob struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Schedule string         `json:"schedule"` // cron expression
	AgentID  string         `json:"agentId,omitempty"`
	JobType  string         `json:"jobType,omitempty"` // budget lane, default "cron"
	Payload  CronJobPayload `json:"payload"`
}

// CronJobPayload describes the agent turn a cron job triggers.
type CronJobPayload struct {
	Kind              string `json:"kind"` // "agentTurn"
	Message           string `json:"message"`
	Model             string `json:"model,omitempty"`
	Thinking          string `json:"thinking,omitempty"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty"`
	Deliver           bool   `json:"deliver,omitempty"`
	BestEffortDeliver bool   `json:"bestEffortDeliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
}

// IncidentsConfig configures the file-watch incident pipeline.
type IncidentsConfig struct {
	Enabled          *bool    `json:"enabled,omitempty"` // default true
	WatchDirs        []string `json:"watchDirs,omitempty"`
	StatusFile       string   `json:"statusFile,omitempty"`
	ActiveMemoryFile string   `json:"activeMemoryFile,omitempty"`
	MinEvidenceCount int      `json:"minEvidenceCount,omitempty"` // default 2
}

// MissionControlConfig configures the task DB and incident→task routing.
type MissionControlConfig struct {
	DBPath      string            `json:"dbPath,omitempty"` // default <workspace>/memory/mission-control.db
	KillSwitch  bool              `json:"killSwitch,omitempty"`
	MinSeverity string            `json:"minSeverity,omitempty"` // default "medium"
	Trust       TrustConfig       `json:"trust,omitempty"`
	Routing     map[string]string `json:"routing,omitempty"` // incident source → agent id
	QAAgent     string            `json:"qaAgent,omitempty"`
	KeepDays    int               `json:"keepDays,omitempty"` // ledger rollup retention (default 7)
}

// TrustConfig resolves an incident source to a trust tier.
type TrustConfig struct {
	BySource          map[string]string `json:"bySource,omitempty"`
	QuarantineSources []string          `json:"quarantineSources,omitempty"`
	DefaultTier       string            `json:"defaultTier,omitempty"` // default "unverified"
}

// SharedMemoryConfig guards writes to the shared memory file.
type SharedMemoryConfig struct {
	File       string   `json:"file,omitempty"`
	AllowWrite []string `json:"allowWrite,omitempty"` // agent ids allowed to write
}
