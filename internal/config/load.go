package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:      "~/.surprisebot/workspace",
				ThinkingLevel:  "medium",
				VerboseLevel:   "off",
				TimeoutSeconds: 600,
			},
		},
		Models: ModelsConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
		},
		Sessions: SessionsConfig{
			MainKey: "main",
			DMScope: "per-channel-peer",
		},
		MissionControl: MissionControlConfig{
			MinSeverity: "medium",
			KeepDays:    7,
		},
		Incidents: IncidentsConfig{
			MinEvidenceCount: 2,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// StateDir resolves the state directory root.
// SURPRISEBOT_STATE_DIR wins; otherwise ~/.surprisebot.
func StateDir() string {
	if v := os.Getenv("SURPRISEBOT_STATE_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".surprisebot"
	}
	return filepath.Join(home, ".surprisebot")
}

// SkillsRoots returns extra skill roots from SURPRISEBOT_SKILLS_ROOTS
// (a path-list separated by the OS list separator).
func SkillsRoots() []string {
	v := os.Getenv("SURPRISEBOT_SKILLS_ROOTS")
	if v == "" {
		return nil
	}
	var roots []string
	for _, p := range filepath.SplitList(v) {
		if p = strings.TrimSpace(p); p != "" {
			roots = append(roots, p)
		}
	}
	return roots
}

// AllowUnsafeWorkspace reports whether workspace safety checks are disabled.
func AllowUnsafeWorkspace() bool {
	v := os.Getenv("SURPRISEBOT_ALLOW_UNSAFE_WORKSPACE")
	return v == "1" || strings.EqualFold(v, "true")
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SURPRISEBOT_PROVIDER", &c.Models.Provider)
	envStr("SURPRISEBOT_MODEL", &c.Models.Model)
	envStr("SURPRISEBOT_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("SURPRISEBOT_MISSION_DB", &c.MissionControl.DBPath)

	// Expand ~ in workspace paths.
	c.Agents.Defaults.Workspace = expandHome(c.Agents.Defaults.Workspace)
	for id, spec := range c.Agents.List {
		spec.Workspace = expandHome(spec.Workspace)
		c.Agents.List[id] = spec
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
