package config

import "strings"

// Resolved is the effective per-agent view the runner executes against.
// All inheritance from defaults is collapsed before a run starts.
type Resolved struct {
	AgentID        string
	DisplayName    string
	Provider       string
	Model          string
	ThinkingLevel  string
	VerboseLevel   string
	TimeoutSeconds int
	Workspace      string
	ToolPolicy     *ToolPolicySpec
	Heartbeat      *HeartbeatConfig
	SessionResets  bool
	UsageLine      bool
	ToolResults    ToolResultPolicy
}

// NormalizeAgentID lowercases and trims an agent id; empty maps to "main".
func NormalizeAgentID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "main"
	}
	return id
}

// DefaultAgentID returns the agent marked default, or "main".
func (c *Config) DefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return NormalizeAgentID(id)
		}
	}
	return "main"
}

// ResolveAgent collapses defaults and the agent's overrides into a Resolved view.
func (c *Config) ResolveAgent(agentID string) Resolved {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agentID = NormalizeAgentID(agentID)
	d := c.Agents.Defaults
	r := Resolved{
		AgentID:        agentID,
		Provider:       c.Models.Provider,
		Model:          c.Models.Model,
		ThinkingLevel:  d.ThinkingLevel,
		VerboseLevel:   d.VerboseLevel,
		TimeoutSeconds: d.TimeoutSeconds,
		Workspace:      d.Workspace,
		Heartbeat:      d.Heartbeat,
		SessionResets:  d.SessionResets == nil || *d.SessionResets,
		UsageLine:      d.UsageLine,
		ToolResults:    d.ToolResults,
	}

	spec, ok := c.Agents.List[agentID]
	if !ok {
		return r
	}
	if spec.DisplayName != "" {
		r.DisplayName = spec.DisplayName
	}
	if spec.Provider != "" {
		r.Provider = spec.Provider
	}
	if spec.Model != "" {
		r.Model = spec.Model
	}
	if spec.ThinkingLevel != "" {
		r.ThinkingLevel = spec.ThinkingLevel
	}
	if spec.TimeoutSeconds > 0 {
		r.TimeoutSeconds = spec.TimeoutSeconds
	}
	if spec.Workspace != "" {
		r.Workspace = spec.Workspace
	}
	if spec.Tools != nil {
		r.ToolPolicy = spec.Tools
	}
	if spec.Heartbeat != nil {
		r.Heartbeat = spec.Heartbeat
	}
	return r
}

// IsCLIProvider reports whether the provider runs as an out-of-process CLI backend.
func (c *Config) IsCLIProvider(provider string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.Models.CLI {
		if strings.EqualFold(p, provider) {
			return true
		}
	}
	return false
}

// SharedMemoryWriteAllowed reports whether agentID may write the shared memory file.
func (c *Config) SharedMemoryWriteAllowed(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agentID = NormalizeAgentID(agentID)
	for _, a := range c.SharedMemory.AllowWrite {
		if NormalizeAgentID(a) == agentID {
			return true
		}
	}
	return false
}
