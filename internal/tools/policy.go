package tools

import (
	"log/slog"
	"strings"

	"github.com/surpriselab/surprisebot/internal/config"
)

// Tool groups map group names to tool names; specs may reference them as
// "group:{name}".
var toolGroups = map[string][]string{
	"fs":        {"read", "write", "edit", "apply_patch", "glob", "search"},
	"runtime":   {"exec", "process"},
	"web":       {"web_search", "web_fetch"},
	"memory":    {"memory_search", "memory_get"},
	"sessions":  {"sessions_list", "sessions_history", "sessions_send", "session_status"},
	"messaging": {"message"},
}

// Tool profiles define preset allow sets. "full" or empty = no restriction.
var toolProfiles = map[string][]string{
	"minimal":   {"session_status"},
	"coding":    {"group:fs", "group:runtime", "group:sessions", "group:memory"},
	"messaging": {"group:messaging", "sessions_list", "sessions_history", "sessions_send", "session_status"},
	"full":      {},
}

// Tool aliases map alternative names to canonical names.
var toolAliases = map[string]string{
	"bash":        "exec",
	"apply-patch": "apply_patch",
}

// Layer is one allow/deny policy in the ordered layer list. A tool survives
// a layer iff (allow unset ∨ name ∈ allow) ∧ (deny unset ∨ name ∉ deny).
// Layers are intersective — the most restrictive wins regardless of order.
type Layer struct {
	Name  string // for logging
	Allow []string
	Deny  []string
}

// Apply filters names through the layer. Nil Allow means "no allow filter";
// an empty non-nil Allow denies everything.
func (l Layer) Apply(names []string) []string {
	var allow, deny map[string]bool
	if l.Allow != nil {
		allow = expand(l.Allow)
	}
	if len(l.Deny) > 0 {
		deny = expand(l.Deny)
	}
	var out []string
	for _, n := range names {
		canonical := resolveAlias(n)
		if allow != nil && !allow[n] && !allow[canonical] {
			continue
		}
		if deny != nil && (deny[n] || deny[canonical]) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// expand resolves group: and alias references in a spec into a name set.
func expand(spec []string) map[string]bool {
	set := map[string]bool{}
	for _, s := range spec {
		if g, ok := strings.CutPrefix(s, "group:"); ok {
			for _, m := range toolGroups[g] {
				set[m] = true
			}
			continue
		}
		set[resolveAlias(s)] = true
		set[s] = true
	}
	return set
}

func resolveAlias(name string) string {
	if canonical, ok := toolAliases[name]; ok {
		return canonical
	}
	return name
}

// profileLayer converts a named profile into an allow layer.
// Unknown profiles log and pass everything through.
func profileLayer(name, origin string) (Layer, bool) {
	if name == "" || name == "full" {
		return Layer{}, false
	}
	spec, ok := toolProfiles[name]
	if !ok {
		slog.Warn("unknown tool profile", "profile", name, "origin", origin)
		return Layer{}, false
	}
	if len(spec) == 0 {
		return Layer{}, false
	}
	return Layer{Name: origin + ":profile:" + name, Allow: spec}, true
}

func specLayer(spec *config.ToolPolicySpec, origin string) (Layer, bool) {
	if spec == nil || (len(spec.Allow) == 0 && len(spec.Deny) == 0) {
		return Layer{}, false
	}
	l := Layer{Name: origin, Deny: spec.Deny}
	if len(spec.Allow) > 0 {
		l.Allow = spec.Allow
	}
	return l, true
}

// ResolveLayers builds the ordered layer list for one run:
//
//	[profile, providerProfile, global, globalProvider,
//	 agent, agentProvider, sandbox, subagent]
func ResolveLayers(global *config.ToolsConfig, provider string, agent *config.ToolPolicySpec, subagentProfile string) []Layer {
	var layers []Layer
	add := func(l Layer, ok bool) {
		if ok {
			layers = append(layers, l)
		}
	}

	if global != nil {
		add(profileLayer(global.Profile, "global"))
		if pp := global.ByProvider[provider]; pp != nil {
			add(profileLayer(pp.Profile, "provider"))
		}
		if len(global.Allow) > 0 || len(global.Deny) > 0 {
			l := Layer{Name: "global", Deny: global.Deny}
			if len(global.Allow) > 0 {
				l.Allow = global.Allow
			}
			layers = append(layers, l)
		}
		add(specLayer(global.ByProvider[provider], "global-provider"))
	}

	add(specLayer(agent, "agent"))
	if agent != nil {
		add(specLayer(agent.ByProvider[provider], "agent-provider"))
	}
	if global != nil {
		add(specLayer(global.Sandbox, "sandbox"))
	}
	add(profileLayer(subagentProfile, "subagent"))

	return layers
}

// Filter folds names through the layer list.
func Filter(names []string, layers []Layer) []string {
	for _, l := range layers {
		names = l.Apply(names)
	}
	return names
}

// FilterTools returns the registry tools that survive the layers.
func FilterTools(reg *Registry, layers []Layer) []*Tool {
	var out []*Tool
	for _, name := range Filter(reg.List(), layers) {
		if t, ok := reg.Get(name); ok {
			out = append(out, t)
		}
	}
	return out
}

// RemapForOAuth renames tools for CLI providers in OAuth auth mode.
// The remap happens upstream of delivery and never alters filtering.
var oauthRemap = map[string]string{
	"exec":        "Bash",
	"read":        "Read",
	"write":       "Write",
	"edit":        "Edit",
	"apply_patch": "Edit",
}

func RemapForOAuth(name string) string {
	if mapped, ok := oauthRemap[name]; ok {
		return mapped
	}
	return name
}
