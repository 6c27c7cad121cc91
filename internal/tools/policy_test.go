package tools

import (
	"reflect"
	"sort"
	"testing"

	"github.com/surpriselab/surprisebot/internal/config"
)

var allTools = []string{
	"read", "write", "edit", "apply_patch", "glob", "search",
	"exec", "process", "web_search", "web_fetch",
	"memory_search", "memory_get",
	"sessions_list", "sessions_history", "sessions_send", "session_status",
	"message",
}

func TestLayerApply(t *testing.T) {
	tests := []struct {
		name  string
		layer Layer
		in    []string
		want  []string
	}{
		{
			"nil allow passes everything",
			Layer{},
			[]string{"read", "exec"},
			[]string{"read", "exec"},
		},
		{
			"empty non-nil allow denies everything",
			Layer{Allow: []string{}},
			[]string{"read", "exec"},
			nil,
		},
		{
			"allow filters",
			Layer{Allow: []string{"read"}},
			[]string{"read", "write", "exec"},
			[]string{"read"},
		},
		{
			"deny removes",
			Layer{Deny: []string{"exec"}},
			[]string{"read", "exec"},
			[]string{"read"},
		},
		{
			"group expansion in allow",
			Layer{Allow: []string{"group:web"}},
			[]string{"web_search", "web_fetch", "exec"},
			[]string{"web_search", "web_fetch"},
		},
		{
			"alias resolves in deny",
			Layer{Deny: []string{"bash"}},
			[]string{"exec", "read"},
			[]string{"read"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.layer.Apply(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Apply() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterIsIntersective(t *testing.T) {
	layers := []Layer{
		{Name: "a", Allow: []string{"read", "write", "exec"}},
		{Name: "b", Deny: []string{"exec"}},
	}
	got := Filter(allTools, layers)
	want := []string{"read", "write"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}

	// Order must not matter for the surviving set.
	reversed := Filter(allTools, []Layer{layers[1], layers[0]})
	sort.Strings(got)
	sort.Strings(reversed)
	if !reflect.DeepEqual(got, reversed) {
		t.Errorf("layer order changed the result: %v vs %v", got, reversed)
	}
}

func TestResolveLayers_AgentOverrideRestricts(t *testing.T) {
	global := &config.ToolsConfig{Profile: "coding"}
	agent := &config.ToolPolicySpec{Allow: []string{"read"}}

	layers := ResolveLayers(global, "anthropic", agent, "")
	got := Filter(allTools, layers)
	if !reflect.DeepEqual(got, []string{"read"}) {
		t.Errorf("agent allow:[read] under coding profile = %v, want [read]", got)
	}
}

func TestResolveLayers_ProviderAndSandbox(t *testing.T) {
	global := &config.ToolsConfig{
		Deny: []string{"message"},
		ByProvider: map[string]*config.ToolPolicySpec{
			"openai": {Deny: []string{"web_fetch"}},
		},
		Sandbox: &config.ToolPolicySpec{Deny: []string{"group:runtime"}},
	}

	got := Filter([]string{"message", "web_fetch", "web_search", "exec", "read"},
		ResolveLayers(global, "openai", nil, ""))
	want := []string{"web_search", "read"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() = %v, want %v", got, want)
	}

	// Another provider keeps web_fetch but still loses message and exec.
	got = Filter([]string{"message", "web_fetch", "exec", "read"},
		ResolveLayers(global, "anthropic", nil, ""))
	want = []string{"web_fetch", "read"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Filter() other provider = %v, want %v", got, want)
	}
}

func TestResolveLayers_SubagentProfile(t *testing.T) {
	got := Filter(allTools, ResolveLayers(nil, "", nil, "minimal"))
	if !reflect.DeepEqual(got, []string{"session_status"}) {
		t.Errorf("minimal subagent profile = %v, want [session_status]", got)
	}
}

func TestUnknownProfilePassesThrough(t *testing.T) {
	global := &config.ToolsConfig{Profile: "does-not-exist"}
	got := Filter([]string{"read", "exec"}, ResolveLayers(global, "", nil, ""))
	if !reflect.DeepEqual(got, []string{"read", "exec"}) {
		t.Errorf("unknown profile must not filter, got %v", got)
	}
}

func TestRemapForOAuth(t *testing.T) {
	if got := RemapForOAuth("exec"); got != "Bash" {
		t.Errorf("exec → %q", got)
	}
	if got := RemapForOAuth("web_search"); got != "web_search" {
		t.Errorf("unmapped tool changed: %q", got)
	}
}
