package sessions

import "testing"

func TestBuildSessionKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"dm", BuildSessionKey("main", "telegram", PeerDirect, "386246614"), "agent:main:telegram:direct:386246614"},
		{"group", BuildSessionKey("main", "slack", PeerGroup, "C1"), "agent:main:slack:group:C1"},
		{"topic", BuildGroupTopicSessionKey("main", "telegram", "-100123", 456), "agent:main:telegram:group:-100123:topic:456"},
		{"thread", BuildThreadSessionKey("agent:main:slack:channel:C1", "123"), "agent:main:slack:channel:C1:thread:123"},
		{"cron", BuildCronSessionKey("main", "morning-report"), "agent:main:cron:morning-report"},
		{"cron double prefix guard", BuildCronSessionKey("main", "agent:main:cron:morning-report"), "agent:main:cron:morning-report"},
		{"agent main", BuildAgentMainSessionKey("ops", ""), "agent:ops:main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBuildScopedSessionKey(t *testing.T) {
	tests := []struct {
		name    string
		kind    PeerKind
		scope   string
		dmScope string
		want    string
	}{
		{"global scope", PeerDirect, "global", "", "global"},
		{"group ignores dm scope", PeerGroup, "", "main", "agent:main:telegram:group:42"},
		{"dm main", PeerDirect, "", "main", "agent:main:main"},
		{"dm per-peer", PeerDirect, "", "per-peer", "agent:main:direct:42"},
		{"dm default per-channel-peer", PeerDirect, "", "", "agent:main:telegram:direct:42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildScopedSessionKey("main", "telegram", tt.kind, "42", tt.scope, tt.dmScope, "")
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSessionKey(t *testing.T) {
	agentID, rest := ParseSessionKey("agent:ops:telegram:direct:1")
	if agentID != "ops" || rest != "telegram:direct:1" {
		t.Errorf("got (%q, %q)", agentID, rest)
	}
	if id, r := ParseSessionKey("global"); id != "" || r != "" {
		t.Errorf("non-canonical key should parse empty, got (%q, %q)", id, r)
	}
}

func TestThreadAndTopicID(t *testing.T) {
	key := "agent:main:telegram:group:-100123:topic:456"
	if got := TopicID(key); got != "456" {
		t.Errorf("TopicID = %q", got)
	}
	if got := ThreadID(key); got != "" {
		t.Errorf("ThreadID on topic key = %q", got)
	}

	threaded := key + ":thread:789"
	if got := ThreadID(threaded); got != "789" {
		t.Errorf("ThreadID = %q", got)
	}
	// topic is no longer the last scope, so it no longer reads as a topic key
	if got := TopicID(threaded); got != "" {
		t.Errorf("TopicID with trailing thread = %q", got)
	}
}

func TestIsCronSession(t *testing.T) {
	if !IsCronSession("agent:main:cron:daily") {
		t.Error("expected cron session")
	}
	if IsCronSession("agent:main:telegram:direct:1") {
		t.Error("dm key is not a cron session")
	}
}
