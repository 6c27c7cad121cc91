// Package sessions — session key builder, parser and the entry store.
//
// Session keys are colon-delimited hierarchical strings:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	DM:          {channel}:direct:{peerId}
//	Group:       {channel}:group:{groupId}
//	Forum topic: {channel}:group:{groupId}:topic:{topicId}
//	Thread:      {channel}:{subtype}:{id}:thread:{threadId}
//	Cron:        cron:{jobId}
//
// Examples:
//
//	agent:main:telegram:direct:386246614
//	agent:main:slack:channel:C1:thread:123
//	agent:main:cron:morning-report
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical agent session key for a channel conversation.
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildGroupTopicSessionKey builds the session key for a forum group topic.
//
//	agent:{agentId}:{channel}:group:{chatID}:topic:{topicID}
func BuildGroupTopicSessionKey(agentID, channel, chatID string, topicID int) string {
	return fmt.Sprintf("agent:%s:%s:group:%s:topic:%d", agentID, channel, chatID, topicID)
}

// BuildThreadSessionKey derives a thread-scoped key from its parent key.
//
//	{parentKey}:thread:{threadID}
func BuildThreadSessionKey(parentKey, threadID string) string {
	return fmt.Sprintf("%s:thread:%s", parentKey, threadID)
}

// BuildCronSessionKey builds the session key for a cron job.
//
// Guards against double-prefixing: if jobID is already a canonical session key
// only the rest part is used.
func BuildCronSessionKey(agentID, jobID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = strings.TrimPrefix(rest, "cron:")
	}
	return fmt.Sprintf("agent:%s:cron:%s", agentID, jobID)
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
// Used when dm_scope="main" — all DMs share one session per agent.
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildScopedSessionKey builds a session key based on scope config.
//
// scope:
//   - "global"     → "global"
//   - "per-sender" → depends on dmScope (default)
//
// dmScope (DMs only — groups always use the full key):
//   - "main"             → agent:{agentId}:{mainKey}
//   - "per-peer"         → agent:{agentId}:direct:{peerId}
//   - "per-channel-peer" → agent:{agentId}:{channel}:direct:{peerId}  (default)
func BuildScopedSessionKey(agentID, channel string, kind PeerKind, chatID, scope, dmScope, mainKey string) string {
	if scope == "global" {
		return "global"
	}
	if kind == PeerGroup {
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
	switch dmScope {
	case "main":
		return BuildAgentMainSessionKey(agentID, mainKey)
	case "per-peer":
		return fmt.Sprintf("agent:%s:direct:%s", agentID, chatID)
	default: // "per-channel-peer" or empty
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// ThreadID returns the thread component of a key, or "" when not thread-scoped.
func ThreadID(key string) string {
	idx := strings.LastIndex(key, ":thread:")
	if idx < 0 {
		return ""
	}
	return key[idx+len(":thread:"):]
}

// TopicID returns the topic component of a key, or "" when not topic-scoped.
func TopicID(key string) string {
	idx := strings.LastIndex(key, ":topic:")
	if idx < 0 {
		return ""
	}
	id := key[idx+len(":topic:"):]
	// topic must be the last scope; a trailing :thread: belongs to ThreadID
	if strings.Contains(id, ":") {
		return ""
	}
	return id
}

// IsCronSession checks if a session key indicates a cron session.
func IsCronSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
