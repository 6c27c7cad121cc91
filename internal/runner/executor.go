package runner

import (
	"context"

	"github.com/surpriselab/surprisebot/internal/bus"
)

// Usage is token accounting reported by an executor.
type Usage struct {
	Input      int64 `json:"input,omitempty"`
	Output     int64 `json:"output,omitempty"`
	CacheRead  int64 `json:"cacheRead,omitempty"`
	CacheWrite int64 `json:"cacheWrite,omitempty"`
	Total      int64 `json:"total,omitempty"`
	Context    int64 `json:"context,omitempty"`
}

// Payload is one deliverable piece of agent output.
type Payload struct {
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	Reasoning bool     `json:"reasoning,omitempty"`
	IsError   bool     `json:"isError,omitempty"`
}

// AgentMeta describes the session the executor actually ran against.
type AgentMeta struct {
	Usage     Usage
	Provider  string
	Model     string
	SessionID string
}

// ToolResultsMeta summarizes tool activity within a run.
type ToolResultsMeta struct {
	Started int
	Ended   int
	Pending []string // toolCallIds started but not ended
}

// ExecMeta is the executor's post-run metadata.
type ExecMeta struct {
	AgentMeta   AgentMeta
	ToolResults ToolResultsMeta
}

// ExecResult is the outcome of one executor invocation.
type ExecResult struct {
	Text     string
	Payloads []Payload
	Meta     ExecMeta
}

// ExecArgs is the injected executor contract shared by embedded and CLI backends.
type ExecArgs struct {
	SessionID         string
	SessionKey        string
	SessionFile       string
	WorkspaceDir      string
	Prompt            string
	Images            []string
	Provider          string
	Model             string
	ThinkLevel        string
	VerboseLevel      string
	TimeoutMs         int64
	RunID             string
	Lane              string
	ExtraSystemPrompt string
	// OnAgentEvent receives executor events (tool start/update/end,
	// auto_compaction_start/end, block replies).
	OnAgentEvent func(ev bus.Event)
}

// Executor runs one agent turn. Implementations honor ctx cancellation.
type Executor func(ctx context.Context, args ExecArgs) (*ExecResult, error)

// CompactionFailedError signals the executor exceeded its auto-compaction
// retry budget; the runner resets the session identity and retries once.
type CompactionFailedError struct {
	Detail string
}

func (e *CompactionFailedError) Error() string {
	if e.Detail == "" {
		return "auto-compaction failed"
	}
	return "auto-compaction failed: " + e.Detail
}

// Deliverer is the outbound delivery sink. The runner treats it as opaque;
// failures propagate unless the request is best-effort.
type Deliverer interface {
	Deliver(ctx context.Context, req DeliveryRequest) error
}

// DeliveryRequest carries payloads to a channel recipient.
type DeliveryRequest struct {
	Channel    string
	To         string
	AccountID  string
	Payloads   []Payload
	BestEffort bool
}

// SendPolicy decides whether a stimulus may start a run at all.
// A non-nil error is a policy denial surfaced before execution.
type SendPolicy func(sessionKey, channel, to string) error
