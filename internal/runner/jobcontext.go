package runner

import (
	"sync"
	"time"
)

// JobContext is per-session-key ephemeral run state. Tool invocations bump
// QueryCount for budget enforcement; the map is cleared on restart.
type JobContext struct {
	SessionKey  string
	JobType     string
	RunID       string
	StartedAtMs int64

	mu         sync.Mutex
	queryCount int
}

// IncrementQuery bumps the query counter and returns the new count.
func (j *JobContext) IncrementQuery() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.queryCount++
	return j.queryCount
}

// QueryCount returns the current query count.
func (j *JobContext) QueryCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.queryCount
}

// jobContexts tracks the active JobContext per session key.
type jobContexts struct {
	mu sync.Mutex
	m  map[string]*JobContext
}

func newJobContexts() *jobContexts {
	return &jobContexts{m: map[string]*JobContext{}}
}

func (jc *jobContexts) begin(sessionKey, jobType, runID string) *JobContext {
	j := &JobContext{
		SessionKey:  sessionKey,
		JobType:     jobType,
		RunID:       runID,
		StartedAtMs: time.Now().UnixMilli(),
	}
	jc.mu.Lock()
	jc.m[sessionKey] = j
	jc.mu.Unlock()
	return j
}

func (jc *jobContexts) get(sessionKey string) *JobContext {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.m[sessionKey]
}

func (jc *jobContexts) clear(sessionKey string) {
	jc.mu.Lock()
	delete(jc.m, sessionKey)
	jc.mu.Unlock()
}
