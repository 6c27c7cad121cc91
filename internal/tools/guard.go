package tools

import (
	"context"
	"fmt"
	"path/filepath"
)

// Tools whose writes the shared-memory guard intercepts.
var writeTools = map[string]bool{
	"write":       true,
	"edit":        true,
	"apply_patch": true,
}

// PolicyError is a policy denial raised before tool execution.
type PolicyError struct {
	Tool   string
	Detail string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("tool %s denied: %s", e.Tool, e.Detail)
}

// SharedMemoryGuard wraps write-capable tools: when a shared memory file is
// configured and the current agent is not in its allow-write list, a write
// whose resolved path equals the shared file (or its symlink target) fails.
// All other writes pass through.
type SharedMemoryGuard struct {
	sharedFile   string
	resolvedFile string // symlink target of sharedFile when resolvable
	allowed      func(agentID string) bool
}

// NewSharedMemoryGuard builds a guard. An empty sharedFile disables it.
func NewSharedMemoryGuard(sharedFile string, allowed func(agentID string) bool) *SharedMemoryGuard {
	g := &SharedMemoryGuard{sharedFile: sharedFile, allowed: allowed}
	if sharedFile != "" {
		if resolved, err := filepath.EvalSymlinks(sharedFile); err == nil {
			g.resolvedFile = resolved
		}
	}
	return g
}

// Wrap returns a tool whose writes to the shared memory file are guarded for
// the given agent. Non-write tools are returned unchanged.
func (g *SharedMemoryGuard) Wrap(t *Tool, agentID string) *Tool {
	if g == nil || g.sharedFile == "" || !writeTools[t.Name] {
		return t
	}
	if g.allowed != nil && g.allowed(agentID) {
		return t
	}

	inner := t.Execute
	guarded := *t
	guarded.Execute = func(ctx context.Context, args map[string]any) (*Result, error) {
		path, _ := args["path"].(string)
		if path == "" {
			path, _ = args["file_path"].(string)
		}
		if path != "" && g.matches(path) {
			return nil, &PolicyError{
				Tool:   t.Name,
				Detail: fmt.Sprintf("agent %q may not write the shared memory file %s", agentID, g.sharedFile),
			}
		}
		return inner(ctx, args)
	}
	return &guarded
}

func (g *SharedMemoryGuard) matches(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if sameFile(abs, g.sharedFile) || (g.resolvedFile != "" && sameFile(abs, g.resolvedFile)) {
		return true
	}
	// The write path itself may be a symlink pointing at the shared file.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return sameFile(resolved, g.sharedFile) || (g.resolvedFile != "" && sameFile(resolved, g.resolvedFile))
	}
	return false
}

func sameFile(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
