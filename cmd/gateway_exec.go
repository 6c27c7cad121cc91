package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/surpriselab/surprisebot/internal/runner"
)

// cliExecutor drives an out-of-process agent CLI. The provider name is the
// binary; the reply is its stdout. Stderr rides along in the error message so
// failover classification can see rate-limit and billing hints.
func cliExecutor(ctx context.Context, args runner.ExecArgs) (*runner.ExecResult, error) {
	argv := []string{"run", "--session", args.SessionID}
	if args.Model != "" {
		argv = append(argv, "--model", args.Model)
	}
	if args.ThinkLevel != "" && args.ThinkLevel != "off" {
		argv = append(argv, "--thinking", args.ThinkLevel)
	}
	if args.WorkspaceDir != "" {
		argv = append(argv, "--dir", args.WorkspaceDir)
	}

	cmd := exec.CommandContext(ctx, args.Provider, argv...)
	cmd.Stdin = strings.NewReader(args.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("%s CLI failed: %s", args.Provider, tail(detail, 500))
	}

	text := strings.TrimSpace(stdout.String())
	return &runner.ExecResult{
		Text:     text,
		Payloads: []runner.Payload{{Text: text}},
		Meta: runner.ExecMeta{
			AgentMeta: runner.AgentMeta{
				Provider:  args.Provider,
				Model:     args.Model,
				SessionID: args.SessionID,
			},
		},
	}, nil
}

// embeddedUnavailable stands in when no in-process provider client is wired.
// Embedded API transports live outside this binary; point the model at a CLI
// provider instead.
func embeddedUnavailable(ctx context.Context, args runner.ExecArgs) (*runner.ExecResult, error) {
	return nil, fmt.Errorf("provider %q has no embedded client; list it under models.cli to run its CLI backend", args.Provider)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
