package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/surpriselab/surprisebot/internal/runner"
	"github.com/surpriselab/surprisebot/internal/sessions"
)

func agentCmd() *cobra.Command {
	var (
		agentID    string
		sessionKey string
		model      string
		thinking   string
		timeoutSec int
	)
	cmd := &cobra.Command{
		Use:   "agent [message...]",
		Short: "Run a single agent turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			s, err := buildStack()
			if err != nil {
				slog.Error("startup failed", "error", err)
				os.Exit(1)
			}
			if sessionKey == "" {
				id := agentID
				if id == "" {
					id = s.cfg.DefaultAgentID()
				}
				sessionKey = sessions.BuildAgentMainSessionKey(id, s.cfg.Sessions.MainKey)
			}
			provider, modelName := splitModelFlag(model)

			outcome, err := s.runner.Run(context.Background(), runner.Request{
				SessionKey: sessionKey,
				AgentID:    agentID,
				Message:    strings.Join(args, " "),
				Provider:   provider,
				Model:      modelName,
				Thinking:   thinking,
				TimeoutSec: timeoutSec,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Println(outcome.Text)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default: configured default agent)")
	cmd.Flags().StringVar(&sessionKey, "session", "", "explicit session key")
	cmd.Flags().StringVar(&model, "model", "", "model override as provider/model")
	cmd.Flags().StringVar(&thinking, "thinking", "", "thinking level (off|low|medium|high|xhigh)")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "run timeout in seconds")
	return cmd
}

func splitModelFlag(ref string) (provider, model string) {
	if ref == "" {
		return "", ""
	}
	if i := strings.IndexByte(ref, '/'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
