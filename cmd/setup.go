package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/surpriselab/surprisebot/internal/config"
)

// defaultConfigSkeleton is written on first setup. JSON5, so comments survive.
const defaultConfigSkeleton = `{
  // Surprisebot configuration. See DESIGN.md for the full schema.
  agents: {
    defaults: {
      workspace: "",
      thinkingLevel: "medium",
      heartbeat: { every: "30m" },
    },
    list: {
      main: { default: true },
    },
  },
  models: {
    provider: "",
    model: "",
    fallbacks: [],
    cliProviders: [],
  },
  tools: { profile: "coding" },
}
`

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Bootstrap the state directory and a starter config",
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			if err := runSetup(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
}

func runSetup() error {
	stateDir := config.StateDir()
	for _, dir := range []string{
		stateDir,
		filepath.Join(stateDir, "sessions"),
		filepath.Join(stateDir, "ledger"),
		filepath.Join(stateDir, "memory"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	fmt.Println("state directory:", stateDir)

	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte(defaultConfigSkeleton), 0o644); err != nil {
			return err
		}
		fmt.Println("wrote starter config:", cfgPath)
	} else {
		fmt.Println("config exists:", cfgPath)
	}
	return nil
}
