package commands

import (
	"github.com/spf13/cobra"

	"github.com/MEKXH/ccapproval/internal/config"
)

var (
	configPath       string
	logLevelOverride string
)

// NewRootCmd creates the root command. Without a subcommand it serves MCP on
// stdio, which is how assistants launch permission prompt tools.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ccapproval",
		Short: "ccapproval - human approval gate for assistant tool calls",
		Long: `ccapproval is an MCP permission prompt tool. Dangerous tool calls are
posted to Slack or Telegram and wait for a human to approve or reject them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(configPath)
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
		RunE: runServe,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.ccapproval/config.json)")
	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewServeCmd(),
		NewSessionsCmd(),
		NewConfigCmd(),
		NewVersionCmd(),
	)

	return cmd
}
