package cmd

import (
	"github.com/spf13/cobra"

	"coparent/app"
	"coparent/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a sync agent",
	Long: `Run a sync agent: load threads and unread counts from Postgres, follow
their change feeds, and mirror deltas to sibling agents.

The agent dials the relay started by "coparent relay". When the relay is
unreachable and the transport is "auto", it falls back to the shared
storage file.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}
