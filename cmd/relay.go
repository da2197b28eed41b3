package cmd

import (
	"github.com/spf13/cobra"

	"coparent/app"
	"coparent/logger"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket relay hub agents broadcast through",
	RunE:  runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	return app.RunRelay(ctx, cfg)
}
