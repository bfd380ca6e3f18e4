package cmd

import (
	"github.com/spf13/cobra"

	"github.com/nfrund/topichub/internal/app"
	"github.com/nfrund/topichub/internal/config"
	"github.com/nfrund/topichub/internal/server"
)

var envFiles []string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	Long: `Run the broker until SIGINT or SIGTERM.

Configuration comes from TOPICHUB_* environment variables, optionally loaded
from .env files. On shutdown every session is closed with a going-away code
after its queued frames have been flushed.

Examples:
  topichub serve
  topichub serve --env-file /etc/topichub/broker.env`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		a, err := app.New(cfg, app.WithVersion(version))
		if err != nil {
			return err
		}
		ctx, stop := server.SignalContext(cmd.Context())
		defer stop()
		return a.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringSliceVar(&envFiles, "env-file", nil, "env file to load before reading the environment (repeatable)")
	rootCmd.AddCommand(serveCmd)
}
