package main

import (
	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/daemon"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool

	cmd := &cobra.Command{
		Use:         "run",
		Short:       "Run the kiosk in the foreground",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Run(cmd.Context(), daemon.Options{
				ConfigPath:  ctx.configFlagValue(),
				LogLevel:    logLevel,
				Development: development,
			})
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&development, "dev", false, "Human-readable console logs")
	return cmd
}
