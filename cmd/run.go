package cmd

import (
	"fmt"

	"github.com/arcward/taskconcierge/taskconcierge"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bot, err := taskconcierge.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating taskconcierge: %w", err)
			}

			if err = bot.Run(ctx); err != nil {
				return fmt.Errorf("error running taskconcierge: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
