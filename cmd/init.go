package cmd

import (
	"fmt"

	"github.com/arcward/taskconcierge/taskconcierge"
	"github.com/spf13/cobra"
)

var importIdentities string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and optionally import an identity file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		db, err := taskconcierge.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer func() {
				_ = sqlDB.Close()
			}()
		}
		fmt.Fprintf(out, "Database migrated (%s)\n", cfg.DatabaseType)

		if importIdentities != "" {
			count, err := taskconcierge.ImportIdentityFile(ctx, db, importIdentities)
			if err != nil {
				return fmt.Errorf("error importing identities: %w", err)
			}
			fmt.Fprintf(out, "Imported %d identities from %s\n", count, importIdentities)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().StringVar(
		&importIdentities,
		"import-identities",
		"",
		"JSON identity file (discord user ID -> account ID) to import into the database",
	)
	rootCmd.AddCommand(initCmd)
}
