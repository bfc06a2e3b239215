package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/chatpoints/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded database migrations and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			conn *gorm.DB
			log  *zap.Logger
		)
		return runOneShot(cmd.Context(), func(context.Context) error {
			if err := migration.Apply(conn, log); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		}, fx.Populate(&conn, &log))
	},
}
