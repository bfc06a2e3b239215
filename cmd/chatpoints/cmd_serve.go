package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, allCmd)

	for _, cmd := range []*cobra.Command{serveCmd, allCmd} {
		cmd.Flags().Bool("skip-migrations", false, "do not apply migrations on startup")
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook API, read endpoints and the buffer flusher",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		skip, _ := cmd.Flags().GetBool("skip-migrations")
		return runApp(
			migrationModule(skip),
			ingestModules(),
		)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the single active job worker",
	Long: `Runs the worker loop. Only one worker holds the lock at a time; a
process that cannot take it exits with status 0 so a supervisor can retry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(processingModules())
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the API and the worker in one process (local development)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		skip, _ := cmd.Flags().GetBool("skip-migrations")
		return runApp(
			migrationModule(skip),
			ingestModules(),
			processingModules(),
		)
	},
}

// runApp blocks until a signal or an fx shutdown, then stops the app.
func runApp(opts ...fx.Option) error {
	all := append([]fx.Option{coreModules(), domainModules()}, opts...)
	app := fx.New(all...)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
