package main

import (
	"fmt"
	"log"

	"github.com/aussiebroadwan/grantstore/internal/grant/app"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("grantstore: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "grantstore",
		Short:         "Token and authorization context store for OAuth2, OIDC and UMA grants",
		Long:          "grantstore keeps access tokens, refresh tokens, authorization contexts and UMA permission tickets.\nConfiguration is read from the environment.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(), newMigrateCmd(), newSweepCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run housekeeping and the operations listener until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			application, err := app.New(app.LoadConfig())
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			return application.Run()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.New(app.LoadConfig())
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer application.Close()

			version, dirty, err := application.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one housekeeping pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.New(app.LoadConfig())
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer application.Close()

			report := application.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d rows in %s\n", report.TotalDeleted(), report.Took)
			for kind, n := range report.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d failures\n", kind, n)
			}
			if !report.OK() {
				return fmt.Errorf("sweep finished with failures")
			}
			return nil
		},
	}
}
