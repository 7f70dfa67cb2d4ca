package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "link2pay",
		Short:         "Payment-link Telegram bot and link API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(botCmd())
	rootCmd.AddCommand(apiCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the link API in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), runOptions{bot: true, api: true, migrate: migrate})
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before start")
	return cmd
}

func botCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run only the Telegram bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), runOptions{bot: true})
		},
	}
}

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run only the link API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), runOptions{api: true})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrations(cmd.Context())
		},
	}
}
