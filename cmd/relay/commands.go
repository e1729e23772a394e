package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is injected at build time via -ldflags.
var version = "dev"

func defaultConfigPath() string {
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		return path
	}
	return "relay.yaml"
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay AI-agent runtime",
		Long:          "Relay brokers IDE conversations across specialised LLM agents with tool permissions, HITL approvals, and durable sessions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", defaultConfigPath(), "path to the configuration file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the runtime server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServe(cmd.Context(), configPath)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runMigrate(cmd.Context(), configPath)
		},
	}
}

func newSessionsCommand() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions ordered by last activity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			page, _ := cmd.Flags().GetInt("page")
			size, _ := cmd.Flags().GetInt("size")
			includeDeleted, _ := cmd.Flags().GetBool("include-deleted")
			return runSessionsList(cmd.Context(), configPath, page, size, includeDeleted)
		},
	}
	listCmd.Flags().Int("page", 1, "page number")
	listCmd.Flags().Int("size", 20, "page size")
	listCmd.Flags().Bool("include-deleted", false, "include soft-deleted sessions")

	sessionsCmd.AddCommand(listCmd)
	return sessionsCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runtime version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("relay " + version)
		},
	}
}
