package migrations

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// CLI exposes the migration manager as a set of cobra subcommands, the
// entry point used by cmd/migrate.
type CLI struct {
	manager *MigrationManager
	logger  *slog.Logger
}

// NewCLI builds a CLI bound to manager. A nil logger falls back to
// slog.Default().
func NewCLI(manager *MigrationManager, logger *slog.Logger) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{manager: manager, logger: logger}
}

// GetRootCommand returns the root cobra command.
func (cli *CLI) GetRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Repository schema migration tool",
		Long:  "Apply, inspect, and roll back the statsrepo/statsinfo schema ahead of the agent's own lazy install.",
	}

	rootCmd.AddCommand(
		cli.upCommand(),
		cli.downCommand(),
		cli.statusCommand(),
		cli.versionCommand(),
	)

	return rootCmd
}

// upCommand applies all pending migrations, or up to a given version.
func (cli *CLI) upCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up [version]",
		Short: "Apply migrations",
		Long:  "Apply all pending migrations, or up to a specific version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var err error
			if len(args) == 0 {
				err = cli.manager.Up(ctx)
			} else {
				var version int64
				if _, scanErr := fmt.Sscanf(args[0], "%d", &version); scanErr != nil {
					return fmt.Errorf("invalid version number: %w", scanErr)
				}
				err = cli.manager.UpTo(ctx, version)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("migrations applied successfully")
			return nil
		},
	}

	return cmd
}

// downCommand rolls back all migrations, or down to a given version.
func (cli *CLI) downCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down [version]",
		Short: "Rollback migrations",
		Long:  "Rollback all migrations, or down to a specific version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var err error
			if len(args) == 0 {
				err = cli.manager.Down(ctx)
			} else {
				var version int64
				if _, scanErr := fmt.Sscanf(args[0], "%d", &version); scanErr != nil {
					return fmt.Errorf("invalid version number: %w", scanErr)
				}
				err = cli.manager.DownTo(ctx, version)
			}
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}

			fmt.Println("migrations rolled back successfully")
			return nil
		},
	}

	return cmd
}

// statusCommand prints each migration file's applied state.
func (cli *CLI) statusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the current status of all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if err := cli.manager.Status(ctx); err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			return nil
		},
	}

	return cmd
}

// versionCommand prints the repository's current schema version.
func (cli *CLI) versionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show current migration version",
		Long:  "Show the current migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			version, err := cli.manager.Version(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration version: %w", err)
			}

			fmt.Printf("current migration version: %d\n", version)
			return nil
		},
	}

	return cmd
}

// Execute runs the CLI.
func (cli *CLI) Execute() error {
	return cli.GetRootCommand().Execute()
}
