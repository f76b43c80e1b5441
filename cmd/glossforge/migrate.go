package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Strob0t/glossforge/internal/adapter/postgres"
	"github.com/Strob0t/glossforge/internal/config"
)

// runMigrate dispatches migrate subcommands (up, down, version).
func runMigrate(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printMigrateHelp()
		return nil
	}

	fs := flag.NewFlagSet("migrate "+args[0], flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	dsn := fs.String("dsn", "", "PostgreSQL DSN (overrides config)")
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	url, err := migrateDSN(*configPath, *dsn)
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, url); err != nil {
			return err
		}
		fmt.Println("migrations applied")
	case "down":
		if err := postgres.RollbackMigrations(ctx, url, *steps); err != nil {
			return err
		}
		fmt.Printf("rolled back %d migration(s)\n", *steps)
	case "version":
		v, err := postgres.MigrationVersion(ctx, url)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d\n", v)
	default:
		printMigrateHelp()
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}
	return nil
}

func migrateDSN(configPath, dsn string) (string, error) {
	if dsn != "" {
		return dsn, nil
	}
	flags := config.CLIFlags{}
	if configPath != "" {
		flags.ConfigPath = &configPath
	}
	cfg, _, err := config.LoadWithCLI(flags)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Postgres.DSN, nil
}

func printMigrateHelp() {
	fmt.Fprintf(os.Stderr, `Usage: glossforge migrate <command> [options]

Commands:
  up        Apply all pending migrations
  down      Roll back migrations (--steps N, default 1)
  version   Print the current schema version
  help      Show this help message

Options:
  --config PATH   YAML config file
  --dsn URL       PostgreSQL DSN (overrides config)

Examples:
  glossforge migrate up
  glossforge migrate down --steps 2
  glossforge migrate version --dsn postgres://localhost/glossforge
`)
}
