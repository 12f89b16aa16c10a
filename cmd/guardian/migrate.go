package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/config"
	"github.com/guardian-ai/orchestrator/internal/database"
	"github.com/guardian-ai/orchestrator/internal/migration"
)

// runMigrate handles the migrate command and its subcommands. Versioned
// migrations exist for PostgreSQL only; the SQLite schema is managed by the
// store at startup.
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		withMigrator(subargs, nil, func(ctx context.Context, m *migration.Migrator) error {
			if err := m.Up(ctx); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		})
	case "down":
		runMigrateDown(subargs)
	case "status":
		withMigrator(subargs, nil, runMigrateStatus)
	case "version":
		withMigrator(subargs, nil, func(ctx context.Context, m *migration.Migrator) error {
			version, dirty, err := m.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("version: %d dirty: %v\n", version, dirty)
			return nil
		})
	case "goto":
		runMigrateGoto(subargs)
	case "force":
		runMigrateForce(subargs)
	case "reset":
		withMigrator(subargs, nil, func(ctx context.Context, m *migration.Migrator) error {
			if err := m.DownAll(ctx); err != nil {
				return err
			}
			fmt.Println("all migrations rolled back")
			return nil
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  guardian migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all for every migration)
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  guardian migrate up
  guardian migrate up --config /etc/guardian/config.yaml
  guardian migrate down
  guardian migrate status
  guardian migrate force 0`)
}

// withMigrator opens the configured database, runs fn against a migrator,
// and exits non-zero on failure. extraFlags registers additional flags on
// the flag set before parsing.
func withMigrator(args []string, extraFlags func(*flag.FlagSet), fn func(context.Context, *migration.Migrator) error) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	if extraFlags != nil {
		extraFlags(fs)
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	sqlDB, cleanup, err := openMigrationDB(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	migrator, err := migration.New(&migration.Config{DB: sqlDB})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := fn(context.Background(), migrator); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

func openMigrationDB(configPath string) (*sql.DB, func(), error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return nil, nil, fmt.Errorf("versioned migrations require the postgres driver, got %q", cfg.Database.Driver)
	}

	db, err := database.Open(cfg.Database, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return sqlDB, func() { sqlDB.Close() }, nil
}

func runMigrateDown(args []string) {
	var all *bool
	withMigrator(args, func(fs *flag.FlagSet) {
		all = fs.Bool("all", false, "Rollback all migrations")
	}, func(ctx context.Context, m *migration.Migrator) error {
		if *all {
			if err := m.DownAll(ctx); err != nil {
				return err
			}
			fmt.Println("all migrations rolled back")
			return nil
		}
		if err := m.Down(ctx); err != nil {
			return err
		}
		fmt.Println("last migration rolled back")
		return nil
	})
}

func runMigrateStatus(ctx context.Context, m *migration.Migrator) error {
	statuses, err := m.Status(ctx)
	if err != nil {
		return err
	}
	info, err := m.Info(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("applied %d of %d migrations (%d pending)\n",
		info.AppliedMigrations, info.TotalMigrations, info.PendingMigrations)
	for _, st := range statuses {
		state := "pending"
		if st.Applied {
			state = "applied"
		}
		if st.Dirty {
			state = "dirty"
		}
		fmt.Printf("  %04d %-40s %s\n", st.Version, st.Name, state)
	}
	return nil
}

func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: guardian migrate goto <version>\n")
		os.Exit(1)
	}
	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator(args[1:], nil, func(ctx context.Context, m *migration.Migrator) error {
		if err := m.Goto(ctx, uint(version)); err != nil {
			return err
		}
		fmt.Printf("migrated to version %d\n", version)
		return nil
	})
}

func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: guardian migrate force <version>\n")
		os.Exit(1)
	}
	version, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator(args[1:], nil, func(ctx context.Context, m *migration.Migrator) error {
		if err := m.Force(ctx, int(version)); err != nil {
			return err
		}
		fmt.Printf("version forced to %d\n", version)
		return nil
	})
}
