// Package main provides the database migration CLI tool for conduit.
//
// Migrations are embedded into the binary so deployment needs no external
// migration files. Supports up/down/status/version/drop commands.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

// Build-time version information, set with -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	name      = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s (commit %s)\n", name, Version, GitCommit)
		os.Exit(0)
	}

	if *showHelp || len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	command := os.Args[1]

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}
	defer func() {
		_ = runner.Close()
	}()

	if err := executeCommand(command, runner); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// executeCommand runs the specified migration command.
func executeCommand(command string, runner *Runner) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		fmt.Print("WARNING: This will drop all tables. Are you sure? (y/N): ")

		var response string

		_, _ = fmt.Scanln(&response)

		if response == "y" || response == "Y" {
			return runner.Drop()
		}

		fmt.Println("Operation cancelled.")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Printf(`%s v%s - Database Migration Tool for conduit

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show migration status
    version Show current migration version
    drop    Drop all tables (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)
    MIGRATION_TABLE Name of migration tracking table
                    (default: schema_migrations)
`, name, Version, name)
}
