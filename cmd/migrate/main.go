package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"creditvault/internal/config"
	"creditvault/internal/observability"
	"creditvault/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  CREDIT_POSTGRES_DSN     - Postgres connection string")
		fmt.Println("  CREDIT_MIGRATIONS_DIR   - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg := config.Defaults()
	if dsn := os.Getenv("CREDIT_POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if dir := os.Getenv("CREDIT_MIGRATIONS_DIR"); dir != "" {
		cfg.Postgres.MigrationsDir = dir
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
