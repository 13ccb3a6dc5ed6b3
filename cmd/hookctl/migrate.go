package main

import (
	"context"
	"fmt"

	"hookd/internal/config"
	"hookd/pkg/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v3"
)

func migrateCmd() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "PostgreSQL connection string",
			Sources: cli.EnvVars("HOOKD_DATABASE_URL"),
		},
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "Run node registry database migrations",
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Flags:  flags,
				Action: withPool(store.Migrate),
			},
			{
				Name:   "down",
				Usage:  "Roll back the last migration",
				Flags:  flags,
				Action: withPool(store.MigrateDown),
			},
		},
	}
}

func withPool(fn func(context.Context, *pgxpool.Pool) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := config.Load(cmd.String("config"))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if v := cmd.String("database-url"); v != "" {
			cfg.Database.URL = v
		}
		if cfg.Database.URL == "" {
			return fmt.Errorf("database URL is required (set HOOKD_DATABASE_URL or --database-url)")
		}

		pool, err := store.ConnectPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		return fn(ctx, pool)
	}
}
