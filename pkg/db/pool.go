// Package db stores the bridge traffic journal in Postgres via pgx.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

const migrationsTable = "bridge_schema_migrations"

// NewPool creates a new pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}

	// The journal is write-mostly from a handful of bridges.
	config.MaxConns = 8
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("%s - failed to create %s: %w", logPrefix, migrationsTable, err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT name FROM `+migrationsTable+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list applied migrations: %w", logPrefix, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan applied migrations: %w", logPrefix, err)
	}
	return names, nil
}

// RunMigrations applies pending migrations in order, each in its own transaction.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return err
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}
	pending := PendingMigrations(migrations, applied)
	slog.Info(fmt.Sprintf("%s - Running %d of %d migrations", logPrefix, len(pending), len(migrations)))

	for _, m := range pending {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO `+migrationsTable+` (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", logPrefix, m.Name, err)
		}
		slog.Info(fmt.Sprintf("%s - Applied %s", logPrefix, m.Name))
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return nil
}

// PendingMigrations returns the migrations whose names are not in applied, in order.
func PendingMigrations(migrations []Migration, applied []string) []Migration {
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	var out []Migration
	for _, m := range migrations {
		if !done[m.Name] {
			out = append(out, m)
		}
	}
	return out
}

// MigrationStatus prints which migrations from migrationPath are applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	const statusLogPrefix = "db:MigrationStatus"

	migrations, err := LoadMigrations(migrationPath)
	if err != nil {
		return fmt.Errorf("%s - load migration list: %w", statusLogPrefix, err)
	}
	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return err
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}

	pending := PendingMigrations(migrations, applied)
	isPending := make(map[string]bool, len(pending))
	for _, m := range pending {
		isPending[m.Name] = true
	}
	for _, m := range migrations {
		state := "applied"
		if isPending[m.Name] {
			state = "pending"
		}
		fmt.Printf("  %-40s %s\n", m.Name, state)
	}
	if len(pending) > 0 {
		fmt.Printf("Migration status: %d pending (run 'bridge migrate up'). %d migration files in %s\n", len(pending), len(migrations), migrationPath)
	} else {
		fmt.Printf("Migration status: up to date (%d migration files in %s)\n", len(migrations), migrationPath)
	}
	return nil
}

// MigrationDown rolls back the most recently applied migration using its .down.sql file.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	migrations, err := LoadMigrations(migrationPath)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return err
	}
	applied, err := appliedMigrations(ctx, pool)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Println("Migration down: nothing to roll back.")
		return nil
	}

	last := applied[len(applied)-1]
	m, ok := findMigration(migrations, last)
	if !ok || m.Down == "" {
		return fmt.Errorf("%s - no down migration for %s", logPrefix, last)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.Down); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM `+migrationsTable+` WHERE name = $1`, m.Name)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s - rollback of %s failed: %w", logPrefix, m.Name, err)
	}
	fmt.Printf("Migration down: rolled back %s\n", m.Name)
	return nil
}

func findMigration(migrations []Migration, name string) (Migration, bool) {
	for _, m := range migrations {
		if m.Name == name {
			return m, true
		}
	}
	return Migration{}, false
}
