// Package main is the entrypoint for the webview-bridge (binary name "bridge").
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/webview-bridge/internal/config"
	"github.com/morezero/webview-bridge/internal/server"
	"github.com/morezero/webview-bridge/pkg/bootstrap"
	"github.com/morezero/webview-bridge/pkg/bridge"
	"github.com/morezero/webview-bridge/pkg/commsutil"
	"github.com/morezero/webview-bridge/pkg/db"
	"github.com/morezero/webview-bridge/pkg/transport"
	"github.com/morezero/webview-bridge/pkg/wire"
)

const usage = `Usage: bridge [command]
       bridge serve                  Start the host side of the bridge (COMMS, fixtures, HTTP).
       bridge call <command> [json]  Call a host command from the script side and print the reply.
       bridge fixtures [file]        Validate a fixtures file and list its commands.
       bridge migrate up             Run journal migrations.
       bridge migrate down           Roll back the last journal migration.
       bridge migrate status         Show migration status.
       bridge ensure-db [name]       Create database if missing (default name: bridge_test). Uses DATABASE_URL host/user.
       bridge clear                  Truncate the traffic journal; schema is preserved.

Commands:
  serve           (default) Start the bridge host.
  call            One-shot script-side client; bounded by BRIDGE_REQUEST_TIMEOUT.
  fixtures        Check BRIDGE_FIXTURES_FILE (or the given file) without starting anything.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration.
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. bridge_test) on same host as DATABASE_URL.
  clear           Truncate journal data; schema preserved.

Environment: COMMS_URL, BRIDGE_CHANNEL, BRIDGE_WIRE_FORMAT, BRIDGE_NONEXISTENT_COMMAND, DATABASE_URL (journal, migrate, clear),
MIGRATION_PATH, BRIDGE_HTTP_ADDR (default :8080), BRIDGE_FIXTURES_FILE. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("bridge migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("bridge migrate up: %v", err)
			}
		case "status":
			if err := withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
			}); err != nil {
				log.Fatalf("bridge migrate status: %v", err)
			}
		case "down":
			if err := withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationDown(ctx, pool, cfg.MigrationPath)
			}); err != nil {
				log.Fatalf("bridge migrate down: %v", err)
			}
		default:
			log.Fatalf("bridge migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
			return db.ClearJournal(ctx, pool)
		}); err != nil {
			log.Fatalf("bridge clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "bridge_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("bridge ensure-db: %v", err)
		}
		return
	case "fixtures":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		if err := runFixtures(file); err != nil {
			log.Fatalf("bridge fixtures: %v", err)
		}
		return
	case "call":
		name, data, err := parseCallArgs(args[1:])
		if err != nil {
			log.Fatalf("bridge call: %v", err)
		}
		if err := runCall(name, data); err != nil {
			log.Fatalf("bridge call: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("bridge: %v", err)
	}
}

// withPool loads DB config, opens a pool and runs fn with it.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrations, err := db.LoadMigrations(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := replaceDatabase(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

// replaceDatabase swaps the database name in a Postgres URL, keeping the query (e.g. sslmode).
func replaceDatabase(databaseURL, dbName string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func runFixtures(file string) error {
	var (
		cfg *bootstrap.FixtureConfig
		err error
	)
	if file != "" {
		cfg, err = readFixtures(file)
	} else {
		cfg, err = bootstrap.LoadFixtureConfig()
	}
	if err != nil {
		return err
	}

	names := make([]string, 0, len(cfg.Commands))
	for name := range cfg.Commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("Fixtures %s (version %s): %d commands, %d aliases\n", cfg.Name, cfg.Version, len(cfg.Commands), len(cfg.Aliases))
	for _, name := range names {
		f := cfg.Commands[name]
		fmt.Printf("  %-24s %-8s %s\n", name, f.Mode, f.Description)
	}
	for alias, target := range cfg.Aliases {
		fmt.Printf("  %-24s -> %s\n", alias, target)
	}
	return nil
}

// readFixtures reads one fixtures file strictly: unlike LoadFixtureConfig it
// reports errors instead of falling back to the defaults.
func readFixtures(file string) (*bootstrap.FixtureConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	var cfg bootstrap.FixtureConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	if err := bootstrap.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseCallArgs parses "<command> [json]". A missing payload is null.
func parseCallArgs(args []string) (string, wire.Value, error) {
	if len(args) == 0 || args[0] == "" {
		return "", wire.Null(), fmt.Errorf("require a command name")
	}
	if len(args) > 2 {
		return "", wire.Null(), fmt.Errorf("too many arguments; quote the JSON payload")
	}
	if len(args) == 1 {
		return args[0], wire.Null(), nil
	}
	data, err := wire.ParseJSON([]byte(args[1]))
	if err != nil {
		return "", wire.Null(), fmt.Errorf("invalid JSON payload: %w", err)
	}
	return args[0], data, nil
}

// runCall plays the script side of the channel for a single call.
func runCall(name string, data wire.Value) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	codec, err := cfg.Codec()
	if err != nil {
		return err
	}

	nc, err := commsutil.Connect(cfg.COMMSURL, commsutil.ConnectOptions{Name: cfg.COMMSName + "-cli"})
	if err != nil {
		return err
	}
	defer nc.Close()

	b := bridge.New(bridge.Options{Name: cfg.Channel + "-cli", Codec: codec})
	t := transport.NewComms(nc, commsutil.BuildSubjects(cfg.SubjectPrefix, cfg.Channel).Reverse(), b)
	if err := t.Start(); err != nil {
		return err
	}
	defer t.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	result, err := b.Call(ctx, name, data)
	if err != nil {
		return err
	}
	fmt.Println(result.String())
	return nil
}
