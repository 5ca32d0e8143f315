package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/morezero/webview-bridge/pkg/bridge"
	"github.com/morezero/webview-bridge/pkg/wire"
)

const logPrefix = "bootstrap:loader"

// LoadFixtureConfig loads fixtures from file paths or environment.
// It tries paths in order: first any paths passed in, then BRIDGE_FIXTURES_FILE, then defaults.
func LoadFixtureConfig(paths ...string) (*FixtureConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("BRIDGE_FIXTURES_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/fixtures.json", "fixtures.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg FixtureConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse fixtures file %s: %v", logPrefix, p, err))
			continue
		}
		if err := Validate(&cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Invalid fixtures file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded %d fixtures from %s", logPrefix, len(cfg.Commands), p))
		return &cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default fixtures", logPrefix))
	return GetDefaultFixtureConfig(), nil
}

// GetDefaultFixtureConfig returns the built-in fixtures.
func GetDefaultFixtureConfig() *FixtureConfig {
	return &FixtureConfig{
		Name:        "default-fixtures",
		Version:     "1.0.0",
		Description: "Built-in stub commands",
		Commands: map[string]CommandFixture{
			"echo": {
				Mode:        ModeEcho,
				Description: "Resolves with the call payload",
			},
			"ping": {
				Mode:        ModeResolve,
				Description: "Resolves with \"pong\"",
				Value:       json.RawMessage(`"pong"`),
			},
			"getUser": {
				Mode:        ModeResolve,
				Description: "Resolves with a sample user",
				Value:       json.RawMessage(`{"id": 1, "name": "Ada", "roles": ["admin"]}`),
				Schema:      json.RawMessage(`{"type": "object", "required": ["id"], "properties": {"id": {"type": "integer"}}}`),
			},
			"fail": {
				Mode:        ModeReject,
				Description: "Always rejects",
				Error:       "FixtureFailure",
			},
		},
		Aliases: map[string]string{"hello": "echo"},
	}
}

// Validate checks fixture modes and JSON fields.
func Validate(cfg *FixtureConfig) error {
	for name, f := range cfg.Commands {
		if name == "" {
			return fmt.Errorf("%s - fixture with empty command name", logPrefix)
		}
		switch f.Mode {
		case ModeEcho, ModeReject:
		case ModeResolve:
			if len(f.Value) > 0 {
				if _, err := wire.ParseJSON(f.Value); err != nil {
					return fmt.Errorf("%s - fixture %s: invalid value: %w", logPrefix, name, err)
				}
			}
		default:
			return fmt.Errorf("%s - fixture %s: unknown mode %q", logPrefix, name, f.Mode)
		}
		if f.DelayMs < 0 {
			return fmt.Errorf("%s - fixture %s: negative delay", logPrefix, name)
		}
	}
	for alias, target := range cfg.Aliases {
		if _, ok := cfg.Commands[target]; !ok {
			return fmt.Errorf("%s - alias %s points at unknown command %s", logPrefix, alias, target)
		}
	}
	return nil
}

// Register adds every fixture and alias to b. It returns the registered names, sorted.
func Register(b *bridge.Bridge, cfg *FixtureConfig) ([]string, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Commands)+len(cfg.Aliases))
	for name := range cfg.Commands {
		names = append(names, name)
	}
	for alias := range cfg.Aliases {
		names = append(names, alias)
	}
	sort.Strings(names)

	for _, name := range names {
		f, _ := cfg.Lookup(name)
		h, err := Handler(f)
		if err != nil {
			return nil, fmt.Errorf("%s - fixture %s: %w", logPrefix, name, err)
		}
		b.AddCommand(name, h)
	}

	slog.Info(fmt.Sprintf("%s - Registered %d fixture commands on %s", logPrefix, len(names), b.Name()))
	return names, nil
}

// Handler builds the bridge handler for one fixture.
func Handler(f CommandFixture) (bridge.Handler, error) {
	var value wire.Value
	if len(f.Value) > 0 {
		v, err := wire.ParseJSON(f.Value)
		if err != nil {
			return nil, err
		}
		value = v
	}

	complete := func(data wire.Value, c bridge.Completer) {
		switch f.Mode {
		case ModeEcho:
			_ = c.Resolve(data)
		case ModeResolve:
			_ = c.Resolve(value)
		default:
			_ = c.Reject(f.Error)
		}
	}

	var h bridge.Handler = complete
	if f.DelayMs > 0 {
		delay := time.Duration(f.DelayMs) * time.Millisecond
		h = func(data wire.Value, c bridge.Completer) {
			time.AfterFunc(delay, func() { complete(data, c) })
		}
	}

	if len(f.Schema) > 0 {
		return bridge.WithSchema(f.Schema, h)
	}
	return h, nil
}
