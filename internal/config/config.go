// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/webview-bridge/pkg/bridge"
	"github.com/morezero/webview-bridge/pkg/wire"
)

const logPrefix = "config:LoadConfig"

// Config holds webview-bridge configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"webview-bridge"`

	// Bridge channel and subjects (<prefix>.<channel>.host / .script)
	Channel       string `envconfig:"BRIDGE_CHANNEL" default:"main"`
	SubjectPrefix string `envconfig:"BRIDGE_SUBJECT_PREFIX" default:"bridge"`
	EventsSubject string `envconfig:"BRIDGE_EVENTS_SUBJECT"`

	// Protocol
	WireFormat         string        `envconfig:"BRIDGE_WIRE_FORMAT" default:"json"`
	NonExistentCommand string        `envconfig:"BRIDGE_NONEXISTENT_COMMAND" default:"rejected"`
	WaitForReady       bool          `envconfig:"BRIDGE_WAIT_FOR_READY" default:"false"`
	Handshake          bool          `envconfig:"BRIDGE_HANDSHAKE" default:"true"`
	RequestTimeout     time.Duration `envconfig:"BRIDGE_REQUEST_TIMEOUT" default:"25s"`

	// Fixtures
	FixturesFile string `envconfig:"BRIDGE_FIXTURES_FILE"`

	// Database (optional traffic journal; empty disables it)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health endpoint (BRIDGE_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"BRIDGE_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// JournalEnabled reports whether traffic is journaled to Postgres.
func (c *Config) JournalEnabled() bool {
	return c.DatabaseURL != ""
}

// Policy parses BRIDGE_NONEXISTENT_COMMAND.
func (c *Config) Policy() (bridge.NonExistentCommandPolicy, error) {
	p, err := bridge.ParsePolicy(c.NonExistentCommand)
	if err != nil {
		return p, fmt.Errorf("%s - BRIDGE_NONEXISTENT_COMMAND: %w", logPrefix, err)
	}
	return p, nil
}

// Codec builds the codec named by BRIDGE_WIRE_FORMAT.
func (c *Config) Codec() (wire.Codec, error) {
	codec, err := wire.CodecByName(c.WireFormat)
	if err != nil {
		return nil, fmt.Errorf("%s - BRIDGE_WIRE_FORMAT: %w", logPrefix, err)
	}
	return codec, nil
}

// HTTPListenAddr returns the health endpoint address.
func (c *Config) HTTPListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// ValidateForServe checks required config when running the bridge server.
func (c *Config) ValidateForServe() error {
	if c.Channel == "" {
		return fmt.Errorf("%s - BRIDGE_CHANNEL is required for serve", logPrefix)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.Codec(); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - BRIDGE_REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
