// Package bootstrap loads command fixtures and registers them on a bridge, so a
// host can run against stub commands before the real handlers exist.
package bootstrap

import "encoding/json"

// Fixture modes.
const (
	ModeEcho    = "echo"
	ModeResolve = "resolve"
	ModeReject  = "reject"
)

// CommandFixture describes one stub command.
type CommandFixture struct {
	// Mode is echo (resolve with the call payload), resolve (with Value) or reject (with Error).
	Mode        string          `json:"mode"`
	Description string          `json:"description,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       string          `json:"error,omitempty"`
	// Schema, when set, validates the call payload before the fixture runs.
	Schema json.RawMessage `json:"schema,omitempty"`
	// DelayMs completes the call from another goroutine after the delay.
	DelayMs int `json:"delayMs,omitempty"`
}

// FixtureConfig is the root fixtures file.
type FixtureConfig struct {
	Name        string                    `json:"name"`
	Version     string                    `json:"version"`
	Description string                    `json:"description,omitempty"`
	Commands    map[string]CommandFixture `json:"commands"`
	// Aliases register an existing fixture under another command name.
	Aliases map[string]string `json:"aliases,omitempty"`
}

// Lookup returns the fixture for a command name or alias.
func (c *FixtureConfig) Lookup(name string) (CommandFixture, bool) {
	if f, ok := c.Commands[name]; ok {
		return f, true
	}
	if target, ok := c.Aliases[name]; ok {
		f, ok := c.Commands[target]
		return f, ok
	}
	return CommandFixture{}, false
}
