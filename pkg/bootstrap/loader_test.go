package bootstrap

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/morezero/webview-bridge/pkg/bridge"
	"github.com/morezero/webview-bridge/pkg/wire"
)

func TestGetDefaultFixtureConfig(t *testing.T) {
	cfg := GetDefaultFixtureConfig()

	if cfg.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", cfg.Version)
	}
	if len(cfg.Commands) == 0 {
		t.Fatal("expected commands, got none")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default fixtures to validate, got %v", err)
	}

	echo, ok := cfg.Lookup("hello")
	if !ok || echo.Mode != ModeEcho {
		t.Errorf("expected alias hello to resolve to the echo fixture, got %+v", echo)
	}
	if _, ok := cfg.Lookup("nonexistent"); ok {
		t.Error("expected nonexistent lookup to fail")
	}
}

func TestLoadFixtureConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fixtures.json")
	content := `{
		"name": "test",
		"version": "2.0.0",
		"commands": {
			"greet": {"mode": "resolve", "value": {"text": "hi"}}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write fixtures: %v", err)
	}

	cfg, err := LoadFixtureConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "test" || cfg.Version != "2.0.0" {
		t.Errorf("expected test@2.0.0, got %s@%s", cfg.Name, cfg.Version)
	}
	if _, ok := cfg.Commands["greet"]; !ok {
		t.Error("expected greet fixture")
	}
}

func TestLoadFixtureConfig_InvalidFilesFallBack(t *testing.T) {
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.json")
	badMode := filepath.Join(dir, "bad-mode.json")
	if err := os.WriteFile(broken, []byte(`{not json`), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := os.WriteFile(badMode, []byte(`{"commands": {"x": {"mode": "explode"}}}`), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	cfg, err := LoadFixtureConfig(broken, badMode, filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "default-fixtures" {
		t.Errorf("expected default fixtures, got %s", cfg.Name)
	}
}

func TestLoadFixtureConfig_EnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env.json")
	if err := os.WriteFile(path, []byte(`{"name": "from-env", "commands": {"a": {"mode": "echo"}}}`), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	t.Setenv("BRIDGE_FIXTURES_FILE", path)

	cfg, err := LoadFixtureConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "from-env" {
		t.Errorf("expected from-env, got %s", cfg.Name)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     FixtureConfig
		wantErr bool
	}{
		{"valid", FixtureConfig{Commands: map[string]CommandFixture{"a": {Mode: ModeEcho}}}, false},
		{"unknown mode", FixtureConfig{Commands: map[string]CommandFixture{"a": {Mode: "nope"}}}, true},
		{"bad value", FixtureConfig{Commands: map[string]CommandFixture{"a": {Mode: ModeResolve, Value: json.RawMessage(`{`)}}}, true},
		{"negative delay", FixtureConfig{Commands: map[string]CommandFixture{"a": {Mode: ModeEcho, DelayMs: -1}}}, true},
		{"dangling alias", FixtureConfig{Commands: map[string]CommandFixture{"a": {Mode: ModeEcho}}, Aliases: map[string]string{"b": "c"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type outcome struct {
	value wire.Value
	err   error
}

func execute(b *bridge.Bridge, name string, data wire.Value) outcome {
	done := make(chan outcome, 1)
	b.Execute(name, data, func(v wire.Value, err error) { done <- outcome{v, err} })
	select {
	case o := <-done:
		return o
	case <-time.After(2 * time.Second):
		return outcome{err: errors.New("timeout")}
	}
}

func TestRegister_DefaultFixtures(t *testing.T) {
	b := bridge.New(bridge.Options{Name: "fixtures"})
	names, err := Register(b, GetDefaultFixtureConfig())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(names) != 5 {
		t.Errorf("expected 5 registered names, got %v", names)
	}

	o := execute(b, "hello", wire.String("x"))
	if o.err != nil || !wire.String("x").Equal(o.value) {
		t.Errorf("hello: got %s, %v", o.value, o.err)
	}

	o = execute(b, "ping", wire.Null())
	if o.err != nil || !wire.String("pong").Equal(o.value) {
		t.Errorf("ping: got %s, %v", o.value, o.err)
	}

	o = execute(b, "getUser", wire.Object(map[string]wire.Value{"id": wire.Int(1)}))
	if o.err != nil {
		t.Fatalf("getUser: unexpected error %v", o.err)
	}
	if name, _ := o.value.Get("name"); !wire.String("Ada").Equal(name) {
		t.Errorf("getUser: got %s", o.value)
	}

	o = execute(b, "getUser", wire.Object(nil))
	if !errors.Is(o.err, bridge.ErrRejected) {
		t.Errorf("getUser without id: expected rejection, got %v", o.err)
	}

	o = execute(b, "fail", wire.Null())
	if !errors.Is(o.err, bridge.ErrRejected) || o.err.Error() != "REJECTED: FixtureFailure" {
		t.Errorf("fail: got %v", o.err)
	}
}

func TestHandler_Delay(t *testing.T) {
	h, err := Handler(CommandFixture{Mode: ModeEcho, DelayMs: 10})
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}

	b := bridge.New(bridge.Options{})
	b.AddCommand("slow", h)

	start := time.Now()
	o := execute(b, "slow", wire.Int(5))
	if o.err != nil || !wire.Int(5).Equal(o.value) {
		t.Errorf("slow: got %s, %v", o.value, o.err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("expected delayed completion")
	}
}

func TestHandler_InvalidSchema(t *testing.T) {
	if _, err := Handler(CommandFixture{Mode: ModeEcho, Schema: json.RawMessage(`{"type": 5}`)}); err == nil {
		t.Error("expected error for invalid schema")
	}
}
