package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// FUNCTIONAL VALIDATION TEST: Default configuration is valid as shipped
func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if err := config.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if config.Collaboration.LockLease <= 0 {
		t.Error("Default lock lease should be positive")
	}
	if config.WebSocket.ReadTimeout <= config.WebSocket.PingInterval {
		t.Error("Read timeout must exceed ping interval")
	}
	if config.Identity.UserIDHeader != "X-User-Id" {
		t.Errorf("Unexpected default user header %q", config.Identity.UserIDHeader)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.HTTP.Port = -1 }, "HTTP port"},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }, "host"},
		{"ping not below read timeout", func(c *Config) { c.WebSocket.PingInterval = c.WebSocket.ReadTimeout }, "exceed the ping interval"},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }, "buffer size"},
		{"zero lease", func(c *Config) { c.Collaboration.LockLease = 0 }, "lock lease"},
		{"zero sweep", func(c *Config) { c.Collaboration.SweepInterval = 0 }, "sweep interval"},
		{"negative rate", func(c *Config) { c.Collaboration.MessagesPerMinute = -1 }, "messages per minute"},
		{"token without header", func(c *Config) {
			c.Identity.SharedToken = "x"
			c.Identity.TokenHeader = ""
		}, "token header"},
		{"missing section", func(c *Config) { c.Collaboration = nil }, "collaboration configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfig_EmptyDatabasePathDisablesAudit(t *testing.T) {
	config := DefaultConfig()
	config.Database.Path = ""
	config.Database.Timeout = 0
	if err := config.Validate(); err != nil {
		t.Errorf("Empty database path should be allowed: %v", err)
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("COLLABHUB_HTTP_PORT", "9090")
	t.Setenv("COLLABHUB_DATABASE_PATH", "/tmp/collab-test.db")
	t.Setenv("COLLABHUB_LOCK_LEASE", "45m")
	t.Setenv("COLLABHUB_MESSAGES_PER_MINUTE", "50")
	t.Setenv("COLLABHUB_IDENTITY_ALLOW_QUERY_PARAMS", "false")
	t.Setenv("COLLABHUB_WEBSOCKET_READ_TIMEOUT", "not-a-duration")

	config := LoadFromEnv()

	if config.HTTP.Port != 9090 {
		t.Errorf("Expected HTTP port 9090, got %d", config.HTTP.Port)
	}
	if config.Database.Path != "/tmp/collab-test.db" {
		t.Errorf("Unexpected database path %s", config.Database.Path)
	}
	if config.Collaboration.LockLease != 45*time.Minute {
		t.Errorf("Expected 45m lease, got %v", config.Collaboration.LockLease)
	}
	if config.Collaboration.MessagesPerMinute != 50 {
		t.Errorf("Expected 50 messages per minute, got %d", config.Collaboration.MessagesPerMinute)
	}
	if config.Identity.AllowQueryParams {
		t.Error("Query params should be disabled")
	}
	if config.WebSocket.ReadTimeout != DefaultConfig().WebSocket.ReadTimeout {
		t.Error("Unparseable values should keep the default")
	}
}

func TestConfig_LoadFromEnvEmptyDatabasePath(t *testing.T) {
	t.Setenv("COLLABHUB_DATABASE_PATH", "")
	if path := LoadFromEnv().Database.Path; path != "" {
		t.Errorf("Explicit empty path should disable the audit log, got %q", path)
	}
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"database": {"path": "/tmp/file.db", "timeout": "5s"},
		"http": {"port": 8081, "read_timeout": "10s"},
		"collaboration": {"lock_lease": "1h", "typing_timeout": "0s", "max_chat_length": 0},
		"identity": {"shared_token": "abc", "allow_query_params": false}
	}`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if config.Database.Path != "/tmp/file.db" || config.Database.Timeout != 5*time.Second {
		t.Errorf("Unexpected database config %+v", config.Database)
	}
	if config.HTTP.Port != 8081 || config.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("Unexpected HTTP config %+v", config.HTTP)
	}
	if config.Collaboration.LockLease != time.Hour {
		t.Errorf("Expected 1h lease, got %v", config.Collaboration.LockLease)
	}
	if config.Collaboration.TypingTimeout != 0 || config.Collaboration.MaxChatLength != 0 {
		t.Error("Explicit zero values should be honoured")
	}
	if config.Identity.SharedToken != "abc" || config.Identity.AllowQueryParams {
		t.Errorf("Unexpected identity config %+v", config.Identity)
	}
	if config.WebSocket.BufferSize != DefaultConfig().WebSocket.BufferSize {
		t.Error("Absent sections should keep defaults")
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Missing file should fail")
	}

	bad := writeFile(t, "bad.json", `{"http": {"port": "eighty"}`)
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("Invalid JSON should fail")
	}

	badDuration := writeFile(t, "dur.json", `{"collaboration": {"lock_lease": "forever"}}`)
	_, err := LoadFromFile(badDuration)
	if err == nil || !strings.Contains(err.Error(), "collaboration.lock_lease") {
		t.Errorf("Expected duration error naming the field, got %v", err)
	}

	invalid := writeFile(t, "invalid.json", `{"http": {"port": 70000}}`)
	if _, err := LoadFromFile(invalid); err == nil {
		t.Error("Out-of-range port should fail validation")
	}
}

func TestConfig_LoadDotEnv(t *testing.T) {
	const key = "COLLABHUB_DOTENV_PROBE"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := writeFile(t, ".env", key+"=from-file\n")
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env"), path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("Expected value from .env, got %q", got)
	}

	override := writeFile(t, "second.env", key+"=ignored\n")
	if err := LoadDotEnv(override); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("Existing variables must not be overridden, got %q", got)
	}
}

func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("COLLABHUB_HTTP_PORT", "9191")
	t.Setenv("COLLABHUB_LOCK_LEASE", "20m")

	path := writeFile(t, "config.json", `{"collaboration": {"lock_lease": "2h"}}`)
	config, err := LoadConfigWithPrecedence(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence failed: %v", err)
	}
	if config.HTTP.Port != 9191 {
		t.Errorf("Environment should apply when the file is silent, got %d", config.HTTP.Port)
	}
	if config.Collaboration.LockLease != 2*time.Hour {
		t.Errorf("File should win over environment, got %v", config.Collaboration.LockLease)
	}

	config, err = LoadConfigWithPrecedence("")
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence without file failed: %v", err)
	}
	if config.Collaboration.LockLease != 20*time.Minute {
		t.Errorf("Expected env lease, got %v", config.Collaboration.LockLease)
	}

	if _, err := LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("An explicitly named missing file should be an error")
	}
}
