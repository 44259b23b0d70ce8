package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "COLLABHUB_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
type Config struct {
	Database      *DatabaseConfig      `json:"database"`
	HTTP          *HTTPConfig          `json:"http"`
	WebSocket     *WebSocketConfig     `json:"websocket"`
	Collaboration *CollaborationConfig `json:"collaboration"`
	Identity      *IdentityConfig      `json:"identity"`
}

// DatabaseConfig controls the audit log. An empty Path disables it.
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// FUNCTIONAL DISCOVERY: Transport timings; the ping interval must stay below the read timeout
type WebSocketConfig struct {
	PingInterval      time.Duration `json:"ping_interval"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	BufferSize        int           `json:"buffer_size"`
	MaxMessageBytes   int64         `json:"max_message_bytes"`
	MaxProtocolErrors int           `json:"max_protocol_errors"`
}

// CollaborationConfig tunes leases, sweeps and chat limits.
type CollaborationConfig struct {
	LockLease         time.Duration `json:"lock_lease"`
	SweepInterval     time.Duration `json:"sweep_interval"`
	TypingTimeout     time.Duration `json:"typing_timeout"`
	MaxChatLength     int           `json:"max_chat_length"`
	MessagesPerMinute int           `json:"messages_per_minute"`
	EventBuffer       int           `json:"event_buffer"`
}

// IdentityConfig names the headers the fronting proxy sets.
type IdentityConfig struct {
	UserIDHeader      string `json:"user_id_header"`
	DisplayNameHeader string `json:"display_name_header"`
	TokenHeader       string `json:"token_header"`
	SharedToken       string `json:"shared_token"`
	AllowQueryParams  bool   `json:"allow_query_params"`
}

// DefaultConfig returns working settings for a single back-office deployment.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./collabhub.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:      30 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      10 * time.Second,
			BufferSize:        256,
			MaxMessageBytes:   64 * 1024,
			MaxProtocolErrors: 20,
		},
		Collaboration: &CollaborationConfig{
			LockLease:         30 * time.Minute,
			SweepInterval:     15 * time.Second,
			TypingTimeout:     8 * time.Second,
			MaxChatLength:     2000,
			MessagesPerMinute: 300,
			EventBuffer:       1024,
		},
		Identity: &IdentityConfig{
			UserIDHeader:      "X-User-Id",
			DisplayNameHeader: "X-User-Name",
			TokenHeader:       "X-Collab-Token",
			AllowQueryParams:  true,
		},
	}
}

// Validate rejects settings that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path != "" && c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message bytes must be positive")
	}
	if c.WebSocket.MaxProtocolErrors < 0 {
		return fmt.Errorf("WebSocket max protocol errors cannot be negative")
	}

	if c.Collaboration == nil {
		return fmt.Errorf("collaboration configuration is required")
	}
	if c.Collaboration.LockLease <= 0 {
		return fmt.Errorf("lock lease must be positive")
	}
	if c.Collaboration.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.Collaboration.TypingTimeout < 0 {
		return fmt.Errorf("typing timeout cannot be negative")
	}
	if c.Collaboration.MaxChatLength < 0 {
		return fmt.Errorf("max chat length cannot be negative")
	}
	if c.Collaboration.MessagesPerMinute < 0 {
		return fmt.Errorf("messages per minute cannot be negative")
	}
	if c.Collaboration.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive")
	}

	if c.Identity == nil {
		return fmt.Errorf("identity configuration is required")
	}
	if c.Identity.UserIDHeader == "" || c.Identity.DisplayNameHeader == "" {
		return fmt.Errorf("identity header names cannot be empty")
	}
	if c.Identity.SharedToken != "" && c.Identity.TokenHeader == "" {
		return fmt.Errorf("identity token header is required when a shared token is set")
	}

	return nil
}

// LoadDotEnv loads each existing file into the process environment.
// Variables already set are never overridden; missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// LoadFromEnv overlays COLLABHUB_* variables on the defaults.
// Unparseable values are ignored and the default kept.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	// An explicitly empty path disables the audit log.
	if path, ok := os.LookupEnv(EnvPrefix + "DATABASE_PATH"); ok {
		config.Database.Path = path
	}
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	envInt64("WEBSOCKET_MAX_MESSAGE_BYTES", &config.WebSocket.MaxMessageBytes)
	envInt("WEBSOCKET_MAX_PROTOCOL_ERRORS", &config.WebSocket.MaxProtocolErrors)

	envDuration("LOCK_LEASE", &config.Collaboration.LockLease)
	envDuration("SWEEP_INTERVAL", &config.Collaboration.SweepInterval)
	envDuration("TYPING_TIMEOUT", &config.Collaboration.TypingTimeout)
	envInt("MAX_CHAT_LENGTH", &config.Collaboration.MaxChatLength)
	envInt("MESSAGES_PER_MINUTE", &config.Collaboration.MessagesPerMinute)
	envInt("EVENT_BUFFER", &config.Collaboration.EventBuffer)

	envString("IDENTITY_USER_ID_HEADER", &config.Identity.UserIDHeader)
	envString("IDENTITY_DISPLAY_NAME_HEADER", &config.Identity.DisplayNameHeader)
	envString("IDENTITY_TOKEN_HEADER", &config.Identity.TokenHeader)
	envString("IDENTITY_SHARED_TOKEN", &config.Identity.SharedToken)
	envBool("IDENTITY_ALLOW_QUERY_PARAMS", &config.Identity.AllowQueryParams)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Database      *DatabaseConfigFile      `json:"database"`
	HTTP          *HTTPConfigFile          `json:"http"`
	WebSocket     *WebSocketConfigFile     `json:"websocket"`
	Collaboration *CollaborationConfigFile `json:"collaboration"`
	Identity      *IdentityConfigFile      `json:"identity"`
}

type DatabaseConfigFile struct {
	Path    *string `json:"path"`
	Timeout string  `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval      string `json:"ping_interval"`
	ReadTimeout       string `json:"read_timeout"`
	WriteTimeout      string `json:"write_timeout"`
	BufferSize        int    `json:"buffer_size"`
	MaxMessageBytes   int64  `json:"max_message_bytes"`
	MaxProtocolErrors *int   `json:"max_protocol_errors"`
}

type CollaborationConfigFile struct {
	LockLease         string `json:"lock_lease"`
	SweepInterval     string `json:"sweep_interval"`
	TypingTimeout     string `json:"typing_timeout"`
	MaxChatLength     *int   `json:"max_chat_length"`
	MessagesPerMinute *int   `json:"messages_per_minute"`
	EventBuffer       int    `json:"event_buffer"`
}

type IdentityConfigFile struct {
	UserIDHeader      string `json:"user_id_header"`
	DisplayNameHeader string `json:"display_name_header"`
	TokenHeader       string `json:"token_header"`
	SharedToken       string `json:"shared_token"`
	AllowQueryParams  *bool  `json:"allow_query_params"`
}

// LoadFromFile reads a JSON config file on top of the defaults.
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var parseErr error
	duration := func(field, value string, dst *time.Duration) {
		if value == "" || parseErr != nil {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			parseErr = fmt.Errorf("invalid duration for %s in %s: %w", field, filepath, err)
			return
		}
		*dst = d
	}

	if f := file.Database; f != nil {
		if f.Path != nil {
			config.Database.Path = *f.Path
		}
		duration("database.timeout", f.Timeout, &config.Database.Timeout)
	}

	if f := file.HTTP; f != nil {
		if f.Port > 0 {
			config.HTTP.Port = f.Port
		}
		if f.Host != "" {
			config.HTTP.Host = f.Host
		}
		duration("http.read_timeout", f.ReadTimeout, &config.HTTP.ReadTimeout)
		duration("http.write_timeout", f.WriteTimeout, &config.HTTP.WriteTimeout)
	}

	if f := file.WebSocket; f != nil {
		if f.BufferSize > 0 {
			config.WebSocket.BufferSize = f.BufferSize
		}
		if f.MaxMessageBytes > 0 {
			config.WebSocket.MaxMessageBytes = f.MaxMessageBytes
		}
		if f.MaxProtocolErrors != nil {
			config.WebSocket.MaxProtocolErrors = *f.MaxProtocolErrors
		}
		duration("websocket.ping_interval", f.PingInterval, &config.WebSocket.PingInterval)
		duration("websocket.read_timeout", f.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", f.WriteTimeout, &config.WebSocket.WriteTimeout)
	}

	if f := file.Collaboration; f != nil {
		duration("collaboration.lock_lease", f.LockLease, &config.Collaboration.LockLease)
		duration("collaboration.sweep_interval", f.SweepInterval, &config.Collaboration.SweepInterval)
		duration("collaboration.typing_timeout", f.TypingTimeout, &config.Collaboration.TypingTimeout)
		if f.MaxChatLength != nil {
			config.Collaboration.MaxChatLength = *f.MaxChatLength
		}
		if f.MessagesPerMinute != nil {
			config.Collaboration.MessagesPerMinute = *f.MessagesPerMinute
		}
		if f.EventBuffer > 0 {
			config.Collaboration.EventBuffer = f.EventBuffer
		}
	}

	if f := file.Identity; f != nil {
		if f.UserIDHeader != "" {
			config.Identity.UserIDHeader = f.UserIDHeader
		}
		if f.DisplayNameHeader != "" {
			config.Identity.DisplayNameHeader = f.DisplayNameHeader
		}
		if f.TokenHeader != "" {
			config.Identity.TokenHeader = f.TokenHeader
		}
		if f.SharedToken != "" {
			config.Identity.SharedToken = f.SharedToken
		}
		if f.AllowQueryParams != nil {
			config.Identity.AllowQueryParams = *f.AllowQueryParams
		}
	}

	return parseErr
}

// LoadConfigWithPrecedence resolves file > environment (.env included) > defaults.
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	config := LoadFromEnv()
	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
