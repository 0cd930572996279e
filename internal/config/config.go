// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Terminal TerminalConfig
	Upload   UploadConfig
	Scripts  ScriptsConfig
	Storage  StorageConfig
	Logging  LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string   `envconfig:"PORT" default:"3000"`
	Host           string   `envconfig:"HOST" default:"0.0.0.0"`
	StaticDir      string   `envconfig:"STATIC_DIR" default:"public"`
	WSPath         string   `envconfig:"WS_PATH" default:"/terminal"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

// TerminalConfig holds the parameters every terminal session is started with.
type TerminalConfig struct {
	Shell   string `envconfig:"TERMINAL_SHELL"`
	Cols    uint16 `envconfig:"TERMINAL_COLS" default:"80"`
	Rows    uint16 `envconfig:"TERMINAL_ROWS" default:"30"`
	WorkDir string `envconfig:"TERMINAL_WORKDIR"`
	// Term is exported as TERM only when the server environment has none.
	Term string `envconfig:"TERMINAL_TERM" default:"xterm-color"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	MaxMissedPongs    int           `envconfig:"HEARTBEAT_MAX_MISSED" default:"1"`
	WriteWait         time.Duration `envconfig:"WS_WRITE_WAIT" default:"10s"`
	MaxMessageSize    int64         `envconfig:"WS_MAX_MESSAGE_SIZE" default:"1048576"`
	SendBuffer        int           `envconfig:"WS_SEND_BUFFER" default:"256"`

	// OutputTail is how many trailing output bytes the audit row keeps. 0 disables it.
	OutputTail int `envconfig:"TERMINAL_OUTPUT_TAIL" default:"2048"`
}

// UploadConfig holds file upload configuration.
type UploadConfig struct {
	Dir      string `envconfig:"UPLOAD_DIR" default:"shared"`
	FileName string `envconfig:"UPLOAD_FILENAME" default:"upload.bin"`
	MaxBytes int64  `envconfig:"UPLOAD_MAX_BYTES" default:"33554432"`
}

// ScriptsConfig holds the fixed commands behind the run endpoints.
type ScriptsConfig struct {
	DiscoveryScript string        `envconfig:"DISCOVERY_SCRIPT" default:"./scripts/discover.sh"`
	UploadCommand   string        `envconfig:"UPLOAD_COMMAND" default:"./scripts/upload.sh"`
	UploadArgs      []string      `envconfig:"UPLOAD_ARGS"`
	Timeout         time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"5m"`
}

// StorageConfig holds optional persistence settings. Empty paths disable the feature.
type StorageConfig struct {
	DBPath    string `envconfig:"DB_PATH"`
	RecordDir string `envconfig:"RECORD_DIR"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.applyRuntimeDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:           "3000",
			Host:           "0.0.0.0",
			StaticDir:      "public",
			WSPath:         "/terminal",
			AllowedOrigins: []string{"*"},
		},
		Terminal: TerminalConfig{
			Cols:              80,
			Rows:              30,
			Term:              "xterm-color",
			HeartbeatInterval: 30 * time.Second,
			MaxMissedPongs:    1,
			WriteWait:         10 * time.Second,
			MaxMessageSize:    1 << 20,
			SendBuffer:        256,
			OutputTail:        2048,
		},
		Upload: UploadConfig{
			Dir:      "shared",
			FileName: "upload.bin",
			MaxBytes: 32 << 20,
		},
		Scripts: ScriptsConfig{
			DiscoveryScript: "./scripts/discover.sh",
			UploadCommand:   "./scripts/upload.sh",
			Timeout:         5 * time.Minute,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
	cfg.applyRuntimeDefaults()
	return cfg
}

// Validate checks values envconfig cannot constrain on its own.
func (c *Config) Validate() error {
	if c.Terminal.Cols == 0 || c.Terminal.Rows == 0 {
		return fmt.Errorf("invalid terminal geometry %dx%d", c.Terminal.Cols, c.Terminal.Rows)
	}
	if c.Terminal.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.Terminal.HeartbeatInterval)
	}
	if c.Terminal.MaxMissedPongs < 1 {
		return fmt.Errorf("heartbeat miss threshold must be at least 1, got %d", c.Terminal.MaxMissedPongs)
	}
	if c.Terminal.OutputTail < 0 {
		return fmt.Errorf("output tail must not be negative, got %d", c.Terminal.OutputTail)
	}
	if c.Upload.FileName == "" {
		return fmt.Errorf("upload file name is required")
	}
	return nil
}

// applyRuntimeDefaults fills values that depend on the host rather than on
// static defaults.
func (c *Config) applyRuntimeDefaults() {
	if c.Terminal.Shell == "" {
		c.Terminal.Shell = os.Getenv("SHELL")
		if c.Terminal.Shell == "" {
			c.Terminal.Shell = "/bin/bash"
		}
	}
	if c.Terminal.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Terminal.WorkDir = home
		} else {
			c.Terminal.WorkDir = os.TempDir()
		}
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
