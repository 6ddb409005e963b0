// Package config provides configuration management for claude-host.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for claude-host.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Tmux     TmuxConfig     `mapstructure:"tmux"`
	Rich     RichConfig     `mapstructure:"rich"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite metadata store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Secret signs browser session tokens. Required in production mode;
	// a throwaway dev secret is generated otherwise.
	Secret string `mapstructure:"secret"`

	// AdminEmail is the principal that adopts unowned resources on first login.
	AdminEmail string `mapstructure:"adminEmail"`
}

// ExecutorConfig holds remote-executor registry configuration.
type ExecutorConfig struct {
	// Token gates the executor-facing WebSocket upgrades. When empty,
	// remote executors are refused entirely.
	Token string `mapstructure:"token"`

	RPCTimeout       int `mapstructure:"rpcTimeout"`       // seconds, default 30
	ChannelTimeout   int `mapstructure:"channelTimeout"`   // seconds, default 10
	HeartbeatTimeout int `mapstructure:"heartbeatTimeout"` // seconds, default 45
	HealthInterval   int `mapstructure:"healthInterval"`   // seconds, default 15

	// AbandonAfter is how long a session may sit on an offline executor
	// before list() prunes it, in seconds.
	AbandonAfter int `mapstructure:"abandonAfter"`
}

// TmuxConfig holds shell-multiplexer configuration.
type TmuxConfig struct {
	Binary string `mapstructure:"binary"`
	// Socket selects a dedicated tmux server socket name; empty uses the default.
	Socket string `mapstructure:"socket"`
}

// RichConfig holds rich-session agent configuration.
type RichConfig struct {
	// AgentBinary is the interactive agent CLI launched for rich sessions.
	AgentBinary string `mapstructure:"agentBinary"`

	// DataDir stores per-session NDJSON event logs.
	DataDir string `mapstructure:"dataDir"`

	// FlushDebounce is the persistence debounce in milliseconds.
	FlushDebounce int `mapstructure:"flushDebounce"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RPCTimeoutDuration returns the RPC timeout as a time.Duration.
func (e *ExecutorConfig) RPCTimeoutDuration() time.Duration {
	return time.Duration(e.RPCTimeout) * time.Second
}

// ChannelTimeoutDuration returns the pending-channel timeout as a time.Duration.
func (e *ExecutorConfig) ChannelTimeoutDuration() time.Duration {
	return time.Duration(e.ChannelTimeout) * time.Second
}

// HeartbeatTimeoutDuration returns the heartbeat timeout as a time.Duration.
func (e *ExecutorConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(e.HeartbeatTimeout) * time.Second
}

// HealthIntervalDuration returns the health-check interval as a time.Duration.
func (e *ExecutorConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(e.HealthInterval) * time.Second
}

// AbandonAfterDuration returns the session abandon threshold as a time.Duration.
func (e *ExecutorConfig) AbandonAfterDuration() time.Duration {
	return time.Duration(e.AbandonAfter) * time.Second
}

// FlushDebounceDuration returns the persistence debounce as a time.Duration.
func (r *RichConfig) FlushDebounceDuration() time.Duration {
	return time.Duration(r.FlushDebounce) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CLAUDEHOST_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// IsProduction reports whether the process runs in production mode.
func IsProduction() bool {
	env := os.Getenv("CLAUDEHOST_ENV")
	return env == "production" || env == "prod"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude-host"
	}
	return filepath.Join(home, ".claude-host")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.path", filepath.Join(dataDir, "claude-host.db"))

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.adminEmail", "")

	v.SetDefault("executor.token", "")
	v.SetDefault("executor.rpcTimeout", 30)
	v.SetDefault("executor.channelTimeout", 10)
	v.SetDefault("executor.heartbeatTimeout", 45)
	v.SetDefault("executor.healthInterval", 15)
	v.SetDefault("executor.abandonAfter", 600)

	v.SetDefault("tmux.binary", "tmux")
	v.SetDefault("tmux.socket", "")

	v.SetDefault("rich.agentBinary", "claude")
	v.SetDefault("rich.dataDir", filepath.Join(dataDir, "rich"))
	v.SetDefault("rich.flushDebounce", 2000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLAUDEHOST_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/claude-host/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLAUDEHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("executor.token", "CLAUDEHOST_EXECUTOR_TOKEN")
	_ = v.BindEnv("auth.secret", "CLAUDEHOST_AUTH_SECRET")
	_ = v.BindEnv("auth.adminEmail", "CLAUDEHOST_AUTH_ADMIN_EMAIL")
	_ = v.BindEnv("rich.agentBinary", "CLAUDEHOST_RICH_AGENT_BINARY")
	_ = v.BindEnv("database.path", "CLAUDEHOST_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/claude-host/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Auth.Secret == "" {
		if IsProduction() {
			errs = append(errs, "auth.secret is required in production mode")
		} else {
			cfg.Auth.Secret = generateDevSecret()
		}
	}

	if cfg.Executor.RPCTimeout <= 0 {
		errs = append(errs, "executor.rpcTimeout must be positive")
	}
	if cfg.Executor.HeartbeatTimeout <= 0 {
		errs = append(errs, "executor.heartbeatTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// In production, users must set CLAUDEHOST_AUTH_SECRET.
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
