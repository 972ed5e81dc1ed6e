// Package config provides configuration management for the workstation control plane.
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

// Config holds all configuration sections for the control plane.
//
// Configuration is fully resolved by Load before any component is constructed;
// nothing reads the environment after startup.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DataDir   string          `mapstructure:"dataDir"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Container ContainerConfig `mapstructure:"container"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Composio  ComposioConfig  `mapstructure:"composio"`
	App       AppConfig       `mapstructure:"app"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ContainerConfig holds container manager timing configuration.
type ContainerConfig struct {
	StartTimeout       int `mapstructure:"startTimeout"`       // seconds to wait for a container to become healthy
	StopTimeout        int `mapstructure:"stopTimeout"`        // seconds before the runtime kills on stop
	StatusSyncInterval int `mapstructure:"statusSyncInterval"` // seconds between inspect reconciliations
	HealthInterval     int `mapstructure:"healthInterval"`     // seconds between health probes
	StopConcurrency    int `mapstructure:"stopConcurrency"`    // parallel stops during shutdown
}

// ProxyConfig holds credential proxy configuration.
type ProxyConfig struct {
	UpstreamTimeout int `mapstructure:"upstreamTimeout"` // seconds, default for all toolkits
	// ToolkitTimeouts overrides UpstreamTimeout per toolkit slug, in seconds.
	ToolkitTimeouts map[string]int `mapstructure:"toolkitTimeouts"`
	// Allowlist maps a toolkit slug to the host patterns reachable through the
	// proxy. This static map is the sole authority for reachable hosts.
	Allowlist map[string][]string `mapstructure:"allowlist"`
}

// BrowserConfig holds host browser manager configuration.
type BrowserConfig struct {
	PortWaitTimeout int `mapstructure:"portWaitTimeout"` // seconds to wait for the debug port
	PortPollMillis  int `mapstructure:"portPollMillis"`  // poll interval while waiting
}

// SchedulerConfig holds scheduler and auto-sleep timing configuration.
type SchedulerConfig struct {
	TickInterval      int `mapstructure:"tickInterval"`      // seconds between scheduler ticks
	AutoSleepInterval int `mapstructure:"autoSleepInterval"` // seconds between auto-sleep ticks
}

// ComposioConfig holds the upstream token broker endpoint.
type ComposioConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
}

// AppConfig holds desktop application wiring resolved from the environment.
type AppConfig struct {
	ProtocolScheme string `mapstructure:"protocolScheme"` // deep-link callback scheme

	// Env-sourced API key fallbacks. Values stored in settings.json win.
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
	ComposioAPIKey  string `mapstructure:"composioApiKey"`
	ComposioUserID  string `mapstructure:"composioUserId"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StartTimeoutDuration returns the container start timeout as a time.Duration.
func (c *ContainerConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(c.StartTimeout) * time.Second
}

// StopTimeoutDuration returns the container stop timeout as a time.Duration.
func (c *ContainerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(c.StopTimeout) * time.Second
}

// StatusSyncIntervalDuration returns the status sync interval as a time.Duration.
func (c *ContainerConfig) StatusSyncIntervalDuration() time.Duration {
	return time.Duration(c.StatusSyncInterval) * time.Second
}

// HealthIntervalDuration returns the health probe interval as a time.Duration.
func (c *ContainerConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(c.HealthInterval) * time.Second
}

// TimeoutFor returns the upstream timeout for a toolkit, falling back to the default.
func (p *ProxyConfig) TimeoutFor(toolkit string) time.Duration {
	if secs, ok := p.ToolkitTimeouts[toolkit]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(p.UpstreamTimeout) * time.Second
}

// PortWaitTimeoutDuration returns the browser port wait timeout as a time.Duration.
func (b *BrowserConfig) PortWaitTimeoutDuration() time.Duration {
	return time.Duration(b.PortWaitTimeout) * time.Second
}

// PortPollInterval returns the browser port poll interval as a time.Duration.
func (b *BrowserConfig) PortPollInterval() time.Duration {
	return time.Duration(b.PortPollMillis) * time.Millisecond
}

// TickIntervalDuration returns the scheduler tick interval as a time.Duration.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// AutoSleepIntervalDuration returns the auto-sleep tick interval as a time.Duration.
func (s *SchedulerConfig) AutoSleepIntervalDuration() time.Duration {
	return time.Duration(s.AutoSleepInterval) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3456)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // SSE and the proxy stream; no global write deadline

	// Data directory
	v.SetDefault("dataDir", defaultDataDir())

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Container manager defaults
	v.SetDefault("container.startTimeout", 60)
	v.SetDefault("container.stopTimeout", 10)
	v.SetDefault("container.statusSyncInterval", 2)
	v.SetDefault("container.healthInterval", 15)
	v.SetDefault("container.stopConcurrency", 4)

	// Proxy defaults
	v.SetDefault("proxy.upstreamTimeout", 60)
	v.SetDefault("proxy.allowlist", defaultAllowlist())

	// Browser defaults
	v.SetDefault("browser.portWaitTimeout", 15)
	v.SetDefault("browser.portPollMillis", 500)

	// Scheduler defaults
	v.SetDefault("scheduler.tickInterval", 30)
	v.SetDefault("scheduler.autoSleepInterval", 60)

	// Composio broker
	v.SetDefault("composio.baseUrl", "https://backend.composio.dev")

	// App defaults
	v.SetDefault("app.protocolScheme", "workstation")
}

// defaultAllowlist is the static toolkit -> host pattern map. Patterns support
// a leading "*." wildcard for subdomains.
func defaultAllowlist() map[string][]string {
	return map[string][]string{
		"gmail":          {"gmail.googleapis.com", "www.googleapis.com"},
		"googlecalendar": {"www.googleapis.com"},
		"googledrive":    {"www.googleapis.com", "*.googleusercontent.com"},
		"github":         {"api.github.com", "uploads.github.com"},
		"slack":          {"slack.com", "*.slack.com"},
		"notion":         {"api.notion.com"},
		"linear":         {"api.linear.app"},
	}
}

// defaultDataDir returns the platform data directory for the application.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	switch {
	case fileExists(filepath.Join(home, "Library", "Application Support")):
		return filepath.Join(home, "Library", "Application Support", "workstation")
	case os.Getenv("XDG_DATA_HOME") != "":
		return filepath.Join(os.Getenv("XDG_DATA_HOME"), "workstation")
	default:
		return filepath.Join(home, ".local", "share", "workstation")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("WORKSTATION_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WORKSTATION_ followed by the key path
// upper-cased with dots replaced by underscores (server.readTimeout →
// WORKSTATION_SERVER_READTIMEOUT).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("WORKSTATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the bare env vars the desktop shell exports.
	_ = v.BindEnv("dataDir", "DATA_DIR", "WORKSTATION_DATA_DIR")
	_ = v.BindEnv("server.port", "PORT", "WORKSTATION_SERVER_PORT")
	_ = v.BindEnv("app.protocolScheme", "PROTOCOL_SCHEME")
	_ = v.BindEnv("app.anthropicApiKey", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("app.composioApiKey", "COMPOSIO_API_KEY")
	_ = v.BindEnv("app.composioUserId", "COMPOSIO_USER_ID")
	_ = v.BindEnv("logging.level", "WORKSTATION_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.DataDir == "" {
		errs = append(errs, "dataDir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if cfg.Container.StartTimeout <= 0 {
		errs = append(errs, "container.startTimeout must be positive")
	}
	if cfg.Proxy.UpstreamTimeout <= 0 {
		errs = append(errs, "proxy.upstreamTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
