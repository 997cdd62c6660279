// Package config provides configuration management for previewd using Viper
// for flexible configuration loading from files, environment variables, and
// command-line flags.
//
// The configuration system supports YAML files, environment variable overrides
// with PREVIEWD_ prefix, validation, and security checks. It manages the
// management server address, preview session tuning (debounce and settle
// windows, compile timeout, mailbox sizes), and logging output.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Preview PreviewConfig `yaml:"preview" mapstructure:"preview"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig describes the management API listener.
type ServerConfig struct {
	Host           string   `yaml:"host" mapstructure:"host"`
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// PreviewConfig tunes per-project preview sessions.
type PreviewConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	DebounceWindow  time.Duration `yaml:"debounce_window" mapstructure:"debounce_window"`
	SettleWindow    time.Duration `yaml:"settle_window" mapstructure:"settle_window"`
	CompileTimeout  time.Duration `yaml:"compile_timeout" mapstructure:"compile_timeout"`
	MailboxSize     int           `yaml:"mailbox_size" mapstructure:"mailbox_size"`
	ExcludePatterns []string      `yaml:"exclude_patterns" mapstructure:"exclude_patterns"`
}

// LoggingConfig describes log output.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// Defaults applied by Load when a value is unset.
const (
	DefaultPort           = 7878
	DefaultHost           = "127.0.0.1"
	DefaultDebounceWindow = 300 * time.Millisecond
	DefaultSettleWindow   = 100 * time.Millisecond
	DefaultCompileTimeout = 30 * time.Second
	DefaultMailboxSize    = 64
)

func Load() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.Server.Host == "" {
		config.Server.Host = DefaultHost
	}
	if !viper.IsSet("server.port") && config.Server.Port == 0 {
		config.Server.Port = DefaultPort
	}

	if config.Preview.Host == "" {
		config.Preview.Host = DefaultHost
	}
	if config.Preview.DebounceWindow == 0 {
		config.Preview.DebounceWindow = DefaultDebounceWindow
	}
	if config.Preview.SettleWindow == 0 {
		config.Preview.SettleWindow = DefaultSettleWindow
	}
	if config.Preview.CompileTimeout == 0 {
		config.Preview.CompileTimeout = DefaultCompileTimeout
	}
	if config.Preview.MailboxSize == 0 {
		config.Preview.MailboxSize = DefaultMailboxSize
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	if config.Logging.MaxSizeMB == 0 {
		config.Logging.MaxSizeMB = 10
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = 3
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validatePreviewConfig(&config.Preview); err != nil {
		return fmt.Errorf("preview config: %w", err)
	}

	if err := validateLoggingConfig(&config.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// validateServerConfig validates management listener values
func validateServerConfig(config *ServerConfig) error {
	// Port 0 is allowed for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if err := validateHost(config.Host); err != nil {
		return err
	}

	for _, origin := range config.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("allowed_origins contains an empty entry")
		}
	}

	return nil
}

// validatePreviewConfig validates session tuning values
func validatePreviewConfig(config *PreviewConfig) error {
	if err := validateHost(config.Host); err != nil {
		return err
	}

	if config.DebounceWindow < 0 {
		return fmt.Errorf("debounce_window must not be negative")
	}
	if config.SettleWindow < 0 {
		return fmt.Errorf("settle_window must not be negative")
	}
	if config.CompileTimeout <= 0 {
		return fmt.Errorf("compile_timeout must be positive")
	}
	if config.MailboxSize <= 0 {
		return fmt.Errorf("mailbox_size must be positive")
	}

	for _, pattern := range config.ExcludePatterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid exclude pattern: %s", pattern)
		}
	}

	return nil
}

// validateLoggingConfig validates log output values
func validateLoggingConfig(config *LoggingConfig) error {
	switch config.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be \"text\" or \"json\", got %q", config.Format)
	}

	switch strings.ToLower(config.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("unknown log level %q", config.Level)
	}

	return nil
}

// validateHost rejects hosts carrying shell metacharacters
func validateHost(host string) error {
	if host == "" {
		return nil
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("host contains dangerous character: %s", char)
		}
	}

	return nil
}
