// Package cmd provides the command-line interface for previewd.
//
// Configuration System:
//
//	The CLI supports flexible configuration through multiple sources with clear precedence:
//	1. Command-line flags (--port, --host, etc.) - highest priority
//	2. PREVIEWD_CONFIG_FILE environment variable - custom config file path
//	3. Individual environment variables (PREVIEWD_SERVER_PORT, etc.)
//	4. Configuration files (.previewd.yml) - lowest priority
//
// Environment Variables:
//
//	PREVIEWD_CONFIG_FILE: Path to custom configuration file
//	PREVIEWD_SERVER_PORT: Override management server port
//	PREVIEWD_SERVER_HOST: Override management server host
//	PREVIEWD_PREVIEW_DEBOUNCE_WINDOW: Override the rebuild debounce window
//	And more following the PREVIEWD_<SECTION>_<OPTION> pattern
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/previewd/internal/config"
)

// defaultServerURL is where client commands look for a running daemon.
const defaultServerURL = "http://127.0.0.1:7878"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "previewd",
	Short: "Hot-reloading preview service for local projects",
	Long: `Previewd hosts live-reloading preview servers for local projects.

Each registered project gets its own HTTP endpoint serving the project's
files, with proxy rules for backend routes and a reload client injected
into HTML pages. File changes are coalesced, run through the project's
optional compile step, and pushed to connected browsers over WebSocket.

Quick Start:
  previewd serve                  Start the daemon
  previewd register site.yml      Register a project with a running daemon
  previewd list                   Show registered projects
  previewd version                Show version information`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .previewd.yml, can also use PREVIEWD_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig initializes the configuration system.
//
// Configuration Loading Priority (highest to lowest):
//  1. --config flag: Explicitly specified config file path
//  2. PREVIEWD_CONFIG_FILE environment variable: Custom config file path
//  3. Default: .previewd.yml in current directory
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("PREVIEWD_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".previewd")
	}

	viper.SetEnvPrefix("PREVIEWD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	// Missing or unreadable config files are not fatal; defaults and
	// environment variables still apply.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// setDefaults registers every configuration key with viper. Unmarshal
// only sees environment overrides for keys viper already knows about,
// so each key needs a registered default.
func setDefaults() {
	viper.SetDefault("server.host", config.DefaultHost)
	viper.SetDefault("server.port", config.DefaultPort)
	viper.SetDefault("server.allowed_origins", []string{})

	viper.SetDefault("preview.host", config.DefaultHost)
	viper.SetDefault("preview.debounce_window", config.DefaultDebounceWindow)
	viper.SetDefault("preview.settle_window", config.DefaultSettleWindow)
	viper.SetDefault("preview.compile_timeout", config.DefaultCompileTimeout)
	viper.SetDefault("preview.mailbox_size", config.DefaultMailboxSize)
	viper.SetDefault("preview.exclude_patterns", []string{})

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.file", "")
	viper.SetDefault("logging.max_size_mb", 10)
	viper.SetDefault("logging.max_backups", 3)
}
