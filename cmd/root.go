// Package cmd provides the command-line interface for exthmr with configuration
// management supporting multiple configuration sources.
//
// Configuration System:
//
//	The CLI reads configuration from several sources with clear precedence:
//	1. Command-line flags (--port, --mode, etc.) - highest priority
//	2. Individual environment variables (EXTHMR_SERVER_PORT, etc.)
//	3. Configuration file (.exthmr.yml, --config or EXTHMR_CONFIG_FILE)
//	4. Built-in defaults - lowest priority
//
// Environment Variables:
//
//	EXTHMR_CONFIG_FILE: Path to custom configuration file
//	EXTHMR_SERVER_PORT: Override server port
//	EXTHMR_BUILD_MODE: Override build mode
//	And every other key following the EXTHMR_<SECTION>_<OPTION> pattern
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/exthmr/internal/config"
	"github.com/conneroisu/exthmr/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "exthmr",
	Short: "Hot module reload for browser extensions",
	Long: `exthmr builds a WebExtension from its manifest and entry scripts and keeps
a running extension in sync with the sources while you edit them.

Key Features:
  • Manifest reconciliation for development and production
  • Per-entry rebuilds driven by the module graph
  • Content-script reloads without reloading the extension
  • Error overlay for build failures
  • Browser launch with the unpacked extension loaded

Quick Start:
  exthmr init                     Write a starter .exthmr.yml
  exthmr dev                      Start the development session
  exthmr build                    Production build
  exthmr entries                  Show entries and their roles

Command Aliases:
  dev (serve, s), build (b), entries (ls)`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .exthmr.yml, can also use EXTHMR_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points viper at the configuration file.
//
// Configuration file priority (highest to lowest):
//  1. --config flag
//  2. EXTHMR_CONFIG_FILE environment variable
//  3. .exthmr.yml in the current directory
//
// A missing file is not an error: defaults and environment variables apply.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv(config.EnvPrefix + "_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(config.FileName)
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig loads the validated configuration and the logger it describes.
func loadConfig() (*config.Config, logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(lc config.LoggingConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: lc.Format,
		Output: os.Stderr,
	}), nil
}
