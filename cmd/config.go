package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/exthmr/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect exthmr configuration",
	Long: `Inspect the effective configuration after merging the configuration file,
EXTHMR_ environment variables and defaults.

Examples:
  exthmr config show               # Effective configuration as YAML
  exthmr config validate           # Report errors and warnings`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Validate the configuration for correctness.

This command checks for:
- Valid port ranges, hostnames and reload channel path
- A known build mode and an output directory inside the project
- Named, unique entries with known roles
- Copy destinations that stay inside the output directory
- Watch ignore patterns, browser and logging settings`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if viper.GetString("server.token") == "" {
		cfg.Server.Token = ""
	} else {
		cfg.Server.Token = "<redacted>"
	}

	data, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	config.SetDefaults(v)

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	result := config.ValidateConfigWithDetails(&cfg)
	out := cmd.OutOrStdout()
	if !result.HasErrors() && !result.HasWarnings() {
		fmt.Fprintln(out, "Configuration is valid")
		return nil
	}
	fmt.Fprint(out, result.String())
	return result.Err()
}
