package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/exthmr/internal/types"
)

// StandardFlags provides consistent flag definitions across commands
type StandardFlags struct {
	// Server flags
	Port int
	Host string

	// Build flags
	Root      string
	OutDir    string
	Mode      string
	Sourcemap bool

	// Output flags
	OutputFormat string
}

// flagBindings maps flag names to configuration keys.
var flagBindings = map[string]string{
	"port":      "server.port",
	"host":      "server.host",
	"root":      "build.root",
	"out-dir":   "build.out_dir",
	"mode":      "build.mode",
	"sourcemap": "build.sourcemap",
	"open":      "launch.enabled",
	"browser":   "launch.browser",
	"overlay":   "server.overlay",
}

// AddStandardFlags adds standard flags to a command
func AddStandardFlags(cmd *cobra.Command, flagTypes ...string) *StandardFlags {
	flags := &StandardFlags{}

	for _, flagType := range flagTypes {
		switch flagType {
		case "server":
			addServerFlags(cmd, flags)
		case "build":
			addBuildFlags(cmd, flags)
		case "output":
			addOutputFlags(cmd, flags)
		}
	}

	return flags
}

func addServerFlags(cmd *cobra.Command, flags *StandardFlags) {
	cmd.Flags().IntVarP(&flags.Port, "port", "p", 3000, "Port to serve on")
	cmd.Flags().StringVar(&flags.Host, "host", "localhost", "Host to bind to")
	AddFlagValidation(cmd, "port", ValidatePort)
}

func addBuildFlags(cmd *cobra.Command, flags *StandardFlags) {
	cmd.Flags().StringVar(&flags.Root, "root", ".", "Project root")
	cmd.Flags().StringVar(&flags.OutDir, "out-dir", "dist", "Output directory")
	cmd.Flags().StringVarP(&flags.Mode, "mode", "m", string(types.ModeDevelopment), "Build mode (development, production)")
	cmd.Flags().BoolVar(&flags.Sourcemap, "sourcemap", false, "Emit source maps")
	AddFlagValidation(cmd, "mode", ValidateMode)
}

func addOutputFlags(cmd *cobra.Command, flags *StandardFlags) {
	cmd.Flags().StringVarP(&flags.OutputFormat, "format", "f", "table", "Output format (table, json, yaml)")
	AddFlagValidation(cmd, "format", func(format string) error {
		return ValidateFormatWithSuggestion(format, []string{"table", "json", "yaml"})
	})
}

// BindFlags binds every changed flag of cmd that has a configuration key to
// viper. It runs before the command so several commands can share a key.
func BindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagBindings[f.Name]
		if !ok || !f.Changed || err != nil {
			return
		}
		err = viper.BindPFlag(key, f)
	})
	return err
}

// AddFlagValidation adds validation for a specific flag
func AddFlagValidation(cmd *cobra.Command, flagName string, validator func(string) error) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		return
	}

	flag.Value = &validatingValue{
		Value:     flag.Value,
		validator: validator,
	}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if v.validator != nil {
		if err := v.validator(val); err != nil {
			return err
		}
	}
	return v.Value.Set(val)
}

// ValidatePort checks a port flag value
func ValidatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", portStr)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}

	return nil
}

// ValidateMode checks a build mode flag value
func ValidateMode(mode string) error {
	_, err := types.ParseMode(mode)
	return err
}

// ValidateFormatWithSuggestion rejects unknown output formats, suggesting
// the closest valid one.
func ValidateFormatWithSuggestion(format string, valid []string) error {
	for _, v := range valid {
		if format == v {
			return nil
		}
	}
	for _, v := range valid {
		if strings.HasPrefix(v, strings.ToLower(format)) && format != "" {
			return fmt.Errorf("invalid format %q, did you mean %q?", format, v)
		}
	}
	return fmt.Errorf("invalid format %q, must be one of: %s", format, strings.Join(valid, ", "))
}

// writeOutput renders data as JSON or YAML, or with table for "table".
func writeOutput(w io.Writer, format string, data interface{}, table func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	default:
		return table(w)
	}
}
