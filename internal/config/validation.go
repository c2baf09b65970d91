package config

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/types"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// Err folds the errors into a single config error, or nil.
func (vr *ValidationResult) Err() error {
	if !vr.HasErrors() {
		return nil
	}
	vec := &hmrerrors.ValidationErrorCollection{}
	for _, e := range vr.Errors {
		vec.AddField(e.Field, e.Value, e.Message)
	}
	return vec.ToHmrError()
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	if len(vr.Errors) > 0 {
		builder.WriteString("Validation errors:\n")
		for _, err := range vr.Errors {
			builder.WriteString(fmt.Sprintf("  • %s: %s\n", err.Field, err.Message))
			for _, suggestion := range err.Suggestions {
				builder.WriteString(fmt.Sprintf("    - %s\n", suggestion))
			}
		}
		builder.WriteString("\n")
	}

	if len(vr.Warnings) > 0 {
		builder.WriteString("Validation warnings:\n")
		for _, warning := range vr.Warnings {
			builder.WriteString(fmt.Sprintf("  • %s: %s\n", warning.Field, warning.Message))
			for _, suggestion := range warning.Suggestions {
				builder.WriteString(fmt.Sprintf("    - %s\n", suggestion))
			}
		}
	}

	return builder.String()
}

func (vr *ValidationResult) addError(field string, value interface{}, message string, suggestions ...string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

func (vr *ValidationResult) addWarning(field string, value interface{}, message string, suggestions ...string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

// ValidateConfigWithDetails performs validation with detailed feedback
func ValidateConfigWithDetails(config *Config) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	validateServerConfig(&config.Server, result)
	validateBuildConfig(&config.Build, result)
	validateEntriesConfig(&config.Entries, result)
	validateCopyConfig(config.Copy, result)
	validateWatchConfig(&config.Watch, result)
	validateLaunchConfig(&config.Launch, result)
	validateLoggingConfig(&config.Logging, result)

	result.Valid = !result.HasErrors()
	return result
}

func validateServerConfig(config *ServerConfig, result *ValidationResult) {
	if config.Port < 0 || config.Port > 65535 {
		result.addError("server.port", config.Port,
			fmt.Sprintf("port %d is not in valid range 0-65535", config.Port),
			"Use a port between 1024-65535 for non-privileged access",
			"Port 0 allows system to assign an available port")
	} else if config.Port > 0 && config.Port < 1024 {
		result.addWarning("server.port", config.Port, "port below 1024 requires elevated privileges",
			"Consider using a port above 1024 for development")
	}

	if config.Host != "" {
		if err := validateHostname(config.Host); err != nil {
			result.addError("server.host", config.Host, err.Error(),
				"Use 'localhost' for local development",
				"Use a valid IP address or hostname")
		}
	}

	if !strings.HasPrefix(config.Path, "/") {
		result.addError("server.path", config.Path, "reload channel path must start with '/'",
			"The default is /__exthmr")
	}
}

func validateBuildConfig(config *BuildConfig, result *ValidationResult) {
	if _, err := types.ParseMode(config.Mode); err != nil {
		result.addError("build.mode", config.Mode, err.Error(),
			"Use 'development' for a watch session",
			"Use 'production' for a release build")
	}

	out := filepath.Clean(config.OutDir)
	switch {
	case strings.TrimSpace(config.OutDir) == "":
		result.addError("build.out_dir", config.OutDir, "output directory cannot be empty")
	case out == ".":
		result.addError("build.out_dir", config.OutDir,
			"output directory cannot be the project root, it is wiped at session start",
			"Use a dedicated directory such as 'dist'")
	case !filepath.IsAbs(out) && (out == ".." || strings.HasPrefix(out, ".."+string(filepath.Separator))):
		result.addWarning("build.out_dir", config.OutDir, "output directory is outside the project root")
	}
}

func validateEntriesConfig(config *EntriesConfig, result *ValidationResult) {
	if len(config.Scripts) == 0 {
		result.addWarning("entries.scripts", nil, "no script entries configured",
			"Add at least a content script or background entry")
	}

	names := make(map[string]struct{})
	for i, s := range config.Scripts {
		field := fmt.Sprintf("entries.scripts[%d]", i)
		if s.Name == "" {
			result.addError(field+".name", s.Name, "entry name cannot be empty")
		} else if _, dup := names[s.Name]; dup {
			result.addError(field+".name", s.Name, "duplicate entry name")
		}
		names[s.Name] = struct{}{}

		if err := validatePath(s.Path); err != nil {
			result.addError(field+".path", s.Path, err.Error())
		}
		if _, err := types.ParseRole(s.Role); err != nil {
			result.addError(field+".role", s.Role, err.Error(),
				"Valid roles: background, content-script, other, or empty to infer from the manifest")
		}
	}

	for i, p := range config.Pages {
		field := fmt.Sprintf("entries.pages[%d]", i)
		if err := validatePath(p.Path); err != nil {
			result.addError(field+".path", p.Path, err.Error())
		}
		if ext := strings.ToLower(filepath.Ext(p.Path)); ext != ".html" && ext != ".htm" {
			result.addWarning(field+".path", p.Path, "page is not an HTML file")
		}
	}
}

func validateCopyConfig(copies []CopyConfig, result *ValidationResult) {
	for i, cp := range copies {
		field := fmt.Sprintf("copy[%d]", i)
		if err := validatePath(cp.Src); err != nil {
			result.addError(field+".src", cp.Src, err.Error())
		}
		dest := filepath.Clean(cp.Dest)
		if filepath.IsAbs(dest) || dest == ".." || strings.HasPrefix(dest, ".."+string(filepath.Separator)) {
			result.addError(field+".dest", cp.Dest, "copy destination must stay inside the output directory")
		}
	}
}

func validateWatchConfig(config *WatchConfig, result *ValidationResult) {
	if config.Debounce < 0 {
		result.addError("watch.debounce", config.Debounce, "debounce cannot be negative")
	}
	for _, pattern := range config.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			result.addError("watch.ignore", pattern, "invalid glob pattern")
		}
	}
}

func validateLaunchConfig(config *LaunchConfig, result *ValidationResult) {
	validBrowsers := []string{"chromium", "chrome", "edge", "firefox"}
	if config.Browser != "" && !contains(validBrowsers, strings.ToLower(config.Browser)) {
		result.addError("launch.browser", config.Browser, "unknown browser",
			"Available browsers: "+strings.Join(validBrowsers, ", "))
	}
	for name := range config.Binaries {
		if !contains(validBrowsers, strings.ToLower(name)) {
			result.addWarning("launch.binaries", name, "binary configured for an unknown browser")
		}
	}
}

func validateLoggingConfig(config *LoggingConfig, result *ValidationResult) {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		result.addError("logging.level", config.Level, err.Error(),
			"Valid levels: debug, info, warn, error")
	}
	if config.Format != "" && config.Format != "text" && config.Format != "json" {
		result.addError("logging.format", config.Format, "unknown log format",
			"Valid formats: text, json")
	}
}

// Helper validation functions

func validateHostname(host string) error {
	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("contains dangerous character: %s", char)
		}
	}

	if net.ParseIP(host) != nil {
		return nil
	}

	if host == "localhost" {
		return nil
	}

	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format")
	}

	return nil
}

// validatePath validates a project-relative file path
func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
