// Package config provides configuration management for exthmr using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration system supports YAML files (.exthmr.yml), environment
// variable overrides with the EXTHMR_ prefix, and validation. It describes the
// dev server, the build entries and pages, manifest inputs, file watching and
// browser launching.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/manifest"
	"github.com/conneroisu/exthmr/internal/types"
)

const (
	// FileName is the default configuration file name without extension.
	FileName = ".exthmr"
	// EnvPrefix prefixes environment overrides, e.g. EXTHMR_SERVER_PORT.
	EnvPrefix = "EXTHMR"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Build    BuildConfig    `mapstructure:"build" yaml:"build"`
	Entries  EntriesConfig  `mapstructure:"entries" yaml:"entries"`
	Manifest ManifestConfig `mapstructure:"manifest" yaml:"manifest"`
	Copy     []CopyConfig   `mapstructure:"copy" yaml:"copy,omitempty"`
	Watch    WatchConfig    `mapstructure:"watch" yaml:"watch"`
	Launch   LaunchConfig   `mapstructure:"launch" yaml:"launch"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Host  string `mapstructure:"host" yaml:"host"`
	Port  int    `mapstructure:"port" yaml:"port"`
	HTTPS bool   `mapstructure:"https" yaml:"https"`
	// Path is the reload channel endpoint
	Path string `mapstructure:"path" yaml:"path"`
	// Token authenticates extension connections; generated when empty
	Token   string `mapstructure:"token" yaml:"token,omitempty"`
	Overlay bool   `mapstructure:"overlay" yaml:"overlay"`
}

type BuildConfig struct {
	Root      string `mapstructure:"root" yaml:"root"`
	OutDir    string `mapstructure:"out_dir" yaml:"out_dir"`
	Mode      string `mapstructure:"mode" yaml:"mode"`
	Sourcemap bool   `mapstructure:"sourcemap" yaml:"sourcemap"`
}

type EntriesConfig struct {
	Scripts []ScriptConfig `mapstructure:"scripts" yaml:"scripts"`
	Pages   []PageConfig   `mapstructure:"pages" yaml:"pages,omitempty"`
}

type ScriptConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Path string `mapstructure:"path" yaml:"path"`
	Role string `mapstructure:"role" yaml:"role,omitempty"`
}

type PageConfig struct {
	Name string `mapstructure:"name" yaml:"name"`
	Path string `mapstructure:"path" yaml:"path"`
}

type ManifestConfig struct {
	Path      string                 `mapstructure:"path" yaml:"path"`
	Overrides map[string]interface{} `mapstructure:"overrides" yaml:"overrides,omitempty"`
	// Polyfill replaces the embedded content-script polyfill
	Polyfill string `mapstructure:"polyfill" yaml:"polyfill,omitempty"`
}

type CopyConfig struct {
	Src  string `mapstructure:"src" yaml:"src"`
	Dest string `mapstructure:"dest" yaml:"dest"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Ignore   []string      `mapstructure:"ignore" yaml:"ignore,omitempty"`
}

type LaunchConfig struct {
	Enabled            bool              `mapstructure:"enabled" yaml:"enabled"`
	Browser            string            `mapstructure:"browser" yaml:"browser"`
	Binaries           map[string]string `mapstructure:"binaries" yaml:"binaries,omitempty"`
	StartURLs          []string          `mapstructure:"start_urls" yaml:"start_urls,omitempty"`
	Args               []string          `mapstructure:"args" yaml:"args,omitempty"`
	OpenDevtools       bool              `mapstructure:"open_devtools" yaml:"open_devtools"`
	KeepProfileChanges bool              `mapstructure:"keep_profile_changes" yaml:"keep_profile_changes"`
	Profile            string            `mapstructure:"profile" yaml:"profile,omitempty"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.https", false)
	v.SetDefault("server.path", "/__exthmr")
	v.SetDefault("server.overlay", true)
	v.SetDefault("build.root", ".")
	v.SetDefault("build.out_dir", "dist")
	v.SetDefault("build.mode", string(types.ModeDevelopment))
	v.SetDefault("build.sourcemap", false)
	v.SetDefault("manifest.path", "manifest.json")
	v.SetDefault("watch.debounce", 100*time.Millisecond)
	v.SetDefault("watch.ignore", []string{"node_modules/**", ".git/**"})
	v.SetDefault("launch.enabled", false)
	v.SetDefault("launch.browser", "chromium")
	v.SetDefault("launch.open_devtools", true)
	v.SetDefault("launch.keep_profile_changes", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// BindEnv enables EXTHMR_<SECTION>_<KEY> environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v. A missing
// server token is replaced by a random one.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, hmrerrors.WrapConfig(err, hmrerrors.ErrCodeConfigInvalid, "decode configuration")
	}

	if config.Server.Token == "" {
		token, err := GenerateToken()
		if err != nil {
			return nil, err
		}
		config.Server.Token = token
	}

	result := ValidateConfigWithDetails(&config)
	if result.HasErrors() {
		return nil, result.Err()
	}
	return &config, nil
}

// GenerateToken returns a random 32 character hex token.
func GenerateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", hmrerrors.NewInternalError(hmrerrors.ErrCodeInternalError, "generate token", err)
	}
	return hex.EncodeToString(buf), nil
}

// RootDir returns the absolute project root.
func (c *Config) RootDir() string {
	root := c.Build.Root
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return filepath.Clean(root)
}

// resolve makes path absolute relative to the project root.
func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.RootDir(), path)
}

// OutDir returns the absolute output directory.
func (c *Config) OutDir() string { return c.resolve(c.Build.OutDir) }

// ManifestPath returns the absolute base manifest path.
func (c *Config) ManifestPath() string { return c.resolve(c.Manifest.Path) }

// PolyfillPath returns the absolute polyfill override path, or "" when the
// embedded polyfill is used.
func (c *Config) PolyfillPath() string {
	if c.Manifest.Polyfill == "" {
		return ""
	}
	return c.resolve(c.Manifest.Polyfill)
}

// Mode returns the parsed build mode. Validation guarantees it parses.
func (c *Config) Mode() types.Mode {
	mode, _ := types.ParseMode(c.Build.Mode)
	return mode
}

// Address is the dev server listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Origin is the dev server origin, e.g. "http://localhost:3000".
func (c *Config) Origin() string {
	scheme := "http"
	if c.Server.HTTPS {
		scheme = "https"
	}
	return scheme + "://" + c.Address()
}

// SocketURL is the reload channel endpoint without the token.
func (c *Config) SocketURL() string {
	scheme := "ws"
	if c.Server.HTTPS {
		scheme = "wss"
	}
	return scheme + "://" + c.Address() + c.Server.Path
}

// BuildEntries converts the configured scripts into build entries.
func (c *Config) BuildEntries() ([]types.BuildEntry, error) {
	entries := make([]types.BuildEntry, 0, len(c.Entries.Scripts))
	for _, s := range c.Entries.Scripts {
		role, err := types.ParseRole(s.Role)
		if err != nil {
			return nil, hmrerrors.WrapConfig(err, hmrerrors.ErrCodeConfigInvalid, "entry "+s.Name)
		}
		entries = append(entries, types.BuildEntry{
			Name:       s.Name,
			SourcePath: c.resolve(s.Path),
			Role:       role,
		})
	}
	return entries, nil
}

// PageEntries converts the configured pages into page entries.
func (c *Config) PageEntries() []types.PageEntry {
	pages := make([]types.PageEntry, 0, len(c.Entries.Pages))
	for _, p := range c.Entries.Pages {
		pages = append(pages, types.PageEntry{Name: p.Name, SourcePath: c.resolve(p.Path)})
	}
	return pages
}

// CopyPaths returns the copy list with sources resolved against the root.
func (c *Config) CopyPaths() []types.CopyPath {
	copies := make([]types.CopyPath, 0, len(c.Copy))
	for _, cp := range c.Copy {
		copies = append(copies, types.CopyPath{Src: c.resolve(cp.Src), Dest: cp.Dest})
	}
	return copies
}

// ManifestOverrides decodes manifest.overrides into a descriptor, or nil
// when none are configured.
func (c *Config) ManifestOverrides() (*manifest.Descriptor, error) {
	if len(c.Manifest.Overrides) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(normalize(c.Manifest.Overrides))
	if err != nil {
		return nil, hmrerrors.WrapConfig(err, hmrerrors.ErrCodeConfigInvalid, "encode manifest overrides")
	}
	d, err := manifest.Parse(data)
	if err != nil {
		return nil, hmrerrors.WrapConfig(err, hmrerrors.ErrCodeConfigInvalid, "manifest overrides")
	}
	return d, nil
}

// normalize converts the map[interface{}]interface{} values some decoders
// produce into JSON-encodable maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
