package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/exthmr/internal/types"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/__exthmr", cfg.Server.Path)
	assert.True(t, cfg.Server.Overlay)
	assert.Len(t, cfg.Server.Token, 32, "a token is generated when none is configured")
	assert.Equal(t, "dist", cfg.Build.OutDir)
	assert.Equal(t, types.ModeDevelopment, cfg.Mode())
	assert.Equal(t, 100*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, []string{"node_modules/**", ".git/**"}, cfg.Watch.Ignore)
	assert.Equal(t, "chromium", cfg.Launch.Browser)
	assert.False(t, cfg.Launch.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromYAML(t *testing.T) {
	const doc = `
server:
  port: 4000
  token: secret
  https: true
build:
  root: /work/ext
  mode: production
entries:
  scripts:
    - name: content
      path: src/content.ts
    - name: worker
      path: src/bg.ts
      role: background
  pages:
    - name: popup
      path: popup.html
manifest:
  overrides:
    name: Overridden
    permissions: [storage]
copy:
  - src: public
    dest: .
watch:
  debounce: 250ms
launch:
  enabled: true
  browser: edge
  binaries:
    edge: /opt/edge
  start_urls: [https://example.com]
`
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(doc)))

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.Server.Token)
	assert.Equal(t, types.ModeProduction, cfg.Mode())
	assert.Equal(t, 250*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, "https://localhost:4000", cfg.Origin())
	assert.Equal(t, "wss://localhost:4000/__exthmr", cfg.SocketURL())
	assert.Equal(t, "localhost:4000", cfg.Address())
	assert.Equal(t, "/opt/edge", cfg.Launch.Binaries["edge"])
	assert.Equal(t, []string{"https://example.com"}, cfg.Launch.StartURLs)

	root := filepath.FromSlash("/work/ext")
	assert.Equal(t, root, cfg.RootDir())
	assert.Equal(t, filepath.Join(root, "dist"), cfg.OutDir())
	assert.Equal(t, filepath.Join(root, "manifest.json"), cfg.ManifestPath())
	assert.Empty(t, cfg.PolyfillPath())

	entries, err := cfg.BuildEntries()
	require.NoError(t, err)
	assert.Equal(t, []types.BuildEntry{
		{Name: "content", SourcePath: filepath.Join(root, "src", "content.ts"), Role: types.RoleAuto},
		{Name: "worker", SourcePath: filepath.Join(root, "src", "bg.ts"), Role: types.RoleBackground},
	}, entries)
	assert.Equal(t, []types.PageEntry{{Name: "popup", SourcePath: filepath.Join(root, "popup.html")}}, cfg.PageEntries())
	assert.Equal(t, []types.CopyPath{{Src: filepath.Join(root, "public"), Dest: "."}}, cfg.CopyPaths())

	overrides, err := cfg.ManifestOverrides()
	require.NoError(t, err)
	require.NotNil(t, overrides)
	assert.Equal(t, "Overridden", overrides.Name)
	assert.Equal(t, []string{"storage"}, overrides.Permissions)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EXTHMR_SERVER_PORT", "5123")
	t.Setenv("EXTHMR_BUILD_MODE", "prod")

	v := viper.New()
	BindEnv(v)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 5123, cfg.Server.Port)
	assert.Equal(t, types.ModeProduction, cfg.Mode())
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value interface{}
		field string
	}{
		{"port out of range", "server.port", 70000, "server.port"},
		{"bad host", "server.host", "local;host", "server.host"},
		{"relative socket path", "server.path", "ws", "server.path"},
		{"unknown mode", "build.mode", "staging", "build.mode"},
		{"out dir is root", "build.out_dir", ".", "build.out_dir"},
		{"unknown browser", "launch.browser", "netscape", "launch.browser"},
		{"unknown log level", "logging.level", "chatty", "logging.level"},
		{"unknown log format", "logging.format", "xml", "logging.format"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tc.key, tc.value)

			_, err := LoadFrom(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestValidateEntries(t *testing.T) {
	cfg := Starter()
	cfg.Entries.Scripts = append(cfg.Entries.Scripts,
		ScriptConfig{Name: "content", Path: "src/other.ts"},
		ScriptConfig{Name: "", Path: "src/anon.ts"},
		ScriptConfig{Name: "odd", Path: "src/odd.ts", Role: "sidecar"},
	)
	cfg.Entries.Pages = append(cfg.Entries.Pages, PageConfig{Name: "readme", Path: "README.md"})
	cfg.Copy = append(cfg.Copy, CopyConfig{Src: "assets", Dest: "../escape"})

	result := ValidateConfigWithDetails(cfg)
	assert.False(t, result.Valid)

	fields := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"entries.scripts[2].name",
		"entries.scripts[3].name",
		"entries.scripts[4].role",
		"copy[1].dest",
	}, fields)

	require.True(t, result.HasWarnings())
	assert.Equal(t, "entries.pages[1].path", result.Warnings[0].Field)
	assert.Contains(t, result.String(), "duplicate entry name")
}

func TestValidateWarnsWithoutScripts(t *testing.T) {
	cfg := Starter()
	cfg.Entries.Scripts = nil
	cfg.Server.Port = 80

	result := ValidateConfigWithDetails(cfg)
	assert.True(t, result.Valid)
	assert.Len(t, result.Warnings, 2)
	assert.NoError(t, result.Err())
}

func TestValidateWatchIgnore(t *testing.T) {
	cfg := Starter()
	cfg.Watch.Ignore = []string{"src/**/*.gen.ts", "[unclosed"}

	result := ValidateConfigWithDetails(cfg)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "watch.ignore", result.Errors[0].Field)
	assert.Equal(t, "[unclosed", result.Errors[0].Value)
}

func TestStarterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".exthmr.yml")
	require.NoError(t, WriteFile(path, Starter(), false))

	err := WriteFile(path, Starter(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	require.NoError(t, WriteFile(path, Starter(), true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "debounce: 100ms")
	assert.NotContains(t, string(data), "token:")

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	expected := Starter()
	expected.Server.Token = cfg.Server.Token
	assert.Equal(t, expected, cfg)
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestManifestOverridesEmpty(t *testing.T) {
	cfg := Starter()
	d, err := cfg.ManifestOverrides()
	require.NoError(t, err)
	assert.Nil(t, d)
}
