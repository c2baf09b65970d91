package config

import (
	"bytes"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
)

// Starter returns the configuration written by `exthmr init`: one content
// script, one background entry and a popup page.
func Starter() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "localhost",
			Port:    3000,
			Path:    "/__exthmr",
			Overlay: true,
		},
		Build: BuildConfig{
			Root:   ".",
			OutDir: "dist",
			Mode:   "development",
		},
		Entries: EntriesConfig{
			Scripts: []ScriptConfig{
				{Name: "content", Path: "src/content/index.ts"},
				{Name: "background", Path: "src/background/index.ts"},
			},
			Pages: []PageConfig{
				{Name: "popup", Path: "src/popup/index.html"},
			},
		},
		Manifest: ManifestConfig{Path: "manifest.json"},
		Copy:     []CopyConfig{{Src: "public", Dest: "."}},
		Watch: WatchConfig{
			Debounce: 100 * time.Millisecond,
			Ignore:   []string{"node_modules/**", ".git/**"},
		},
		Launch: LaunchConfig{
			Browser:      "chromium",
			OpenDevtools: true,
			StartURLs:    []string{"https://example.com"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Marshal renders cfg as YAML with two-space indentation.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, hmrerrors.WrapConfig(err, hmrerrors.ErrCodeConfigInvalid, "encode configuration")
	}
	if err := enc.Close(); err != nil {
		return nil, hmrerrors.WrapConfig(err, hmrerrors.ErrCodeConfigInvalid, "encode configuration")
	}
	return buf.Bytes(), nil
}

// WriteFile writes cfg to filename. An existing file is only replaced when
// force is set.
func WriteFile(filename string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(filename); err == nil {
			return hmrerrors.NewConfigError(hmrerrors.ErrCodeConfigInvalid, filename+" already exists")
		}
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return hmrerrors.WrapIO(err, hmrerrors.ErrCodeWriteFailed, filename)
	}
	return nil
}
