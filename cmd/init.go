package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/conneroisu/exthmr/internal/config"
)

var initCmd = &cobra.Command{
	Use:     "init [dir]",
	Aliases: []string{"i"},
	Short:   "Initialize an extension project",
	Long: `Write a starter .exthmr.yml and, unless --minimal is given, a manifest and
the entry files it references. Existing files are never overwritten unless
--force is given.

Examples:
  exthmr init                      # Initialize in the current directory
  exthmr init my-extension         # Initialize in a new directory
  exthmr init --minimal            # Only write .exthmr.yml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

var (
	initMinimal bool
	initForce   bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initMinimal, "minimal", false, "Only write the configuration file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

const starterManifest = `{
  "manifest_version": 3,
  "name": "My Extension",
  "version": "0.1.0",
  "background": {
    "service_worker": "src/background/index.js"
  },
  "action": {
    "default_popup": "src/popup/index.html"
  },
  "content_scripts": [
    {
      "matches": ["https://example.com/*"],
      "js": ["src/content/index.js"]
    }
  ]
}
`

var starterFiles = map[string]string{
	"manifest.json":           starterManifest,
	"src/background/index.ts": "chrome.runtime.onInstalled.addListener(() => {\n  console.log('installed')\n})\n",
	"src/content/index.ts":    "console.log('content script loaded on', location.href)\n",
	"src/popup/index.html":    "<!DOCTYPE html>\n<html>\n<body>\n  <h1>Hello</h1>\n  <script>\n    document.querySelector('h1').textContent = chrome.runtime.getManifest().name\n  </script>\n</body>\n</html>\n",
	"public/.gitkeep":         "",
}

func runInit(cmd *cobra.Command, args []string) error {
	projectDir := "."
	if len(args) > 0 {
		projectDir = args[0]
	}
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	out := cmd.OutOrStdout()
	configPath := filepath.Join(projectDir, config.FileName+".yml")
	if err := config.WriteFile(configPath, config.Starter(), initForce); err != nil {
		return err
	}
	fmt.Fprintf(out, "Created %s\n", configPath)

	if initMinimal {
		return nil
	}

	for _, name := range sortedKeys(starterFiles) {
		path := filepath.Join(projectDir, filepath.FromSlash(name))
		created, err := writeStarterFile(path, starterFiles[name], initForce)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(out, "Created %s\n", path)
		} else {
			fmt.Fprintf(out, "Skipped %s (exists)\n", path)
		}
	}

	fmt.Fprintln(out, "\nRun 'exthmr dev' to start the development session.")
	return nil
}

func writeStarterFile(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
