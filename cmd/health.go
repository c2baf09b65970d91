package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/exthmr/internal/config"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Overall   bool             `json:"overall"`
}

// Check represents an individual health check result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Healthy bool   `json:"healthy"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the project and a running dev server",
	Long: `Performs health checks on the project and the dev server:
- Dev server /health endpoint (skipped with --offline)
- Base manifest readability
- Entry and page sources on disk

Exits non-zero when a check fails.`,
	RunE: runHealthCheck,
}

var (
	healthTimeout time.Duration
	healthVerbose bool
	healthOffline bool
)

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().DurationVarP(&healthTimeout, "timeout", "t", 3*time.Second, "Timeout for the dev server check")
	healthCmd.Flags().BoolVarP(&healthVerbose, "verbose", "v", false, "Print every check as JSON")
	healthCmd.Flags().BoolVar(&healthOffline, "offline", false, "Skip the dev server check")
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	status := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]Check),
		Overall:   true,
	}
	if !healthOffline {
		checkDevServer(status, cfg)
	}
	checkManifest(status, cfg)
	checkSources(status, cfg)

	out := cmd.OutOrStdout()
	if err := reportHealth(out, status); err != nil {
		return err
	}
	if !status.Overall {
		return errors.New("health checks failed")
	}
	return nil
}

func reportHealth(w io.Writer, status *HealthStatus) error {
	if healthVerbose {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	if status.Overall {
		_, err := fmt.Fprintln(w, "All health checks passed")
		return err
	}
	fmt.Fprintln(w, "Health checks failed")
	names := make([]string, 0, len(status.Checks))
	for name := range status.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if check := status.Checks[name]; !check.Healthy {
			fmt.Fprintf(w, "  - %s: %s\n", name, check.Message)
		}
	}
	return nil
}

func (s *HealthStatus) record(name string, healthy bool, message string) {
	check := Check{Status: "healthy", Message: message, Healthy: healthy}
	if !healthy {
		check.Status = "unhealthy"
		s.Status = "unhealthy"
		s.Overall = false
	}
	s.Checks[name] = check
}

// checkDevServer verifies the dev server is responding.
func checkDevServer(status *HealthStatus, cfg *config.Config) {
	client := &http.Client{Timeout: healthTimeout}

	resp, err := client.Get(cfg.Origin() + "/health")
	if err != nil {
		status.record("dev_server", false, fmt.Sprintf("Failed to connect to server: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.record("dev_server", false, fmt.Sprintf("Server returned status %d", resp.StatusCode))
		return
	}
	status.record("dev_server", true, "Dev server responding at "+cfg.Origin())
}

func checkManifest(status *HealthStatus, cfg *config.Config) {
	path := cfg.ManifestPath()
	data, err := os.ReadFile(path)
	if err != nil {
		status.record("manifest", false, fmt.Sprintf("Cannot read %s: %v", path, err))
		return
	}
	if !json.Valid(data) {
		status.record("manifest", false, path+" is not valid JSON")
		return
	}
	status.record("manifest", true, path)
}

func checkSources(status *HealthStatus, cfg *config.Config) {
	entries, err := cfg.BuildEntries()
	if err != nil {
		status.record("entries", false, err.Error())
		return
	}
	missing := 0
	for _, e := range entries {
		if _, err := os.Stat(e.SourcePath); err != nil {
			status.record("entry:"+e.Name, false, "Missing source "+e.SourcePath)
			missing++
		}
	}
	for _, p := range cfg.PageEntries() {
		if _, err := os.Stat(p.SourcePath); err != nil {
			status.record("page:"+p.Name, false, "Missing page "+p.SourcePath)
			missing++
		}
	}
	if missing == 0 {
		status.record("sources", true, fmt.Sprintf("%d entries, %d pages", len(entries), len(cfg.Entries.Pages)))
	}
}
