package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/exthmr/internal/extclient"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Follow a running dev server's reload channel from the terminal",
	Long: `Connect to a running dev server the way the extension does and log every
registration, reload and error it would apply. Useful to see what a change
triggers without a browser.

The token must match the dev server's: set server.token in the
configuration, or pass the token the dev server printed.

Examples:
  exthmr monitor --token 3f9a...          # Follow localhost:3000
  exthmr monitor --url ws://host:4000/__exthmr --token 3f9a...
  exthmr monitor --tab https://example.com/`,
	RunE: runMonitor,
}

var (
	monitorURL   string
	monitorToken string
	monitorTabs  []string
)

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().StringVar(&monitorURL, "url", "", "Reload channel URL (default from configuration)")
	monitorCmd.Flags().StringVar(&monitorToken, "token", "", "Reload channel token (default server.token)")
	monitorCmd.Flags().StringSliceVar(&monitorTabs, "tab", nil, "Pretend a tab with this URL is open")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	url := monitorURL
	if url == "" {
		url = cfg.SocketURL()
	}
	token := monitorToken
	if token == "" {
		token = viper.GetString("server.token")
	}
	if token == "" {
		return fmt.Errorf("no reload channel token: pass --token or set server.token")
	}

	tabs := make([]extclient.Tab, 0, len(monitorTabs))
	for i, u := range monitorTabs {
		tabs = append(tabs, extclient.Tab{ID: i + 1, URL: u})
	}

	client := extclient.New(extclient.NewLogAPI(logger, tabs), extclient.Options{
		URL:     url,
		Token:   token,
		Overlay: extclient.LogOverlay{Logger: logger},
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Following %s (Ctrl+C to stop)\n", url)
	if err := client.Run(ctx); err != nil {
		return err
	}

	stats := client.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "Received %d messages, applied %d, discarded %d\n",
		stats.Received, stats.Applied, stats.Discarded)
	return nil
}
