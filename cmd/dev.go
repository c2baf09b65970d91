package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/exthmr/internal/server"
)

var devCmd = &cobra.Command{
	Use:     "dev",
	Aliases: []string{"serve", "s"},
	Short:   "Start the development session with hot reload",
	Long: `Start the development session: the extension is built into the output
directory, the sources are watched and every connected extension is told
what to reload after each change.

Load the output directory as an unpacked extension once, or pass --open to
launch a browser with it loaded.

Examples:
  exthmr dev                       # Development session on localhost:3000
  exthmr dev -p 4000               # Different port
  exthmr dev --open --browser edge # Launch Edge with the extension`,
	PreRunE: func(cmd *cobra.Command, args []string) error { return BindFlags(cmd) },
	RunE:    runDev,
}

func init() {
	rootCmd.AddCommand(devCmd)

	AddStandardFlags(devCmd, "server", "build")
	devCmd.Flags().Bool("open", false, "Launch a browser with the extension loaded")
	devCmd.Flags().String("browser", "chromium", "Browser to launch (chromium, chrome, edge, firefox)")
	devCmd.Flags().Bool("overlay", true, "Show build errors as an in-page overlay")
}

func runDev(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create dev server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		logger.Info(ctx, "Shutting down dev server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error(ctx, shutdownErr, "Error during shutdown")
		}
		cancel()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "exthmr dev server at %s\n", cfg.Origin())
	fmt.Fprintf(cmd.OutOrStdout(), "Load the unpacked extension from %s\n", cfg.OutDir())
	if viper.GetString("server.token") == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Session token: %s\n", cfg.Server.Token)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
