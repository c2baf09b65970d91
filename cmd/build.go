package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/exthmr/internal/server"
	"github.com/conneroisu/exthmr/internal/types"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Build the extension once",
	Long: `Build the extension into a clean output directory and exit.

The build runs in production mode unless --mode says otherwise: the manifest
keeps its declared content scripts and no reload channel is wired in.

Examples:
  exthmr build                     # Production build into dist/
  exthmr build --out-dir out       # Different output directory
  exthmr build -m development      # Development build without a server
  exthmr build -f json             # Machine-readable summary`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("mode") {
			viper.Set("build.mode", string(types.ModeProduction))
		}
		return BindFlags(cmd)
	},
	RunE: runBuild,
}

var buildFlags *StandardFlags

func init() {
	rootCmd.AddCommand(buildCmd)

	buildFlags = AddStandardFlags(buildCmd, "build", "output")
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := server.Build(ctx, cfg, nil, logger)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	return writeOutput(cmd.OutOrStdout(), buildFlags.OutputFormat, result, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "Mode:\t%s\n", cfg.Mode())
		fmt.Fprintf(tw, "Output:\t%s\n", result.OutDir)
		fmt.Fprintf(tw, "Entries:\t%d\n", len(cfg.Entries.Scripts))
		fmt.Fprintf(tw, "Pages:\t%d\n", len(cfg.Entries.Pages))
		fmt.Fprintf(tw, "Files tracked:\t%d\n", result.Stats.TrackedFiles)
		return tw.Flush()
	})
}
