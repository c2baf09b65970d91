package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/exthmr/internal/config"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/manifest"
)

var manifestFull bool

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Print the reconciled manifest",
	Long: `Print the manifest the build would write, after merging the base manifest,
package.json metadata and manifest overrides for the selected mode.

In development the written manifest has no content_scripts; they are
registered at runtime. Use --full to see the complete descriptor.

Examples:
  exthmr manifest                  # Development manifest.json
  exthmr manifest -m production    # Production manifest.json
  exthmr manifest --full           # Full development descriptor`,
	PreRunE: func(cmd *cobra.Command, args []string) error { return BindFlags(cmd) },
	RunE:    runManifest,
}

func init() {
	rootCmd.AddCommand(manifestCmd)

	manifestCmd.Flags().StringP("mode", "m", "development", "Build mode (development, production)")
	AddFlagValidation(manifestCmd, "mode", ValidateMode)
	manifestCmd.Flags().BoolVar(&manifestFull, "full", false, "Print the full descriptor including content scripts")
}

func runManifest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	res, err := reconcileManifest(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	var data []byte
	if manifestFull {
		data, err = manifest.Encode(res.Descriptor)
		if err != nil {
			return err
		}
	} else {
		files, err := manifest.Render(res.Descriptor, cfg.Mode())
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.FileName == manifest.FileName {
				data = f.Content
			}
		}
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// reconcileManifest reconciles the configured manifest inputs the way a
// full build does, without compiling anything.
func reconcileManifest(ctx context.Context, cfg *config.Config, logger logging.Logger) (manifest.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	overrides, err := cfg.ManifestOverrides()
	if err != nil {
		return manifest.Result{}, err
	}

	base, err := manifest.LoadBase(cfg.ManifestPath())
	if err != nil {
		logger.Warn(ctx, err, "Using default manifest skeleton", "path", cfg.ManifestPath())
		base = nil
	}
	pkg, err := manifest.LoadPackage(cfg.RootDir())
	if err != nil {
		logger.Warn(ctx, err, "Ignoring package metadata")
	}

	return manifest.Reconcile(base, overrides, pkg, manifest.Options{
		Mode:      cfg.Mode(),
		Origin:    cfg.Origin(),
		SocketURL: cfg.SocketURL(),
		Token:     cfg.Server.Token,
		Overlay:   cfg.Server.Overlay,
		Root:      cfg.RootDir(),
	}), nil
}
