package server

import (
	"context"
	"os"

	"github.com/conneroisu/exthmr/internal/build"
	"github.com/conneroisu/exthmr/internal/config"
	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/manifest"
	"github.com/conneroisu/exthmr/internal/pages"
)

// pipeline is the build side of a session.
type pipeline struct {
	orch   *build.Orchestrator
	writer *build.OutputWriter
	pages  *pages.Processor
}

func newPipeline(cfg *config.Config, compiler build.Compiler, logger logging.Logger) (*pipeline, error) {
	entries, err := cfg.BuildEntries()
	if err != nil {
		return nil, err
	}
	overrides, err := cfg.ManifestOverrides()
	if err != nil {
		return nil, err
	}
	var polyfill []byte
	if path := cfg.PolyfillPath(); path != "" {
		polyfill, err = os.ReadFile(path)
		if err != nil {
			return nil, hmrerrors.WrapIO(err, hmrerrors.ErrCodeReadFailed, path)
		}
	}

	root := cfg.RootDir()
	outDir := cfg.OutDir()
	if compiler == nil {
		compiler = build.NewESBuildCompiler(root, outDir)
	}

	writer := build.NewOutputWriter(outDir, logger)
	processor := pages.NewProcessor(root, cfg.PageEntries(), logger)
	orch := build.NewOrchestrator(build.Options{
		Root:         root,
		Mode:         cfg.Mode(),
		Entries:      entries,
		Sourcemap:    cfg.Build.Sourcemap,
		ManifestPath: cfg.ManifestPath(),
		Overrides:    overrides,
		Reconcile: manifest.Options{
			Origin:    cfg.Origin(),
			SocketURL: cfg.SocketURL(),
			Token:     cfg.Server.Token,
			Overlay:   cfg.Server.Overlay,
			Polyfill:  polyfill,
		},
		Copies: cfg.CopyPaths(),
		Pages:  processor,
	}, compiler, writer, logger)

	return &pipeline{orch: orch, writer: writer, pages: processor}, nil
}

// BuildResult summarizes a one-shot build.
type BuildResult struct {
	OutDir string           `json:"out_dir" yaml:"out_dir"`
	Stats  build.StateStats `json:"stats" yaml:"stats"`
}

// Build runs a single full build into a clean output directory without
// watching or serving. The build error, if any, is returned.
func Build(ctx context.Context, cfg *config.Config, compiler build.Compiler, logger logging.Logger) (*BuildResult, error) {
	if cfg == nil {
		return nil, hmrerrors.NewConfigError(hmrerrors.ErrCodeConfigInvalid, "build: configuration is required")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	p, err := newPipeline(cfg, compiler, logger)
	if err != nil {
		return nil, err
	}
	if err := p.writer.Clean(); err != nil {
		return nil, err
	}

	buildErr := p.orch.FullBuild(ctx)
	if err := p.orch.Close(ctx); err != nil && buildErr == nil {
		buildErr = err
	}
	result := &BuildResult{OutDir: p.writer.OutDir(), Stats: p.orch.State().Stats()}
	return result, buildErr
}
