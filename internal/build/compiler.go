package build

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/types"
)

// CompileOptions parameterizes one entry compilation.
type CompileOptions struct {
	Mode types.Mode
	// OutputName is the entry's script path relative to the output directory
	OutputName string
	Sourcemap  bool
	// WrapInTryCatch guards the emitted script so a throwing top level does
	// not stop the rest of the extension runtime
	WrapInTryCatch bool
	// Prelude is script code emitted ahead of the entry, outside the
	// try/catch guard
	Prelude string
}

// CompileResult is what the compile service returns for one entry.
type CompileResult struct {
	Files []types.EmittedFile
	// ModuleIDs are the source modules the output was built from, absolute or
	// relative to the project root
	ModuleIDs []string
}

// Stylesheets returns the names of emitted CSS files.
func (r *CompileResult) Stylesheets() []string {
	var names []string
	for _, f := range r.Files {
		if f.IsStylesheet() {
			names = append(names, f.FileName)
		}
	}
	return names
}

// Compiler is the compile service: it turns one entry into emitted files and
// the list of modules it depended on. Failures are returned as
// *errors.CompileError.
type Compiler interface {
	Compile(ctx context.Context, entry types.BuildEntry, opts CompileOptions) (*CompileResult, error)
}

// ESBuildCompiler bundles entries in memory with esbuild.
type ESBuildCompiler struct {
	root   string
	outDir string
	target api.Target
}

// NewESBuildCompiler creates a compiler resolving sources against root and
// naming outputs relative to outDir.
func NewESBuildCompiler(root, outDir string) *ESBuildCompiler {
	return &ESBuildCompiler{
		root:   root,
		outDir: outDir,
		target: api.ES2020,
	}
}

// metafile is the subset of esbuild's metafile JSON read here.
type metafile struct {
	Inputs map[string]struct {
		Bytes int `json:"bytes"`
	} `json:"inputs"`
}

// Compile bundles entry into a single IIFE script. CSS imported by the entry
// is emitted next to the script with the same base name.
func (c *ESBuildCompiler) Compile(ctx context.Context, entry types.BuildEntry, opts CompileOptions) (*CompileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outputName := opts.OutputName
	if outputName == "" {
		outputName = entry.OutputName(c.root)
	}

	sourcemap := api.SourceMapNone
	if opts.Sourcemap {
		sourcemap = api.SourceMapInline
	}

	production := opts.Mode == types.ModeProduction
	banner, footer := scriptFrame(opts)
	result := api.Build(api.BuildOptions{
		EntryPoints:       []string{entry.SourcePath},
		AbsWorkingDir:     c.root,
		Outfile:           filepath.Join(c.outDir, filepath.FromSlash(outputName)),
		Bundle:            true,
		Write:             false,
		Metafile:          true,
		Format:            api.FormatIIFE,
		Platform:          api.PlatformBrowser,
		Target:            c.target,
		Sourcemap:         sourcemap,
		MinifyWhitespace:  production,
		MinifySyntax:      production,
		MinifyIdentifiers: production,
		LogLevel:          api.LogLevelSilent,
		Banner:            banner,
		Footer:            footer,
		Define: map[string]string{
			"process.env.NODE_ENV": fmt.Sprintf("%q", string(opts.Mode)),
		},
		Loader: map[string]api.Loader{
			".png":  api.LoaderDataURL,
			".svg":  api.LoaderDataURL,
			".html": api.LoaderText,
		},
	})

	if len(result.Errors) > 0 {
		return nil, compileErrorFromMessages(result.Errors)
	}

	files := make([]types.EmittedFile, 0, len(result.OutputFiles))
	for _, out := range result.OutputFiles {
		rel, err := filepath.Rel(c.outDir, out.Path)
		if err != nil {
			rel = filepath.Base(out.Path)
		}
		rel = filepath.ToSlash(rel)

		files = append(files, types.EmittedFile{
			FileName: rel,
			Content:  out.Contents,
			Kind:     types.FileKindCode,
		})
	}

	moduleIDs, err := moduleIDsFromMetafile(result.Metafile)
	if err != nil {
		return nil, err
	}

	return &CompileResult{Files: files, ModuleIDs: moduleIDs}, nil
}

func moduleIDsFromMetafile(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var meta metafile
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, &hmrerrors.CompileError{Message: fmt.Sprintf("invalid metafile: %v", err)}
	}
	ids := make([]string, 0, len(meta.Inputs))
	for id := range meta.Inputs {
		// esbuild prefixes non-file namespaces, e.g. "dataurl:" or "<stdin>"
		if strings.Contains(id, ":") && !filepath.IsAbs(id) && !isWindowsDrivePath(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func isWindowsDrivePath(p string) bool {
	return len(p) > 2 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

func compileErrorFromMessages(msgs []api.Message) *hmrerrors.CompileError {
	first := msgs[0]
	ce := &hmrerrors.CompileError{Message: first.Text}

	if first.PluginName != "" {
		ce.Message = fmt.Sprintf("[plugin %s] %s", first.PluginName, first.Text)
	}
	if len(msgs) > 1 {
		ce.Message += fmt.Sprintf(" (and %d more errors)", len(msgs)-1)
	}

	if loc := first.Location; loc != nil {
		ce.ID = loc.File
		ce.Loc = &hmrerrors.Location{File: loc.File, Line: loc.Line, Column: loc.Column}
		ce.Frame = codeFrame(loc)
	}

	var notes []string
	for _, n := range first.Notes {
		if n.Location != nil {
			notes = append(notes, fmt.Sprintf("    at %s (%s:%d:%d)", n.Text, n.Location.File, n.Location.Line, n.Location.Column))
		}
	}
	ce.Stack = strings.Join(notes, "\n")

	return ce
}

// codeFrame renders the offending line with a caret under the column.
func codeFrame(loc *api.Location) string {
	if loc.LineText == "" {
		return ""
	}
	gutter := fmt.Sprintf("%d | ", loc.Line)
	pad := strings.Repeat(" ", len(gutter)-2) + "| "
	caretLen := loc.Length
	if caretLen < 1 {
		caretLen = 1
	}
	return gutter + loc.LineText + "\n" + pad + strings.Repeat(" ", loc.Column) + strings.Repeat("^", caretLen)
}

// scriptFrame returns the esbuild banner and footer for the entry's script:
// the prelude first, then the try/catch guard around the bundle.
func scriptFrame(opts CompileOptions) (banner, footer map[string]string) {
	var head []string
	if opts.Prelude != "" {
		head = append(head, strings.TrimRight(opts.Prelude, "\n"))
	}
	if opts.WrapInTryCatch {
		head = append(head, "try {")
		footer = map[string]string{
			"js": "} catch (e) {\n  console.error(\"[exthmr] background script failed\", e);\n}",
		}
	}
	if len(head) > 0 {
		banner = map[string]string{"js": strings.Join(head, "\n")}
	}
	return banner, footer
}
