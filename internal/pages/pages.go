// Package pages prepares the extension's HTML pages (popup, options,
// devtools) for the output directory.
//
// Extension pages may not run inline scripts, so every <script> without a
// src attribute is moved into a sibling file named after its content
// fingerprint and referenced as a module. The page declared as
// devtools_page additionally loads the devtools.js registrar.
package pages

import (
	"bytes"
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/exthmr/internal/build"
	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/manifest"
	"github.com/conneroisu/exthmr/internal/types"
)

// Processor turns configured page entries into output files.
type Processor struct {
	root   string
	pages  []types.PageEntry
	logger logging.Logger
}

// NewProcessor creates a processor for pages under root.
func NewProcessor(root string, pages []types.PageEntry, logger logging.Logger) *Processor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Processor{
		root:   root,
		pages:  pages,
		logger: logger.WithComponent("pages"),
	}
}

// Pages returns the configured page entries.
func (p *Processor) Pages() []types.PageEntry {
	return p.pages
}

// Owns reports whether path is one of the configured page sources.
func (p *Processor) Owns(path string) bool {
	clean := filepath.Clean(path)
	for _, page := range p.pages {
		if filepath.Clean(page.SourcePath) == clean {
			return true
		}
	}
	return false
}

// Assets processes every page against the reconciled descriptor.
func (p *Processor) Assets(ctx context.Context, d *manifest.Descriptor) ([]types.EmittedFile, error) {
	devtoolsPage := ""
	if d != nil {
		devtoolsPage = d.DevtoolsPage
	}

	var files []types.EmittedFile
	for _, page := range p.pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(page.SourcePath)
		if err != nil {
			return nil, hmrerrors.WrapIO(err, hmrerrors.ErrCodeReadFailed, page.SourcePath)
		}
		emitted, err := Process(p.OutputName(page), content, devtoolsPage)
		if err != nil {
			return nil, hmrerrors.NewIOError(hmrerrors.ErrCodeReadFailed, "process page "+page.Name, err).
				WithLocation(page.SourcePath, 0, 0)
		}
		p.logger.Debug(ctx, "Processed page", "page", page.Name, "files", len(emitted))
		files = append(files, emitted...)
	}
	return files, nil
}

// OutputName returns the page path relative to the root, slash separated.
func (p *Processor) OutputName(page types.PageEntry) string {
	rel, err := filepath.Rel(p.root, page.SourcePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(page.SourcePath)
	}
	return filepath.ToSlash(rel)
}

// Process rewrites one page. fileName is the page's output path; the
// returned files are the rewritten page followed by one script per
// extracted inline script.
func Process(fileName string, content []byte, devtoolsPage string) ([]types.EmittedFile, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}

	dir := path.Dir(fileName)
	var scripts []types.EmittedFile
	seen := make(map[string]struct{})

	for _, script := range inlineScripts(doc) {
		source := scriptText(script)
		key := build.Fingerprint([]byte(source))
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			scripts = append(scripts, types.EmittedFile{
				FileName: path.Join(dir, key+".js"),
				Content:  []byte(source),
				Kind:     types.FileKindAsset,
			})
		}
		script.Parent.InsertBefore(scriptElement("./"+key+".js", true), script)
		script.Parent.RemoveChild(script)
	}

	if IsDevtoolsPage(fileName, devtoolsPage) {
		if body := findElement(doc, atom.Body); body != nil {
			body.AppendChild(scriptElement("./"+manifest.DevtoolsScriptName, false))
		}
	}

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return nil, err
	}

	files := make([]types.EmittedFile, 0, len(scripts)+1)
	files = append(files, types.EmittedFile{FileName: fileName, Content: out.Bytes(), Kind: types.FileKindAsset})
	return append(files, scripts...), nil
}

// IsDevtoolsPage reports whether the page at fileName is the declared
// devtools page.
func IsDevtoolsPage(fileName, devtoolsPage string) bool {
	if devtoolsPage == "" {
		return false
	}
	declared := strings.TrimPrefix(path.Clean(filepath.ToSlash(devtoolsPage)), "./")
	declared = strings.TrimPrefix(declared, "/")
	return strings.Contains(path.Clean(fileName), declared)
}

func inlineScripts(doc *html.Node) []*html.Node {
	var found []*html.Node
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script && !hasAttr(n, "src") {
			found = append(found, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return found
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}

func scriptText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

func scriptElement(src string, module bool) *html.Node {
	node := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Script,
		Data:     "script",
	}
	if module {
		node.Attr = append(node.Attr, html.Attribute{Key: "type", Val: "module"})
	}
	node.Attr = append(node.Attr, html.Attribute{Key: "src", Val: src})
	return node
}
