package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/conneroisu/exthmr/internal/types"
)

const (
	// PolyfillFileName is prepended to every content-script group in
	// development.
	PolyfillFileName = "webcomponents-bundle.js"
	// BackgroundFileName is the synthesized background script.
	BackgroundFileName = "service-worker.js"
	// DevtoolsScriptName is the devtools registrar emitted next to the
	// devtools page.
	DevtoolsScriptName = "devtools.js"
)

// PackageMeta is the subset of package.json that wins over the manifest.
type PackageMeta struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Options parameterizes a reconciliation.
type Options struct {
	Mode types.Mode
	// Origin is the dev-server origin allow-listed in development, e.g.
	// "http://localhost:3000"
	Origin string
	// SocketURL is the reload channel endpoint baked into the synthesized
	// background script, e.g. "ws://localhost:3000/__exthmr"
	SocketURL string
	Token     string
	Overlay   bool
	// Root resolves devtools_page on disk; when set, a missing page skips
	// the registrar
	Root string
	// Polyfill replaces the embedded polyfill asset when non-nil
	Polyfill []byte
}

// Result is a reconciled descriptor plus the helper assets it requires.
type Result struct {
	Descriptor *Descriptor
	Assets     []types.EmittedFile
}

// DefaultDescriptor returns the skeleton used when no base manifest is
// available.
func DefaultDescriptor() *Descriptor {
	return &Descriptor{
		Name:            "Chrome Extension",
		Version:         "1.0.0",
		ManifestVersion: 3,
		Description:     "Chrome Extension built with exthmr",
	}
}

// DevExtensionPagesPolicy is the development extension_pages policy.
func DevExtensionPagesPolicy(origin string) string {
	return fmt.Sprintf("script-src 'self' 'wasm-unsafe-eval' %s; object-src 'self';", origin)
}

// DevSandboxPolicy is the development sandbox policy.
func DevSandboxPolicy(origin string) string {
	return fmt.Sprintf("script-src 'self' 'unsafe-inline' 'unsafe-eval' %s; sandbox allow-scripts allow-forms allow-popups allow-modals; child-src 'self';", origin)
}

// Reconcile merges base, overrides and package metadata into the final
// descriptor and applies the development rules. base may be nil, in which
// case DefaultDescriptor is used. Neither input is modified.
func Reconcile(base, overrides *Descriptor, pkg PackageMeta, opts Options) Result {
	d := base.Clone()
	if d == nil {
		d = DefaultDescriptor()
	}
	d.Merge(overrides)

	if pkg.Name != "" {
		d.Name = pkg.Name
	}
	if pkg.Version != "" {
		d.Version = pkg.Version
	}
	if pkg.Description != "" {
		d.Description = pkg.Description
	}

	var assets []types.EmittedFile
	dev := opts.Mode.IsDevelopment()

	if dev {
		d.ContentSecurityPolicy = &ContentSecurityPolicy{
			ExtensionPages: DevExtensionPagesPolicy(opts.Origin),
			Sandbox:        DevSandboxPolicy(opts.Origin),
		}
		d.Permissions = appendUnique(d.Permissions, "tabs", "scripting")
		d.HostPermissions = []string{"*://*/*", strings.TrimSuffix(opts.Origin, "/") + "/*"}

		if !d.Background.HasEntry() {
			d.Background = &Background{ServiceWorker: BackgroundFileName}
			assets = append(assets, types.EmittedFile{
				FileName: BackgroundFileName,
				Content:  BootstrapScript(opts.SocketURL, opts.Token, opts.Overlay),
				Kind:     types.FileKindAsset,
			})
		}

		withPolyfill := false
		for i := range d.ContentScripts {
			group := &d.ContentScripts[i]
			if len(group.JS) == 0 {
				continue
			}
			group.JS = dedupe(append([]string{PolyfillFileName}, group.JS...))
			withPolyfill = true
		}
		if withPolyfill {
			polyfill := opts.Polyfill
			if polyfill == nil {
				polyfill = PolyfillScript()
			}
			assets = append(assets, types.EmittedFile{
				FileName: PolyfillFileName,
				Content:  polyfill,
				Kind:     types.FileKindAsset,
			})
		}
	}

	if d.DevtoolsPage != "" && devtoolsPageExists(opts.Root, d.DevtoolsPage) {
		assets = append(assets, types.EmittedFile{
			FileName: DevtoolsScriptPath(d.DevtoolsPage),
			Content:  DevtoolsScript(d.Name, d.DevtoolsPage),
			Kind:     types.FileKindAsset,
		})
	}

	return Result{Descriptor: d, Assets: assets}
}

// Merge shallow-merges overrides into d: every non-zero typed field replaces
// d's, and every Extra key replaces d's key of the same name.
func (d *Descriptor) Merge(overrides *Descriptor) {
	if overrides == nil {
		return
	}
	o := overrides.Clone()
	if o.Name != "" {
		d.Name = o.Name
	}
	if o.Version != "" {
		d.Version = o.Version
	}
	if o.Description != "" {
		d.Description = o.Description
	}
	if o.ManifestVersion != 0 {
		d.ManifestVersion = o.ManifestVersion
	}
	if o.Background != nil {
		d.Background = o.Background
	}
	if o.ContentScripts != nil {
		d.ContentScripts = o.ContentScripts
	}
	if o.Permissions != nil {
		d.Permissions = o.Permissions
	}
	if o.HostPermissions != nil {
		d.HostPermissions = o.HostPermissions
	}
	if o.ContentSecurityPolicy != nil {
		d.ContentSecurityPolicy = o.ContentSecurityPolicy
	}
	if o.DevtoolsPage != "" {
		d.DevtoolsPage = o.DevtoolsPage
	}
	for k, v := range o.Extra {
		if d.Extra == nil {
			d.Extra = make(map[string]json.RawMessage)
		}
		d.Extra[k] = v
	}
}

// OverridesFromMap converts a generic override object, as read from
// configuration, into a Descriptor.
func OverridesFromMap(m map[string]interface{}) (*Descriptor, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// MergeStylesheets adds cssNames to the css list of every content-script
// group whose js list references entryOutput. File names are compared
// without extension so "content/index.ts" matches "content/index.js".
// Existing order is kept and duplicates are dropped. It reports whether any
// group changed.
func MergeStylesheets(d *Descriptor, entryOutput string, cssNames []string) bool {
	if d == nil || len(cssNames) == 0 {
		return false
	}
	target := stripExt(normalizeRef(entryOutput))
	changed := false
	for i := range d.ContentScripts {
		group := &d.ContentScripts[i]
		if !groupReferences(group, target) {
			continue
		}
		merged := appendUnique(group.CSS, cssNames...)
		if len(merged) != len(group.CSS) {
			changed = true
		}
		group.CSS = merged
	}
	return changed
}

// GroupsForOutput returns copies of the content-script groups whose js list
// references entryOutput.
func GroupsForOutput(d *Descriptor, entryOutput string) []ContentScript {
	if d == nil {
		return nil
	}
	target := stripExt(normalizeRef(entryOutput))
	var groups []ContentScript
	for _, group := range d.ContentScripts {
		if groupReferences(&group, target) {
			groups = append(groups, group.Clone())
		}
	}
	return groups
}

// IsBackgroundOutput reports whether entryOutput is the descriptor's
// background script.
func IsBackgroundOutput(d *Descriptor, entryOutput string) bool {
	if d == nil || !d.Background.HasEntry() {
		return false
	}
	target := stripExt(normalizeRef(entryOutput))
	if d.Background.ServiceWorker != "" && stripExt(normalizeRef(d.Background.ServiceWorker)) == target {
		return true
	}
	for _, s := range d.Background.Scripts {
		if stripExt(normalizeRef(s)) == target {
			return true
		}
	}
	return false
}

// DevtoolsScriptPath returns the registrar path for a devtools page: the
// page's directory joined with devtools.js.
func DevtoolsScriptPath(devtoolsPage string) string {
	dir := path.Dir(normalizeRef(devtoolsPage))
	if dir == "." || dir == "/" {
		return DevtoolsScriptName
	}
	return dir + "/" + DevtoolsScriptName
}

func devtoolsPageExists(root, page string) bool {
	if root == "" {
		return true
	}
	_, err := os.Stat(filepath.Join(root, filepath.FromSlash(normalizeRef(page))))
	return err == nil
}

func groupReferences(group *ContentScript, target string) bool {
	for _, js := range group.JS {
		if stripExt(normalizeRef(js)) == target {
			return true
		}
	}
	return false
}

func normalizeRef(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return strings.TrimPrefix(p, "/")
}

func stripExt(p string) string {
	return strings.TrimSuffix(p, path.Ext(p))
}

func appendUnique(list []string, values ...string) []string {
	out := dedupe(list)
	seen := make(map[string]struct{}, len(out)+len(values))
	for _, v := range out {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func dedupe(list []string) []string {
	if list == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
