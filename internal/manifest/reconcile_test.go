package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/types"
)

const testOrigin = "http://localhost:3000"

func devOptions() Options {
	return Options{
		Mode:      types.ModeDevelopment,
		Origin:    testOrigin,
		SocketURL: "ws://localhost:3000/__exthmr",
		Token:     "t0k3n",
		Overlay:   true,
	}
}

func mustParse(t *testing.T, doc string) *Descriptor {
	t.Helper()
	d, err := Parse([]byte(doc))
	require.NoError(t, err)
	return d
}

func assetNamed(assets []types.EmittedFile, name string) (types.EmittedFile, bool) {
	for _, a := range assets {
		if a.FileName == name {
			return a, true
		}
	}
	return types.EmittedFile{}, false
}

func TestReconcileDefaultSkeleton(t *testing.T) {
	res := Reconcile(nil, nil, PackageMeta{}, Options{Mode: types.ModeProduction})

	assert.Equal(t, "Chrome Extension", res.Descriptor.Name)
	assert.Equal(t, "1.0.0", res.Descriptor.Version)
	assert.Equal(t, 3, res.Descriptor.ManifestVersion)
	assert.Empty(t, res.Assets)
}

func TestReconcileOverridesAndPackagePrecedence(t *testing.T) {
	base := mustParse(t, `{"name":"base","version":"0.1.0","description":"from base","manifest_version":3,"action":{"default_popup":"popup.html"}}`)
	overrides := mustParse(t, `{"name":"override","description":"from overrides","minimum_chrome_version":"110"}`)

	res := Reconcile(base, overrides, PackageMeta{Name: "pkg-name", Version: "2.0.0"}, Options{Mode: types.ModeProduction})
	d := res.Descriptor

	assert.Equal(t, "pkg-name", d.Name)
	assert.Equal(t, "2.0.0", d.Version)
	assert.Equal(t, "from overrides", d.Description)
	assert.JSONEq(t, `{"default_popup":"popup.html"}`, string(d.Extra["action"]))
	assert.JSONEq(t, `"110"`, string(d.Extra["minimum_chrome_version"]))

	// inputs are untouched
	assert.Equal(t, "base", base.Name)
	assert.NotContains(t, base.Extra, "minimum_chrome_version")
}

func TestReconcileDevelopmentPolicy(t *testing.T) {
	base := mustParse(t, `{"name":"x","manifest_version":3,"permissions":["storage","tabs"],"host_permissions":["https://example.com/*"],"background":{"service_worker":"bg.js"}}`)

	d := Reconcile(base, nil, PackageMeta{}, devOptions()).Descriptor

	require.NotNil(t, d.ContentSecurityPolicy)
	assert.Equal(t, "script-src 'self' 'wasm-unsafe-eval' http://localhost:3000; object-src 'self';", d.ContentSecurityPolicy.ExtensionPages)
	assert.Equal(t, "script-src 'self' 'unsafe-inline' 'unsafe-eval' http://localhost:3000; sandbox allow-scripts allow-forms allow-popups allow-modals; child-src 'self';", d.ContentSecurityPolicy.Sandbox)
	assert.Equal(t, []string{"storage", "tabs", "scripting"}, d.Permissions)
	assert.Equal(t, []string{"*://*/*", "http://localhost:3000/*"}, d.HostPermissions)
	assert.Equal(t, "bg.js", d.Background.ServiceWorker)
}

func TestReconcileProductionLeavesPolicyAlone(t *testing.T) {
	base := mustParse(t, `{"name":"x","permissions":["storage"],"content_security_policy":"script-src 'self'; object-src 'self'"}`)

	d := Reconcile(base, nil, PackageMeta{}, Options{Mode: types.ModeProduction}).Descriptor

	assert.Equal(t, []string{"storage"}, d.Permissions)
	assert.Nil(t, d.HostPermissions)
	assert.Equal(t, "script-src 'self'; object-src 'self'", d.ContentSecurityPolicy.Raw)
	assert.Nil(t, d.Background)
}

func TestReconcileSynthesizesBackground(t *testing.T) {
	base := mustParse(t, `{"name":"x","manifest_version":3}`)

	res := Reconcile(base, nil, PackageMeta{}, devOptions())

	require.NotNil(t, res.Descriptor.Background)
	assert.Equal(t, BackgroundFileName, res.Descriptor.Background.ServiceWorker)

	asset, ok := assetNamed(res.Assets, BackgroundFileName)
	require.True(t, ok, "synthesized background script must be emitted")
	assert.Contains(t, string(asset.Content), `"ws://localhost:3000/__exthmr"`)
	assert.Contains(t, string(asset.Content), `"t0k3n"`)
	assert.Contains(t, string(asset.Content), "exthmr-reload")
	assert.NotContains(t, string(asset.Content), "__EXTHMR_")
}

func TestReloadClientIsScoped(t *testing.T) {
	code := string(ReloadClient("ws://localhost:3000/__exthmr", "t0k3n", false))

	assert.True(t, strings.HasPrefix(code, "(() => {\n"))
	assert.True(t, strings.HasSuffix(code, "})();\n"))
	assert.Contains(t, code, `"ws://localhost:3000/__exthmr"`)
	assert.Contains(t, code, `"t0k3n"`)
	assert.Contains(t, code, "const overlay = false;")
	assert.NotContains(t, code, "__EXTHMR_")
}

func TestReconcileKeepsDeclaredBackgroundScripts(t *testing.T) {
	base := mustParse(t, `{"name":"x","manifest_version":2,"background":{"scripts":["bg.js"]}}`)

	res := Reconcile(base, nil, PackageMeta{}, devOptions())

	assert.Equal(t, []string{"bg.js"}, res.Descriptor.Background.Scripts)
	_, ok := assetNamed(res.Assets, BackgroundFileName)
	assert.False(t, ok)
}

func TestReconcilePolyfillFirstAndDeduplicated(t *testing.T) {
	base := mustParse(t, `{"name":"x","background":{"service_worker":"bg.js"},"content_scripts":[
		{"js":["a.js","webcomponents-bundle.js"],"matches":["https://a.com/*"],"run_at":"document_end"},
		{"css":["only.css"],"matches":["https://c.com/*"]}
	]}`)

	res := Reconcile(base, nil, PackageMeta{}, devOptions())
	groups := res.Descriptor.ContentScripts

	assert.Equal(t, []string{PolyfillFileName, "a.js"}, groups[0].JS)
	assert.JSONEq(t, `"document_end"`, string(groups[0].Extra["run_at"]))
	assert.Nil(t, groups[1].JS)

	_, ok := assetNamed(res.Assets, PolyfillFileName)
	assert.True(t, ok)
}

func TestReconcilePolyfillOverride(t *testing.T) {
	base := mustParse(t, `{"name":"x","background":{"service_worker":"bg.js"},"content_scripts":[{"js":["a.js"]}]}`)
	opts := devOptions()
	opts.Polyfill = []byte("/* full polyfill */")

	asset, ok := assetNamed(Reconcile(base, nil, PackageMeta{}, opts).Assets, PolyfillFileName)
	require.True(t, ok)
	assert.Equal(t, "/* full polyfill */", string(asset.Content))
}

func TestReconcileDevtoolsRegistrar(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "devtools"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "devtools", "index.html"), []byte("<html></html>"), 0o644))

	base := mustParse(t, `{"name":"My Tools","devtools_page":"src/devtools/index.html"}`)
	opts := Options{Mode: types.ModeProduction, Root: root}

	asset, ok := assetNamed(Reconcile(base, nil, PackageMeta{}, opts).Assets, "src/devtools/devtools.js")
	require.True(t, ok)
	assert.Equal(t, `chrome.devtools.panels.create("My Tools", "","src/devtools/index.html",);`, string(asset.Content))

	missing := mustParse(t, `{"name":"My Tools","devtools_page":"missing/page.html"}`)
	assert.Empty(t, Reconcile(missing, nil, PackageMeta{}, opts).Assets)
}

func TestReconcileIsIdempotent(t *testing.T) {
	base := mustParse(t, `{"name":"x","version":"1.0.0","permissions":["storage","tabs"],"devtools_page":"devtools.html",
		"content_scripts":[{"js":["content/a.js"],"css":["a.css","a.css"],"matches":["<all_urls>"]}]}`)
	overrides := mustParse(t, `{"description":"overridden","options_page":"options.html"}`)
	pkg := PackageMeta{Name: "ext", Version: "3.1.4"}

	for _, opts := range []Options{devOptions(), {Mode: types.ModeProduction}} {
		first := Reconcile(base, overrides, pkg, opts).Descriptor
		second := Reconcile(first, &Descriptor{}, pkg, opts).Descriptor
		assert.True(t, Equal(first, second), "mode %s", opts.Mode)
	}
}

func TestMergeStylesheets(t *testing.T) {
	d := mustParse(t, `{"content_scripts":[
		{"js":["webcomponents-bundle.js","content/index.js"],"css":["base.css"]},
		{"js":["other.js"]}
	]}`)

	changed := MergeStylesheets(d, "content/index.ts", []string{"content/index.css", "base.css"})
	assert.True(t, changed)
	assert.Equal(t, []string{"base.css", "content/index.css"}, d.ContentScripts[0].CSS)
	assert.Nil(t, d.ContentScripts[1].CSS)

	assert.False(t, MergeStylesheets(d, "content/index.js", []string{"content/index.css"}))
	assert.False(t, MergeStylesheets(d, "missing.js", []string{"x.css"}))
}

func TestGroupsForOutputAndBackground(t *testing.T) {
	d := mustParse(t, `{"background":{"service_worker":"./background/index.js"},"content_scripts":[
		{"js":["a.js"],"matches":["https://a.com/*"]},
		{"js":["b.js"],"matches":["https://b.com/*"]}
	]}`)

	groups := GroupsForOutput(d, "a.js")
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"https://a.com/*"}, groups[0].Matches)

	assert.True(t, IsBackgroundOutput(d, "background/index.js"))
	assert.False(t, IsBackgroundOutput(d, "a.js"))
}

func TestDescriptorJSONPreservesUnknownKeys(t *testing.T) {
	doc := `{"name":"x","manifest_version":3,"icons":{"16":"i.png"},"content_scripts":[{"js":["a.js"],"all_frames":true,"matches":["<all_urls>"]}]}`
	d := mustParse(t, doc)

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, doc, string(out))

	encoded, err := Encode(d)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"<all_urls>"`)
}

func TestRenderDevelopmentStripsContentScripts(t *testing.T) {
	d := mustParse(t, `{"name":"x","content_scripts":[{"js":["a.js"]}]}`)

	files, err := Render(d, types.ModeDevelopment)
	require.NoError(t, err)
	require.Len(t, files, 2)

	var manifestDoc, mapDoc map[string]interface{}
	for _, f := range files {
		switch f.FileName {
		case FileName:
			require.NoError(t, json.Unmarshal(f.Content, &manifestDoc))
		case MapFileName:
			require.NoError(t, json.Unmarshal(f.Content, &mapDoc))
		}
	}
	assert.NotContains(t, manifestDoc, "content_scripts")
	assert.Contains(t, mapDoc, "content_scripts")
	assert.Len(t, d.ContentScripts, 1, "render must not modify the descriptor")

	prod, err := Render(d, types.ModeProduction)
	require.NoError(t, err)
	require.Len(t, prod, 1)
	assert.Contains(t, string(prod[0].Content), "content_scripts")
}

func TestLoadBaseErrors(t *testing.T) {
	_, err := LoadBase("")
	assert.True(t, hmrerrors.IsReconciliationError(err))

	dir := t.TempDir()
	bad := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadBase(bad)
	assert.True(t, hmrerrors.IsReconciliationError(err))

	_, err = LoadBase(filepath.Join(dir, "missing.json"))
	assert.True(t, hmrerrors.IsReconciliationError(err))
}

func TestLoadPackage(t *testing.T) {
	dir := t.TempDir()
	meta, err := LoadPackage(dir)
	require.NoError(t, err)
	assert.Equal(t, PackageMeta{}, meta)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"name":"ext","version":"0.2.0","description":"d","private":true}`), 0o644))
	meta, err = LoadPackage(dir)
	require.NoError(t, err)
	assert.Equal(t, PackageMeta{Name: "ext", Version: "0.2.0", Description: "d"}, meta)
}
