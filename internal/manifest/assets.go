package manifest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed assets/service-worker.js
var bootstrapTemplate string

//go:embed assets/webcomponents-bundle.js
var polyfillScript []byte

// BootstrapScript renders the synthesized background script that opens the
// reload channel at socketURL.
func BootstrapScript(socketURL, token string, overlay bool) []byte {
	r := strings.NewReplacer(
		"__EXTHMR_SOCKET_URL__", jsString(socketURL),
		"__EXTHMR_TOKEN__", jsString(token),
		"__EXTHMR_OVERLAY__", fmt.Sprintf("%t", overlay),
	)
	return []byte(r.Replace(bootstrapTemplate))
}

// ReloadClient renders the reload channel client for a declared background
// script. It is scoped in a function so its names stay out of the worker's
// global scope.
func ReloadClient(socketURL, token string, overlay bool) []byte {
	var b strings.Builder
	b.WriteString("(() => {\n")
	b.Write(BootstrapScript(socketURL, token, overlay))
	b.WriteString("\n})();\n")
	return []byte(b.String())
}

// PolyfillScript returns the embedded content-script polyfill.
func PolyfillScript() []byte {
	out := make([]byte, len(polyfillScript))
	copy(out, polyfillScript)
	return out
}

// DevtoolsScript renders the registrar that creates a devtools panel named
// name showing page.
func DevtoolsScript(name, page string) []byte {
	return []byte(fmt.Sprintf("chrome.devtools.panels.create(%s, \"\",%s,);", jsString(name), jsString(page)))
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
