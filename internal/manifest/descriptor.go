// Package manifest reconciles the extension manifest descriptor from the base
// manifest file, user overrides, package metadata and the build mode, and
// renders the manifest artifacts written to the output directory.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Background is the background descriptor. MV3 uses ServiceWorker, MV2 and
// Firefox use Scripts.
type Background struct {
	ServiceWorker string   `json:"service_worker,omitempty"`
	Scripts       []string `json:"scripts,omitempty"`
	Type          string   `json:"type,omitempty"`
	Persistent    *bool    `json:"persistent,omitempty"`
}

// HasEntry reports whether the descriptor declares any background script.
func (b *Background) HasEntry() bool {
	return b != nil && (b.ServiceWorker != "" || len(b.Scripts) > 0)
}

// ContentScript is one content-script group. Keys other than js, css and
// matches (run_at, all_frames, ...) are kept in Extra.
type ContentScript struct {
	JS      []string
	CSS     []string
	Matches []string
	Extra   map[string]json.RawMessage
}

type contentScriptFields struct {
	JS      []string `json:"js,omitempty"`
	CSS     []string `json:"css,omitempty"`
	Matches []string `json:"matches,omitempty"`
}

var contentScriptKeys = []string{"js", "css", "matches"}

// MarshalJSON implements json.Marshaler.
func (cs ContentScript) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(contentScriptFields{JS: cs.JS, CSS: cs.CSS, Matches: cs.Matches}, cs.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (cs *ContentScript) UnmarshalJSON(data []byte) error {
	var fields contentScriptFields
	extra, err := unmarshalWithExtra(data, &fields, contentScriptKeys)
	if err != nil {
		return err
	}
	*cs = ContentScript{JS: fields.JS, CSS: fields.CSS, Matches: fields.Matches, Extra: extra}
	return nil
}

// ContentSecurityPolicy accepts both the MV3 object form and the MV2 string
// form. Raw holds the string form.
type ContentSecurityPolicy struct {
	ExtensionPages string `json:"extension_pages,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
	Raw            string `json:"-"`
}

// MarshalJSON implements json.Marshaler.
func (p ContentSecurityPolicy) MarshalJSON() ([]byte, error) {
	if p.Raw != "" && p.ExtensionPages == "" && p.Sandbox == "" {
		return marshalNoEscape(p.Raw)
	}
	type plain ContentSecurityPolicy
	return marshalNoEscape(plain(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ContentSecurityPolicy) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*p = ContentSecurityPolicy{Raw: raw}
		return nil
	}
	type plain ContentSecurityPolicy
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = ContentSecurityPolicy(v)
	return nil
}

// Descriptor is the extension manifest. Fields the reconciler acts on are
// typed; every other key is carried verbatim in Extra.
type Descriptor struct {
	Name                  string
	Version               string
	Description           string
	ManifestVersion       int
	Background            *Background
	ContentScripts        []ContentScript
	Permissions           []string
	HostPermissions       []string
	ContentSecurityPolicy *ContentSecurityPolicy
	DevtoolsPage          string
	Extra                 map[string]json.RawMessage
}

type descriptorFields struct {
	Name                  string                 `json:"name,omitempty"`
	Version               string                 `json:"version,omitempty"`
	Description           string                 `json:"description,omitempty"`
	ManifestVersion       int                    `json:"manifest_version,omitempty"`
	Background            *Background            `json:"background,omitempty"`
	ContentScripts        []ContentScript        `json:"content_scripts,omitempty"`
	Permissions           []string               `json:"permissions,omitempty"`
	HostPermissions       []string               `json:"host_permissions,omitempty"`
	ContentSecurityPolicy *ContentSecurityPolicy `json:"content_security_policy,omitempty"`
	DevtoolsPage          string                 `json:"devtools_page,omitempty"`
}

var descriptorKeys = []string{
	"name", "version", "description", "manifest_version", "background",
	"content_scripts", "permissions", "host_permissions",
	"content_security_policy", "devtools_page",
}

// MarshalJSON implements json.Marshaler. Typed fields come first in a fixed
// order, followed by Extra keys sorted by name.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(descriptorFields{
		Name:                  d.Name,
		Version:               d.Version,
		Description:           d.Description,
		ManifestVersion:       d.ManifestVersion,
		Background:            d.Background,
		ContentScripts:        d.ContentScripts,
		Permissions:           d.Permissions,
		HostPermissions:       d.HostPermissions,
		ContentSecurityPolicy: d.ContentSecurityPolicy,
		DevtoolsPage:          d.DevtoolsPage,
	}, d.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var fields descriptorFields
	extra, err := unmarshalWithExtra(data, &fields, descriptorKeys)
	if err != nil {
		return err
	}
	*d = Descriptor{
		Name:                  fields.Name,
		Version:               fields.Version,
		Description:           fields.Description,
		ManifestVersion:       fields.ManifestVersion,
		Background:            fields.Background,
		ContentScripts:        fields.ContentScripts,
		Permissions:           fields.Permissions,
		HostPermissions:       fields.HostPermissions,
		ContentSecurityPolicy: fields.ContentSecurityPolicy,
		DevtoolsPage:          fields.DevtoolsPage,
		Extra:                 extra,
	}
	return nil
}

// Parse decodes a manifest document.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	out := *d
	if d.Background != nil {
		bg := *d.Background
		bg.Scripts = cloneStrings(d.Background.Scripts)
		if d.Background.Persistent != nil {
			p := *d.Background.Persistent
			bg.Persistent = &p
		}
		out.Background = &bg
	}
	if d.ContentScripts != nil {
		out.ContentScripts = make([]ContentScript, len(d.ContentScripts))
		for i, cs := range d.ContentScripts {
			out.ContentScripts[i] = cs.Clone()
		}
	}
	out.Permissions = cloneStrings(d.Permissions)
	out.HostPermissions = cloneStrings(d.HostPermissions)
	if d.ContentSecurityPolicy != nil {
		csp := *d.ContentSecurityPolicy
		out.ContentSecurityPolicy = &csp
	}
	out.Extra = cloneExtra(d.Extra)
	return &out
}

// Clone returns a deep copy of cs.
func (cs ContentScript) Clone() ContentScript {
	return ContentScript{
		JS:      cloneStrings(cs.JS),
		CSS:     cloneStrings(cs.CSS),
		Matches: cloneStrings(cs.Matches),
		Extra:   cloneExtra(cs.Extra),
	}
}

// Equal reports whether two descriptors encode to the same JSON.
func Equal(a, b *Descriptor) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}

func marshalWithExtra(fields interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	known, err := marshalNoEscape(fields)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return known, nil
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(known[:len(known)-1])
	first := len(known) == 2
	for _, k := range keys {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		name, err := marshalNoEscape(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		value := extra[k]
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalNoEscape encodes v without HTML escaping so match patterns such as
// "<all_urls>" stay readable.
func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func unmarshalWithExtra(data []byte, fields interface{}, knownKeys []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	if all == nil {
		return nil, fmt.Errorf("manifest object expected, got %s", bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, fields); err != nil {
		return nil, err
	}
	for _, k := range knownKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneExtra(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
