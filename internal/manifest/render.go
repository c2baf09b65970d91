package manifest

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/types"
)

const (
	// FileName is the manifest written to the output directory.
	FileName = "manifest.json"
	// MapFileName is the development diagnostic copy of the full descriptor.
	MapFileName = "manifest.map.json"
)

// Render encodes d into the manifest artifacts. In development the written
// manifest drops content_scripts, which are registered dynamically over the
// reload channel, and manifest.map.json keeps the full descriptor.
func Render(d *Descriptor, mode types.Mode) ([]types.EmittedFile, error) {
	if d == nil {
		d = DefaultDescriptor()
	}

	var files []types.EmittedFile
	written := d
	if mode.IsDevelopment() {
		full, err := Encode(d)
		if err != nil {
			return nil, err
		}
		files = append(files, types.EmittedFile{FileName: MapFileName, Content: full, Kind: types.FileKindAsset})

		written = d.Clone()
		written.ContentScripts = nil
	}

	data, err := Encode(written)
	if err != nil {
		return nil, err
	}
	files = append(files, types.EmittedFile{FileName: FileName, Content: data, Kind: types.FileKindAsset})
	return files, nil
}

// Encode renders d as indented JSON.
func Encode(d *Descriptor) ([]byte, error) {
	compact, err := marshalNoEscape(d)
	if err != nil {
		return nil, hmrerrors.NewInternalError(hmrerrors.ErrCodeInternalError, "encode manifest", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return nil, hmrerrors.NewInternalError(hmrerrors.ErrCodeInternalError, "indent manifest", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// LoadBase reads the base manifest at path. A missing path, unreadable file
// or invalid JSON returns a reconciliation error; callers fall back to the
// default skeleton.
func LoadBase(path string) (*Descriptor, error) {
	if path == "" {
		return nil, hmrerrors.NewReconciliationError(hmrerrors.ErrCodeManifestRead, "no base manifest configured", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, hmrerrors.NewReconciliationError(hmrerrors.ErrCodeManifestRead, "read base manifest", err).
			WithLocation(path, 0, 0)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, hmrerrors.NewReconciliationError(hmrerrors.ErrCodeManifestParse, "parse base manifest", err).
			WithLocation(path, 0, 0)
	}
	return d, nil
}

// LoadPackage reads name, version and description from root/package.json.
// A missing file yields empty metadata and no error.
func LoadPackage(root string) (PackageMeta, error) {
	path := filepath.Join(root, "package.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return PackageMeta{}, nil
	}
	if err != nil {
		return PackageMeta{}, hmrerrors.NewReconciliationError(hmrerrors.ErrCodePackageRead, "read package.json", err).
			WithLocation(path, 0, 0)
	}

	var meta PackageMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return PackageMeta{}, hmrerrors.NewReconciliationError(hmrerrors.ErrCodePackageRead, "parse package.json", err).
			WithLocation(path, 0, 0)
	}
	return meta, nil
}
