// Package types provides common type definitions used throughout exthmr.
// This package contains shared types to avoid circular dependencies between packages.
package types

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Role describes how the extension platform loads an entry's output.
type Role string

const (
	// RoleAuto means the role is inferred from the reconciled manifest.
	RoleAuto          Role = ""
	RoleBackground    Role = "background"
	RoleContentScript Role = "content-script"
	RoleOther         Role = "other"
)

// ParseRole converts a configuration value into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAuto:
		return RoleAuto, nil
	case RoleBackground:
		return RoleBackground, nil
	case RoleContentScript, "content", "content_script":
		return RoleContentScript, nil
	case RoleOther:
		return RoleOther, nil
	default:
		return RoleAuto, fmt.Errorf("unknown entry role %q", s)
	}
}

// BuildEntry is a named source file the compile service turns into one or
// more output artifacts. Entries are created from configuration at startup and
// never change for the lifetime of a session.
type BuildEntry struct {
	// Name is the unique entry identifier (e.g., "content", "service-worker")
	Name string
	// SourcePath is the absolute path of the entry source file
	SourcePath string
	// Role is the declared role; RoleAuto defers to the manifest
	Role Role
}

// OutputName returns the entry's script path relative to the output
// directory: the source path relative to root with its extension replaced by
// ".js", always slash separated.
func (e BuildEntry) OutputName(root string) string {
	rel, err := filepath.Rel(root, e.SourcePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(e.SourcePath)
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, filepath.Ext(rel)) + ".js"
}

// PageEntry is an HTML page (popup, options, devtools) copied into the
// output directory after processing.
type PageEntry struct {
	Name       string
	SourcePath string
}

// CopyPath is a file or directory copied verbatim into the output.
type CopyPath struct {
	Src  string
	Dest string
}

// FileKind distinguishes compiled code from static assets.
type FileKind string

const (
	FileKindCode  FileKind = "code"
	FileKindAsset FileKind = "asset"
)

// EmittedFile is a file produced by a build step, addressed relative to the
// output directory.
type EmittedFile struct {
	FileName string
	Content  []byte
	Kind     FileKind
}

// IsStylesheet reports whether the emitted file is a CSS file.
func (f EmittedFile) IsStylesheet() bool {
	return strings.EqualFold(filepath.Ext(f.FileName), ".css")
}

// DependencyRecord ties one source file to the entry whose last successful
// compilation depended on it.
type DependencyRecord struct {
	EntryName      string
	EntryPath      string
	DependencyPath string
}

// Mode selects development (watch session) or production output.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// ParseMode converts a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "development", "dev":
		return ModeDevelopment, nil
	case "production", "prod":
		return ModeProduction, nil
	default:
		return ModeDevelopment, fmt.Errorf("unknown build mode %q", s)
	}
}

// IsDevelopment reports whether m is the development mode.
func (m Mode) IsDevelopment() bool { return m == ModeDevelopment }
