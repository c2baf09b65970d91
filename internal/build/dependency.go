package build

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/conneroisu/exthmr/internal/types"
)

// DependencyMap records, per build entry, the first-party source files its
// last successful compilation depended on.
type DependencyMap struct {
	root    string
	records map[string][]types.DependencyRecord
	// order keeps entry names in first-recorded order so owner lookup is
	// deterministic when two entries share a file
	order []string
	mu    sync.RWMutex
}

// NewDependencyMap creates an empty map for the project rooted at root.
func NewDependencyMap(root string) *DependencyMap {
	return &DependencyMap{
		root:    root,
		records: make(map[string][]types.DependencyRecord),
	}
}

// Record replaces every record of entry with one per first-party module.
// Module ids may be absolute or relative to the project root; ids outside
// the root or under node_modules are dropped. It returns the stored records.
func (dm *DependencyMap) Record(entry types.BuildEntry, moduleIDs []string) []types.DependencyRecord {
	seen := make(map[string]struct{}, len(moduleIDs))
	records := make([]types.DependencyRecord, 0, len(moduleIDs))

	for _, id := range moduleIDs {
		path, ok := dm.resolveFirstParty(id)
		if !ok {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		records = append(records, types.DependencyRecord{
			EntryName:      entry.Name,
			EntryPath:      entry.SourcePath,
			DependencyPath: path,
		})
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if _, exists := dm.records[entry.Name]; !exists {
		dm.order = append(dm.order, entry.Name)
	}
	dm.records[entry.Name] = records

	out := make([]types.DependencyRecord, len(records))
	copy(out, records)
	return out
}

// FindOwner returns the first record whose dependency is the same file as
// path. Files are compared by filesystem identity.
func (dm *DependencyMap) FindOwner(path string) (types.DependencyRecord, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	target := newFileIdentity(path)
	for _, name := range dm.order {
		for _, record := range dm.records[name] {
			if target.sameAs(record.DependencyPath) {
				return record, true
			}
		}
	}
	return types.DependencyRecord{}, false
}

// Records returns a copy of the records stored for entryName.
func (dm *DependencyMap) Records(entryName string) []types.DependencyRecord {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	records := dm.records[entryName]
	out := make([]types.DependencyRecord, len(records))
	copy(out, records)
	return out
}

// Counts returns the number of recorded dependencies per entry.
func (dm *DependencyMap) Counts() map[string]int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	counts := make(map[string]int, len(dm.records))
	for name, records := range dm.records {
		counts[name] = len(records)
	}
	return counts
}

func (dm *DependencyMap) resolveFirstParty(id string) (string, bool) {
	if id == "" || strings.ContainsAny(id, "\x00<>") {
		return "", false
	}
	path := filepath.FromSlash(id)
	if !filepath.IsAbs(path) {
		path = filepath.Join(dm.root, path)
	}
	path = filepath.Clean(path)
	return path, IsFirstParty(dm.root, path)
}

// IsFirstParty reports whether path belongs to the project's own source tree:
// inside root and not under a node_modules directory.
func IsFirstParty(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == "node_modules" {
			return false
		}
	}
	return true
}

type fileIdentity struct {
	path string
	info os.FileInfo
}

func newFileIdentity(path string) fileIdentity {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	info, _ := os.Stat(abs)
	return fileIdentity{path: abs, info: info}
}

// sameAs compares by os.SameFile when both files can be stat'ed and falls
// back to cleaned path equality otherwise.
func (fi fileIdentity) sameAs(other string) bool {
	if fi.info != nil {
		if info, err := os.Stat(other); err == nil {
			return os.SameFile(fi.info, info)
		}
	}
	return fi.path == filepath.Clean(other)
}
