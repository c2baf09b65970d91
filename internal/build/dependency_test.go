package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/exthmr/internal/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDependencyMapRecordFiltersFirstParty(t *testing.T) {
	root := t.TempDir()
	dm := NewDependencyMap(root)
	entry := types.BuildEntry{Name: "content", SourcePath: filepath.Join(root, "src/content.ts")}

	records := dm.Record(entry, []string{
		"src/content.ts",
		"src/util.ts",
		filepath.Join(root, "src/util.ts"),
		"node_modules/lit/index.js",
		filepath.Join(root, "packages/x/node_modules/y.js"),
		"/elsewhere/lib.js",
		"../outside.ts",
		"",
	})

	paths := make([]string, 0, len(records))
	for _, r := range records {
		assert.Equal(t, "content", r.EntryName)
		assert.Equal(t, entry.SourcePath, r.EntryPath)
		paths = append(paths, r.DependencyPath)
	}
	assert.Equal(t, []string{
		filepath.Join(root, "src/content.ts"),
		filepath.Join(root, "src/util.ts"),
	}, paths)
	assert.Equal(t, map[string]int{"content": 2}, dm.Counts())
}

func TestDependencyMapRecordReplaces(t *testing.T) {
	root := t.TempDir()
	dm := NewDependencyMap(root)
	entry := types.BuildEntry{Name: "popup", SourcePath: filepath.Join(root, "popup.ts")}

	dm.Record(entry, []string{"popup.ts", "old.ts"})
	dm.Record(entry, []string{"popup.ts", "new.ts"})

	records := dm.Records("popup")
	require.Len(t, records, 2)
	assert.Equal(t, filepath.Join(root, "new.ts"), records[1].DependencyPath)

	_, ok := dm.FindOwner(filepath.Join(root, "old.ts"))
	assert.False(t, ok, "records of the previous compilation are dropped")
}

func TestDependencyMapFindOwner(t *testing.T) {
	root := t.TempDir()
	shared := filepath.Join(root, "src/shared.ts")
	writeFile(t, shared, "export const x = 1")

	dm := NewDependencyMap(root)
	dm.Record(types.BuildEntry{Name: "content", SourcePath: filepath.Join(root, "src/content.ts")},
		[]string{"src/content.ts", "src/shared.ts"})
	dm.Record(types.BuildEntry{Name: "background", SourcePath: filepath.Join(root, "src/bg.ts")},
		[]string{"src/bg.ts", "src/shared.ts"})

	owner, ok := dm.FindOwner(shared)
	require.True(t, ok)
	assert.Equal(t, "content", owner.EntryName, "first recorded entry wins")

	// Unclean spelling of the same file resolves through filesystem identity.
	owner, ok = dm.FindOwner(filepath.Join(root, "src", "..", "src", "shared.ts"))
	require.True(t, ok)
	assert.Equal(t, "content", owner.EntryName)

	// Files that no longer exist still match by cleaned path.
	owner, ok = dm.FindOwner(filepath.Join(root, "src/bg.ts"))
	require.True(t, ok)
	assert.Equal(t, "background", owner.EntryName)

	_, ok = dm.FindOwner(filepath.Join(root, "src/unknown.ts"))
	assert.False(t, ok)
}

func TestDependencyMapFindOwnerThroughSymlink(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "src/real.ts")
	writeFile(t, target, "export {}")
	link := filepath.Join(root, "alias.ts")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	dm := NewDependencyMap(root)
	dm.Record(types.BuildEntry{Name: "content"}, []string{"src/real.ts"})

	owner, ok := dm.FindOwner(link)
	require.True(t, ok)
	assert.Equal(t, "content", owner.EntryName)
}

func TestIsFirstParty(t *testing.T) {
	root := filepath.FromSlash("/project")

	testCases := []struct {
		path     string
		expected bool
	}{
		{"/project/src/a.ts", true},
		{"/project", true},
		{"/project/node_modules/x/index.js", false},
		{"/project/src/node_modules/x.js", false},
		{"/project/node_modules_extra/x.js", true},
		{"/other/a.ts", false},
		{"/project-two/a.ts", false},
	}
	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsFirstParty(root, filepath.FromSlash(tc.path)))
		})
	}
}
