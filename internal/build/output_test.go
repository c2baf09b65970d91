package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/exthmr/internal/types"
)

func TestOutputWriterWritesAndSkipsIdentical(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "dist")
	w := NewOutputWriter(outDir, nil)
	ctx := context.Background()

	files := []types.EmittedFile{
		{FileName: "manifest.json", Content: []byte("{}")},
		{FileName: "content/index.js", Content: []byte("console.log(1)")},
	}

	stats := w.Write(ctx, files)
	assert.Equal(t, WriteStats{Written: 2}, stats)

	data, err := os.ReadFile(filepath.Join(outDir, "content/index.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))

	stats = w.Write(ctx, files)
	assert.Equal(t, WriteStats{Skipped: 2}, stats)

	files[1].Content = []byte("console.log(2)")
	stats = w.Write(ctx, files)
	assert.Equal(t, WriteStats{Written: 1, Skipped: 1}, stats)
}

func TestOutputWriterRewritesDeletedFile(t *testing.T) {
	outDir := t.TempDir()
	w := NewOutputWriter(outDir, nil)
	file := types.EmittedFile{FileName: "a.js", Content: []byte("a")}

	w.Write(context.Background(), []types.EmittedFile{file})
	require.NoError(t, os.Remove(filepath.Join(outDir, "a.js")))

	stats := w.Write(context.Background(), []types.EmittedFile{file})
	assert.Equal(t, 1, stats.Written)
	assert.FileExists(t, filepath.Join(outDir, "a.js"))
}

func TestOutputWriterRejectsEscapingPaths(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "dist")
	w := NewOutputWriter(outDir, nil)

	stats := w.Write(context.Background(), []types.EmittedFile{
		{FileName: "../evil.js", Content: []byte("x")},
		{FileName: "a/../../evil.js", Content: []byte("x")},
		{FileName: ".", Content: []byte("x")},
		{FileName: "/rooted.js", Content: []byte("ok")},
	})

	assert.Equal(t, WriteStats{Written: 1, Failed: 3}, stats)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(outDir), "evil.js"))
	assert.FileExists(t, filepath.Join(outDir, "rooted.js"))
}

func TestOutputWriterClean(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "dist")
	w := NewOutputWriter(outDir, nil)
	file := types.EmittedFile{FileName: "a.js", Content: []byte("a")}

	w.Write(context.Background(), []types.EmittedFile{file})
	require.NoError(t, w.Clean())
	assert.NoDirExists(t, outDir)

	stats := w.Write(context.Background(), []types.EmittedFile{file})
	assert.Equal(t, 1, stats.Written, "digests are forgotten after Clean")
	assert.Equal(t, outDir, w.OutDir())
}

func TestOutputWriterCopy(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "dist")
	writeFile(t, filepath.Join(root, "icons/16.png"), "png16")
	writeFile(t, filepath.Join(root, "icons/sub/48.png"), "png48")
	writeFile(t, filepath.Join(root, "LICENSE"), "MIT")

	w := NewOutputWriter(outDir, nil)
	stats := w.Copy(context.Background(), root, []types.CopyPath{
		{Src: "icons", Dest: "assets/icons"},
		{Src: filepath.Join(root, "LICENSE")},
		{Src: "missing"},
	})

	assert.Equal(t, WriteStats{Written: 3, Failed: 1}, stats)
	assert.FileExists(t, filepath.Join(outDir, "assets/icons/16.png"))
	assert.FileExists(t, filepath.Join(outDir, "assets/icons/sub/48.png"))
	assert.FileExists(t, filepath.Join(outDir, "LICENSE"))
}
