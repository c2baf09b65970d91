package build

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	hmrerrors "github.com/conneroisu/exthmr/internal/errors"
	"github.com/conneroisu/exthmr/internal/logging"
	"github.com/conneroisu/exthmr/internal/types"
)

// WriteStats summarizes one OutputWriter.Write call.
type WriteStats struct {
	Written int
	Skipped int
	Failed  int
}

// OutputWriter writes emitted files below the output directory. It remembers
// an xxhash digest of every file it wrote and skips rewriting identical
// content, so the browser does not see spurious modifications.
type OutputWriter struct {
	outDir string
	logger logging.Logger

	digests map[string]uint64
	mu      sync.Mutex
}

// NewOutputWriter creates a writer rooted at outDir.
func NewOutputWriter(outDir string, logger logging.Logger) *OutputWriter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &OutputWriter{
		outDir:  outDir,
		logger:  logger.WithComponent("output"),
		digests: make(map[string]uint64),
	}
}

// OutDir returns the output directory.
func (w *OutputWriter) OutDir() string { return w.outDir }

// Write creates or overwrites every file, creating parent directories. A file
// that fails to write is logged and skipped; the remaining files are still
// written.
func (w *OutputWriter) Write(ctx context.Context, files []types.EmittedFile) WriteStats {
	var stats WriteStats
	for _, f := range files {
		written, err := w.writeOne(f)
		switch {
		case err != nil:
			stats.Failed++
			w.logger.Warn(ctx, err, "Skipping output file", "file", f.FileName)
		case written:
			stats.Written++
		default:
			stats.Skipped++
		}
	}
	return stats
}

func (w *OutputWriter) writeOne(f types.EmittedFile) (bool, error) {
	dest, err := w.resolve(f.FileName)
	if err != nil {
		return false, err
	}

	digest := xxhash.Sum64(f.Content)

	w.mu.Lock()
	prev, seen := w.digests[dest]
	w.mu.Unlock()
	if seen && prev == digest {
		if _, statErr := os.Stat(dest); statErr == nil {
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, hmrerrors.WrapIO(err, hmrerrors.ErrCodeWriteFailed, dest)
	}
	if err := os.WriteFile(dest, f.Content, 0o644); err != nil {
		return false, hmrerrors.WrapIO(err, hmrerrors.ErrCodeWriteFailed, dest)
	}

	w.mu.Lock()
	w.digests[dest] = digest
	w.mu.Unlock()
	return true, nil
}

// resolve maps a file name relative to the output directory to an absolute
// path, refusing names that escape it.
func (w *OutputWriter) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", hmrerrors.NewValidationError(hmrerrors.ErrCodeWriteFailed,
			fmt.Sprintf("output file %q escapes the output directory", name))
	}
	return filepath.Join(w.outDir, clean), nil
}

// Clean removes the output directory recursively and forgets every digest.
func (w *OutputWriter) Clean() error {
	w.mu.Lock()
	w.digests = make(map[string]uint64)
	w.mu.Unlock()

	if err := os.RemoveAll(w.outDir); err != nil {
		return hmrerrors.WrapIO(err, hmrerrors.ErrCodeWriteFailed, w.outDir)
	}
	return nil
}

// Copy copies each source file or directory to its destination below the
// output directory. Missing sources are logged and skipped.
func (w *OutputWriter) Copy(ctx context.Context, root string, copies []types.CopyPath) WriteStats {
	var stats WriteStats
	for _, cp := range copies {
		src := cp.Src
		if !filepath.IsAbs(src) {
			src = filepath.Join(root, src)
		}
		dest := cp.Dest
		if dest == "" {
			dest = filepath.Base(src)
		}

		files, err := collectCopyFiles(src, filepath.ToSlash(dest))
		if err != nil {
			stats.Failed++
			w.logger.Warn(ctx, err, "Skipping copy path", "src", cp.Src)
			continue
		}
		s := w.Write(ctx, files)
		stats.Written += s.Written
		stats.Skipped += s.Skipped
		stats.Failed += s.Failed
	}
	return stats
}

func collectCopyFiles(src, dest string) ([]types.EmittedFile, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, hmrerrors.WrapIO(err, hmrerrors.ErrCodeReadFailed, src)
	}
	if !info.IsDir() {
		content, err := os.ReadFile(src)
		if err != nil {
			return nil, hmrerrors.WrapIO(err, hmrerrors.ErrCodeReadFailed, src)
		}
		return []types.EmittedFile{{FileName: dest, Content: content, Kind: types.FileKindAsset}}, nil
	}

	var files []types.EmittedFile
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		content, err := readAll(path)
		if err != nil {
			return err
		}
		files = append(files, types.EmittedFile{
			FileName: dest + "/" + filepath.ToSlash(rel),
			Content:  content,
			Kind:     types.FileKindAsset,
		})
		return nil
	})
	if err != nil {
		return nil, hmrerrors.WrapIO(err, hmrerrors.ErrCodeReadFailed, src)
	}
	return files, nil
}

func readAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}
