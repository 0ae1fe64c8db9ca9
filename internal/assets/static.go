package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/taskgraph"
)

// Newer drops files whose copy under destDir is at least as recent as the
// source. Files that were never copied pass.
func Newer(destDir string) taskgraph.Step {
	return taskgraph.Each("newer", func(_ context.Context, f *taskgraph.File) (*taskgraph.File, error) {
		info, err := os.Stat(filepath.Join(destDir, f.Rel()))
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}
		if err != nil {
			return nil, pipeerrors.NewIOError("STAT_DEST", f.Rel(), err)
		}
		if !info.ModTime().Before(f.ModTime) {
			return nil, nil
		}
		return f, nil
	})
}

// Dest writes every file to outDir, keeping its path relative to the source
// base. Files that still carry their source mtime get it back on disk so
// Newer skips them next time. The returned file points at the written copy.
func Dest(outDir string) taskgraph.Step {
	return taskgraph.Each("dest", func(ctx context.Context, f *taskgraph.File) (*taskgraph.File, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target := filepath.Join(outDir, f.Rel())
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, pipeerrors.NewIOError("MKDIR", filepath.Dir(target), err)
		}

		mode := f.Mode.Perm()
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, f.Contents, mode); err != nil {
			return nil, pipeerrors.NewIOError("WRITE", target, err)
		}
		if !f.ModTime.IsZero() {
			if err := os.Chtimes(target, f.ModTime, f.ModTime); err != nil {
				return nil, pipeerrors.NewIOError("CHTIMES", target, fmt.Errorf("preserving mtime: %w", err))
			}
		}

		out := f.Clone()
		out.Base = outDir
		out.Path = target
		return out, nil
	})
}
