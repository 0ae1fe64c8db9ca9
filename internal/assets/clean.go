package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
)

// Clean returns an action that removes dir and everything below it. A
// missing dir is not an error. dir must resolve strictly inside root.
func Clean(root, dir string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := cleanTarget(root, dir)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return pipeerrors.NewIOError("REMOVE", target, err)
		}
		return nil
	}
}

func cleanTarget(root, dir string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", pipeerrors.NewIOError("RESOLVE_ROOT", root, err)
	}
	target := dir
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, dir)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", pipeerrors.NewConfigError("REFUSE_CLEAN",
			fmt.Sprintf("refusing to remove %q: not a directory inside %q", target, absRoot))
	}
	return target, nil
}
