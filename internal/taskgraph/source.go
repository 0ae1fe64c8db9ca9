package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
)

// Source produces the initial file set of a task.
type Source interface {
	Read(ctx context.Context) ([]*File, error)
	// Validate reports malformed patterns. It runs once at startup.
	Validate() error
}

// GlobSource matches files under a root directory with a doublestar pattern.
//
// A pattern that matches nothing, or whose base directory does not exist,
// yields an empty set rather than an error. Matches are returned sorted by
// their slash-separated path relative to the root, which is the ordering
// contract script concatenation depends on.
type GlobSource struct {
	root    string
	pattern string
	exclude []string
}

// Src creates a GlobSource. Exclude patterns are matched against the
// root-relative slash path of every candidate.
func Src(root, pattern string, exclude ...string) *GlobSource {
	return &GlobSource{
		root:    root,
		pattern: filepath.ToSlash(pattern),
		exclude: exclude,
	}
}

// Pattern returns the include pattern.
func (s *GlobSource) Pattern() string {
	return s.pattern
}

// Validate implements Source.
func (s *GlobSource) Validate() error {
	if s.pattern == "" {
		return pipeerrors.NewConfigError("EMPTY_PATTERN", "source pattern is empty")
	}
	if !doublestar.ValidatePattern(s.pattern) {
		return pipeerrors.NewConfigError("BAD_PATTERN", fmt.Sprintf("malformed pattern %q", s.pattern))
	}
	for _, ex := range s.exclude {
		if !doublestar.ValidatePattern(ex) {
			return pipeerrors.NewConfigError("BAD_PATTERN", fmt.Sprintf("malformed exclude pattern %q", ex))
		}
	}
	return nil
}

// Match returns the matching root-relative slash paths in lexicographic order.
func (s *GlobSource) Match() ([]string, error) {
	base, pattern := doublestar.SplitPattern(s.pattern)
	baseDir := filepath.Join(s.root, filepath.FromSlash(base))

	info, err := os.Stat(baseDir)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, fs.ErrPermission) {
			return nil, nil
		}
		return nil, pipeerrors.NewIOError("SOURCE_STAT", "cannot read "+baseDir, err)
	}
	if !info.IsDir() {
		return nil, nil
	}
	// An unreadable base matches nothing, like a missing one.
	if _, err := os.ReadDir(baseDir); errors.Is(err, fs.ErrPermission) {
		return nil, nil
	}

	var matches []string
	err = doublestar.GlobWalk(os.DirFS(baseDir), pattern, func(p string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		full := path.Join(base, p)
		for _, ex := range s.exclude {
			if ok, _ := doublestar.Match(ex, full); ok {
				return nil
			}
		}
		matches = append(matches, full)
		return nil
	})
	if err != nil {
		return nil, pipeerrors.NewIOError("SOURCE_GLOB", "cannot match "+s.pattern, err)
	}

	sort.Strings(matches)
	return matches, nil
}

// Read implements Source.
func (s *GlobSource) Read(ctx context.Context) ([]*File, error) {
	matches, err := s.Match()
	if err != nil {
		return nil, err
	}

	base, _ := doublestar.SplitPattern(s.pattern)
	baseDir := filepath.Join(s.root, filepath.FromSlash(base))

	files := make([]*File, 0, len(matches))
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := filepath.Join(s.root, filepath.FromSlash(m))
		info, err := os.Stat(p)
		if err != nil {
			return nil, pipeerrors.NewIOError("SOURCE_READ", "cannot stat "+p, err)
		}
		contents, err := os.ReadFile(p)
		if err != nil {
			return nil, pipeerrors.NewIOError("SOURCE_READ", "cannot read "+p, err)
		}
		files = append(files, &File{
			Base:     baseDir,
			Path:     p,
			Contents: contents,
			ModTime:  info.ModTime(),
			Mode:     info.Mode().Perm(),
		})
	}
	return files, nil
}
