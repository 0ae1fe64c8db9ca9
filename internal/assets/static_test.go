package assets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/taskgraph"
)

func sourceFile(t *testing.T, base, rel, content string, mtime time.Time) *taskgraph.File {
	t.Helper()
	path := filepath.Join(base, filepath.FromSlash(rel))
	writeFile(t, path, content)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return &taskgraph.File{Base: base, Path: path, Contents: []byte(content), ModTime: mtime, Mode: 0o644}
}

func TestNewer(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "fonts")
	dest := filepath.Join(root, "product", "fonts")
	old := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	f := sourceFile(t, src, "a.woff2", "font", old)
	step := Newer(dest)

	got, err := step.Each(context.Background(), f)
	require.NoError(t, err)
	assert.Same(t, f, got, "never copied")

	writeFile(t, filepath.Join(dest, "a.woff2"), "font")
	require.NoError(t, os.Chtimes(filepath.Join(dest, "a.woff2"), old, old))
	got, err = step.Each(context.Background(), f)
	require.NoError(t, err)
	assert.Nil(t, got, "same mtime is up to date")

	f.ModTime = old.Add(time.Minute)
	got, err = step.Each(context.Background(), f)
	require.NoError(t, err)
	assert.Same(t, f, got, "source edited after copy")
}

func TestDestPreservesMtime(t *testing.T) {
	root := t.TempDir()
	mtime := time.Date(2023, 6, 1, 8, 30, 0, 0, time.UTC)
	f := sourceFile(t, filepath.Join(root, "fonts"), "sub/a.woff2", "font", mtime)
	out := filepath.Join(root, "product", "fonts")

	written, err := Dest(out).Each(context.Background(), f)
	require.NoError(t, err)

	target := filepath.Join(out, "sub", "a.woff2")
	assert.Equal(t, target, written.Path)
	assert.Equal(t, out, written.Base)
	assert.Equal(t, "sub/a.woff2", written.RelSlash())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "font", string(data))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))

	got, err := Newer(out).Each(context.Background(), f)
	require.NoError(t, err)
	assert.Nil(t, got, "a copied file is skipped next time")
}

func TestDestGeneratedFileGetsFreshMtime(t *testing.T) {
	root := t.TempDir()
	f := &taskgraph.File{Base: filepath.Join(root, "js"), Path: filepath.Join(root, "js", "bundle.js"), Contents: []byte("x")}
	before := time.Now().Add(-time.Minute)

	written, err := Dest(filepath.Join(root, "product", "js")).Each(context.Background(), f)
	require.NoError(t, err)

	info, err := os.Stat(written.Path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().After(before))
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm()&0o644)
}

func TestDestWriteFailureIsIOError(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "product")
	writeFile(t, blocker, "not a directory")

	f := &taskgraph.File{Base: root, Path: filepath.Join(root, "index.html"), Contents: []byte("<html>")}
	_, err := Dest(filepath.Join(blocker, "sub")).Each(context.Background(), f)
	require.Error(t, err)
	assert.True(t, pipeerrors.IsIOError(err))
}
