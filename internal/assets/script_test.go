package assets

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/taskgraph"
)

func jsFile(rel, content string) *taskgraph.File {
	return &taskgraph.File{
		Base:     "js",
		Path:     filepath.Join("js", filepath.FromSlash(rel)),
		Contents: []byte(content),
		Mode:     0o644,
	}
}

func TestConcatKeepsOrderAndTerminatesLines(t *testing.T) {
	files := []*taskgraph.File{
		jsFile("a.js", "var a = 1;"),
		jsFile("b.js", "var b = 2;\n"),
		jsFile("lib/c.js", ""),
	}

	out, err := Concat("bundle.js", false).Batch(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, out, 1)

	bundle := out[0]
	assert.Equal(t, "var a = 1;\nvar b = 2;\n\n", string(bundle.Contents))
	assert.Equal(t, filepath.Join("js", "bundle.js"), bundle.Path)
	assert.Equal(t, "bundle.js", bundle.Rel())
	assert.True(t, bundle.ModTime.IsZero())
	assert.Nil(t, bundle.SourceMap)
}

func TestConcatEmptyProducesNothing(t *testing.T) {
	out, err := Concat("bundle.js", true).Batch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestConcatSourceMap(t *testing.T) {
	files := []*taskgraph.File{
		jsFile("a.js", "x\ny\n"),
		jsFile("b.js", "z"),
	}

	out, err := Concat("bundle.js", true).Batch(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, out, 1)

	var sm sourceMapV3
	require.NoError(t, json.Unmarshal(out[0].SourceMap, &sm))
	assert.Equal(t, 3, sm.Version)
	assert.Equal(t, "bundle.js", sm.File)
	assert.Equal(t, []string{"a.js", "b.js"}, sm.Sources)
	assert.Equal(t, []string{"x\ny\n", "z"}, sm.SourcesContent)
	assert.Equal(t, "AAAA;AACA;ACDA", sm.Mappings)
}

func TestWriteVLQ(t *testing.T) {
	tests := map[int]string{
		0:   "A",
		1:   "C",
		-1:  "D",
		15:  "e",
		16:  "gB",
		-16: "hB",
		123: "2H",
	}
	for v, want := range tests {
		var b strings.Builder
		writeVLQ(&b, v)
		assert.Equal(t, want, b.String(), "value %d", v)
	}
}

func TestMinifyJSPreservesTopLevelNames(t *testing.T) {
	src := "function greet(name) {\n  var message = \"hello \" + name;\n  return message;\n}\n"
	out, err := MinifyJS().Each(context.Background(), jsFile("bundle.min.js", src))
	require.NoError(t, err)

	code := string(out.Contents)
	assert.Contains(t, code, "function greet(")
	assert.NotContains(t, code, "message")
	assert.Less(t, len(code), len(src))
}

func TestMinifyJSSyntaxError(t *testing.T) {
	_, err := MinifyJS().Each(context.Background(), jsFile("bundle.min.js", "function (\n"))
	require.Error(t, err)

	var pe *pipeerrors.PipeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, pipeerrors.ErrorTypeTransform, pe.Type)
	assert.Equal(t, "MINIFY_JS", pe.Code)
	assert.Equal(t, filepath.Join("js", "bundle.min.js"), pe.FilePath)
	assert.Equal(t, 1, pe.Line)
}

func TestConcatThenMinifyKeepsOrder(t *testing.T) {
	files := []*taskgraph.File{
		jsFile("a.js", "window.first = 'alpha';"),
		jsFile("b.js", "window.second = 'beta';"),
	}

	out, err := Concat("bundle.min.js", false).Batch(context.Background(), files)
	require.NoError(t, err)
	min, err := MinifyJS().Each(context.Background(), out[0])
	require.NoError(t, err)

	code := string(min.Contents)
	a := strings.Index(code, "alpha")
	b := strings.Index(code, "beta")
	require.True(t, a >= 0 && b >= 0, code)
	assert.Less(t, a, b)
}

func TestWriteSourceMaps(t *testing.T) {
	css := &taskgraph.File{Base: "css", Path: filepath.Join("css", "style.css"), Contents: []byte("a{}\n"), SourceMap: []byte(`{"version":3}`)}
	js := &taskgraph.File{Base: "js", Path: filepath.Join("js", "bundle.js"), Contents: []byte("var a;"), SourceMap: []byte(`{"version":3}`)}
	plain := &taskgraph.File{Base: "js", Path: filepath.Join("js", "other.js"), Contents: []byte("b")}

	out, err := WriteSourceMaps().Batch(context.Background(), []*taskgraph.File{css, js, plain})
	require.NoError(t, err)
	require.Len(t, out, 5)

	assert.Equal(t, "a{}\n/*# sourceMappingURL=style.css.map */\n", string(out[0].Contents))
	assert.Nil(t, out[0].SourceMap)
	assert.Equal(t, filepath.Join("css", "style.css.map"), out[1].Path)
	assert.Equal(t, `{"version":3}`, string(out[1].Contents))

	assert.Equal(t, "var a;\n//# sourceMappingURL=bundle.js.map\n", string(out[2].Contents))
	assert.Equal(t, "bundle.js.map", out[3].Rel())

	assert.Same(t, plain, out[4])
}
