package assets

import (
	"bytes"
	"context"
	"path/filepath"

	"github.com/evanw/esbuild/pkg/api"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/taskgraph"
)

// Concat joins every file into one named name, in the order the source
// matched them. Each input ends with exactly one newline in the output. With
// withMap a line-granular source map back to the inputs is attached.
//
// An empty input set produces no output file.
func Concat(name string, withMap bool) taskgraph.Step {
	return taskgraph.Batch("concat", func(ctx context.Context, files []*taskgraph.File) ([]*taskgraph.File, error) {
		if len(files) == 0 {
			return nil, nil
		}

		var buf bytes.Buffer
		sources := make([]string, len(files))
		contents := make([]string, len(files))
		lines := make([]int, len(files))
		for i, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			body := f.Contents
			if len(body) == 0 || body[len(body)-1] != '\n' {
				body = append(append([]byte(nil), body...), '\n')
			}
			buf.Write(body)

			sources[i] = f.RelSlash()
			contents[i] = string(f.Contents)
			lines[i] = bytes.Count(body, []byte("\n"))
		}

		first := files[0]
		out := &taskgraph.File{
			Base:     first.Base,
			Path:     filepath.Join(first.Base, name),
			Contents: buf.Bytes(),
			Mode:     first.Mode,
		}
		if withMap {
			sm, err := concatMap(name, sources, contents, lines)
			if err != nil {
				return nil, pipeerrors.NewInternalError("SOURCEMAP", "encoding concat source map", err)
			}
			out.SourceMap = sm
		}
		return []*taskgraph.File{out}, nil
	})
}

// MinifyJS minifies a classic script. Top-level declarations stay global and
// keep their names; only locals are renamed.
func MinifyJS() taskgraph.Step {
	return taskgraph.Each("minify-js", func(ctx context.Context, f *taskgraph.File) (*taskgraph.File, error) {
		result := api.Transform(string(f.Contents), api.TransformOptions{
			Loader:            api.LoaderJS,
			MinifyWhitespace:  true,
			MinifyIdentifiers: true,
			MinifySyntax:      true,
			Sourcefile:        f.RelSlash(),
			LogLevel:          api.LogLevelSilent,
		})
		if len(result.Errors) > 0 {
			return nil, esbuildError("MINIFY_JS", f.Path, result.Errors)
		}

		out := f.Clone()
		out.Contents = result.Code
		out.SourceMap = nil
		return out, nil
	})
}
