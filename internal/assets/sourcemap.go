package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/conneroisu/assetpipe/internal/taskgraph"
)

// sourceMapV3 is the subset of the revision 3 source map format a
// concatenation needs.
type sourceMapV3 struct {
	Version        int      `json:"version"`
	File           string   `json:"file"`
	Sources        []string `json:"sources"`
	SourcesContent []string `json:"sourcesContent"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
}

const base64Digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// writeVLQ appends the base64 VLQ encoding of v.
func writeVLQ(buf *strings.Builder, v int) {
	u := v << 1
	if v < 0 {
		u = (-v << 1) | 1
	}
	for {
		digit := u & 31
		u >>= 5
		if u > 0 {
			digit |= 32
		}
		buf.WriteByte(base64Digits[digit])
		if u == 0 {
			return
		}
	}
}

// concatMap builds a line-granular map for sources joined in order, where
// lines[i] is the number of output lines source i contributed.
func concatMap(file string, sources, contents []string, lines []int) ([]byte, error) {
	var mappings strings.Builder
	prevSource, prevLine := 0, 0
	first := true
	for i, n := range lines {
		for l := 0; l < n; l++ {
			if !first {
				mappings.WriteByte(';')
			}
			first = false
			// generated column, source index, original line, original column
			writeVLQ(&mappings, 0)
			writeVLQ(&mappings, i-prevSource)
			writeVLQ(&mappings, l-prevLine)
			writeVLQ(&mappings, 0)
			prevSource, prevLine = i, l
		}
	}

	return json.Marshal(sourceMapV3{
		Version:        3,
		File:           file,
		Sources:        sources,
		SourcesContent: contents,
		Names:          []string{},
		Mappings:       mappings.String(),
	})
}

// WriteSourceMaps moves each file's source map into a sibling ".map" file and
// links it from the code with a sourceMappingURL comment.
func WriteSourceMaps() taskgraph.Step {
	return taskgraph.Batch("write-sourcemaps", func(_ context.Context, files []*taskgraph.File) ([]*taskgraph.File, error) {
		out := make([]*taskgraph.File, 0, len(files)*2)
		for _, f := range files {
			if len(f.SourceMap) == 0 {
				out = append(out, f)
				continue
			}

			mapName := filepath.Base(f.Path) + ".map"
			code := f.Clone()
			code.SourceMap = nil
			code.Contents = append(bytes.TrimRight(code.Contents, "\n"), '\n')
			if f.Ext() == ".css" {
				code.Contents = append(code.Contents, "/*# sourceMappingURL="+mapName+" */\n"...)
			} else {
				code.Contents = append(code.Contents, "//# sourceMappingURL="+mapName+"\n"...)
			}

			out = append(out, code, &taskgraph.File{
				Base:     f.Base,
				Path:     f.Path + ".map",
				Contents: f.SourceMap,
				Mode:     f.Mode,
			})
		}
		return out, nil
	})
}
