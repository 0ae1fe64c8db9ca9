package assets

import (
	"bytes"
	"context"
	"fmt"
	"image/gif"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/svg"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/taskgraph"
)

const svgMediaType = "image/svg+xml"

// ImageOptimizer re-encodes raster images and minifies SVG. The result is
// only used when it is strictly smaller than the input.
type ImageOptimizer struct {
	JPEGQuality int
	minifier    *minify.M
}

// NewImageOptimizer creates an optimizer that writes JPEGs at quality.
func NewImageOptimizer(quality int) *ImageOptimizer {
	m := minify.New()
	m.AddFunc(svgMediaType, svg.Minify)
	return &ImageOptimizer{JPEGQuality: quality, minifier: m}
}

// Optimize returns the optimized bytes for a file named by ext. Unknown
// extensions are returned unchanged.
func (o *ImageOptimizer) Optimize(ext string, data []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch strings.ToLower(ext) {
	case ".png":
		out, err = o.encodeRaster(data, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case ".jpg", ".jpeg":
		out, err = o.encodeRaster(data, imaging.JPEG, imaging.JPEGQuality(o.JPEGQuality))
	case ".gif":
		out, err = reencodeGIF(data)
	case ".svg":
		out, err = o.minifier.Bytes(svgMediaType, data)
	default:
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	if len(out) >= len(data) {
		return data, nil
	}
	return out, nil
}

func (o *ImageOptimizer) encodeRaster(data []byte, format imaging.Format, opts ...imaging.EncodeOption) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, opts...); err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	return buf.Bytes(), nil
}

// reencodeGIF keeps every frame; imaging only decodes the first one.
func reencodeGIF(data []byte) ([]byte, error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	return buf.Bytes(), nil
}

// OptimizeImage wraps Optimize as a pipeline step. Pair it with the
// ContinueOnError policy so one corrupt image does not stop the batch.
func OptimizeImage(o *ImageOptimizer) taskgraph.Step {
	return taskgraph.Each("optimize-image", func(ctx context.Context, f *taskgraph.File) (*taskgraph.File, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := o.Optimize(f.Ext(), f.Contents)
		if err != nil {
			return nil, pipeerrors.NewTransformError("OPTIMIZE_IMAGE", f.Path, err)
		}
		out := f.Clone()
		out.Contents = data
		return out, nil
	})
}
