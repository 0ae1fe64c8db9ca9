// Package assets holds the transformation steps the recipe assembles into
// tasks: style compilation, prefixing and minification, script
// concatenation, image re-encoding, static copies and output cleanup.
//
// Each step is a thin adapter over a library or external tool. The package
// never parses CSS, JavaScript or image formats itself.
package assets

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/taskgraph"
)

// Style compiler selection values accepted by style.compiler.
const (
	CompilerAuto  = "auto"
	CompilerLessc = "lessc"
	CompilerCSS   = "css"
)

// StyleCompiler turns a style-sheet entry point into plain CSS, resolving
// its imports.
type StyleCompiler interface {
	Compile(ctx context.Context, entry *taskgraph.File) (*taskgraph.File, error)
	Name() string
}

// NewStyleCompiler picks a compiler for mode. Auto prefers lessc when it is on
// PATH and falls back to the bundled CSS compiler otherwise. root anchors the
// CSS compiler's file comments; outDir is where its output lands.
func NewStyleCompiler(mode, lesscPath string, sourceMap bool, root, outDir string) (StyleCompiler, error) {
	switch mode {
	case CompilerLessc:
		path, err := exec.LookPath(lesscPath)
		if err != nil {
			return nil, pipeerrors.NewConfigError("LESSC_NOT_FOUND",
				fmt.Sprintf("style.compiler is lessc but %q is not installed", lesscPath))
		}
		return &LesscCompiler{Path: path, SourceMap: sourceMap}, nil
	case CompilerAuto, "":
		if path, err := exec.LookPath(lesscPath); err == nil {
			return &LesscCompiler{Path: path, SourceMap: sourceMap}, nil
		}
		return &CSSCompiler{SourceMap: sourceMap, Root: root, OutDir: outDir}, nil
	case CompilerCSS:
		return &CSSCompiler{SourceMap: sourceMap, Root: root, OutDir: outDir}, nil
	default:
		return nil, pipeerrors.NewConfigError("BAD_COMPILER", fmt.Sprintf("unknown style compiler %q", mode))
	}
}

// Compile wraps a StyleCompiler as a pipeline step.
func Compile(c StyleCompiler) taskgraph.Step {
	return taskgraph.Each("compile", c.Compile)
}

// LesscCompiler shells out to the lessc binary. Imports resolve against the
// entry's directory.
type LesscCompiler struct {
	Path      string
	SourceMap bool
}

// Name implements StyleCompiler.
func (c *LesscCompiler) Name() string { return CompilerLessc }

var lesscLocation = regexp.MustCompile(`in (\S+) on line (\d+), column (\d+)`)

// Compile implements StyleCompiler.
func (c *LesscCompiler) Compile(ctx context.Context, entry *taskgraph.File) (*taskgraph.File, error) {
	args := []string{"--include-path=" + filepath.Dir(entry.Path)}
	if c.SourceMap {
		args = append(args, "--source-map-map-inline", "--source-map-include-source")
	}
	args = append(args, entry.Path)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		pe := pipeerrors.NewTransformError("COMPILE_STYLE", entry.Path, errors.New(msg))
		if m := lesscLocation.FindStringSubmatch(msg); m != nil {
			line, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			pe.WithLocation(m[1], line, col)
		}
		return nil, pe
	}

	code, sourceMap := splitInlineMap(stdout.Bytes())
	return compiled(entry, code, sourceMap), nil
}

// CSSCompiler bundles plain CSS with esbuild. It resolves @import of sibling
// files and accepts .less files as CSS. LESS variables and mixin calls are
// rejected with a LESS_SYNTAX error naming the first one found; url()
// references to fonts and images are left as written.
type CSSCompiler struct {
	SourceMap bool
	// Root is the project root. File comments in the output are relative to
	// it. Defaults to the entry's directory.
	Root string
	// OutDir is where the result will be written; source map paths are made
	// relative to it. Defaults to the entry's directory.
	OutDir string
}

// urlAssets are passed through url() untouched.
var urlAssets = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.webp", "*.avif", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
}

// Name implements StyleCompiler.
func (c *CSSCompiler) Name() string { return CompilerCSS }

// Compile implements StyleCompiler.
func (c *CSSCompiler) Compile(ctx context.Context, entry *taskgraph.File) (*taskgraph.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entryPath, err := filepath.Abs(entry.Path)
	if err != nil {
		return nil, pipeerrors.NewIOError("RESOLVE_ENTRY", entry.Path, err)
	}
	outDir := c.OutDir
	if outDir == "" {
		outDir = filepath.Dir(entryPath)
	}
	outDir, err = filepath.Abs(outDir)
	if err != nil {
		return nil, pipeerrors.NewIOError("RESOLVE_OUTDIR", c.OutDir, err)
	}
	outfile := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(entryPath), filepath.Ext(entryPath))+".css")
	workDir := c.Root
	if workDir == "" {
		workDir = filepath.Dir(entryPath)
	}
	workDir, err = filepath.Abs(workDir)
	if err != nil {
		return nil, pipeerrors.NewIOError("RESOLVE_ROOT", c.Root, err)
	}

	opts := api.BuildOptions{
		EntryPoints:   []string{entryPath},
		Outfile:       outfile,
		AbsWorkingDir: workDir,
		Bundle:        true,
		Write:         false,
		Metafile:      true,
		External:      urlAssets,
		Loader: map[string]api.Loader{
			".less": api.LoaderCSS,
			".css":  api.LoaderCSS,
		},
		ResolveExtensions: []string{".less", ".css"},
		LogLevel:          api.LogLevelSilent,
	}
	if c.SourceMap {
		opts.Sourcemap = api.SourceMapExternal
	}

	result := api.Build(opts)
	if len(result.Errors) > 0 {
		return nil, esbuildError("COMPILE_STYLE", entry.Path, result.Errors)
	}
	if err := checkLessInputs(workDir, result.Metafile); err != nil {
		return nil, err
	}
	// The CSS parser only warns on input it cannot make sense of, which
	// leaves broken rules in the output.
	if len(result.Warnings) > 0 {
		return nil, esbuildError("COMPILE_STYLE", entry.Path, result.Warnings)
	}

	var code, sourceMap []byte
	for _, out := range result.OutputFiles {
		switch {
		case strings.HasSuffix(out.Path, ".map"):
			sourceMap = out.Contents
		case strings.HasSuffix(out.Path, ".css"):
			code = out.Contents
		}
	}
	return compiled(entry, code, sourceMap), nil
}

var (
	lessVariable = regexp.MustCompile(`(?m)(?:^|[;{}])[ \t]*(@[A-Za-z_][\w-]*)[ \t]*:`)
	lessMixin    = regexp.MustCompile(`(?m)(?:^|[;{}])[ \t]*([.#][A-Za-z_][\w-]*[ \t]*\([^)]*\))[ \t]*;`)
)

// checkLessInputs reads every file esbuild bundled and reports the first LESS
// variable declaration or mixin call.
func checkLessInputs(workDir, metafile string) error {
	var meta struct {
		Inputs map[string]json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(metafile), &meta); err != nil {
		return pipeerrors.NewInternalError("METAFILE", "cannot read bundle inputs", err)
	}
	inputs := make([]string, 0, len(meta.Inputs))
	for in := range meta.Inputs {
		inputs = append(inputs, in)
	}
	sort.Strings(inputs)

	for _, in := range inputs {
		path := filepath.FromSlash(in)
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return pipeerrors.NewIOError("READ_STYLE", path, err)
		}
		if err := findLessSyntax(path, src); err != nil {
			return err
		}
	}
	return nil
}

func findLessSyntax(path string, src []byte) error {
	for _, re := range []*regexp.Regexp{lessVariable, lessMixin} {
		for _, m := range re.FindAllSubmatchIndex(src, -1) {
			construct := string(src[m[2]:m[3]])
			if strings.EqualFold(construct, "@page") {
				continue
			}
			line := bytes.Count(src[:m[2]], []byte("\n")) + 1
			col := m[2] - (bytes.LastIndexByte(src[:m[2]], '\n') + 1) + 1
			pe := pipeerrors.NewTransformError("LESS_SYNTAX", path,
				fmt.Errorf("%s needs the LESS compiler; install lessc or set style.compiler to lessc", construct))
			pe.WithLocation(path, line, col)
			return pe
		}
	}
	return nil
}

func compiled(entry *taskgraph.File, code, sourceMap []byte) *taskgraph.File {
	return &taskgraph.File{
		Base:      entry.Base,
		Path:      entry.WithExt(".css"),
		Contents:  code,
		Mode:      entry.Mode,
		SourceMap: sourceMap,
	}
}

// Targets are the browser engines vendor prefixing and minification aim at.
type Targets []api.Engine

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"deno":    api.EngineDeno,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"hermes":  api.EngineHermes,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"node":    api.EngineNode,
	"opera":   api.EngineOpera,
	"rhino":   api.EngineRhino,
	"safari":  api.EngineSafari,
}

var targetPattern = regexp.MustCompile(`^([a-z]+)([0-9][0-9.]*)$`)

// ParseTargets parses entries such as "chrome58" or "safari11.1".
func ParseTargets(specs []string) (Targets, error) {
	targets := make(Targets, 0, len(specs))
	for _, s := range specs {
		m := targetPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
		if m == nil {
			return nil, pipeerrors.NewConfigError("BAD_TARGET", fmt.Sprintf("browser target %q is not of the form name+version", s))
		}
		name, ok := engineNames[m[1]]
		if !ok {
			return nil, pipeerrors.NewConfigError("BAD_TARGET", fmt.Sprintf("unknown browser %q in target %q", m[1], s))
		}
		targets = append(targets, api.Engine{Name: name, Version: m[2]})
	}
	return targets, nil
}

// Prefix adds the vendor prefixes targets need. With withMap the step emits a
// source map, chained onto one the compiler produced. esbuild warnings go to
// logger, which may be nil.
func Prefix(targets Targets, withMap bool, logger logging.Logger) taskgraph.Step {
	return taskgraph.Each("prefix", func(ctx context.Context, f *taskgraph.File) (*taskgraph.File, error) {
		opts := api.TransformOptions{
			Loader:     api.LoaderCSS,
			Engines:    targets,
			Sourcefile: f.RelSlash(),
			LogLevel:   api.LogLevelSilent,
		}
		input := f.Contents
		if withMap {
			opts.Sourcemap = api.SourceMapExternal
			if len(f.SourceMap) > 0 {
				input = appendInlineMap(input, f.SourceMap)
			}
		}

		result := api.Transform(string(input), opts)
		if len(result.Errors) > 0 {
			return nil, esbuildError("PREFIX", f.Path, result.Errors)
		}
		logWarnings(ctx, logger, "prefix", f.Path, result.Warnings)

		out := f.Clone()
		out.Contents = result.Code
		out.SourceMap = nil
		if withMap {
			out.SourceMap = result.Map
		}
		return out, nil
	})
}

// MinifyCSS applies whitespace and structural minification. Prefixes the
// targets still need are kept.
func MinifyCSS(targets Targets, logger logging.Logger) taskgraph.Step {
	return taskgraph.Each("minify-css", func(ctx context.Context, f *taskgraph.File) (*taskgraph.File, error) {
		result := api.Transform(string(f.Contents), api.TransformOptions{
			Loader:           api.LoaderCSS,
			Engines:          targets,
			MinifyWhitespace: true,
			MinifySyntax:     true,
			Sourcefile:       f.RelSlash(),
			LogLevel:         api.LogLevelSilent,
		})
		if len(result.Errors) > 0 {
			return nil, esbuildError("MINIFY_CSS", f.Path, result.Errors)
		}
		logWarnings(ctx, logger, "minify-css", f.Path, result.Warnings)

		out := f.Clone()
		out.Contents = bytes.TrimRight(result.Code, "\n")
		out.SourceMap = nil
		return out, nil
	})
}

// Rename gives every file the base name name, keeping its directory.
func Rename(name string) taskgraph.Step {
	return taskgraph.Each("rename", func(_ context.Context, f *taskgraph.File) (*taskgraph.File, error) {
		out := f.Clone()
		out.Path = filepath.Join(filepath.Dir(f.Path), name)
		return out, nil
	})
}

const inlineMapPrefix = "/*# sourceMappingURL=data:application/json;base64,"

// splitInlineMap removes a trailing inline source map comment from css and
// returns the decoded map alongside the remaining code.
func splitInlineMap(css []byte) ([]byte, []byte) {
	idx := bytes.LastIndex(css, []byte(inlineMapPrefix))
	if idx < 0 {
		return css, nil
	}
	rest := css[idx+len(inlineMapPrefix):]
	end := bytes.Index(rest, []byte("*/"))
	if end < 0 {
		return css, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(rest[:end])))
	if err != nil {
		return css, nil
	}
	return bytes.TrimRight(css[:idx], "\n "), decoded
}

func appendInlineMap(css, sourceMap []byte) []byte {
	var buf bytes.Buffer
	buf.Write(bytes.TrimRight(css, "\n"))
	buf.WriteString("\n")
	buf.WriteString(inlineMapPrefix)
	buf.WriteString(base64.StdEncoding.EncodeToString(sourceMap))
	buf.WriteString(" */\n")
	return buf.Bytes()
}

func logWarnings(ctx context.Context, logger logging.Logger, step, path string, msgs []api.Message) {
	if logger == nil {
		return
	}
	for _, m := range msgs {
		fields := []interface{}{"step", step, "file", path}
		if m.Location != nil {
			fields = append(fields, "line", m.Location.Line, "column", m.Location.Column+1)
		}
		logger.Warn(ctx, nil, m.Text, fields...)
	}
}

// esbuildError turns esbuild diagnostics into a transformation error located
// at the first message that carries a position.
func esbuildError(code, path string, msgs []api.Message) error {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	pe := pipeerrors.NewTransformError(code, path, errors.New(strings.Join(texts, "; ")))
	for _, m := range msgs {
		if m.Location != nil {
			file := m.Location.File
			if !filepath.IsAbs(file) {
				file = path
			}
			pe.WithLocation(file, m.Location.Line, m.Location.Column+1)
			break
		}
	}
	return pe
}
