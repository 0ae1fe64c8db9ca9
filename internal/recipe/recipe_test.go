package recipe

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/assets"
	"github.com/conneroisu/assetpipe/internal/config"
	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/livereload"
	"github.com/conneroisu/assetpipe/internal/logging"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: 80, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	require.NoError(t, enc.Encode(&buf, img))
	return buf.Bytes()
}

func testConfig(root string) *config.Config {
	cfg := config.Default()
	cfg.Paths.Root = root
	cfg.Style.Compiler = assets.CompilerCSS
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ReloadPort = 0
	return cfg
}

func newRecipe(t *testing.T, root string) *Recipe {
	t.Helper()
	r, err := New(testConfig(root), logging.NewNopLogger(), nil)
	require.NoError(t, err)
	return r
}

// project lays out a complete source tree.
func project(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<html><body><h1>home</h1></body></html>")
	writeFile(t, filepath.Join(root, "less", "style.less"), "@import \"./partials/nested.less\";\nbody { margin: 0; }\n")
	writeFile(t, filepath.Join(root, "less", "partials", "nested.less"), ".nested { width: 1px; }\n")
	writeFile(t, filepath.Join(root, "js", "a.js"), "var first = 'from-a';\n")
	writeFile(t, filepath.Join(root, "js", "b.js"), "var second = 'from-b';\n")
	writeFile(t, filepath.Join(root, "fonts", "body.woff2"), "font-bytes")
	writeFile(t, filepath.Join(root, "img", "logo.png"), string(pngBytes(t)))
	return root
}

// tree lists every regular file under dir as sorted slash paths.
func tree(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, _ := filepath.Rel(dir, p)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, rel := range tree(t, dir) {
		out[rel] = readFile(t, filepath.Join(dir, filepath.FromSlash(rel)))
	}
	return out
}

func TestBuildProducesExactlyTheProduct(t *testing.T) {
	root := project(t)
	writeFile(t, filepath.Join(root, "product", "stale.txt"), "left over")
	r := newRecipe(t, root)

	require.NoError(t, r.Run(context.Background(), TaskBuild))

	product := filepath.Join(root, "product")
	assert.Equal(t, []string{
		"css/style.min.css",
		"fonts/body.woff2",
		"img/logo.png",
		"index.html",
		"js/bundle.min.js",
	}, tree(t, product))

	css := readFile(t, filepath.Join(product, "css", "style.min.css"))
	assert.Contains(t, css, ".nested{")
	assert.Contains(t, css, "body{")
	assert.NotContains(t, css, "@import")
	assert.NotContains(t, css, "\n")

	js := readFile(t, filepath.Join(product, "js", "bundle.min.js"))
	a, b := strings.Index(js, "from-a"), strings.Index(js, "from-b")
	require.True(t, a >= 0 && b >= 0, js)
	assert.Less(t, a, b)

	assert.Less(t, len(readFile(t, filepath.Join(product, "img", "logo.png"))), len(pngBytes(t)))
	assert.Equal(t, "font-bytes", readFile(t, filepath.Join(product, "fonts", "body.woff2")))
}

func TestBuildIsIdempotent(t *testing.T) {
	root := project(t)
	r := newRecipe(t, root)
	product := filepath.Join(root, "product")

	require.NoError(t, r.Run(context.Background(), TaskBuild))
	first := snapshot(t, product)
	require.NoError(t, r.Run(context.Background(), TaskBuild))
	assert.Equal(t, first, snapshot(t, product))
}

func TestBuildOnEmptyTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<p>only</p>")
	r := newRecipe(t, root)

	require.NoError(t, r.Run(context.Background(), TaskBuild))
	assert.Equal(t, []string{"index.html"}, tree(t, filepath.Join(root, "product")))
}

func TestBuildIgnoresDevBundle(t *testing.T) {
	root := project(t)
	writeFile(t, filepath.Join(root, "js", "bundle.js"), "var dev = 'DEV-BUNDLE';\n")
	writeFile(t, filepath.Join(root, "js", "bundle.js.map"), "{}")
	r := newRecipe(t, root)

	require.NoError(t, r.Run(context.Background(), TaskJSBuild))
	js := readFile(t, filepath.Join(root, "product", "js", "bundle.min.js"))
	assert.NotContains(t, js, "DEV-BUNDLE")
	assert.Contains(t, js, "from-a")
}

func TestCopiesSkipUpToDateButImagesAlwaysRun(t *testing.T) {
	root := project(t)
	r := newRecipe(t, root)
	ctx := context.Background()
	product := filepath.Join(root, "product")

	require.NoError(t, r.Run(ctx, TaskFontsBuild))
	require.NoError(t, r.Run(ctx, TaskImagesBuild))

	future := time.Now().Add(time.Hour)
	font := filepath.Join(product, "fonts", "body.woff2")
	img := filepath.Join(product, "img", "logo.png")
	for _, p := range []string{font, img} {
		require.NoError(t, os.WriteFile(p, []byte("tampered"), 0o644))
		require.NoError(t, os.Chtimes(p, future, future))
	}

	require.NoError(t, r.Run(ctx, TaskFontsBuild))
	require.NoError(t, r.Run(ctx, TaskImagesBuild))

	assert.Equal(t, "tampered", readFile(t, font), "up-to-date fonts are not copied again")
	assert.NotEqual(t, "tampered", readFile(t, img), "images are re-optimized every run")
}

func TestHTMLCopyKeepsSourceTime(t *testing.T) {
	root := project(t)
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(root, "index.html"), past, past))
	r := newRecipe(t, root)

	require.NoError(t, r.Run(context.Background(), TaskHTMLBuild))
	info, err := os.Stat(filepath.Join(root, "product", "index.html"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past))
}

func TestCorruptImageFailsBuildButFinishesSiblings(t *testing.T) {
	root := project(t)
	writeFile(t, filepath.Join(root, "img", "broken.png"), "not an image")
	r := newRecipe(t, root)

	err := r.Run(context.Background(), TaskBuild)
	require.Error(t, err)
	assert.True(t, pipeerrors.IsTransformError(err))

	product := filepath.Join(root, "product")
	assert.FileExists(t, filepath.Join(product, "img", "logo.png"))
	assert.NoFileExists(t, filepath.Join(product, "img", "broken.png"))
	assert.FileExists(t, filepath.Join(product, "index.html"))
	assert.FileExists(t, filepath.Join(product, "js", "bundle.min.js"))
}

func TestBuildStyleErrorLeavesNoOutput(t *testing.T) {
	root := project(t)
	writeFile(t, filepath.Join(root, "less", "style.less"), "@import \"./missing.less\";\n")
	r := newRecipe(t, root)

	err := r.Run(context.Background(), TaskCSSBuild)
	require.Error(t, err)
	assert.True(t, pipeerrors.IsTransformError(err))
	assert.NoDirExists(t, filepath.Join(root, "product", "css"))
}

func TestStyleAssetURLsSurviveBothFlows(t *testing.T) {
	root := project(t)
	writeFile(t, filepath.Join(root, "less", "style.less"),
		"@font-face { font-family: Body; src: url(\"../fonts/body.woff2\"); }\n"+
			".hero { background: url(../img/logo.png); }\n")
	r := newRecipe(t, root)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, TaskCSSDev))
	dev := readFile(t, filepath.Join(root, "css", "style.css"))
	assert.Contains(t, dev, "../fonts/body.woff2")
	assert.Contains(t, dev, "../img/logo.png")
	assert.NotContains(t, dev, root)

	require.NoError(t, r.Run(ctx, TaskCSSBuild))
	built := readFile(t, filepath.Join(root, "product", "css", "style.min.css"))
	assert.Contains(t, built, "../fonts/body.woff2")
	assert.Contains(t, built, "../img/logo.png")
}

func TestDevTasksWriteMappedOutputs(t *testing.T) {
	root := project(t)
	r := newRecipe(t, root)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, TaskCSSDev))
	require.NoError(t, r.Run(ctx, TaskJSDev))

	assert.Equal(t, []string{"style.css", "style.css.map"}, tree(t, filepath.Join(root, "css")))
	css := readFile(t, filepath.Join(root, "css", "style.css"))
	assert.Contains(t, css, ".nested")
	assert.Contains(t, css, "sourceMappingURL=style.css.map")

	bundle := readFile(t, filepath.Join(root, "js", "bundle.js"))
	assert.Contains(t, bundle, "sourceMappingURL=bundle.js.map")
	assert.FileExists(t, filepath.Join(root, "js", "bundle.js.map"))

	// A second run must not fold the previous bundle into itself.
	require.NoError(t, r.Run(ctx, TaskJSDev))
	assert.Equal(t, 1, strings.Count(readFile(t, filepath.Join(root, "js", "bundle.js")), "from-a"))
}

func TestCleanRemovesProduct(t *testing.T) {
	root := project(t)
	r := newRecipe(t, root)
	require.NoError(t, r.Run(context.Background(), TaskBuild))

	require.NoError(t, r.Run(context.Background(), TaskClean))
	assert.NoDirExists(t, filepath.Join(root, "product"))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Style.Compiler = "sass"
	_, err := New(cfg, logging.NewNopLogger(), nil)
	require.Error(t, err)
	assert.True(t, pipeerrors.IsConfigError(err))

	cfg = testConfig(t.TempDir())
	cfg.Style.Targets = []string{"netscape4"}
	_, err = New(cfg, logging.NewNopLogger(), nil)
	require.Error(t, err)
	assert.True(t, pipeerrors.IsConfigError(err))
}

func TestRegisteredNames(t *testing.T) {
	r := newRecipe(t, t.TempDir())
	assert.Equal(t, []string{
		TaskClean, TaskCSSBuild, TaskCSSDev, TaskFontsBuild, TaskHTMLBuild,
		TaskImagesBuild, TaskJSBuild, TaskJSDev, TaskServe,
	}, r.Runner().Tasks())
	assert.Equal(t, []string{TaskBuild, TaskDev}, r.Runner().Composites())

	for _, name := range append(r.Runner().Tasks(), r.Runner().Composites()...) {
		assert.NotEmpty(t, r.Describe(name), name)
	}

	err := r.Run(context.Background(), "deploy")
	require.Error(t, err)
	assert.True(t, pipeerrors.IsConfigError(err))
}

func TestWatchRules(t *testing.T) {
	r := newRecipe(t, t.TempDir())
	rules := r.WatchRules()
	require.Len(t, rules, 4)

	byName := map[string][]string{}
	for _, rule := range rules {
		byName[rule.Name] = rule.Patterns
	}
	assert.Equal(t, []string{"less/**/*.less"}, byName["styles"])
	assert.Equal(t, []string{"js/**/*.js"}, byName["scripts"])
	assert.Equal(t, []string{"index.html"}, byName["pages"])
	assert.Equal(t, []string{"img/**/*"}, byName["images"])
	assert.Equal(t, []string{"js/bundle.js", "js/bundle.js.map"}, rules[1].Exclude)
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t, []string{"localhost:3000", "127.0.0.1:3000"}, originPatterns("localhost", 3000))
	assert.Equal(t, []string{"localhost:8080", "127.0.0.1:8080", "dev.test:8080"}, originPatterns("dev.test", 8080))
	assert.Contains(t, originPatterns("127.0.0.1", 0), "127.0.0.1:*")
}

// replace swaps path's content in one rename so the watcher never sees a
// half-written file.
func replace(t *testing.T, path, content string) {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), filepath.Base(path))
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func readMessage(ctx context.Context, t *testing.T, conn *websocket.Conn, match func(livereload.Message) bool) livereload.Message {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg livereload.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func TestDevRecoversFromBrokenStyles(t *testing.T) {
	root := project(t)
	style := filepath.Join(root, "less", "style.less")
	writeFile(t, style, "@import \"./missing.less\";\n")
	r := newRecipe(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, TaskDev) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	})

	var addr string
	select {
	case srv := <-r.Serving():
		addr = srv.ReloadAddr()
	case err := <-done:
		t.Fatalf("dev exited before serving: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("dev server did not start")
	}

	// The broken entry produced nothing but scripts still compiled.
	assert.NoFileExists(t, filepath.Join(root, "css", "style.css"))
	assert.FileExists(t, filepath.Join(root, "js", "bundle.js"))

	wsCtx, wsCancel := context.WithTimeout(ctx, 10*time.Second)
	defer wsCancel()
	conn, _, err := websocket.Dial(wsCtx, "ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return r.Hub().ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	replace(t, style, "body { margin: 0; }\n.fixed { width: 2px; }\n")
	msg := readMessage(wsCtx, t, conn, func(m livereload.Message) bool {
		return m.Type == livereload.TypeCSS && strings.Contains(m.Content, ".fixed")
	})
	assert.Equal(t, "css/style.css", msg.Target)
	assert.Contains(t, msg.Content, ".fixed")
	good := readFile(t, filepath.Join(root, "css", "style.css"))

	replace(t, style, "@import \"./still-missing.less\";\n")
	msg = readMessage(wsCtx, t, conn, func(m livereload.Message) bool {
		return m.Type == livereload.TypeBuildError
	})
	assert.Contains(t, msg.Content, "still-missing")
	assert.Equal(t, good, readFile(t, filepath.Join(root, "css", "style.css")), "last good output is kept")

	replace(t, filepath.Join(root, "js", "c.js"), "var third = 'from-c';\n")
	readMessage(wsCtx, t, conn, func(m livereload.Message) bool { return m.Type == livereload.TypeJS })
	assert.Contains(t, readFile(t, filepath.Join(root, "js", "bundle.js")), "from-c")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("dev did not stop")
	}
}
