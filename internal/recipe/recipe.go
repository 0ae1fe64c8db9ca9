// Package recipe declares the project's tasks: the dev compile loop, the
// production build, clean, serve, and the composites that chain them.
//
// Every task reads its patterns and output directories from config.Config, so
// the recipe holds no paths of its own.
package recipe

import (
	"context"
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conneroisu/assetpipe/internal/assets"
	"github.com/conneroisu/assetpipe/internal/config"
	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/livereload"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/server"
	"github.com/conneroisu/assetpipe/internal/taskgraph"
	"github.com/conneroisu/assetpipe/internal/watcher"
)

// Task names.
const (
	TaskCSSDev      = "css:dev"
	TaskCSSBuild    = "css:build"
	TaskJSDev       = "js:dev"
	TaskJSBuild     = "js:build"
	TaskHTMLBuild   = "html:build"
	TaskFontsBuild  = "fonts:build"
	TaskImagesBuild = "images:build"
	TaskClean       = "clean"
	TaskServe       = "serve"

	TaskDev   = "dev"
	TaskBuild = "build"

	// DefaultTask runs when no task is named.
	DefaultTask = TaskDev
)

var compositeDescriptions = map[string]string{
	TaskDev:   "compile dev styles and scripts, then serve with live reload",
	TaskBuild: "clean the product directory and build every asset into it",
}

// Recipe owns the runner, the reload hub and the resolved project layout.
type Recipe struct {
	cfg       *config.Config
	root      string
	servedDir string
	product   string
	targets   assets.Targets
	runner    *taskgraph.Runner
	hub       *livereload.Hub
	logger    logging.Logger

	serving chan *server.DevServer
}

// New resolves cfg against the filesystem and registers every task. The
// configuration is expected to carry defaults already.
func New(cfg *config.Config, logger logging.Logger, reporter taskgraph.Reporter) (*Recipe, error) {
	root, err := filepath.Abs(cfg.Paths.Root)
	if err != nil {
		return nil, pipeerrors.NewConfigError("BAD_ROOT", fmt.Sprintf("cannot resolve root %q: %v", cfg.Paths.Root, err))
	}

	targets, err := assets.ParseTargets(cfg.Style.Targets)
	if err != nil {
		return nil, err
	}

	r := &Recipe{
		cfg:       cfg,
		root:      root,
		servedDir: resolve(root, cfg.Server.BaseDir),
		product:   resolve(root, cfg.Paths.Product),
		targets:   targets,
		runner:    taskgraph.NewRunner(logger, reporter),
		hub:       livereload.NewHub(logger, originPatterns(cfg.Server.Host, cfg.Server.Port)...),
		logger:    logger.WithComponent("recipe"),
		serving:   make(chan *server.DevServer, 1),
	}

	if err := r.register(); err != nil {
		return nil, err
	}
	if err := r.runner.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Runner returns the task runner.
func (r *Recipe) Runner() *taskgraph.Runner { return r.runner }

// Hub returns the live-reload hub the dev tasks notify.
func (r *Recipe) Hub() *livereload.Hub { return r.hub }

// Root returns the absolute project root.
func (r *Recipe) Root() string { return r.root }

// Serving yields the dev server once it accepts connections.
func (r *Recipe) Serving() <-chan *server.DevServer { return r.serving }

// Run executes a task or composite by name.
func (r *Recipe) Run(ctx context.Context, name string) error {
	return r.runner.Run(ctx, name)
}

// Describe returns the one-line description of a task or composite.
func (r *Recipe) Describe(name string) string {
	if t, ok := r.runner.Lookup(name); ok {
		return t.Description
	}
	return compositeDescriptions[name]
}

func (r *Recipe) register() error {
	tasks, err := r.tasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := r.runner.Register(t); err != nil {
			return err
		}
	}

	dev := taskgraph.Series(
		taskgraph.Recover(
			taskgraph.Parallel(taskgraph.Refs(TaskCSSDev, TaskJSDev)...),
			r.reportBuildError,
		),
		taskgraph.Ref(TaskServe),
	)
	if err := r.runner.Define(TaskDev, dev); err != nil {
		return err
	}

	build := taskgraph.Series(
		taskgraph.Ref(TaskClean),
		taskgraph.Parallel(taskgraph.Refs(TaskCSSBuild, TaskJSBuild, TaskHTMLBuild, TaskFontsBuild, TaskImagesBuild)...),
	)
	return r.runner.Define(TaskBuild, build)
}

func (r *Recipe) tasks() ([]*taskgraph.Task, error) {
	p := r.cfg.Paths
	cssDevDir := filepath.Join(r.root, filepath.FromSlash(p.CSSOutDev))
	jsDevDir := filepath.Join(r.root, filepath.FromSlash(p.JSOutDev))

	devStyle, err := assets.NewStyleCompiler(r.cfg.Style.Compiler, r.cfg.Style.LesscPath, true, r.root, cssDevDir)
	if err != nil {
		return nil, err
	}
	buildCSSDir := r.productDir(p.CSSOutDev)
	buildStyle, err := assets.NewStyleCompiler(r.cfg.Style.Compiler, r.cfg.Style.LesscPath, false, r.root, buildCSSDir)
	if err != nil {
		return nil, err
	}
	r.logger.Debug(context.Background(), "style compiler selected", "compiler", devStyle.Name())
	if r.cfg.Style.Compiler == assets.CompilerAuto && devStyle.Name() == assets.CompilerCSS {
		r.logger.Warn(context.Background(), nil, "lessc not found; compiling styles as plain CSS, LESS variables and mixins will be rejected",
			"lessc_path", r.cfg.Style.LesscPath)
	}

	// The dev bundle lives inside the script source tree; keep it out of
	// both bundles.
	bundle := path.Join(filepath.ToSlash(p.JSOutDev), r.cfg.Script.BundleName)
	jsExclude := []string{bundle, bundle + ".map"}

	return []*taskgraph.Task{
		{
			Name:        TaskCSSDev,
			Description: "compile the style entry with source maps into " + p.CSSOutDev,
			Source:      taskgraph.Src(r.root, p.LessEntry),
			Steps: []taskgraph.Step{
				assets.Compile(devStyle),
				assets.Prefix(r.targets, true, r.logger),
				assets.WriteSourceMaps(),
				assets.Dest(cssDevDir),
				assets.Stream(r.hub, assets.ChangeCSS, r.servedDir),
			},
		},
		{
			Name:        TaskCSSBuild,
			Description: "compile, prefix and minify the style entry into the product",
			Source:      taskgraph.Src(r.root, p.LessEntry),
			Steps: []taskgraph.Step{
				assets.Compile(buildStyle),
				assets.Prefix(r.targets, false, r.logger),
				assets.MinifyCSS(r.targets, r.logger),
				assets.Rename(r.cfg.Style.MinName),
				assets.Dest(buildCSSDir),
			},
		},
		{
			Name:        TaskJSDev,
			Description: "concatenate scripts with a source map into " + p.JSOutDev,
			Source:      taskgraph.Src(r.root, p.JSSrc, jsExclude...),
			Steps: []taskgraph.Step{
				assets.Concat(r.cfg.Script.BundleName, true),
				assets.WriteSourceMaps(),
				assets.Dest(jsDevDir),
				assets.Stream(r.hub, assets.ChangeJS, r.servedDir),
			},
		},
		{
			Name:        TaskJSBuild,
			Description: "concatenate and minify scripts into the product",
			Source:      taskgraph.Src(r.root, p.JSSrc, jsExclude...),
			Steps: []taskgraph.Step{
				assets.Concat(r.cfg.Script.MinName, false),
				assets.MinifyJS(),
				assets.Dest(r.productDir(p.JSOutDev)),
			},
		},
		{
			Name:        TaskHTMLBuild,
			Description: "copy changed pages into the product",
			Source:      taskgraph.Src(r.root, p.HTML),
			Steps:       copyChanged(r.productDir(patternBase(p.HTML))),
		},
		{
			Name:        TaskFontsBuild,
			Description: "copy changed fonts into the product",
			Source:      taskgraph.Src(r.root, p.FontsSrc),
			Steps:       copyChanged(r.productDir(patternBase(p.FontsSrc))),
		},
		{
			Name:        TaskImagesBuild,
			Description: "optimize every image into the product",
			Source:      taskgraph.Src(r.root, p.ImgSrc),
			Steps: []taskgraph.Step{
				assets.OptimizeImage(assets.NewImageOptimizer(r.cfg.Images.JPEGQuality)),
				assets.Dest(r.productDir(patternBase(p.ImgSrc))),
			},
			Policy: taskgraph.ContinueOnError,
		},
		{
			Name:        TaskClean,
			Description: "remove the product directory",
			Action:      assets.Clean(r.root, p.Product),
		},
		{
			Name:        TaskServe,
			Description: "serve the project with live reload and watch sources",
			Action:      r.serve,
		},
	}, nil
}

func copyChanged(dir string) []taskgraph.Step {
	return []taskgraph.Step{assets.Newer(dir), assets.Dest(dir)}
}

// WatchRules maps source changes to the work that keeps the browser current.
func (r *Recipe) WatchRules() []watcher.Rule {
	p := r.cfg.Paths
	bundle := path.Join(filepath.ToSlash(p.JSOutDev), r.cfg.Script.BundleName)
	return []watcher.Rule{
		{Name: "styles", Patterns: []string{p.LessAll}, React: r.rebuild(TaskCSSDev)},
		{Name: "scripts", Patterns: []string{p.JSSrc}, Exclude: []string{bundle, bundle + ".map"}, React: r.rebuild(TaskJSDev)},
		{Name: "pages", Patterns: []string{p.HTML}, React: watcher.Reload(r.hub)},
		{Name: "images", Patterns: []string{p.ImgSrc}, React: watcher.Reload(r.hub)},
	}
}

// rebuild re-runs a dev task and shows its failure in the browser. The last
// good output stays on disk because Dest never ran.
func (r *Recipe) rebuild(name string) watcher.Reaction {
	run := watcher.RunTask(r.runner, name)
	return func(ctx context.Context, events []watcher.ChangeEvent) error {
		err := run(ctx, events)
		if err != nil {
			r.hub.BuildError(ctx, err)
		}
		return err
	}
}

func (r *Recipe) reportBuildError(ctx context.Context, err error) {
	r.logger.Warn(ctx, err, "initial compile failed, serving anyway")
	r.hub.BuildError(ctx, err)
}

func (r *Recipe) serve(ctx context.Context) error {
	fw, err := watcher.NewFileWatcher(r.root, r.cfg.Watch.Debounce, r.logger)
	if err != nil {
		return err
	}
	if rel, err := filepath.Rel(r.root, r.product); err == nil {
		fw.AddFilter(watcher.ExcludeDirFilter(filepath.ToSlash(rel)))
	}

	s := r.cfg.Server
	srv := server.New(server.Options{
		Host:       s.Host,
		Port:       s.Port,
		ReloadPort: s.ReloadPort,
		BaseDir:    r.servedDir,
		Open:       s.Open,
	}, r.hub, fw, r.WatchRules(), r.logger)

	started, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-srv.Ready():
			select {
			case r.serving <- srv:
			default:
			}
		case <-started.Done():
		}
	}()

	return srv.Start(ctx)
}

func (r *Recipe) productDir(sub string) string {
	if sub == "" || sub == "." {
		return r.product
	}
	return filepath.Join(r.product, filepath.FromSlash(sub))
}

// patternBase is the directory part of a pattern that contains no meta
// characters, which is also the base every match is relative to.
func patternBase(pattern string) string {
	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	return base
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, filepath.FromSlash(p))
}

// originPatterns lists the page origins allowed to open the reload socket.
// The page and the socket are served on different ports, so the page's own
// origin has to be named explicitly.
func originPatterns(host string, port int) []string {
	p := strconv.Itoa(port)
	patterns := []string{net.JoinHostPort("localhost", p), net.JoinHostPort("127.0.0.1", p)}
	if host != "" && host != "localhost" && host != "127.0.0.1" {
		patterns = append(patterns, net.JoinHostPort(host, p))
	}
	if port == 0 {
		// Ephemeral ports are only known after binding.
		patterns = append(patterns, "localhost:*", "127.0.0.1:*")
	}
	return patterns
}
