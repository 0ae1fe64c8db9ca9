package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/recipe"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a task or composite by name",
	Long: `Run any registered task or composite by name. See 'assetpipe tasks'
for the list.

Examples:
  assetpipe run build
  assetpipe run images:build`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNamedTask(cmd, args[0])
	},
}

var devCmd = &cobra.Command{
	Use:   recipe.TaskDev,
	Short: "Compile dev assets, then serve with live reload",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runNamedTask(cmd, recipe.TaskDev)
	},
}

var buildCmd = &cobra.Command{
	Use:     recipe.TaskBuild,
	Aliases: []string{"b"},
	Short:   "Clean the product directory and build every asset into it",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runNamedTask(cmd, recipe.TaskBuild)
	},
}

// leafTasks get a subcommand each so "assetpipe css:build" works directly.
var leafTasks = []string{
	recipe.TaskCSSDev,
	recipe.TaskCSSBuild,
	recipe.TaskJSDev,
	recipe.TaskJSBuild,
	recipe.TaskHTMLBuild,
	recipe.TaskFontsBuild,
	recipe.TaskImagesBuild,
	recipe.TaskClean,
	recipe.TaskServe,
}

func init() {
	rootCmd.AddCommand(runCmd, devCmd, buildCmd)
	for _, name := range leafTasks {
		rootCmd.AddCommand(taskCommand(name))
	}
}

func taskCommand(name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Run the %s task", name),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNamedTask(cmd, name)
		},
	}
}

// pipeline is everything a command needs to run tasks.
type pipeline struct {
	cfg     *config.Config
	logger  logging.Logger
	console *logging.Console
	recipe  *recipe.Recipe
}

func newPipeline(out, errOut io.Writer) (*pipeline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     level,
		Format:    cfg.Log.Format,
		Output:    errOut,
		Component: "assetpipe",
	})

	console := logging.NewConsole(out)
	r, err := recipe.New(cfg, logger, console)
	if err != nil {
		return nil, err
	}
	return &pipeline{cfg: cfg, logger: logger, console: console, recipe: r}, nil
}

// runNamedTask runs name until it finishes or the process is interrupted.
func runNamedTask(cmd *cobra.Command, name string) error {
	p, err := newPipeline(cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go p.announce(ctx)

	if err := p.recipe.Run(ctx, name); err != nil {
		p.logger.Error(ctx, err, "task failed", "task", name)
		return err
	}
	return nil
}

// announce prints the dev server address once it is listening.
func (p *pipeline) announce(ctx context.Context) {
	select {
	case srv := <-p.recipe.Serving():
		p.console.Notice("Serving %s at http://%s", p.recipe.Root(), srv.Addr())
		p.console.Notice("Live reload on %s", srv.ReloadAddr())
	case <-ctx.Done():
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
