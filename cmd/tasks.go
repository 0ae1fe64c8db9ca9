package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/assetpipe/internal/recipe"
	"github.com/conneroisu/assetpipe/internal/taskgraph"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"ls"},
	Short:   "List tasks and composites",
	Args:    cobra.NoArgs,
	RunE:    runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, _ []string) error {
	p, err := newPipeline(cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return printTasks(cmd.OutOrStdout(), p.recipe)
}

func printTasks(out io.Writer, r *recipe.Recipe) error {
	runner := r.Runner()
	title := cases.Title(language.English)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, title.String("tasks"))
	for _, name := range runner.Tasks() {
		fmt.Fprintf(w, "  %s\t%s\n", name, r.Describe(name))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, title.String("composites"))
	for _, name := range runner.Composites() {
		node, _ := runner.Composite(name)
		marker := ""
		if name == recipe.DefaultTask {
			marker = " (default)"
		}
		fmt.Fprintf(w, "  %s%s\t%s\n", name, marker, r.Describe(name))
		fmt.Fprintf(w, "  \t%s\n", graphString(node))
	}
	return w.Flush()
}

func graphString(n taskgraph.Node) string {
	if n == nil {
		return ""
	}
	return n.String()
}
