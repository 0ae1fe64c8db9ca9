package logging

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Console prints the human-facing task progress lines:
//
//	[12:04:31] Starting 'css:build'...
//	[12:04:31] Finished 'css:build' after 41 ms
//
// Colors are only emitted when the writer is a terminal.
type Console struct {
	out   io.Writer
	mu    sync.Mutex
	now   func() time.Time
	stamp lipgloss.Style
	task  lipgloss.Style
	dur   lipgloss.Style
	fail  lipgloss.Style
}

// NewConsole creates a console reporter writing to out.
func NewConsole(out io.Writer) *Console {
	r := lipgloss.NewRenderer(out)
	return &Console{
		out:   out,
		now:   time.Now,
		stamp: r.NewStyle().Foreground(lipgloss.Color("8")),
		task:  r.NewStyle().Foreground(lipgloss.Color("6")),
		dur:   r.NewStyle().Foreground(lipgloss.Color("5")),
		fail:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// TaskStarted reports that a task began.
func (c *Console) TaskStarted(name string) {
	c.printf("Starting '%s'...", c.task.Render(name))
}

// TaskFinished reports a successful task.
func (c *Console) TaskFinished(name string, d time.Duration) {
	c.printf("Finished '%s' after %s", c.task.Render(name), c.dur.Render(FormatDuration(d)))
}

// TaskFailed reports a failed task.
func (c *Console) TaskFailed(name string, err error, d time.Duration) {
	c.printf("'%s' %s after %s", c.task.Render(name), c.fail.Render("errored"), c.dur.Render(FormatDuration(d)))
	if err != nil {
		c.printf("%s", c.fail.Render(err.Error()))
	}
}

// Notice prints a free-form line with the timestamp prefix.
func (c *Console) Notice(format string, args ...interface{}) {
	c.printf(format, args...)
}

func (c *Console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamp := c.stamp.Render(c.now().Format("15:04:05"))
	fmt.Fprintf(c.out, "[%s] %s\n", stamp, fmt.Sprintf(format, args...))
}

// FormatDuration renders d the way gulp does: "850 μs", "41 ms", "1.2 s".
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%d μs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%d ms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1f s", d.Seconds())
	}
}
