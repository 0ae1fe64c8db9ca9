// Package taskgraph is the task graph runner: it holds named tasks (file
// pipelines or actions) and composites (series/parallel expressions over
// names) and executes either by name.
//
// Every task is registered once at startup and never mutated. Validate must
// pass before Run is used; wiring mistakes are configuration errors and are
// never discovered halfway through a build.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
)

// Reporter receives task lifecycle notifications. logging.Console implements
// it.
type Reporter interface {
	TaskStarted(name string)
	TaskFinished(name string, d time.Duration)
	TaskFailed(name string, err error, d time.Duration)
}

type nopReporter struct{}

func (nopReporter) TaskStarted(string)                      {}
func (nopReporter) TaskFinished(string, time.Duration)      {}
func (nopReporter) TaskFailed(string, error, time.Duration) {}

// Runner registers and executes tasks and composites.
type Runner struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	composites map[string]Node
	// locks serializes runs of the same task so two watch-triggered runs
	// never interleave writes to one output.
	locks    map[string]*sync.Mutex
	logger   logging.Logger
	reporter Reporter
}

// NewRunner creates an empty runner. A nil reporter discards progress.
func NewRunner(logger logging.Logger, reporter Reporter) *Runner {
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &Runner{
		tasks:      make(map[string]*Task),
		composites: make(map[string]Node),
		locks:      make(map[string]*sync.Mutex),
		logger:     logger.WithComponent("runner"),
		reporter:   reporter,
	}
}

// Register adds a task.
func (r *Runner) Register(t *Task) error {
	if t == nil {
		return pipeerrors.NewConfigError("NIL_TASK", "task is nil")
	}
	if err := t.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(t.Name) {
		return pipeerrors.NewConfigError("DUPLICATE_TASK", fmt.Sprintf("%q is already registered", t.Name))
	}
	r.tasks[t.Name] = t
	r.locks[t.Name] = &sync.Mutex{}
	return nil
}

// Define adds a composite.
func (r *Runner) Define(name string, node Node) error {
	if name == "" {
		return pipeerrors.NewConfigError("EMPTY_NAME", "composite name is empty")
	}
	if node == nil {
		return pipeerrors.NewConfigError("NIL_COMPOSITE", fmt.Sprintf("composite %q has no body", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(name) {
		return pipeerrors.NewConfigError("DUPLICATE_TASK", fmt.Sprintf("%q is already registered", name))
	}
	r.composites[name] = node
	return nil
}

func (r *Runner) exists(name string) bool {
	_, isTask := r.tasks[name]
	_, isComposite := r.composites[name]
	return isTask || isComposite
}

// Validate checks that every composite refers to known names and that no
// composite reaches itself.
func (r *Runner) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.composites) {
		for _, ref := range r.composites[name].refs() {
			if !r.exists(ref) {
				return pipeerrors.NewConfigError("UNKNOWN_TASK",
					fmt.Sprintf("composite %q references unknown task %q", name, ref))
			}
		}
	}

	if cycle := r.findCycle(); len(cycle) > 0 {
		return pipeerrors.NewConfigError("CYCLE", "composite cycle: "+strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle runs a deterministic DFS over composites and returns one cycle
// witness, or nil.
func (r *Runner) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(r.composites))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		node, ok := r.composites[name]
		if !ok {
			return false
		}
		color[name] = gray
		stack = append(stack, name)
		for _, next := range node.refs() {
			switch color[next] {
			case gray:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range sortedKeys(r.composites) {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return nil
}

// Run executes the named task or composite to completion.
func (r *Runner) Run(ctx context.Context, name string) error {
	r.mu.RLock()
	task, isTask := r.tasks[name]
	node, isComposite := r.composites[name]
	lock := r.locks[name]
	r.mu.RUnlock()

	switch {
	case isTask:
		lock.Lock()
		defer lock.Unlock()
		return r.runTask(ctx, task)
	case isComposite:
		return r.runComposite(ctx, name, node)
	default:
		return pipeerrors.NewConfigError("UNKNOWN_TASK", fmt.Sprintf("task %q is not defined", name))
	}
}

func (r *Runner) runTask(ctx context.Context, t *Task) error {
	logger := r.logger.With("task", t.Name)
	perf := logging.StartOperation(logger, t.Name)
	r.reporter.TaskStarted(t.Name)

	n, err := t.execute(ctx, logger)
	if err != nil {
		err = attachTask(t.Name, err)
		d := perf.EndWithError(ctx, err)
		r.reporter.TaskFailed(t.Name, err, d)
		return err
	}

	d := perf.End(ctx)
	logger.Debug(ctx, "task finished", "files", n)
	r.reporter.TaskFinished(t.Name, d)
	return nil
}

func (r *Runner) runComposite(ctx context.Context, name string, node Node) error {
	start := time.Now()
	r.reporter.TaskStarted(name)
	if err := node.run(ctx, r); err != nil {
		r.reporter.TaskFailed(name, nil, time.Since(start))
		return err
	}
	r.reporter.TaskFinished(name, time.Since(start))
	return nil
}

func attachTask(name string, err error) error {
	var pe *pipeerrors.PipeError
	if errors.As(err, &pe) {
		pe.WithTask(name)
		return err
	}
	return fmt.Errorf("task %s: %w", name, err)
}

// Lookup returns the registered task with the given name.
func (r *Runner) Lookup(name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Composite returns the composite with the given name.
func (r *Runner) Composite(name string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.composites[name]
	return n, ok
}

// Tasks returns every leaf task name, sorted.
func (r *Runner) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.tasks)
}

// Composites returns every composite name, sorted.
func (r *Runner) Composites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.composites)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
