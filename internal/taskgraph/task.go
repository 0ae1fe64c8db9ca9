package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
)

// ErrorPolicy decides what a task does when a per-file step fails.
type ErrorPolicy int

const (
	// FailFast aborts the task on the first failing item.
	FailFast ErrorPolicy = iota
	// ContinueOnError reports and drops the failing item, finishes the rest
	// of the batch, and returns the collected item errors at the end.
	ContinueOnError
)

// String returns the string representation of the policy.
func (p ErrorPolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case ContinueOnError:
		return "continue-on-error"
	default:
		return "unknown"
	}
}

// TransformFunc maps one file to one file. Returning a nil file drops it
// from the stream without error.
type TransformFunc func(ctx context.Context, f *File) (*File, error)

// BatchFunc maps the whole file set at once. Batch steps always fail fast.
type BatchFunc func(ctx context.Context, files []*File) ([]*File, error)

// Step is one stage of a task pipeline. Exactly one of Each and Batch is set.
type Step struct {
	Name  string
	Each  TransformFunc
	Batch BatchFunc
}

// Each creates a per-file step.
func Each(name string, fn TransformFunc) Step {
	return Step{Name: name, Each: fn}
}

// Batch creates a whole-set step.
func Batch(name string, fn BatchFunc) Step {
	return Step{Name: name, Batch: fn}
}

// Task is a named unit of work. Stream tasks read a Source and push the files
// through Steps in order; action tasks run Action instead.
type Task struct {
	Name        string
	Description string
	Source      Source
	Steps       []Step
	Policy      ErrorPolicy
	Action      func(ctx context.Context) error
}

func (t *Task) validate() error {
	if t.Name == "" {
		return pipeerrors.NewConfigError("EMPTY_NAME", "task name is empty")
	}
	if strings.ContainsAny(t.Name, " \t\n") {
		return pipeerrors.NewConfigError("BAD_NAME", fmt.Sprintf("task name %q contains whitespace", t.Name))
	}

	if t.Action != nil {
		if t.Source != nil || len(t.Steps) > 0 {
			return pipeerrors.NewConfigError("MIXED_TASK",
				fmt.Sprintf("task %q has both an action and a pipeline", t.Name))
		}
		return nil
	}

	if t.Source == nil {
		return pipeerrors.NewConfigError("NO_SOURCE", fmt.Sprintf("task %q has no source", t.Name))
	}
	if err := t.Source.Validate(); err != nil {
		return fmt.Errorf("task %q: %w", t.Name, err)
	}
	for i, step := range t.Steps {
		if (step.Each == nil) == (step.Batch == nil) {
			return pipeerrors.NewConfigError("BAD_STEP",
				fmt.Sprintf("task %q step %d (%s) must set exactly one of Each or Batch", t.Name, i, step.Name))
		}
	}
	return nil
}

// execute runs the task once and returns the number of files that left the
// last step.
func (t *Task) execute(ctx context.Context, logger logging.Logger) (int, error) {
	if t.Action != nil {
		return 0, t.Action(ctx)
	}

	files, err := t.Source.Read(ctx)
	if err != nil {
		return 0, err
	}
	logger.Debug(ctx, "source matched", "files", len(files))

	var itemErrs error
	for _, step := range t.Steps {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		if step.Batch != nil {
			files, err = step.Batch(ctx, files)
			if err != nil {
				return 0, stepError(step, "", err)
			}
			continue
		}

		out := make([]*File, 0, len(files))
		for _, f := range files {
			res, err := step.Each(ctx, f)
			if err != nil {
				err = stepError(step, f.Path, err)
				if t.Policy == FailFast {
					return 0, err
				}
				logger.Warn(ctx, err, "skipping file", "step", step.Name, "file", f.Path)
				itemErrs = multierr.Append(itemErrs, err)
				continue
			}
			if res != nil {
				out = append(out, res)
			}
		}
		files = out
	}

	return len(files), itemErrs
}

// stepError classifies an unclassified step failure as a transformation
// error so callers can tell it apart from I/O.
func stepError(step Step, path string, err error) error {
	var pe *pipeerrors.PipeError
	if errors.As(err, &pe) || errors.Is(err, context.Canceled) {
		return err
	}
	code := strings.ToUpper(strings.ReplaceAll(step.Name, "-", "_"))
	return pipeerrors.NewTransformError(code, path, err)
}
