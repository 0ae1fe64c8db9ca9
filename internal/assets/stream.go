package assets

import (
	"context"
	"path/filepath"

	"github.com/conneroisu/assetpipe/internal/taskgraph"
)

// Kinds of change a Notifier is told about.
const (
	ChangeCSS = "css"
	ChangeJS  = "js"
)

// Notifier is told when a task has written an output clients may want.
// target is the output's slash path relative to the served directory.
type Notifier interface {
	Notify(ctx context.Context, kind, target string, content []byte)
}

// Stream reports every written file except source maps to n.
func Stream(n Notifier, kind, servedDir string) taskgraph.Step {
	return taskgraph.Each("stream", func(ctx context.Context, f *taskgraph.File) (*taskgraph.File, error) {
		if n == nil || f.Ext() == ".map" {
			return f, nil
		}
		target, err := filepath.Rel(servedDir, f.Path)
		if err != nil {
			target = filepath.Base(f.Path)
		}
		n.Notify(ctx, kind, filepath.ToSlash(target), f.Contents)
		return f, nil
	})
}
