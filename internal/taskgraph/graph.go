package taskgraph

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/multierr"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
)

// Node is an ordering expression over task and composite names.
type Node interface {
	refs() []string
	run(ctx context.Context, r *Runner) error
	String() string
}

type ref string

// Ref refers to a registered task or composite by name.
func Ref(name string) Node { return ref(name) }

// Refs turns names into Ref nodes.
func Refs(names ...string) []Node {
	nodes := make([]Node, len(names))
	for i, n := range names {
		nodes[i] = Ref(n)
	}
	return nodes
}

func (n ref) refs() []string { return []string{string(n)} }

func (n ref) run(ctx context.Context, r *Runner) error { return r.Run(ctx, string(n)) }

func (n ref) String() string { return string(n) }

type series []Node

// Series runs nodes one after another. Each member starts only after its
// predecessor succeeded; the first failure stops the chain.
func Series(nodes ...Node) Node { return series(nodes) }

func (n series) refs() []string { return collectRefs(n) }

func (n series) run(ctx context.Context, r *Runner) error {
	for _, node := range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := node.run(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (n series) String() string { return "series(" + joinNodes(n) + ")" }

type parallel []Node

// Parallel starts every node at once and waits for all of them. A failing
// member does not cancel its siblings; the joined result carries every
// failure in member order.
func Parallel(nodes ...Node) Node { return parallel(nodes) }

func (n parallel) refs() []string { return collectRefs(n) }

func (n parallel) run(ctx context.Context, r *Runner) error {
	errs := make([]error, len(n))
	var wg sync.WaitGroup
	for i, node := range n {
		wg.Add(1)
		go func(i int, node Node) {
			defer wg.Done()
			errs[i] = node.run(ctx, r)
		}(i, node)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

func (n parallel) String() string { return "parallel(" + joinNodes(n) + ")" }

type recoverNode struct {
	node    Node
	handler func(ctx context.Context, err error)
}

// Recover runs node and swallows transformation errors after handing them to
// handler. Filesystem, network and configuration errors still propagate.
// The dev flow wraps its compile tasks with it so a bad edit is reported
// instead of stopping the server from starting.
func Recover(node Node, handler func(ctx context.Context, err error)) Node {
	return recoverNode{node: node, handler: handler}
}

func (n recoverNode) refs() []string { return n.node.refs() }

func (n recoverNode) run(ctx context.Context, r *Runner) error {
	err := n.node.run(ctx, r)
	if err == nil {
		return nil
	}
	for _, e := range multierr.Errors(err) {
		if !pipeerrors.IsTransformError(e) {
			return err
		}
	}
	if n.handler != nil {
		n.handler(ctx, err)
	}
	return nil
}

func (n recoverNode) String() string { return "recover(" + n.node.String() + ")" }

func collectRefs(nodes []Node) []string {
	var out []string
	for _, node := range nodes {
		out = append(out, node.refs()...)
	}
	return out
}

func joinNodes(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, node := range nodes {
		parts[i] = node.String()
	}
	return strings.Join(parts, ", ")
}
