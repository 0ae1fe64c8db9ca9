package watcher

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
)

// Reaction handles the changes that matched a rule.
type Reaction func(ctx context.Context, events []ChangeEvent) error

// Rule pairs root-relative glob patterns with a reaction.
type Rule struct {
	Name     string
	Patterns []string
	Exclude  []string
	React    Reaction
}

func (r Rule) validate() error {
	if len(r.Patterns) == 0 {
		return pipeerrors.NewConfigError("EMPTY_RULE", fmt.Sprintf("watch rule %q has no patterns", r.Name))
	}
	if r.React == nil {
		return pipeerrors.NewConfigError("NO_REACTION", fmt.Sprintf("watch rule %q has no reaction", r.Name))
	}
	for _, p := range append(append([]string{}, r.Patterns...), r.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return pipeerrors.NewConfigError("BAD_PATTERN", fmt.Sprintf("watch rule %q: invalid pattern %q", r.Name, p))
		}
	}
	return nil
}

func (r Rule) filter(events []ChangeEvent) []ChangeEvent {
	var out []ChangeEvent
	for _, e := range events {
		if matchAny(r.Patterns, e.Rel) && !matchAny(r.Exclude, e.Rel) {
			out = append(out, e)
		}
	}
	return out
}

// TaskRunner runs a task by name.
type TaskRunner interface {
	Run(ctx context.Context, name string) error
}

// RunTask re-runs the named task once per batch of matching changes.
func RunTask(r TaskRunner, name string) Reaction {
	return func(ctx context.Context, _ []ChangeEvent) error {
		return r.Run(ctx, name)
	}
}

// Reloader asks connected clients to reload.
type Reloader interface {
	Reload(ctx context.Context, paths []string)
}

// Reload tells r which files changed.
func Reload(r Reloader) Reaction {
	return func(ctx context.Context, events []ChangeEvent) error {
		paths := make([]string, len(events))
		for i, e := range events {
			paths[i] = e.Rel
		}
		r.Reload(ctx, paths)
		return nil
	}
}

// Subscription is a registered rule.
type Subscription struct {
	fw *FileWatcher
	id int
}

// Subscribe registers rule. It receives every matching change until
// Unsubscribe.
func (fw *FileWatcher) Subscribe(rule Rule) (*Subscription, error) {
	if err := rule.validate(); err != nil {
		return nil, err
	}
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	id := fw.nextID
	fw.nextID++
	fw.rules[id] = rule
	return &Subscription{fw: fw, id: id}, nil
}

// Unsubscribe removes the rule. Calling it twice is harmless.
func (s *Subscription) Unsubscribe() {
	s.fw.mutex.Lock()
	defer s.fw.mutex.Unlock()
	delete(s.fw.rules, s.id)
}
