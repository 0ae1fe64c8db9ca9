// Package watcher turns filesystem notifications under a project root into
// rule reactions: re-running a task or asking clients to reload.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/logging"
)

// FileWatcher watches a project root and dispatches changes to subscribed
// rules.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	root      string
	debouncer *Debouncer
	filters   []FileFilter
	logger    logging.Logger

	mutex  sync.RWMutex
	rules  map[int]Rule
	nextID int

	stopOnce sync.Once
	done     chan struct{}
}

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type EventType
	// Path is absolute; Rel is relative to the watched root, slash separated.
	Path    string
	Rel     string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// FileFilter reports whether a root-relative slash path should be watched.
// Directories rejected by a filter are not descended into.
type FileFilter func(rel string) bool

// NewFileWatcher creates a watcher for root. A positive debounce coalesces
// bursts of events per path; zero dispatches every event as it arrives.
func NewFileWatcher(root string, debounce time.Duration, logger logging.Logger) (*FileWatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, pipeerrors.NewIOError("WATCH_ROOT", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, pipeerrors.NewIOError("WATCH_INIT", "creating fsnotify watcher", err)
	}

	fw := &FileWatcher{
		watcher: w,
		root:    abs,
		filters: []FileFilter{NoGitFilter, NoNodeModulesFilter},
		logger:  logger.WithComponent("watcher"),
		rules:   make(map[int]Rule),
		done:    make(chan struct{}),
	}
	if debounce > 0 {
		fw.debouncer = newDebouncer(debounce)
	}
	return fw, nil
}

// Root returns the absolute watched root.
func (fw *FileWatcher) Root() string { return fw.root }

// AddFilter adds a file filter
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

func (fw *FileWatcher) accepted(rel string) bool {
	fw.mutex.RLock()
	defer fw.mutex.RUnlock()
	for _, filter := range fw.filters {
		if !filter(rel) {
			return false
		}
	}
	return true
}

func (fw *FileWatcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(fw.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// AddRecursive registers dir and every directory below it. dir must be
// inside the root.
func (fw *FileWatcher) AddRecursive(dir string) error {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(fw.root, dir)
	}
	if _, ok := fw.rel(dir); !ok {
		return pipeerrors.NewConfigError("WATCH_OUTSIDE_ROOT", fmt.Sprintf("%s is outside %s", dir, fw.root))
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _ := fw.rel(path); rel != "." && !fw.accepted(rel) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			return pipeerrors.NewIOError("WATCH_ADD", path, err)
		}
		return nil
	})
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.debouncer != nil {
		go fw.debouncer.start(ctx, fw.done)
		go fw.processEvents(ctx)
	}
	go fw.watchLoop(ctx)
	return nil
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		if fw.debouncer != nil {
			fw.debouncer.stop()
		}
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "file watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	rel, ok := fw.rel(event.Name)
	if !ok || !fw.accepted(rel) {
		return
	}

	info, statErr := os.Stat(event.Name)
	if statErr == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := fw.AddRecursive(event.Name); err != nil {
				fw.logger.Warn(ctx, err, "watching new directory", "dir", rel)
			}
		}
		return
	}

	change := ChangeEvent{
		Type: eventType(event.Op),
		Path: event.Name,
		Rel:  rel,
	}
	if statErr == nil {
		change.ModTime = info.ModTime()
		change.Size = info.Size()
	}

	if fw.debouncer != nil {
		fw.debouncer.add(change, fw.done)
		return
	}
	fw.dispatch(ctx, []ChangeEvent{change})
}

func eventType(op fsnotify.Op) EventType {
	switch {
	case op.Has(fsnotify.Create):
		return EventTypeCreated
	case op.Has(fsnotify.Write):
		return EventTypeModified
	case op.Has(fsnotify.Remove):
		return EventTypeDeleted
	case op.Has(fsnotify.Rename):
		return EventTypeRenamed
	default:
		return EventTypeModified
	}
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case events := <-fw.debouncer.output:
			fw.dispatch(ctx, events)
		}
	}
}

// dispatch hands each rule the events that match it. Rules run in
// subscription order; a failing reaction is logged and never stops the loop.
func (fw *FileWatcher) dispatch(ctx context.Context, events []ChangeEvent) {
	fw.mutex.RLock()
	ids := make([]int, 0, len(fw.rules))
	for id := range fw.rules {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	rules := make([]Rule, len(ids))
	for i, id := range ids {
		rules[i] = fw.rules[id]
	}
	fw.mutex.RUnlock()

	for _, rule := range rules {
		matched := rule.filter(events)
		if len(matched) == 0 {
			continue
		}
		fw.logger.Debug(ctx, "rule triggered", "rule", rule.Name, "files", len(matched))
		if err := rule.React(ctx, matched); err != nil && !errors.Is(err, context.Canceled) {
			fw.logger.Warn(ctx, err, "watch reaction failed", "rule", rule.Name)
		}
	}
}

// Debouncer groups rapid file changes together
type Debouncer struct {
	delay   time.Duration
	events  chan ChangeEvent
	output  chan []ChangeEvent
	timer   *time.Timer
	pending map[string]ChangeEvent
	mutex   sync.Mutex
}

func newDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		events:  make(chan ChangeEvent, 100),
		output:  make(chan []ChangeEvent, 10),
		pending: make(map[string]ChangeEvent),
	}
}

func (d *Debouncer) start(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case event := <-d.events:
			d.addEvent(event)
		}
	}
}

func (d *Debouncer) add(event ChangeEvent, done <-chan struct{}) {
	select {
	case d.events <- event:
	case <-done:
	}
}

func (d *Debouncer) addEvent(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending[event.Path] = event
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

func (d *Debouncer) stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.pending) == 0 {
		return
	}

	events := make([]ChangeEvent, 0, len(d.pending))
	for _, event := range d.pending {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Rel < events[j].Rel })
	d.pending = make(map[string]ChangeEvent)

	select {
	case d.output <- events:
	default:
		// Channel full, skip
	}
}

// Common file filters

// NoGitFilter skips version control metadata.
func NoGitFilter(rel string) bool {
	return rel != ".git" && !strings.HasPrefix(rel, ".git/") && !strings.Contains(rel, "/.git/")
}

// NoNodeModulesFilter skips installed packages.
func NoNodeModulesFilter(rel string) bool {
	return rel != "node_modules" && !strings.HasPrefix(rel, "node_modules/") && !strings.Contains(rel, "/node_modules/")
}

// ExcludeDirFilter skips everything under dir, typically the build output.
func ExcludeDirFilter(dir string) FileFilter {
	dir = strings.Trim(filepath.ToSlash(filepath.Clean(dir)), "/")
	return func(rel string) bool {
		return rel != dir && !strings.HasPrefix(rel, dir+"/")
	}
}

// matchAny reports whether rel matches one of patterns.
func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
