// Package watcher delivers per-file change events for a project tree using
// fsnotify. Events carry project-relative paths split into the watched
// parent directory and the remainder, which is what the propagation engine
// consumes. Events are delivered one per changed file with no coalescing.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/appsim/simulate/internal/logging"
)

// Event is a single detected file change. FileRelativePath is relative to
// ParentDir, which is itself relative to the watched root; both use forward
// slashes regardless of platform.
type Event struct {
	FileRelativePath string
	ParentDir        string
}

// FileFilter determines if a changed path should produce an event.
type FileFilter func(path string) bool

// FileWatcher watches a project root recursively and emits Events.
type FileWatcher struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan Event
	filters []FileFilter
	logger  logging.Logger

	mu      sync.Mutex
	stopped bool
}

// New creates a watcher over root. Start must be called before events flow.
func New(root string, logger logging.Logger) (*FileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}

	return &FileWatcher{
		root:    filepath.Clean(root),
		watcher: fsw,
		events:  make(chan Event, 100),
		filters: []FileFilter{NoGitFilter, NoTempFilter, NoSimulationFilter, NoPlatformsFilter},
		logger:  logger.WithComponent("watcher"),
	}, nil
}

// AddFilter adds a file filter. Must be called before Start.
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.filters = append(fw.filters, filter)
}

// Events returns the event stream. The channel is closed when the watch
// loop exits.
func (fw *FileWatcher) Events() <-chan Event {
	return fw.events
}

// Start registers the root and all subdirectories and begins the watch loop.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := fw.addRecursive(fw.root); err != nil {
		return err
	}

	go fw.watchLoop(ctx)
	return nil
}

// Stop stops the watcher and releases the underlying fsnotify resources.
// Safe to call more than once.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stopped {
		return nil
	}
	fw.stopped = true
	return fw.watcher.Close()
}

func (fw *FileWatcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			for _, filter := range fw.filters {
				if !filter(path) {
					return filepath.SkipDir
				}
			}
			return fw.watcher.Add(path)
		}
		return nil
	})
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	defer close(fw.events)

	for {
		select {
		case <-ctx.Done():
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
			// Log and keep watching.
			fw.logger.Warn(ctx, err, "watch error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	for _, filter := range fw.filters {
		if !filter(event.Name) {
			return
		}
	}

	// Newly created directories join the watch set; they produce no event.
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			if err := fw.watcher.Add(event.Name); err != nil {
				fw.logger.Warn(ctx, err, "failed to watch new directory", "path", event.Name)
			}
		}
		return
	}

	out, err := fw.toEvent(event.Name)
	if err != nil {
		fw.logger.Warn(ctx, err, "ignoring change outside watch root", "path", event.Name)
		return
	}

	select {
	case fw.events <- out:
	default:
		// Channel full, skip this event.
		fw.logger.Warn(ctx, nil, "event channel full, dropping change", "path", event.Name)
	}
}

// toEvent converts an absolute changed path into an Event. The first path
// segment under the root becomes ParentDir; the rest is FileRelativePath.
func (fw *FileWatcher) toEvent(abs string) (Event, error) {
	rel, err := filepath.Rel(fw.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return Event{}, fmt.Errorf("watcher: path %s not under root %s", abs, fw.root)
	}

	rel = filepath.ToSlash(rel)
	parent := ""
	if idx := strings.Index(rel, "/"); idx >= 0 {
		parent, rel = rel[:idx], rel[idx+1:]
	}

	return Event{FileRelativePath: rel, ParentDir: parent}, nil
}

// Common file filters.

// NoGitFilter excludes version-control metadata.
func NoGitFilter(path string) bool {
	return !strings.Contains(filepath.ToSlash(path), "/.git/") &&
		filepath.Base(path) != ".git"
}

// NoTempFilter excludes editor temp and swap files.
func NoTempFilter(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	return !strings.HasPrefix(base, ".#")
}

// NoSimulationFilter excludes the simulation state directory, which the
// tool itself writes into.
func NoSimulationFilter(path string) bool {
	return !strings.Contains(filepath.ToSlash(path), "/simulation/") &&
		filepath.Base(path) != "simulation"
}

// NoPlatformsFilter excludes prepared platform output. Propagation writes
// into <projectRoot>/platforms/<platform>/www, so watching it would feed
// every copy back in as a fresh change event.
func NoPlatformsFilter(path string) bool {
	return !strings.Contains(filepath.ToSlash(path), "/platforms/") &&
		filepath.Base(path) != "platforms"
}
