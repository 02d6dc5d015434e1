// Package livereload implements the change-propagation engine: it reacts to
// detected file changes, pushes them into the served platform output either
// by a full prepare or a direct copy, and notifies the connected client once
// the change has settled.
package livereload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/appsim/simulate/internal/logging"
	"github.com/appsim/simulate/internal/retry"
	"github.com/appsim/simulate/internal/telemetry"
	"github.com/appsim/simulate/internal/watcher"
)

// Events emitted to the connected client.
const (
	EventStartLiveReload = "start-live-reload"
	EventFileChanged     = "lr-file-changed"
)

// Strategy selects how a detected change reaches the served output. It is
// chosen once per propagator from the forceprepare option and never
// re-evaluated per event.
type Strategy int

const (
	// StrategyDirectCopy copies the changed file into the platform root.
	StrategyDirectCopy Strategy = iota
	// StrategyPrepare reruns the project's prepare step.
	StrategyPrepare
)

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyPrepare:
		return "prepare"
	case StrategyDirectCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// FileChangedPayload is the payload of the EventFileChanged notification.
type FileChangedPayload struct {
	FileRelativePath string `json:"fileRelativePath"`
}

// Connection is one active client channel. Emit delivers a named event with
// an optional payload.
type Connection interface {
	Emit(event string, payload any) error
}

// Project is the subset of project state the propagator touches.
type Project interface {
	Prepare(ctx context.Context) error
	UpdateTimestamp(fileRelativePath, parentDir string)
	ProjectRoot() string
	PlatformRoot() string
}

// Watcher is the change source the propagator owns while started.
type Watcher interface {
	Start(ctx context.Context) error
	Events() <-chan watcher.Event
	Stop() error
}

// WatcherFactory creates a watcher bound to the given root.
type WatcherFactory func(root string) (Watcher, error)

// Options tune the propagation timings. Zero values fall back to the
// defaults used in production.
type Options struct {
	PrepareAttempts int
	PrepareDelay    time.Duration
	SettleDelay     time.Duration
}

func (o *Options) fillDefaults() {
	if o.PrepareAttempts == 0 {
		o.PrepareAttempts = 2
	}
	if o.PrepareDelay == 0 {
		o.PrepareDelay = 100 * time.Millisecond
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = 125 * time.Millisecond
	}
}

// Propagator reacts to file-change events. It holds at most one active
// watcher and one active connection at a time.
type Propagator struct {
	project    Project
	strategy   Strategy
	newWatcher WatcherFactory
	opts       Options
	logger     logging.Logger
	metrics    *telemetry.Recorder

	mu      sync.Mutex
	conn    Connection
	watcher Watcher
	cancel  context.CancelFunc
}

// New creates a propagator. forcePrepare selects StrategyPrepare; otherwise
// changes are copied directly into the platform root.
func New(project Project, forcePrepare bool, newWatcher WatcherFactory, opts Options, logger logging.Logger, metrics *telemetry.Recorder) *Propagator {
	opts.fillDefaults()

	strategy := StrategyDirectCopy
	if forcePrepare {
		strategy = StrategyPrepare
	}

	return &Propagator{
		project:    project,
		strategy:   strategy,
		newWatcher: newWatcher,
		opts:       opts,
		logger:     logger.WithComponent("livereload"),
		metrics:    metrics,
	}
}

// Strategy returns the propagation strategy selected at construction.
func (p *Propagator) Strategy() Strategy {
	return p.strategy
}

// Start binds conn as the active client channel and, if no watcher is
// running yet, creates one over the project root and begins consuming its
// events. Idempotent: a second Start only rebinds the connection. The
// start-live-reload event is signalled on every call.
func (p *Propagator) Start(conn Connection) error {
	p.mu.Lock()
	p.conn = conn

	if p.watcher == nil {
		w, err := p.newWatcher(p.project.ProjectRoot())
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("livereload: creating watcher: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		if err := w.Start(ctx); err != nil {
			cancel()
			p.mu.Unlock()
			return fmt.Errorf("livereload: starting watcher: %w", err)
		}

		p.watcher = w
		p.cancel = cancel
		go p.consume(ctx, w.Events())
	}
	p.mu.Unlock()

	if err := conn.Emit(EventStartLiveReload, nil); err != nil {
		return fmt.Errorf("livereload: signalling start: %w", err)
	}
	return nil
}

// Stop discards the active watcher and clears the connection reference.
// In-flight propagation tasks are not cancelled; their notifications are
// dropped once the connection is cleared. Idempotent.
func (p *Propagator) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watcher != nil {
		if err := p.watcher.Stop(); err != nil {
			p.logger.Warn(context.Background(), err, "stopping watcher")
		}
		p.cancel()
		p.watcher = nil
		p.cancel = nil
	}
	p.conn = nil
}

// consume runs one independent propagation task per incoming event. Events
// for the same path are deliberately not serialized against each other.
func (p *Propagator) consume(ctx context.Context, events <-chan watcher.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			// Tasks run detached from the watcher context: Stop detaches
			// resources but never cancels propagation already in flight.
			go func(ev watcher.Event) {
				if err := p.OnFileChanged(context.Background(), ev); err != nil {
					// Terminal for this one event; the failure must stay
					// observable even though nothing awaits the task.
					p.logger.Error(context.Background(), err, "change propagation failed",
						"file", ev.FileRelativePath, "parent", ev.ParentDir)
				}
			}(ev)
		}
	}
}

// OnFileChanged propagates a single change event: prepare or copy, settle,
// timestamp bookkeeping, then client notification. A failed prepare (after
// retries) or copy aborts the task with no settle, no timestamp update and
// no notification.
func (p *Propagator) OnFileChanged(ctx context.Context, ev watcher.Event) error {
	started := time.Now()
	rel := strings.ReplaceAll(ev.FileRelativePath, "\\", "/")
	parent := strings.ReplaceAll(ev.ParentDir, "\\", "/")

	updateTimestamp, err := p.propagate(ctx, rel, parent)
	if err != nil {
		p.metrics.IncPropagation(p.strategy.String(), "failure")
		if p.strategy == StrategyPrepare {
			p.metrics.IncRetryExhausted()
		}
		return err
	}

	// The destination can be transiently locked right after the copy; give
	// the serving layer time to see a consistent file before notifying.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.opts.SettleDelay):
	}

	if updateTimestamp {
		p.project.UpdateTimestamp(rel, parent)
	}

	p.metrics.IncPropagation(p.strategy.String(), "success")
	p.metrics.ObservePropagation(time.Since(started))

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		// Stopped while the task was in flight: drop silently.
		return nil
	}

	if err := conn.Emit(EventFileChanged, FileChangedPayload{FileRelativePath: rel}); err != nil {
		return fmt.Errorf("livereload: notifying client about %s: %w", rel, err)
	}

	p.logger.Debug(ctx, "change propagated", "file", rel, "strategy", p.strategy.String())
	return nil
}

// propagate performs the strategy branch and reports whether the stored
// modification timestamp should be updated afterwards.
func (p *Propagator) propagate(ctx context.Context, rel, parent string) (bool, error) {
	switch p.strategy {
	case StrategyPrepare:
		attempt := 0
		err := retry.Do(ctx, func(ctx context.Context) error {
			attempt++
			if attempt > 1 {
				p.metrics.IncPrepareRetry()
			}
			// Right after a write the file can still be locked by the OS,
			// making the first prepare fail spuriously.
			return p.project.Prepare(ctx)
		}, p.opts.PrepareAttempts, p.opts.PrepareDelay)
		return false, err

	default:
		src := filepath.Join(p.project.ProjectRoot(), filepath.FromSlash(parent), filepath.FromSlash(rel))
		dst := filepath.Join(p.project.PlatformRoot(), filepath.FromSlash(rel))
		if err := copyFile(src, dst); err != nil {
			return false, fmt.Errorf("livereload: copying %s: %w", rel, err)
		}
		return true, nil
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
