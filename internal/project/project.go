// Package project models the app project being simulated: its root paths,
// the prepare step that regenerates platform output, and per-file
// modification-timestamp bookkeeping used by the change propagator.
package project

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/appsim/simulate/internal/logging"
)

// Project holds the mutable per-simulation project state. Roots are set by
// the lifecycle controller once the server has started; timestamps are
// maintained by the change propagator.
type Project struct {
	mu           sync.Mutex
	projectRoot  string
	platformRoot string
	prepareCmd   string
	timestamps   map[string]time.Time
	logger       logging.Logger
}

// New creates a Project that runs prepareCmd for rebuilds.
func New(prepareCmd string, logger logging.Logger) *Project {
	return &Project{
		prepareCmd: prepareCmd,
		timestamps: make(map[string]time.Time),
		logger:     logger.WithComponent("project"),
	}
}

// SetRoots records the project and platform roots reported by the server.
func (p *Project) SetRoots(projectRoot, platformRoot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projectRoot = projectRoot
	p.platformRoot = platformRoot
}

// ProjectRoot returns the configured project root, empty until a simulation
// has started.
func (p *Project) ProjectRoot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.projectRoot
}

// PlatformRoot returns the served platform output root, empty until a
// simulation has started.
func (p *Project) PlatformRoot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.platformRoot
}

// Prepare regenerates platform output from project sources by running the
// configured prepare command in the project root.
func (p *Project) Prepare(ctx context.Context) error {
	p.mu.Lock()
	root := p.projectRoot
	cmdline := p.prepareCmd
	p.mu.Unlock()

	if root == "" {
		return fmt.Errorf("project: prepare called before roots configured")
	}

	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		return fmt.Errorf("project: empty prepare command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("project: prepare %q failed: %w: %s", cmdline, err, strings.TrimSpace(string(out)))
	}

	p.logger.Debug(ctx, "prepare completed", "command", cmdline)
	return nil
}

// UpdateTimestamp records the current time as the last known modification of
// the given project-relative file. Idempotent: repeated calls for the same
// path just move the timestamp forward.
func (p *Project) UpdateTimestamp(fileRelativePath, parentDir string) {
	key := timestampKey(fileRelativePath, parentDir)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.timestamps[key] = time.Now()
}

// Timestamp returns the recorded modification time for the file, if any.
func (p *Project) Timestamp(fileRelativePath, parentDir string) (time.Time, bool) {
	key := timestampKey(fileRelativePath, parentDir)

	p.mu.Lock()
	defer p.mu.Unlock()
	ts, ok := p.timestamps[key]
	return ts, ok
}

// Reset clears all transient per-simulation state: roots and timestamps.
func (p *Project) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projectRoot = ""
	p.platformRoot = ""
	p.timestamps = make(map[string]time.Time)
}

func timestampKey(fileRelativePath, parentDir string) string {
	rel := strings.ReplaceAll(fileRelativePath, "\\", "/")
	parent := strings.ReplaceAll(parentDir, "\\", "/")
	return path.Join(parent, rel)
}
