// Package lifecycle owns the simulator's operational state machine and
// coordinates server start/stop with project setup and reset.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/appsim/simulate/internal/config"
	"github.com/appsim/simulate/internal/logging"
	"github.com/appsim/simulate/internal/telemetry"
)

// State is the simulator's current operational phase. Exactly one value
// holds at any instant and all activity queries derive from it.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Guard rejections. Callers can match these with errors.Is.
var (
	ErrNotIdle     = errors.New("simulation is already active")
	ErrAlreadyIdle = errors.New("no simulation is active")
)

// ServerOptions carries the configured options the controller hands to the
// server on start.
type ServerOptions struct {
	Port        int
	Dir         string
	SimHostRoot string
	CORSProxy   bool
	TouchEvents bool
	Telemetry   bool
}

// StartResult is what the server reports once it has started: the resolved
// project root and the served output root.
type StartResult struct {
	ProjectRoot string
	Root        string
}

// URLs are the addresses the server exposes once it is listening.
type URLs struct {
	Root    string
	App     string
	SimHost string
}

// Server is the simulator server as consumed by the controller.
type Server interface {
	Start(ctx context.Context, platform string, opts ServerOptions) (StartResult, error)
	Stop(ctx context.Context) error
	URLs() *URLs
}

// Project is the subset of project state the controller manages.
type Project interface {
	SetRoots(projectRoot, platformRoot string)
	Reset()
}

// Controller validates and executes lifecycle transitions. The state value
// is the sole guard against overlapping start/stop calls: a call is accepted
// only if the guard passes before any blocking work begins.
type Controller struct {
	cfg     *config.Config
	server  Server
	project Project
	logger  logging.Logger
	metrics *telemetry.Recorder

	simHostRoot string

	mu    sync.Mutex
	state State
}

// NewController assembles a controller around its collaborators. The
// simulation-host UI root is resolved once here, falling back to the bundled
// default when the configured override does not exist.
func NewController(cfg *config.Config, server Server, project Project, logger logging.Logger, metrics *telemetry.Recorder) *Controller {
	return &Controller{
		cfg:         cfg,
		server:      server,
		project:     project,
		logger:      logger.WithComponent("lifecycle"),
		metrics:     metrics,
		simHostRoot: cfg.ResolveSimHostRoot(),
		state:       StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether a simulation is starting, running or stopping.
func (c *Controller) IsActive() bool {
	return c.State() != StateIdle
}

// IsIdle reports whether no simulation is active.
func (c *Controller) IsIdle() bool {
	return c.State() == StateIdle
}

// SimHostRoot returns the resolved simulation-host UI root.
func (c *Controller) SimHostRoot() string {
	return c.simHostRoot
}

// URLRoot returns the server's root URL, or "" before the server listens.
func (c *Controller) URLRoot() string {
	if urls := c.server.URLs(); urls != nil {
		return urls.Root
	}
	return ""
}

// AppURL returns the served app URL, or "" before the server listens.
func (c *Controller) AppURL() string {
	if urls := c.server.URLs(); urls != nil {
		return urls.App
	}
	return ""
}

// SimHostURL returns the simulation-host UI URL, or "" before the server
// listens.
func (c *Controller) SimHostURL() string {
	if urls := c.server.URLs(); urls != nil {
		return urls.SimHost
	}
	return ""
}

// StartSimulation starts the server and provisions the project for
// simulation. Rejected synchronously with ErrNotIdle unless the current
// state is idle. On server failure the state returns to idle and the
// underlying error is returned wrapped, leaving the controller safely
// retryable.
func (c *Controller) StartSimulation(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot start in state %q: %w", state, ErrNotIdle)
	}
	c.setStateLocked(ctx, StateStarting)
	c.mu.Unlock()

	result, err := c.server.Start(ctx, c.cfg.Platform, c.serverOptions())
	if err != nil {
		c.logger.Warn(ctx, err, "simulation start failed", "platform", c.cfg.Platform)
		c.setState(ctx, StateIdle)
		return fmt.Errorf("starting simulation: %w", err)
	}

	c.project.SetRoots(result.ProjectRoot, result.Root)

	simPath := c.cfg.ResolveSimulationPath(result.ProjectRoot)
	if err := os.MkdirAll(simPath, 0o755); err != nil {
		c.logger.Warn(ctx, err, "simulation directory provisioning failed", "path", simPath)
		if stopErr := c.server.Stop(ctx); stopErr != nil {
			c.logger.Warn(ctx, stopErr, "server stop after failed provisioning")
		}
		c.project.Reset()
		c.setState(ctx, StateIdle)
		return fmt.Errorf("provisioning simulation directory %s: %w", simPath, err)
	}

	c.setState(ctx, StateRunning)
	c.logger.Info(ctx, "simulation running",
		"projectRoot", result.ProjectRoot, "root", result.Root, "simulationPath", simPath)
	return nil
}

// StopSimulation stops the server and resets transient project state.
// Rejected synchronously with ErrAlreadyIdle when already idle.
func (c *Controller) StopSimulation(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("cannot stop: %w", ErrAlreadyIdle)
	}
	c.setStateLocked(ctx, StateStopping)
	c.mu.Unlock()

	err := c.server.Stop(ctx)
	if err != nil {
		c.logger.Warn(ctx, err, "server stop reported an error")
	}

	c.project.Reset()
	c.setState(ctx, StateIdle)
	c.logger.Info(ctx, "simulation stopped")
	return err
}

func (c *Controller) serverOptions() ServerOptions {
	return ServerOptions{
		Port:        c.cfg.Port,
		Dir:         c.cfg.Dir,
		SimHostRoot: c.simHostRoot,
		CORSProxy:   c.cfg.CORSProxy,
		TouchEvents: c.cfg.TouchEvents,
		Telemetry:   c.cfg.Telemetry,
	}
}

func (c *Controller) setState(ctx context.Context, to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(ctx, to)
}

func (c *Controller) setStateLocked(ctx context.Context, to State) {
	from := c.state
	c.state = to
	c.metrics.IncTransition(from.String(), to.String())
	c.logger.Debug(ctx, "state transition", "from", from.String(), "to", to.String())
}
