package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appsim/simulate/internal/config"
	"github.com/appsim/simulate/internal/logging"
)

type fakeServer struct {
	mu         sync.Mutex
	result     StartResult
	startErr   error
	stopErr    error
	startCalls int
	stopCalls  int
	urls       *URLs
	onStart    func()
}

func (f *fakeServer) Start(ctx context.Context, platform string, opts ServerOptions) (StartResult, error) {
	f.mu.Lock()
	f.startCalls++
	onStart := f.onStart
	f.mu.Unlock()

	if onStart != nil {
		onStart()
	}
	if f.startErr != nil {
		return StartResult{}, f.startErr
	}

	f.mu.Lock()
	f.urls = &URLs{
		Root:    "http://localhost:8000",
		App:     "http://localhost:8000/index.html",
		SimHost: "http://localhost:8000/simulator/index.html",
	}
	f.mu.Unlock()
	return f.result, nil
}

func (f *fakeServer) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.urls = nil
	return f.stopErr
}

func (f *fakeServer) URLs() *URLs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls
}

type recordingProject struct {
	mu           sync.Mutex
	projectRoot  string
	platformRoot string
	setCalls     int
	resetCalls   int
}

func (r *recordingProject) SetRoots(projectRoot, platformRoot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projectRoot = projectRoot
	r.platformRoot = platformRoot
	r.setCalls++
}

func (r *recordingProject) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projectRoot = ""
	r.platformRoot = ""
	r.resetCalls++
}

func newTestController(t *testing.T, srv *fakeServer, proj *recordingProject, cfg *config.Config) *Controller {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{Platform: "browser"}
	}
	return NewController(cfg, srv, proj, logging.NewLogger(nil), nil)
}

func TestStartSimulationSuccessSequence(t *testing.T) {
	projectRoot := t.TempDir()
	srv := &fakeServer{result: StartResult{
		ProjectRoot: projectRoot,
		Root:        filepath.Join(projectRoot, "platforms", "browser", "www"),
	}}
	proj := &recordingProject{}
	c := newTestController(t, srv, proj, nil)

	// Pre-start: idle, no URLs.
	assert.Equal(t, StateIdle, c.State())
	assert.True(t, c.IsIdle())
	assert.False(t, c.IsActive())
	assert.Empty(t, c.URLRoot())
	assert.Empty(t, c.AppURL())
	assert.Empty(t, c.SimHostURL())

	// Observe the intermediate state from inside the server start.
	srv.onStart = func() {
		assert.Equal(t, StateStarting, c.State())
		assert.True(t, c.IsActive())
	}

	require.NoError(t, c.StartSimulation(context.Background()))

	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.IsActive())
	assert.False(t, c.IsIdle())
	assert.Equal(t, "http://localhost:8000", c.URLRoot())
	assert.Equal(t, "http://localhost:8000/index.html", c.AppURL())
	assert.Equal(t, "http://localhost:8000/simulator/index.html", c.SimHostURL())

	// Project roots configured and simulation directory provisioned.
	assert.Equal(t, 1, proj.setCalls)
	assert.Equal(t, projectRoot, proj.projectRoot)
	info, err := os.Stat(filepath.Join(projectRoot, "simulation"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStartSimulationRejectedWhenNotIdle(t *testing.T) {
	srv := &fakeServer{result: StartResult{ProjectRoot: t.TempDir()}}
	c := newTestController(t, srv, &recordingProject{}, nil)

	require.NoError(t, c.StartSimulation(context.Background()))
	require.Equal(t, StateRunning, c.State())

	err := c.StartSimulation(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotIdle)

	// Rejection mutates nothing.
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, 1, srv.startCalls)
}

func TestStopSimulationRejectedWhenIdle(t *testing.T) {
	srv := &fakeServer{}
	c := newTestController(t, srv, &recordingProject{}, nil)

	err := c.StopSimulation(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyIdle)
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, srv.stopCalls)
}

func TestStartSimulationFailureResetsToIdle(t *testing.T) {
	boom := errors.New("port in use")
	srv := &fakeServer{startErr: boom}
	proj := &recordingProject{}
	c := newTestController(t, srv, proj, nil)

	err := c.StartSimulation(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// Back to idle with no project mutation; safely retryable.
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, proj.setCalls)
	assert.Empty(t, c.URLRoot())

	srv.startErr = nil
	srv.result = StartResult{ProjectRoot: t.TempDir()}
	assert.NoError(t, c.StartSimulation(context.Background()))
	assert.Equal(t, StateRunning, c.State())
}

func TestStopSimulationResetsProject(t *testing.T) {
	srv := &fakeServer{result: StartResult{ProjectRoot: t.TempDir()}}
	proj := &recordingProject{}
	c := newTestController(t, srv, proj, nil)

	require.NoError(t, c.StartSimulation(context.Background()))

	srv.onStart = nil
	require.NoError(t, c.StopSimulation(context.Background()))

	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, srv.stopCalls)
	assert.Equal(t, 1, proj.resetCalls)
	assert.Empty(t, c.URLRoot())
}

func TestStopSimulationSurfacesServerErrorButStillResets(t *testing.T) {
	srv := &fakeServer{result: StartResult{ProjectRoot: t.TempDir()}, stopErr: errors.New("stuck socket")}
	proj := &recordingProject{}
	c := newTestController(t, srv, proj, nil)

	require.NoError(t, c.StartSimulation(context.Background()))

	err := c.StopSimulation(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, proj.resetCalls)
}

func TestSimulationPathOverride(t *testing.T) {
	projectRoot := t.TempDir()
	override := filepath.Join(t.TempDir(), "custom", "sim")
	srv := &fakeServer{result: StartResult{ProjectRoot: projectRoot}}
	cfg := &config.Config{Platform: "browser", SimulationPath: override}
	c := newTestController(t, srv, &recordingProject{}, cfg)

	require.NoError(t, c.StartSimulation(context.Background()))

	info, err := os.Stat(override)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Default location untouched.
	_, err = os.Stat(filepath.Join(projectRoot, "simulation"))
	assert.True(t, os.IsNotExist(err))
}

func TestSimulationDirProvisioningFailureRollsBack(t *testing.T) {
	projectRoot := t.TempDir()
	// Occupy the default path with a file so MkdirAll fails.
	require.NoError(t, os.WriteFile(filepath.Join(projectRoot, "simulation"), []byte("x"), 0o644))

	srv := &fakeServer{result: StartResult{ProjectRoot: projectRoot}}
	proj := &recordingProject{}
	c := newTestController(t, srv, proj, nil)

	err := c.StartSimulation(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, srv.stopCalls)
	assert.Equal(t, 1, proj.resetCalls)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
