package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appsim/simulate/internal/logging"
)

func newTestWatcher(t *testing.T, root string) *FileWatcher {
	t.Helper()
	fw, err := New(root, logging.NewLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fw.Stop() })
	return fw
}

func TestToEvent(t *testing.T) {
	root := t.TempDir()
	fw := newTestWatcher(t, root)

	tests := []struct {
		name     string
		abs      string
		expected Event
	}{
		{
			name:     "nested file splits parent dir",
			abs:      filepath.Join(root, "www", "index.html"),
			expected: Event{FileRelativePath: "index.html", ParentDir: "www"},
		},
		{
			name:     "deeply nested file keeps remainder relative",
			abs:      filepath.Join(root, "www", "css", "app.css"),
			expected: Event{FileRelativePath: "css/app.css", ParentDir: "www"},
		},
		{
			name:     "file at root has empty parent",
			abs:      filepath.Join(root, "config.xml"),
			expected: Event{FileRelativePath: "config.xml", ParentDir: ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := fw.toEvent(tt.abs)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ev)
		})
	}
}

func TestToEventRejectsOutsideRoot(t *testing.T) {
	fw := newTestWatcher(t, t.TempDir())

	_, err := fw.toEvent(filepath.Join(t.TempDir(), "elsewhere.txt"))
	assert.Error(t, err)
}

func TestWatcherDeliversWriteEvents(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "www"), 0o755))

	fw := newTestWatcher(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	// Give the watch registration a moment on slower filesystems.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(root, "www", "index.html")
	require.NoError(t, os.WriteFile(path, []byte("<html></html>"), 0o644))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			if ev.FileRelativePath == "index.html" && ev.ParentDir == "www" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for change event")
		}
	}
}

func TestWatcherIgnoresFilteredPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "www"), 0o755))

	fw := newTestWatcher(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	time.Sleep(50 * time.Millisecond)

	// Temp-style file should be filtered; the real file should arrive.
	require.NoError(t, os.WriteFile(filepath.Join(root, "www", "index.html.swp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "www", "index.html"), []byte("y"), 0o644))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			require.NotEqual(t, "index.html.swp", ev.FileRelativePath)
			if ev.FileRelativePath == "index.html" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for change event")
		}
	}
}

func TestWatcherIgnoresPlatformOutput(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "www"), 0o755))
	platformWWW := filepath.Join(root, "platforms", "browser", "www")
	require.NoError(t, os.MkdirAll(platformWWW, 0o755))

	fw := newTestWatcher(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	time.Sleep(50 * time.Millisecond)

	// A copy landing in the platform output must not re-enter the event
	// stream, or every propagation would trigger another propagation.
	require.NoError(t, os.WriteFile(filepath.Join(platformWWW, "index.html"), []byte("copied"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "www", "index.html"), []byte("edited"), 0o644))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			require.NotEqual(t, "platforms", ev.ParentDir,
				"platform output writes must never produce change events")
			if ev.FileRelativePath == "index.html" && ev.ParentDir == "www" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the source change event")
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fw := newTestWatcher(t, t.TempDir())

	assert.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}

func TestFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter FileFilter
		path   string
		keep   bool
	}{
		{"git dir excluded", NoGitFilter, "/proj/.git/HEAD", false},
		{"regular path kept by git filter", NoGitFilter, "/proj/www/index.html", true},
		{"swap file excluded", NoTempFilter, "/proj/www/index.html.swp", false},
		{"backup tilde excluded", NoTempFilter, "/proj/www/index.html~", false},
		{"emacs lock excluded", NoTempFilter, "/proj/www/.#index.html", false},
		{"regular file kept by temp filter", NoTempFilter, "/proj/www/index.html", true},
		{"simulation dir excluded", NoSimulationFilter, "/proj/simulation/state.json", false},
		{"regular path kept by simulation filter", NoSimulationFilter, "/proj/www/app.js", true},
		{"platform output excluded", NoPlatformsFilter, "/proj/platforms/browser/www/index.html", false},
		{"platforms dir itself excluded", NoPlatformsFilter, "/proj/platforms", false},
		{"regular path kept by platforms filter", NoPlatformsFilter, "/proj/www/app.js", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.keep, tt.filter(tt.path))
		})
	}
}
