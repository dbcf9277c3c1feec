package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/notify"
)

func TestAffectedCheckers(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  []string
	}{
		{"module file", []string{"go.mod"}, []string{"deps"}},
		{"lock file", []string{"go.sum"}, []string{"deps"}},
		{"ignore file", []string{".gitignore"}, []string{"gitignore"}},
		{"source file", []string{"cmd/main.go"}, []string{"largefiles"}},
		{"readme", []string{"README.md"}, []string{"workspace"}},
		{"cruft", []string{"old.bak"}, []string{"gitignore", "workspace"}},
		{"editor swap", []string{"main.go.swp"}, []string{"gitignore", "workspace"}},
		{"secret", []string{".env"}, []string{"gitignore"}},
		{"key material", []string{"certs/server.pem"}, []string{"gitignore"}},
		{"unmapped", []string{"notes.txt"}, nil},
		{
			"mixed batch dedupes and sorts",
			[]string{"go.mod", "pkg/a.go", "pkg/b.go", "docs/notes.txt"},
			[]string{"deps", "largefiles"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, affectedCheckers(tt.paths))
		})
	}
}

func TestSkipWatchDir(t *testing.T) {
	assert.True(t, skipWatchDir("node_modules"))
	assert.True(t, skipWatchDir(".git"))
	assert.True(t, skipWatchDir(".pulse"))
	assert.True(t, skipWatchDir("vendor"))
	assert.False(t, skipWatchDir("cmd"))
	assert.False(t, skipWatchDir("internal"))
}

// newChannelObserver builds an observer whose event loop is fed by the
// returned channels instead of the real watcher.
func newChannelObserver(t *testing.T, debounce time.Duration, bus *events.Bus, notifier *notify.Arbiter) (*Observer, chan fsnotify.Event, chan error) {
	t.Helper()

	o, err := NewObserver(t.TempDir(), nil, debounce, bus, notifier)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	fsEvents := make(chan fsnotify.Event, 16)
	fsErrors := make(chan error, 1)
	o.fsEvents = fsEvents
	o.fsErrors = fsErrors
	return o, fsEvents, fsErrors
}

func TestObserverBatchesChanges(t *testing.T) {
	bus := events.NewBus(nil)
	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	o, fsEvents, _ := newChannelObserver(t, 50*time.Millisecond, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// Two writes and a duplicate inside one debounce window
	fsEvents <- fsnotify.Event{Name: filepath.Join(o.root, "go.mod"), Op: fsnotify.Write}
	fsEvents <- fsnotify.Event{Name: filepath.Join(o.root, "main.go"), Op: fsnotify.Create}
	fsEvents <- fsnotify.Event{Name: filepath.Join(o.root, "go.mod"), Op: fsnotify.Write}

	select {
	case batch := <-o.Changes():
		assert.Equal(t, []string{"go.mod", "main.go"}, batch.Paths)
		assert.Equal(t, []string{"deps", "largefiles"}, batch.Affected)
		assert.False(t, batch.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change batch")
	}

	ev := recvAgentEvent(t, sub)
	assert.Equal(t, events.EventTypeFileChanged, ev.Type)
	assert.Equal(t, "observer", ev.Source)
	assert.Equal(t, []string{"go.mod", "main.go"}, ev.Payload["files"])
	assert.Equal(t, 2, ev.Payload["file_count"])
}

func TestObserverIgnoresIrrelevantOps(t *testing.T) {
	o, fsEvents, _ := newChannelObserver(t, 30*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	fsEvents <- fsnotify.Event{Name: filepath.Join(o.root, "main.go"), Op: fsnotify.Chmod}

	select {
	case batch := <-o.Changes():
		t.Fatalf("unexpected batch for chmod: %v", batch.Paths)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestObserverMarksDownOnClosedChannel(t *testing.T) {
	arbiter := notify.NewArbiter()
	o, fsEvents, _ := newChannelObserver(t, 30*time.Millisecond, nil, arbiter)

	require.True(t, o.Alive())
	require.False(t, arbiter.IsActive(notify.KindWatcherUnavailable))

	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()

	close(fsEvents)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not stop after channel closure")
	}

	assert.False(t, o.Alive())
	require.True(t, arbiter.IsActive(notify.KindWatcherUnavailable))

	active := arbiter.Active()
	require.Len(t, active, 1)
	assert.Contains(t, active[0].Message, "manual scans still work")
}

// TestObserverWatchesRealTree exercises the actual fsnotify wiring: writes
// under watched directories flush a batch, writes under ignored directories
// never register.
func TestObserverWatchesRealTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "lib"), 0o755))

	o, err := NewObserver(root, nil, 100*time.Millisecond, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "lib", "x.js"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "file.go"), []byte("package pkg"), 0o644))

	select {
	case batch := <-o.Changes():
		assert.Contains(t, batch.Paths, "pkg/file.go")
		for _, p := range batch.Paths {
			assert.NotContains(t, p, "node_modules")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change batch")
	}
}

// TestObserverScopedWatchDirs narrows the watch set to one subdirectory
// and verifies changes elsewhere in the root never surface.
func TestObserverScopedWatchDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))

	o, err := NewObserver(root, []string{"src"}, 100*time.Millisecond, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "notes.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main"), 0o644))

	select {
	case batch := <-o.Changes():
		assert.Equal(t, []string{"src/main.go"}, batch.Paths)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change batch")
	}
}

func recvAgentEvent(t *testing.T, sub *events.Subscription) *events.AgentEvent {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
