package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/notify"
)

const sourceObserver = "observer"

// changeBuffer bounds queued batches while the loop is mid-scan. Batches
// arrive at most once per debounce window, so a scan lasting seconds
// queues a handful at worst.
const changeBuffer = 16

// ChangeBatch is one debounced group of filesystem changes.
type ChangeBatch struct {
	// Paths are the changed files, slash-separated and relative to root
	Paths []string

	// Affected are the checker names the changed paths map to. Empty
	// means nothing matched and the caller should assume anything could
	// be stale.
	Affected []string

	// At is when the batch was flushed
	At time.Time
}

// Observer watches the project tree and emits debounced change batches.
// When the underlying watcher dies the observer marks itself down and
// raises an advisory; manual scans keep working without it.
type Observer struct {
	root     string
	debounce time.Duration
	bus      *events.Bus
	notifier *notify.Arbiter

	watcher *fsnotify.Watcher

	// fsEvents and fsErrors alias the watcher's channels so tests can
	// drive the loop without touching the filesystem.
	fsEvents <-chan fsnotify.Event
	fsErrors <-chan error

	out chan ChangeBatch

	mu    sync.Mutex
	alive bool
}

// NewObserver creates an observer watching every non-ignored directory
// under root, narrowed to the given root-relative subdirectories when
// dirs is non-empty. Debounce defaults to 2s when non-positive.
func NewObserver(root string, dirs []string, debounce time.Duration, bus *events.Bus, notifier *notify.Arbiter) (*Observer, error) {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	o := &Observer{
		root:     root,
		debounce: debounce,
		bus:      bus,
		notifier: notifier,
		watcher:  watcher,
		fsEvents: watcher.Events,
		fsErrors: watcher.Errors,
		out:      make(chan ChangeBatch, changeBuffer),
		alive:    true,
	}

	trees := []string{root}
	if len(dirs) > 0 {
		trees = trees[:0]
		for _, d := range dirs {
			trees = append(trees, filepath.Join(root, d))
		}
	}
	for _, tree := range trees {
		if err := o.watchTree(tree); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", tree, err)
		}
	}

	// A fresh observer supersedes any advisory left by a dead one
	if notifier != nil {
		notifier.Clear(notify.KindWatcherUnavailable)
	}

	return o, nil
}

// watchTree registers root and every non-ignored, non-hidden directory
// below it. Directories that disappear mid-walk are skipped.
func (o *Observer) watchTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && skipWatchDir(info.Name()) {
			return filepath.SkipDir
		}
		if err := o.watcher.Add(path); err != nil {
			if path == root {
				return err
			}
			fmt.Fprintf(os.Stderr, "warning: cannot watch %s: %v\n", path, err)
		}
		return nil
	})
}

// skipWatchDir mirrors the checkers' walk exclusions and additionally
// skips hidden directories, which keeps the observer from feeding on
// its own state directory.
func skipWatchDir(name string) bool {
	return checker.IgnoredDir(name) || strings.HasPrefix(name, ".")
}

// Run pumps watcher events into debounced batches until ctx is canceled
// or the watcher dies. The watcher is closed on exit.
func (o *Observer) Run(ctx context.Context) {
	defer o.watcher.Close()

	pending := make(map[string]bool)
	var flushC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-o.fsEvents:
			if !ok {
				o.markDown("event channel closed")
				return
			}
			if !relevantOp(ev) {
				continue
			}
			o.maybeWatchCreatedDir(ev)
			pending[ev.Name] = true
			// Trailing debounce: the batch flushes after a quiet window
			flushC = time.After(o.debounce)

		case err, ok := <-o.fsErrors:
			if !ok {
				o.markDown("error channel closed")
				return
			}
			fmt.Fprintf(os.Stderr, "warning: file watcher error: %v\n", err)

		case <-flushC:
			o.flush(pending)
			pending = make(map[string]bool)
			flushC = nil
		}
	}
}

// Changes returns the stream of flushed batches.
func (o *Observer) Changes() <-chan ChangeBatch {
	return o.out
}

// Alive reports whether the watcher is still delivering events.
func (o *Observer) Alive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.alive
}

// Close releases the watcher. Safe to call whether or not Run started.
func (o *Observer) Close() error {
	return o.watcher.Close()
}

func relevantOp(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

// maybeWatchCreatedDir extends the watch set when a directory appears.
// fsnotify watches are not recursive, so a created tree must be walked.
func (o *Observer) maybeWatchCreatedDir(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil || !info.IsDir() {
		return
	}
	if skipWatchDir(filepath.Base(ev.Name)) {
		return
	}
	if err := o.watchTree(ev.Name); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot watch new directory %s: %v\n", ev.Name, err)
	}
}

// flush publishes one batch and hands it to the loop. A full queue drops
// the batch with a warning; the paths will be stale-scanned on the next
// change anyway.
func (o *Observer) flush(pending map[string]bool) {
	if len(pending) == 0 {
		return
	}

	paths := make([]string, 0, len(pending))
	for p := range pending {
		rel, err := filepath.Rel(o.root, p)
		if err != nil {
			rel = p
		}
		paths = append(paths, filepath.ToSlash(rel))
	}
	sort.Strings(paths)

	affected := affectedCheckers(paths)
	batch := ChangeBatch{Paths: paths, Affected: affected, At: time.Now()}

	if o.bus != nil {
		o.bus.Publish(events.NewFileChangedEvent(sourceObserver, paths, affected))
	}

	select {
	case o.out <- batch:
	default:
		fmt.Fprintf(os.Stderr, "warning: dropping change batch of %d path(s): agent is backlogged\n", len(paths))
	}
}

func (o *Observer) markDown(reason string) {
	o.mu.Lock()
	o.alive = false
	o.mu.Unlock()

	fmt.Fprintf(os.Stderr, "warning: file watcher unavailable: %s\n", reason)
	if o.notifier != nil {
		o.notifier.Raise(notify.KindWatcherUnavailable,
			"file watcher unavailable ("+reason+"): automatic scans are off, manual scans still work",
			map[string]interface{}{"reason": reason})
	}
}

// sourceExtensions mirrors the large-files checker's measured set.
var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".rs": true, ".c": true, ".cc": true, ".cpp": true, ".h": true,
}

// cruftExtensions and cruftNames mirror the workspace checker's cruft
// patterns closely enough for routing; the checker itself is the
// authority on what actually fails.
var cruftExtensions = map[string]bool{
	".bak": true, ".tmp": true, ".temp": true, ".old": true,
	".swp": true, ".swo": true,
}

var cruftNames = map[string]bool{
	".DS_Store": true, "Thumbs.db": true,
}

// affectedCheckers routes changed paths to the checkers that read them.
// The result is sorted and deduplicated; an empty result means the batch
// matched no routing rule.
func affectedCheckers(paths []string) []string {
	hit := make(map[string]bool)
	for _, p := range paths {
		base := filepath.Base(p)
		ext := strings.ToLower(filepath.Ext(base))

		switch base {
		case "go.mod", "go.sum":
			hit["deps"] = true
		case ".gitignore":
			hit["gitignore"] = true
		}

		if strings.HasPrefix(base, "README") {
			hit["workspace"] = true
		}
		if cruftNames[base] || cruftExtensions[ext] || strings.HasSuffix(base, "~") {
			// Cruft is workspace's finding and gitignore's coverage gap
			hit["workspace"] = true
			hit["gitignore"] = true
		}
		if base == ".env" || strings.HasPrefix(base, ".env.") ||
			ext == ".pem" || ext == ".key" {
			hit["gitignore"] = true
		}
		if sourceExtensions[ext] {
			hit["largefiles"] = true
		}
	}

	if len(hit) == 0 {
		return nil
	}
	out := make([]string, 0, len(hit))
	for name := range hit {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
