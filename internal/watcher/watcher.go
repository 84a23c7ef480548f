// Package watcher discovers completed files in a directory tree.
//
// New files are reported by fsnotify. A file becomes ready once it matches
// one of the supported patterns and its size and modification time have
// not changed for the settle period; ready files are handed out one at a
// time by Dequeue. Each file is handed out once per creation.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"dcollector/internal/logging"
)

// DefaultSettle is the quiet period used when Config.Settle is zero.
const DefaultSettle = 2 * time.Second

// handedSweep is how often handed-out paths are checked for removal.
const handedSweep = time.Minute

var (
	// ErrAlreadyStarted is returned by Start on a running watcher.
	ErrAlreadyStarted = errors.New("watcher already started")
	// ErrRootGone is reported on Err when the watched directory disappears.
	ErrRootGone = errors.New("watched directory removed")
)

// Config configures a Watcher.
type Config struct {
	Path         string
	Recursive    bool
	Patterns     []string // doublestar patterns; base-name patterns match in any directory
	Settle       time.Duration
	ScanExisting bool
	Logger       *slog.Logger
}

// candidate tracks a file that has not settled yet.
type candidate struct {
	size    int64
	modTime time.Time
	changed time.Time
}

// Watcher is a discovery source backed by fsnotify.
type Watcher struct {
	root      string
	recursive bool
	patterns  []string
	settle    time.Duration
	scan      bool
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*candidate
	ready   []string
	handed  map[string]bool
	swept   time.Time
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
}

// New validates cfg and returns a stopped Watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watcher: path is required")
	}
	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve %s: %w", cfg.Path, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watcher: %s is not a directory", root)
	}
	for _, p := range cfg.Patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("watcher: invalid pattern %q", p)
		}
	}

	settle := cfg.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}

	return &Watcher{
		root:      root,
		recursive: cfg.Recursive,
		patterns:  cfg.Patterns,
		settle:    settle,
		scan:      cfg.ScanExisting,
		logger:    logging.Default(cfg.Logger).With("component", "watcher", "path", root),
		now:       time.Now,
		pending:   make(map[string]*candidate),
		handed:    make(map[string]bool),
		errCh:     make(chan error, 1),
	}, nil
}

// String names the watcher in logs.
func (w *Watcher) String() string {
	return "watcher(" + w.root + ")"
}

// Start begins watching. It returns once the watches are installed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.running = true
	w.mu.Unlock()

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		// addTree tracks existing files, which takes w.mu.
		if err = w.addTree(fw, w.root, w.scan); err != nil {
			_ = fw.Close()
		}
	}
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	w.wg.Go(func() { w.loop(ctx, fw) })

	w.logger.Info("watching for new files",
		"recursive", w.recursive,
		"patterns", w.patterns,
		"settle", w.settle)
	return nil
}

// Stop ends watching and waits for the event loop to exit. Files that were
// ready but not dequeued stay queued. Stop on a stopped watcher is a no-op.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	w.logger.Info("stopped watching")
	return nil
}

// Dequeue returns the next ready file. It never blocks.
func (w *Watcher) Dequeue() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ready) == 0 {
		return "", false
	}
	path := w.ready[0]
	w.ready[0] = ""
	w.ready = w.ready[1:]
	return path, true
}

// Err reports fatal watcher errors. At most one error is delivered.
func (w *Watcher) Err() <-chan error {
	return w.errCh
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer func() { _ = fw.Close() }()

	ticker := time.NewTicker(max(w.settle/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				w.fail(errors.New("fsnotify event channel closed"))
				return
			}
			if w.handleEvent(fw, event) {
				return
			}

		case err, ok := <-fw.Errors:
			if !ok {
				w.fail(errors.New("fsnotify error channel closed"))
				return
			}
			w.logger.Warn("fsnotify error", "error", err)

		case <-ticker.C:
			if _, err := os.Stat(w.root); err != nil {
				w.fail(fmt.Errorf("%w: %w", ErrRootGone, err))
				return
			}
			w.promote()
		}
	}
}

// handleEvent applies one fsnotify event. It returns true when the watcher
// can no longer continue.
func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event) bool {
	path := filepath.Clean(event.Name)

	if path == w.root && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
		w.fail(ErrRootGone)
		return true
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if info.IsDir() {
			if w.recursive {
				// Files may land in the new directory before the watch exists.
				if err := w.addTree(fw, path, true); err != nil {
					w.logger.Warn("failed to watch directory", "dir", path, "error", err)
				}
			}
			return false
		}
		w.track(path, info, true)

	case event.Has(fsnotify.Write), event.Has(fsnotify.Chmod):
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			w.track(path, info, false)
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.pending, path)
		delete(w.handed, path)
		w.mu.Unlock()
	}
	return false
}

// track records a matching regular file as a settle candidate. created is
// true for newly created files, which may be handed out again even if the
// same path was handed out before.
func (w *Watcher) track(path string, info fs.FileInfo, created bool) {
	if !info.Mode().IsRegular() || !w.matches(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if created {
		delete(w.handed, path)
	}
	if w.handed[path] {
		return
	}
	c, ok := w.pending[path]
	if !ok {
		w.pending[path] = &candidate{size: info.Size(), modTime: info.ModTime(), changed: w.now()}
		return
	}
	c.size = info.Size()
	c.modTime = info.ModTime()
	c.changed = w.now()
}

// promote moves settled candidates to the ready queue.
func (w *Watcher) promote() {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for path, c := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != c.size || !info.ModTime().Equal(c.modTime) {
			c.size = info.Size()
			c.modTime = info.ModTime()
			c.changed = now
			continue
		}
		if now.Sub(c.changed) < w.settle {
			continue
		}
		delete(w.pending, path)
		w.handed[path] = true
		w.ready = append(w.ready, path)
		w.logger.Debug("file ready", "file", path, "size", c.size)
	}

	if now.Sub(w.swept) >= handedSweep {
		w.sweepHanded()
		w.swept = now
	}
}

// sweepHanded forgets handed-out files that no longer exist, covering
// removals whose events were missed or coalesced. The caller holds w.mu.
func (w *Watcher) sweepHanded() {
	for path := range w.handed {
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			delete(w.handed, path)
		}
	}
}

// addTree watches dir (and its subdirectories when recursive). When scan is
// true, matching files already present are tracked as candidates.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string, scan bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if path != dir && !w.recursive {
				return filepath.SkipDir
			}
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		if scan && d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				w.track(path, info, false)
			}
		}
		return nil
	})
}

// matches reports whether path matches a supported pattern. Patterns
// without a separator match the base name; others match the path relative
// to the root. No patterns means every file matches.
func (w *Watcher) matches(path string) bool {
	if len(w.patterns) == 0 {
		return true
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(path)

	for _, p := range w.patterns {
		target := rel
		if !strings.Contains(p, "/") {
			target = base
		}
		if ok, _ := doublestar.Match(p, target); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) fail(err error) {
	w.logger.Error("watcher failed", "error", err)
	select {
	case w.errCh <- err:
	default:
	}
}
