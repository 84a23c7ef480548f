package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"dcollector/internal/staging"
)

// fakeSource hands out a fixed list of paths.
type fakeSource struct {
	mu       sync.Mutex
	queue    []string
	startErr error
	started  bool
	stopped  bool
	errCh    chan error
}

func newFakeSource(paths ...string) *fakeSource {
	return &fakeSource{queue: paths, errCh: make(chan error, 1)}
}

func (s *fakeSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, true
}

func (s *fakeSource) Err() <-chan error { return s.errCh }

func (s *fakeSource) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *fakeSource) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func testConfig(t *testing.T, src Source, handler Handler) Config {
	t.Helper()
	return Config{
		Datatype:     "csv",
		Topic:        "collector",
		RunID:        "run-1",
		Source:       src,
		NewHandler:   func(*staging.Root) (Handler, error) { return handler, nil },
		LocalStaging: t.TempDir(),
		Workers:      2,
		Interval:     10 * time.Millisecond,
	}
}

// startAsync runs Start in the background and returns its result channel.
func startAsync(c *Collector, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("collector did not stop")
		return nil
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error")
	}

	cfg := testConfig(t, newFakeSource(), func(context.Context, string, string) bool { return true })
	cfg.Interval = 0
	if _, err := New(cfg); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestNewHandlerErrorRemovesStaging(t *testing.T) {
	var rootPath string
	cfg := testConfig(t, newFakeSource(), nil)
	cfg.NewHandler = func(root *staging.Root) (Handler, error) {
		rootPath = root.Path()
		return nil, errors.New("no pipeline")
	}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(rootPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging root left behind: %v", err)
	}
}

func TestCollectorDispatchesFiles(t *testing.T) {
	paths := []string{"/in/a", "/in/b", "/in/c", "/in/d", "/in/e"}
	src := newFakeSource(paths...)

	var mu sync.Mutex
	var handled []string
	all := make(chan struct{})
	handler := func(_ context.Context, workerID, path string) bool {
		mu.Lock()
		defer mu.Unlock()
		if workerID != "worker-1" && workerID != "worker-2" {
			t.Errorf("unexpected worker %q", workerID)
		}
		handled = append(handled, path)
		if len(handled) == len(paths) {
			close(all)
		}
		return true
	}

	c, err := New(testConfig(t, src, handler))
	if err != nil {
		t.Fatal(err)
	}
	dir := c.StagingDir()
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("staging root not created: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(dir), StagingPrefix) {
		t.Errorf("staging root %q lacks prefix", dir)
	}

	done := startAsync(c, context.Background())
	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("not every file was handled")
	}
	c.Kill()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Start: %v", err)
	}

	slices.Sort(handled)
	if !slices.Equal(handled, paths) {
		t.Errorf("handled %v, want %v", handled, paths)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %v", c.State())
	}
	if !src.isStopped() {
		t.Error("source not stopped")
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging root not removed: %v", err)
	}
}

func TestCollectorKillWaitsForInFlightTasks(t *testing.T) {
	src := newFakeSource("/in/a", "/in/b")

	started := make(chan string, 2)
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(2)
	handler := func(_ context.Context, _, path string) bool {
		started <- path
		<-release
		finished.Done()
		return true
	}

	c, err := New(testConfig(t, src, handler))
	if err != nil {
		t.Fatal(err)
	}
	done := startAsync(c, context.Background())

	for range 2 {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks did not start")
		}
	}

	c.Kill()
	if s := c.State(); s != StateStopping {
		t.Errorf("state after Kill = %v, want stopping", s)
	}

	select {
	case err := <-done:
		t.Fatalf("Start returned with tasks in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if _, err := os.Stat(c.StagingDir()); err != nil {
		t.Fatalf("staging root removed while tasks were running: %v", err)
	}

	close(release)
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}
	finished.Wait()
	if _, err := os.Stat(c.StagingDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging root not removed: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %v", c.State())
	}
}

func TestCollectorRunsEveryDequeuedFileAfterKillAndCancel(t *testing.T) {
	paths := []string{"/in/a", "/in/b", "/in/c"}
	src := newFakeSource(paths...)

	release := make(chan struct{})
	var mu sync.Mutex
	var handled []string
	handler := func(_ context.Context, _, path string) bool {
		<-release
		mu.Lock()
		handled = append(handled, path)
		mu.Unlock()
		return true
	}

	cfg := testConfig(t, src, handler)
	cfg.Workers = 1
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := startAsync(c, ctx)

	// The single worker is stuck on a while b and c wait in the pool.
	deadline := time.Now().Add(5 * time.Second)
	for src.remaining() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("source was not drained while the worker was busy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Kill()
	cancel()

	// The poll loop must exit promptly and stop the source even though
	// no task has finished.
	deadline = time.Now().Add(2 * time.Second)
	for !src.isStopped() {
		if time.Now().After(deadline) {
			t.Fatal("poll loop did not exit after Kill while the worker was busy")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case err := <-done:
		t.Fatalf("Start returned with tasks pending: %v", err)
	default:
	}

	close(release)
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}
	slices.Sort(handled)
	if !slices.Equal(handled, paths) {
		t.Errorf("handled %v, want %v", handled, paths)
	}
}

func TestCollectorContextCancel(t *testing.T) {
	c, err := New(testConfig(t, newFakeSource(), func(context.Context, string, string) bool { return true }))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := startAsync(c, ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()

	if err := waitDone(t, done); err != nil {
		t.Errorf("Start: %v", err)
	}
	if _, err := os.Stat(c.StagingDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging root not removed: %v", err)
	}
}

func TestCollectorSourceErrorIsFatal(t *testing.T) {
	src := newFakeSource()
	c, err := New(testConfig(t, src, func(context.Context, string, string) bool { return true }))
	if err != nil {
		t.Fatal(err)
	}
	done := startAsync(c, context.Background())

	rootGone := errors.New("watched directory removed")
	src.errCh <- rootGone

	err = waitDone(t, done)
	if !errors.Is(err, ErrSourceFailed) || !errors.Is(err, rootGone) {
		t.Errorf("Start = %v, want ErrSourceFailed wrapping the source error", err)
	}
	if _, err := os.Stat(c.StagingDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging root not removed: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %v", c.State())
	}
}

func TestCollectorSourceStartFailure(t *testing.T) {
	src := newFakeSource()
	src.startErr = errors.New("permission denied")
	c, err := New(testConfig(t, src, func(context.Context, string, string) bool { return true }))
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Start(context.Background()); !errors.Is(err, src.startErr) {
		t.Errorf("Start = %v", err)
	}
	if _, err := os.Stat(c.StagingDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging root not removed: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state = %v", c.State())
	}
}

func TestCollectorStartOnce(t *testing.T) {
	c, err := New(testConfig(t, newFakeSource(), func(context.Context, string, string) bool { return true }))
	if err != nil {
		t.Fatal(err)
	}
	c.Kill()
	c.Kill()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start after Kill: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestCollectorRetainStaged(t *testing.T) {
	src := newFakeSource("/in/data.log", "/in/ok.log")
	var root *staging.Root
	done2 := make(chan struct{}, 2)

	cfg := testConfig(t, src, nil)
	cfg.RetainStaged = true
	cfg.NewHandler = func(r *staging.Root) (Handler, error) {
		root = r
		return func(_ context.Context, workerID, path string) bool {
			defer func() { done2 <- struct{}{} }()
			dir, err := r.WorkerDir(workerID)
			if err != nil {
				t.Error(err)
				return false
			}
			if filepath.Base(path) == "ok.log" {
				return true
			}
			if _, err := staging.StoreSegment(dir, filepath.Base(path), 0, []string{"x"}); err != nil {
				t.Error(err)
			}
			return false
		}, nil
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	done := startAsync(c, context.Background())
	for range 2 {
		select {
		case <-done2:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks did not run")
		}
	}
	c.Kill()
	if err := waitDone(t, done); err != nil {
		t.Fatal(err)
	}

	var staged []string
	entries, err := os.ReadDir(root.Path())
	if err != nil {
		t.Fatalf("staging root removed despite staged segments: %v", err)
	}
	for _, e := range entries {
		names, _ := staging.List(filepath.Join(root.Path(), e.Name()))
		staged = append(staged, names...)
	}
	if !slices.Equal(staged, []string{"data_log_segment-0.csv"}) {
		t.Errorf("retained %v", staged)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:     "idle",
		StateRunning:  "running",
		StateStopping: "stopping",
		StateStopped:  "stopped",
		State(9):      "state(9)",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
