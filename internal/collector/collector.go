// Package collector coordinates one collection run.
//
// A Collector owns the discovery source, the staging root and the worker
// pool. Every interval it drains up to one ready file per worker from the
// source and submits a publish task for each; it never waits for a task to
// finish. The run ends on Kill, on context cancellation, or when the source
// reports a fatal error. All three paths share one teardown: stop the
// source, drain the pool, then remove the staging root.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dcollector/internal/logging"
	"dcollector/internal/metrics"
	"dcollector/internal/staging"
)

// StagingPrefix prefixes the staging root directory name.
const StagingPrefix = "_DC."

var (
	// ErrAlreadyStarted is returned by Start on a collector that has run.
	ErrAlreadyStarted = errors.New("collector already started")
	// ErrSourceFailed wraps a fatal discovery source error returned by Start.
	ErrSourceFailed = errors.New("discovery source failed")
)

// State is the collector lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source discovers files. Dequeue is called only from the run loop and must
// not block.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Dequeue() (string, bool)
	// Err delivers fatal source errors.
	Err() <-chan error
}

// Handler processes one discovered file and reports whether every segment
// was delivered.
type Handler func(ctx context.Context, workerID, path string) bool

// Config configures a Collector.
type Config struct {
	Datatype string
	Topic    string
	RunID    string

	Source Source
	// NewHandler builds the task handler once the staging root exists.
	NewHandler func(root *staging.Root) (Handler, error)

	LocalStaging string
	Workers      int
	Interval     time.Duration
	RetainStaged bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Collector runs the poll-and-dispatch loop for one datatype and topic.
type Collector struct {
	cfg     Config
	root    *staging.Root
	handler Handler
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	kill     chan struct{}
	killOnce sync.Once
}

// New validates cfg and creates the staging root.
func New(cfg Config) (*Collector, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("discovery source is required"))
	}
	if cfg.NewHandler == nil {
		errs = append(errs, errors.New("handler is required"))
	}
	if cfg.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers))
	}
	if cfg.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %v", cfg.Interval))
	}
	if cfg.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	logger := logging.Default(cfg.Logger).With("component", "collector", "datatype", cfg.Datatype)
	if cfg.RunID != "" {
		logger = logger.With("run", cfg.RunID)
	}
	logger.Info("initializing collector")

	root, err := staging.New(cfg.LocalStaging, StagingPrefix)
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}
	handler, err := cfg.NewHandler(root)
	if err != nil {
		_ = root.Remove()
		return nil, fmt.Errorf("collector: %w", err)
	}

	logger.Info("using local staging area", "dir", root.Path())
	return &Collector{
		cfg:     cfg,
		root:    root,
		handler: handler,
		logger:  logger,
		state:   StateIdle,
		kill:    make(chan struct{}),
	}, nil
}

// StagingDir returns the staging root path.
func (c *Collector) StagingDir() string {
	return c.root.Path()
}

// State returns the current lifecycle state.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Collector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Kill asks a running collector to stop. The run loop exits at its next
// iteration and Start returns after in-flight tasks finish. Kill may be
// called from a signal handler and more than once.
func (c *Collector) Kill() {
	c.mu.Lock()
	if c.state == StateRunning {
		c.state = StateStopping
	}
	c.mu.Unlock()
	c.killOnce.Do(func() {
		c.logger.Info("received kill request")
		close(c.kill)
	})
}

// Start runs the collector until Kill, ctx cancellation or a fatal source
// error, then tears down. It returns the source error, if any.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateRunning
	c.mu.Unlock()

	c.logger.Info("starting collector", "topic", c.cfg.Topic, "workers", c.cfg.Workers, "interval", c.cfg.Interval)

	if err := c.cfg.Source.Start(ctx); err != nil {
		c.setState(StateStopping)
		c.removeStaging()
		c.setState(StateStopped)
		return fmt.Errorf("start discovery source: %w", err)
	}

	pool := NewPool(ctx, c.cfg.Workers, c.cfg.Metrics, c.cfg.Logger)
	runErr := c.run(ctx, pool)

	c.setState(StateStopping)
	if err := c.cfg.Source.Stop(); err != nil {
		c.logger.Warn("failed to stop discovery source", "error", err)
	}
	pool.Close()
	c.logger.Info("waiting for in-flight tasks")
	pool.Wait()
	c.removeStaging()
	c.setState(StateStopped)

	c.logger.Info("collector stopped")
	return runErr
}

// run is the poll loop. It returns nil on Kill or ctx cancellation.
func (c *Collector) run(ctx context.Context, pool *Pool) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("interrupted, shutting down")
			return nil
		case <-c.kill:
			return nil
		case err := <-c.cfg.Source.Err():
			c.logger.Error("discovery source failed", "error", err)
			return fmt.Errorf("%w: %w", ErrSourceFailed, err)
		case <-ticker.C:
		}

		if c.State() != StateRunning {
			return nil
		}
		c.dispatch(pool)
	}
}

// dispatch submits up to one task per worker. Submit never blocks, so a
// dequeued file is always queued and the loop keeps its cadence.
func (c *Collector) dispatch(pool *Pool) {
	for range c.cfg.Workers {
		path, ok := c.cfg.Source.Dequeue()
		if !ok {
			return
		}
		err := pool.Submit(func(taskCtx context.Context, workerID string) {
			c.handler(taskCtx, workerID, path)
		})
		if err != nil {
			// Unreachable while running: the pool closes only in teardown.
			c.logger.Error("file not dispatched", "file", path, "error", err)
			return
		}
		c.logger.Debug("dispatched file", "file", path, "pending", pool.Pending())
	}
}

// removeStaging removes the staging root, or with RetainStaged everything
// except worker directories holding staged segments.
func (c *Collector) removeStaging() {
	dir := c.root.Path()
	if c.cfg.RetainStaged {
		kept, err := c.root.Prune()
		if err != nil {
			c.logger.Warn("failed to clean up staging area", "dir", dir, "error", err)
		}
		for _, d := range kept {
			staged, _ := staging.List(d)
			c.logger.Warn("kept staged segments for recovery", "dir", d, "segments", len(staged))
		}
		if len(kept) == 0 {
			c.logger.Info("removed staging area", "dir", dir)
		}
		return
	}

	if n := c.stagedCount(); n > 0 {
		c.logger.Warn("removing staging area with undelivered segments", "dir", dir, "segments", n)
	}
	if err := c.root.Remove(); err != nil {
		c.logger.Warn("failed to remove staging area", "dir", dir, "error", err)
		return
	}
	c.logger.Info("removed staging area", "dir", dir)
}

func (c *Collector) stagedCount() int {
	entries, err := os.ReadDir(c.root.Path())
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			staged, _ := staging.List(filepath.Join(c.root.Path(), e.Name()))
			n += len(staged)
		}
	}
	return n
}
