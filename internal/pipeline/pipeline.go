// Package pipeline provides the per-datatype conversion and partition
// capabilities used by publish workers.
//
// A Pipeline turns a raw input file into a CSV-style text file (Convert)
// and splits that file into segments that fit a payload bound (Prepare).
// Pipelines are stateless; one instance serves every worker.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Pipeline converts and partitions files of one data type.
type Pipeline interface {
	// Convert writes the converted form of rawPath into outDir and returns
	// its path. prefix is prepended to the output file name.
	Convert(ctx context.Context, rawPath, outDir, opts, prefix string) (string, error)

	// Prepare lazily partitions the converted file into segments whose
	// payload is at most maxPayload bytes. The sequence is not restartable.
	Prepare(path string, maxPayload int) iter.Seq2[Segment, error]
}

// ConversionError reports a failed Convert call.
type ConversionError struct {
	Datatype string
	Path     string
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s file %s: %v", e.Datatype, e.Path, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Factory creates a pipeline. now stamps segments; nil means time.Now.
type Factory func(now func() time.Time) Pipeline

// Registry maps converter names to pipeline factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default returns a registry holding the built-in converters.
func Default() *Registry {
	r := NewRegistry()
	r.Register("csv", NewCSV)
	r.Register("syslog", NewSyslog)
	r.Register("command", NewCommand)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns a pipeline for name.
func (r *Registry) Get(name string) (Pipeline, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return f(nil), nil
}

// Names returns the registered converter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// parseOpts splits "key=value key2=value2" conversion options.
// A bare word is stored with an empty value.
func parseOpts(opts string) map[string]string {
	out := make(map[string]string)
	for _, f := range strings.Fields(opts) {
		k, v, _ := strings.Cut(f, "=")
		out[k] = v
	}
	return out
}
