// Package staging manages the local staging area of a collector run.
//
// Layout:
//
//	<dir>/_DC.<random>/                 (root, one per collector run)
//	  worker-<n>/                       (one per worker identity)
//	    <prefix><name>.csv              (converter output, transient)
//	    <name>                          (raw copy when conversion is skipped, transient)
//	    <file>_segment-<id>.csv         (segments that failed delivery)
//
// Each worker writes only inside its own subdirectory, so no locking is
// needed between workers. Staged segment files are never read back by the
// collector; reconciling them is an operator task.
package staging

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// SegmentExt is the extension of staged segment files.
const SegmentExt = ".csv"

const segmentMarker = "_segment-"

// ErrRemoved is returned when a worker directory is requested after the
// root has been removed.
var ErrRemoved = errors.New("staging root removed")

// Root is the staging root of one collector run.
type Root struct {
	path string

	mu      sync.Mutex
	removed bool
}

// New creates a fresh staging root inside dir. An empty dir means os.TempDir().
func New(dir, prefix string) (*Root, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create staging parent %s: %w", dir, err)
		}
	}
	path, err := os.MkdirTemp(dir, prefix)
	if err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Root{path: path}, nil
}

// Path returns the root directory.
func (r *Root) Path() string {
	return r.path
}

// WorkerDir returns the subdirectory for a worker identity, creating it if absent.
func (r *Root) WorkerDir(workerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return "", ErrRemoved
	}

	dir := filepath.Join(r.path, sanitizeWorkerID(workerID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create worker directory %s: %w", dir, err)
	}
	return dir, nil
}

// Remove deletes the whole staging tree. Calling it more than once is a no-op.
func (r *Root) Remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return nil
	}
	r.removed = true
	return os.RemoveAll(r.path)
}

// Prune removes everything under the root except staged segment files and
// the worker directories holding them. It returns the directories kept.
func (r *Root) Prune() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return nil, nil
	}

	entries, err := os.ReadDir(r.path)
	if err != nil {
		return nil, err
	}

	var kept []string
	var errs []error
	for _, e := range entries {
		full := filepath.Join(r.path, e.Name())
		if !e.IsDir() {
			errs = append(errs, os.Remove(full))
			continue
		}

		staged, err := List(full)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(staged) == 0 {
			errs = append(errs, os.RemoveAll(full))
			continue
		}

		files, err := os.ReadDir(full)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range files {
			if !slices.Contains(staged, f.Name()) {
				errs = append(errs, os.RemoveAll(filepath.Join(full, f.Name())))
			}
		}
		kept = append(kept, full)
	}

	if len(kept) == 0 {
		r.removed = true
		errs = append(errs, os.Remove(r.path))
	}
	return kept, errors.Join(errs...)
}

// SegmentName returns the staged file name for segment id of filename.
// Dots in filename are replaced so the extension is unambiguous.
func SegmentName(filename string, id int) string {
	return strings.ReplaceAll(filename, ".", "_") + segmentMarker + strconv.Itoa(id) + SegmentExt
}

// Staged reports whether a staged file for (filename, id) already exists
// in dir.
func Staged(dir, filename string, id int) bool {
	_, err := os.Lstat(filepath.Join(dir, SegmentName(filename, id)))
	return err == nil
}

// StoreSegment writes lines, one per line and newline-terminated, to the
// staged file for (filename, id) inside dir. An existing file is truncated.
// It returns the name of the written file.
func StoreSegment(dir, filename string, id int, lines []string) (string, error) {
	name := SegmentName(filename, id)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create staged segment: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write staged segment %s: %w", name, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("write staged segment %s: %w", name, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("flush staged segment %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close staged segment %s: %w", name, err)
	}
	return name, nil
}

// List returns the names of staged segment files in dir, sorted.
// A missing directory yields no names.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isSegmentName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func isSegmentName(name string) bool {
	if !strings.HasSuffix(name, SegmentExt) {
		return false
	}
	i := strings.LastIndex(name, segmentMarker)
	if i < 0 {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSuffix(name[i+len(segmentMarker):], SegmentExt))
	return err == nil
}

// sanitizeWorkerID keeps worker identities from escaping the root.
func sanitizeWorkerID(id string) string {
	id = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, id)
	if id == "" || id == "." || id == ".." {
		return "worker"
	}
	return id
}
