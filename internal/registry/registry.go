// Package registry tracks the set of watched paths and owns the native
// watches backing them. Directories carry a live fsnotify watch; files
// are covered implicitly by their parent directory's watch and are
// tracked here without a native handle.
package registry

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned when a mutating operation is attempted after
// Close.
var ErrClosed = errors.New("pathwatch: manager is closed")

// Kind distinguishes watched files from watched directories.
type Kind int

const (
	File Kind = iota
	Dir
)

// Registry is the single source of truth for which paths are currently
// watched. It is safe for concurrent use.
type Registry struct {
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	entries  map[string]Kind
	snapshot []string // cached sorted view, nil when invalidated
	closed   bool
}

// New returns a Registry that manages native watches through w. The
// caller retains ownership of w and is responsible for closing it.
func New(w *fsnotify.Watcher) *Registry {
	return &Registry{
		watcher: w,
		entries: make(map[string]Kind),
	}
}

// Register adds path to the registry, establishing a native watch when
// it is a directory. Registering an already-registered path is a no-op,
// keeping registry entries and native watches in 1:1 correspondence.
func (r *Registry) Register(path string, dir bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.entries[path]; ok {
		return nil
	}
	if dir {
		if err := r.watcher.Add(path); err != nil {
			return err
		}
		r.entries[path] = Dir
	} else {
		r.entries[path] = File
	}
	r.snapshot = nil
	return nil
}

// Deregister removes path from the registry, cancelling its native
// watch if it is a directory. It reports whether an entry was actually
// removed.
func (r *Registry) Deregister(path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrClosed
	}
	kind, ok := r.entries[path]
	if !ok {
		return false, nil
	}
	delete(r.entries, path)
	r.snapshot = nil
	if kind == Dir {
		// Cancelling the native watch is best-effort: when the
		// directory was deleted out from under us the kernel has
		// already dropped it.
		_ = r.watcher.Remove(path)
	}
	return true, nil
}

// Contains reports whether path is currently registered.
func (r *Registry) Contains(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[path]
	return ok
}

// KindOf returns the kind of the registered entry for path.
func (r *Registry) KindOf(path string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.entries[path]
	return kind, ok
}

// Len returns the number of registered paths.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a sorted view of all registered paths. The returned
// slice is shared and must not be modified; it is recomputed only after
// a mutation.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	if s := r.snapshot; s != nil {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil {
		s := make([]string, 0, len(r.entries))
		for p := range r.entries {
			s = append(s, p)
		}
		sort.Strings(s)
		r.snapshot = s
	}
	return r.snapshot
}

// DescendantsOf returns every registered path equal to or below root,
// sorted so that the deepest paths come first.
func (r *Registry) DescendantsOf(root string) []string {
	prefix := root + string(filepath.Separator)
	r.mu.RLock()
	var paths []string
	for p := range r.entries {
		if p == root || strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	r.mu.RUnlock()
	sort.Slice(paths, func(i, j int) bool {
		di := strings.Count(paths[i], string(filepath.Separator))
		dj := strings.Count(paths[j], string(filepath.Separator))
		if di != dj {
			return di > dj
		}
		return paths[i] > paths[j]
	})
	return paths
}

// Close marks the registry closed. Subsequent calls to Register and
// Deregister fail with ErrClosed. Native watches are torn down by
// closing the fsnotify watcher, which the manager owns.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
