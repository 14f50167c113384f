// Package pathwatch implements a recursive directory watch manager: it
// registers a directory subtree for filesystem change notifications,
// prioritizes and dispatches the resulting events concurrently, and
// guarantees that operations on overlapping path subtrees never
// interleave.
package pathwatch

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/pathwatch/pathwatch/internal/pathlock"
	"github.com/pathwatch/pathwatch/internal/pqueue"
	"github.com/pathwatch/pathwatch/internal/registry"
	"github.com/pathwatch/pathwatch/internal/walker"
)

// Op represents a kind of filesystem change. Within a single poll of
// the notification channel, Created events are dispatched before
// Changed events, which are dispatched before Removed events.
type Op int

const (
	Created Op = iota
	Changed
	Removed
)

func (o Op) String() string {
	switch o {
	case Created:
		return "created"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Manager watches directory subtrees and reports changes to a Handler.
// A Manager must be constructed with New and released with Close.
type Manager struct {
	handler     Handler
	log         *zap.Logger
	filter      func(string) bool
	excludes    []glob.Glob
	followLinks bool
	workers     int

	watcher *fsnotify.Watcher
	reg     *registry.Registry
	locks   *pathlock.Tracker
	queue   *pqueue.Queue
	tw      walker.Walker

	work chan event
	errs chan dispatchError

	closing  chan struct{}
	pipeline sync.WaitGroup // reader + dispatcher
	pool     sync.WaitGroup // workers
	reaper   sync.WaitGroup // error handler

	closemu sync.RWMutex
	closed  bool
}

type event struct {
	op   Op
	path string
}

type dispatchError struct {
	path string
	err  error
}

// Option configures a Manager.
type Option func(*Manager) error

// WithLogger sets the logger used for the Manager's own diagnostics.
// The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) error {
		m.log = log
		return nil
	}
}

// WithWorkers sets the number of event-processing workers. The default
// is half the available CPUs, with a minimum of one.
func WithWorkers(n int) Option {
	return func(m *Manager) error {
		if n < 1 {
			return fmt.Errorf("pathwatch: worker count %d out of range", n)
		}
		m.workers = n
		return nil
	}
}

// WithFilter replaces the path filter. Paths for which the filter
// returns false are neither registered nor reported; excluded
// directories hide their whole subtree. The default is DefaultFilter.
func WithFilter(filter func(path string) bool) Option {
	return func(m *Manager) error {
		m.filter = filter
		return nil
	}
}

// WithGlobExcludes excludes, in addition to the configured filter, any
// path matching one of the given glob patterns (matched against the
// slash-separated path, ** crossing separators).
func WithGlobExcludes(patterns ...string) Option {
	return func(m *Manager) error {
		globs, err := compileExcludes(patterns)
		if err != nil {
			return err
		}
		m.excludes = append(m.excludes, globs...)
		return nil
	}
}

// WithFollowLinks makes Add walks descend into symbolic links that
// resolve to directories.
func WithFollowLinks() Option {
	return func(m *Manager) error {
		m.followLinks = true
		return nil
	}
}

// New returns a started Manager delivering changes to handler. The
// Manager runs its own background goroutines until Close is called.
func New(handler Handler, opts ...Option) (*Manager, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pathwatch: creating watcher: %w", err)
	}

	m := &Manager{
		handler: handler,
		log:     zap.NewNop(),
		filter:  DefaultFilter,
		workers: defaultWorkers(),
		watcher: w,
		reg:     registry.New(w),
		locks:   pathlock.New(),
		queue:   pqueue.New(),
		work:    make(chan event),
		errs:    make(chan dispatchError, 16),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			w.Close()
			return nil, err
		}
	}
	if len(m.excludes) > 0 {
		inner, globs := m.filter, m.excludes
		m.filter = func(path string) bool {
			return inner(path) && !excluded(globs, path)
		}
	}
	m.tw = walker.Walker{Filter: m.filter, FollowLinks: m.followLinks}

	m.pipeline.Add(2)
	go m.readLoop()
	go m.dispatchLoop()
	m.reaper.Add(1)
	go m.errorLoop()
	m.pool.Add(m.workers)
	for i := 0; i < m.workers; i++ {
		go m.worker()
	}
	m.log.Debug("manager started", zap.Int("workers", m.workers))
	return m, nil
}

func defaultWorkers() int {
	if n := runtime.NumCPU() / 2; n > 1 {
		return n
	}
	return 1
}

// Add watches the directory at path and everything below it. The
// Handler's OnAddDirectory and OnAddFile callbacks fire for each node
// as it is registered, parents before children. Adding an
// already-watched directory is a no-op. If registration fails partway,
// all changes made by the call are rolled back before it returns.
func (m *Manager) Add(path string) error {
	m.closemu.RLock()
	defer m.closemu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return &NotDirectoryError{Path: abs}
	}
	if m.reg.Contains(abs) {
		return nil
	}

	claim := m.locks.Claim(abs)
	defer m.locks.Release(claim)
	// Re-check under the claim; a concurrent operation may have won.
	if m.reg.Contains(abs) {
		return nil
	}
	m.log.Debug("adding subtree", zap.String("path", abs))
	return m.tw.WalkAdd(abs, m.target())
}

// Remove stops watching the directory at path and everything below it,
// firing OnRemoveDirectory and OnRemoveFile for each deregistered node,
// children before parents. Removing an unwatched path is a no-op. A
// partial failure is rolled back as in Add.
func (m *Manager) Remove(path string) error {
	m.closemu.RLock()
	defer m.closemu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if !m.reg.Contains(abs) {
		return nil
	}
	if fi, err := os.Stat(abs); err == nil && !fi.IsDir() {
		return &NotDirectoryError{Path: abs}
	}

	claim := m.locks.Claim(abs)
	defer m.locks.Release(claim)
	if !m.reg.Contains(abs) {
		return nil
	}
	m.log.Debug("removing subtree", zap.String("path", abs))
	return m.tw.RemoveSet(m.reg.DescendantsOf(abs), m.target())
}

// Paths returns a snapshot of all currently watched paths, files and
// directories alike, in sorted order.
func (m *Manager) Paths() ([]string, error) {
	m.closemu.RLock()
	defer m.closemu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	snap := m.reg.Snapshot()
	paths := make([]string, len(snap))
	copy(paths, snap)
	return paths, nil
}

// Close stops the background goroutines, cancels all native watches and
// waits for in-flight event processing to finish. It is idempotent;
// only the first call can return an error, combining any failures
// encountered during teardown.
func (m *Manager) Close() error {
	m.closemu.Lock()
	if m.closed {
		m.closemu.Unlock()
		return nil
	}
	m.closed = true
	m.closemu.Unlock()

	close(m.closing)
	m.reg.Close()
	err := m.watcher.Close()
	m.pipeline.Wait()
	close(m.work)
	m.pool.Wait()
	close(m.errs)
	m.reaper.Wait()
	m.log.Debug("manager closed", zap.Error(err))
	return err
}

// target adapts the Manager to the walker's view of mutable state.
func (m *Manager) target() walker.Target {
	return managerTarget{m}
}

type managerTarget struct {
	m *Manager
}

func (t managerTarget) Register(path string, dir bool) error {
	return t.m.reg.Register(path, dir)
}

func (t managerTarget) Deregister(path string) error {
	_, err := t.m.reg.Deregister(path)
	return err
}

func (t managerTarget) Registered(path string) (dir, ok bool) {
	kind, ok := t.m.reg.KindOf(path)
	return kind == registry.Dir, ok
}

func (t managerTarget) OnAddFile(path string) error      { return t.m.handler.OnAddFile(path) }
func (t managerTarget) OnAddDirectory(path string) error { return t.m.handler.OnAddDirectory(path) }
func (t managerTarget) OnRemoveFile(path string) error   { return t.m.handler.OnRemoveFile(path) }
func (t managerTarget) OnRemoveDirectory(path string) error {
	return t.m.handler.OnRemoveDirectory(path)
}
