package pathwatch

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pathwatch/pathwatch/internal/pqueue"
	"github.com/pathwatch/pathwatch/internal/registry"
)

// readLoop drains the raw notification channel, normalizes paths,
// applies the filter and feeds the priority queue. It runs until the
// watcher's channels close or the manager starts shutting down.
func (m *Manager) readLoop() {
	defer m.pipeline.Done()
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(ev.Name)
			if !m.filter(path) {
				continue
			}
			op, ok := opFor(ev)
			if !ok {
				continue
			}
			m.log.Debug("raw event", zap.Stringer("op", op), zap.String("path", path))
			m.queue.Push(pqueue.Item{Kind: int(op), Path: path})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.deliver("", err)
		case <-m.closing:
			return
		}
	}
}

func opFor(ev fsnotify.Event) (Op, bool) {
	switch {
	case ev.Has(fsnotify.Create):
		return Created, true
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		// A rename looks like a removal at the old path; the new path
		// arrives as a separate create.
		return Removed, true
	case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Chmod):
		return Changed, true
	default:
		return 0, false
	}
}

// dispatchLoop pulls events off the priority queue in kind order and
// hands them to the worker pool.
func (m *Manager) dispatchLoop() {
	defer m.pipeline.Done()
	for {
		it, ok := m.queue.Pop(m.closing)
		if !ok {
			return
		}
		select {
		case m.work <- event{op: Op(it.Kind), path: it.Path}:
		case <-m.closing:
			// Put the item back so shutdown discards the backlog as a
			// whole instead of losing one popped event from its middle.
			m.queue.Push(pqueue.Item{Kind: it.Kind, Path: it.Path})
			return
		}
	}
}

// worker processes dispatched events until the work channel closes. A
// failed event never stops the loop; its error is routed to the
// handler's error hook.
func (m *Manager) worker() {
	defer m.pool.Done()
	for ev := range m.work {
		if err := m.processEvent(ev.op, ev.path); err != nil {
			m.deliver(ev.path, err)
		}
	}
}

// errorLoop forwards dispatch failures to the Handler. It drains the
// error channel completely, so errors raised while Close waits for
// in-flight work are still delivered.
func (m *Manager) errorLoop() {
	defer m.reaper.Done()
	for e := range m.errs {
		m.handler.HandleError(e.path, e.err)
	}
}

func (m *Manager) deliver(path string, err error) {
	m.errs <- dispatchError{path: path, err: err}
}

// processEvent applies a single filesystem event while holding an
// exclusive claim on the affected path space.
func (m *Manager) processEvent(op Op, path string) error {
	switch op {
	case Created:
		claim := m.locks.Claim(path)
		defer m.locks.Release(claim)
		if m.reg.Contains(path) {
			return nil
		}
		fi, err := os.Stat(path)
		if err != nil {
			// Created and removed again before we got here.
			return nil
		}
		if fi.IsDir() {
			// A whole subtree may have appeared at once; walk it so
			// nothing created before the watch took effect is missed.
			return m.tw.WalkAdd(path, m.target())
		}
		if err := m.reg.Register(path, false); err != nil {
			return err
		}
		return m.handler.OnAddFile(path)

	case Changed:
		claim := m.locks.Claim(path)
		defer m.locks.Release(claim)
		kind, ok := m.reg.KindOf(path)
		if !ok {
			return nil
		}
		if kind == registry.Dir {
			return m.handler.OnChangeDirectory(path)
		}
		return m.handler.OnChangeFile(path)

	case Removed:
		claim := m.locks.Claim(path)
		defer m.locks.Release(claim)
		// The path itself is gone, so the affected subtree is
		// reconstructed from the registry rather than the filesystem.
		affected := m.reg.DescendantsOf(path)
		if len(affected) == 0 {
			return nil
		}
		return m.tw.RemoveSet(affected, m.target())

	default:
		return nil
	}
}
