// Package walker performs one-shot traversals over directory subtrees,
// applying registration and callback actions per node while recording
// an undo log so a partially completed walk can be rolled back.
package walker

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// Target is the mutable state a walk applies to: the path registry plus
// the caller's change callbacks.
type Target interface {
	Register(path string, dir bool) error
	Deregister(path string) error
	// Registered reports whether path is currently registered and, if
	// so, whether it is registered as a directory.
	Registered(path string) (dir, ok bool)

	OnAddFile(path string) error
	OnAddDirectory(path string) error
	OnRemoveFile(path string) error
	OnRemoveDirectory(path string) error
}

// Walker traverses directory subtrees. The zero value walks without
// filtering and does not follow symbolic links.
type Walker struct {
	// Filter reports whether a path should be visited. Excluded
	// directories are skipped along with their entire subtree. A nil
	// Filter visits everything.
	Filter func(path string) bool

	// FollowLinks makes the walk descend into symbolic links that
	// resolve to directories. Link targets are tracked by resolved
	// path so a cyclic link graph terminates instead of looping.
	FollowLinks bool
}

// WalkAdd registers root and everything below it with t, invoking
// OnAddDirectory for each directory before its children and OnAddFile
// for each file. Already-registered or filtered-out nodes are skipped.
//
// If any step fails the walk stops and every completed step is undone
// in reverse order; the returned error combines the original failure
// with any errors raised while rewinding.
func (w *Walker) WalkAdd(root string, t Target) error {
	var visited map[string]bool
	if w.FollowLinks {
		visited = make(map[string]bool)
	}
	u := new(undo)
	if err := w.addDir(root, t, u, visited); err != nil {
		return multierr.Append(err, u.rewind())
	}
	return nil
}

func (w *Walker) addDir(path string, t Target, u *undo, visited map[string]bool) error {
	if w.Filter != nil && !w.Filter(path) {
		return nil
	}
	if _, ok := t.Registered(path); ok {
		return nil
	}
	if visited != nil {
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return err
		}
		if visited[real] {
			return nil
		}
		visited[real] = true
	}

	if err := t.Register(path, true); err != nil {
		return err
	}
	u.record(path, t.Deregister)
	if err := t.OnAddDirectory(path); err != nil {
		return err
	}
	u.record(path, t.OnRemoveDirectory)

	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := filepath.Join(path, e.Name())
		dir := e.IsDir()
		if !dir && e.Type()&fs.ModeSymlink != 0 && w.FollowLinks {
			fi, err := os.Stat(child)
			if err != nil {
				// Dangling link; nothing to watch.
				continue
			}
			dir = fi.IsDir()
		}
		if dir {
			err = w.addDir(child, t, u, visited)
		} else {
			err = w.addFile(child, t, u)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) addFile(path string, t Target, u *undo) error {
	if w.Filter != nil && !w.Filter(path) {
		return nil
	}
	if _, ok := t.Registered(path); ok {
		return nil
	}
	if err := t.Register(path, false); err != nil {
		return err
	}
	u.record(path, t.Deregister)
	if err := t.OnAddFile(path); err != nil {
		return err
	}
	u.record(path, t.OnRemoveFile)
	return nil
}

// RemoveSet deregisters every path in the set that is still registered
// with t, deepest paths first, invoking OnRemoveDirectory or
// OnRemoveFile after each deregistration. Rollback behaves as in
// WalkAdd: a failure undoes the steps already taken, re-registering and
// re-announcing the removed entries.
//
// The set is typically produced by scanning the registry for
// descendants of a deleted root, since the paths themselves may no
// longer exist on disk.
func (w *Walker) RemoveSet(paths []string, t Target) error {
	u := new(undo)
	if err := w.removeSet(paths, t, u); err != nil {
		return multierr.Append(err, u.rewind())
	}
	return nil
}

func (w *Walker) removeSet(paths []string, t Target, u *undo) error {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Slice(sorted, func(i, j int) bool {
		di := strings.Count(sorted[i], string(filepath.Separator))
		dj := strings.Count(sorted[j], string(filepath.Separator))
		if di != dj {
			return di > dj
		}
		return sorted[i] > sorted[j]
	})

	for _, p := range sorted {
		dir, ok := t.Registered(p)
		if !ok {
			continue
		}
		if err := t.Deregister(p); err != nil {
			return err
		}
		reg := func(path string) error { return t.Register(path, dir) }
		u.record(p, reg)
		if dir {
			if err := t.OnRemoveDirectory(p); err != nil {
				return err
			}
			u.record(p, t.OnAddDirectory)
		} else {
			if err := t.OnRemoveFile(p); err != nil {
				return err
			}
			u.record(p, t.OnAddFile)
		}
	}
	return nil
}

// undo is the stack of inverse actions recorded during a walk.
type undo struct {
	steps []undoStep
}

type undoStep struct {
	path string
	fn   func(string) error
}

func (u *undo) record(path string, fn func(string) error) {
	u.steps = append(u.steps, undoStep{path, fn})
}

// rewind applies the recorded inverse actions in reverse chronological
// order. It continues past individual failures and returns them
// combined, so a single bad step cannot strand the rest of the log.
func (u *undo) rewind() error {
	var err error
	for i := len(u.steps) - 1; i >= 0; i-- {
		st := u.steps[i]
		err = multierr.Append(err, st.fn(st.path))
	}
	u.steps = nil
	return err
}
