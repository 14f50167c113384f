// Package pathlock serializes operations that touch overlapping path
// subtrees while letting unrelated operations run in parallel.
package pathlock

import (
	"path/filepath"
	"strings"
	"sync"
)

// Claim is an exclusive reservation on one or more path subtrees. It is
// held from the moment Tracker.Claim returns until it is passed to
// Tracker.Release.
type Claim struct {
	done chan struct{}
}

// Tracker hands out Claims such that no two claims whose paths are in
// an ancestor-or-descendant relationship are ever held concurrently.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Claim
}

func New() *Tracker {
	return &Tracker{active: make(map[string]*Claim)}
}

// Claim reserves the subtrees rooted at the given paths, blocking until
// every previously installed claim that overlaps one of them has been
// released. Claims over disjoint subtrees do not contend.
//
// Each conflicting map entry is rewired to the new claim before waiting
// begins, so a later overlapping Claim queues behind this one rather
// than behind the claim this one is waiting for.
func (t *Tracker) Claim(paths ...string) *Claim {
	c := &Claim{done: make(chan struct{})}
	var wait []*Claim

	t.mu.Lock()
	for p, prev := range t.active {
		select {
		case <-prev.done:
			// Stale entry left behind by a released claim.
			delete(t.active, p)
			continue
		default:
		}
		if overlapsAny(p, paths) {
			wait = append(wait, prev)
			t.active[p] = c
		}
	}
	for _, p := range paths {
		t.active[p] = c
	}
	t.mu.Unlock()

	for _, prev := range wait {
		<-prev.done
	}
	return c
}

// Release resolves the claim, unblocking any operations waiting on it.
// Releasing a nil claim is a no-op.
func (t *Tracker) Release(c *Claim) {
	if c == nil {
		return
	}
	close(c.done)
	t.mu.Lock()
	for p, cur := range t.active {
		if cur == c {
			delete(t.active, p)
		}
	}
	t.mu.Unlock()
}

func overlapsAny(p string, paths []string) bool {
	for _, q := range paths {
		if overlaps(p, q) {
			return true
		}
	}
	return false
}

// overlaps reports whether a and b are the same path or one is an
// ancestor of the other.
func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < len(b) {
		a, b = b, a
	}
	return strings.HasPrefix(a, b) && (strings.HasSuffix(b, sep) || a[len(b)] == filepath.Separator)
}

const sep = string(filepath.Separator)
