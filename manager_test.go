package pathwatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/goleak"
)

// recorder collects every callback invocation.
type recorder struct {
	NopHandler
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(op, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+" "+path)
	return nil
}

func (r *recorder) OnAddFile(path string) error         { return r.record("addfile", path) }
func (r *recorder) OnAddDirectory(path string) error    { return r.record("adddir", path) }
func (r *recorder) OnChangeFile(path string) error      { return r.record("changefile", path) }
func (r *recorder) OnChangeDirectory(path string) error { return r.record("changedir", path) }
func (r *recorder) OnRemoveFile(path string) error      { return r.record("rmfile", path) }
func (r *recorder) OnRemoveDirectory(path string) error { return r.record("rmdir", path) }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func writefile(t *testing.T, path, content string) {
	t.Helper()
	err := os.WriteFile(path, []byte(content), 0o666)
	qt.Assert(t, err, qt.IsNil)
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	err := os.MkdirAll(path, 0o777)
	qt.Assert(t, err, qt.IsNil)
}

func TestAddReportsExistingTree(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	writefile(t, filepath.Join(dir, "a.txt"), "a")

	rec := &recorder{}
	m, err := New(rec)
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()

	qt.Assert(t, m.Add(dir), qt.IsNil)
	qt.Assert(t, rec.snapshot(), qt.DeepEquals, []string{
		"adddir " + dir,
		"addfile " + filepath.Join(dir, "a.txt"),
	})

	paths, err := m.Paths()
	qt.Assert(t, err, qt.IsNil)
	want := []string{dir, filepath.Join(dir, "a.txt")}
	sort.Strings(want)
	qt.Assert(t, paths, qt.DeepEquals, want)

	// A file created after the walk is eventually reported exactly once.
	writefile(t, filepath.Join(dir, "b.txt"), "b")
	added := "addfile " + filepath.Join(dir, "b.txt")
	waitFor(t, func() bool { return rec.count(added) == 1 }, "creation never reported")
	time.Sleep(50 * time.Millisecond)
	qt.Assert(t, rec.count(added), qt.Equals, 1)
}

func TestAddNotDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	writefile(t, file, "x")

	m, err := New(NopHandler{})
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()

	err = m.Add(file)
	var nde *NotDirectoryError
	qt.Assert(t, errors.As(err, &nde), qt.IsTrue)
	qt.Assert(t, nde.Path, qt.Equals, file)
}

func TestAddIdempotent(t *testing.T) {
	dir := t.TempDir()
	writefile(t, filepath.Join(dir, "a.txt"), "a")

	rec := &recorder{}
	m, err := New(rec)
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()

	qt.Assert(t, m.Add(dir), qt.IsNil)
	first, err := m.Paths()
	qt.Assert(t, err, qt.IsNil)
	n := len(rec.snapshot())

	qt.Assert(t, m.Add(dir), qt.IsNil)
	second, err := m.Paths()
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, second, qt.DeepEquals, first)
	qt.Assert(t, rec.snapshot(), qt.HasLen, n, qt.Commentf("second add must perform zero registrations"))
}

func TestAddRollsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		writefile(t, filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), "x")
	}

	boom := errors.New("boom")
	var added int32
	h := &FuncHandler{
		AddFile: func(path string) error {
			if atomic.AddInt32(&added, 1) == 3 {
				return boom
			}
			return nil
		},
	}
	m, err := New(h)
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()

	err = m.Add(dir)
	qt.Assert(t, errors.Is(err, boom), qt.IsTrue)

	paths, err := m.Paths()
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, paths, qt.HasLen, 0, qt.Commentf("registry must match its pre-call state"))
}

func TestRemoveReportsInnermostFirst(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	mkdir(t, sub)
	writefile(t, filepath.Join(sub, "a.txt"), "a")

	rec := &recorder{}
	m, err := New(rec)
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()

	qt.Assert(t, m.Add(dir), qt.IsNil)
	qt.Assert(t, m.Remove(dir), qt.IsNil)

	calls := rec.snapshot()
	qt.Assert(t, calls[len(calls)-3:], qt.DeepEquals, []string{
		"rmfile " + filepath.Join(sub, "a.txt"),
		"rmdir " + sub,
		"rmdir " + dir,
	})

	paths, err := m.Paths()
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, paths, qt.HasLen, 0)

	// Removing an unwatched path is a no-op.
	qt.Assert(t, m.Remove(dir), qt.IsNil)
}

func TestOverlappingOperationsDoNotInterleave(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writefile(t, filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), "x")
	}

	// Every callback bumps a counter; overlap would push it past 1.
	var inFlight, maxSeen int32
	enter := func(string) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxSeen)
			if n <= max || atomic.CompareAndSwapInt32(&maxSeen, max, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}
	firstRemove := make(chan struct{})
	var once sync.Once
	h := &FuncHandler{
		AddFile:         enter,
		AddDirectory:    enter,
		RemoveDirectory: enter,
		RemoveFile: func(p string) error {
			once.Do(func() { close(firstRemove) })
			return enter(p)
		},
	}

	m, err := New(h)
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()
	qt.Assert(t, m.Add(dir), qt.IsNil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = m.Remove(dir)
	}()
	go func() {
		defer wg.Done()
		<-firstRemove
		_ = m.Add(dir)
	}()
	wg.Wait()

	qt.Assert(t, atomic.LoadInt32(&maxSeen), qt.Equals, int32(1),
		qt.Commentf("overlapping add and remove ran their critical sections concurrently"))
}

func TestDisjointOperationsRunInParallel(t *testing.T) {
	dirX := t.TempDir()
	dirY := t.TempDir()

	gate := make(chan struct{})
	h := &FuncHandler{
		AddDirectory: func(path string) error {
			if path == dirX {
				<-gate
			}
			return nil
		},
	}
	m, err := New(h)
	qt.Assert(t, err, qt.IsNil)

	xDone := make(chan struct{})
	go func() {
		_ = m.Add(dirX)
		close(xDone)
	}()

	yDone := make(chan struct{})
	go func() {
		_ = m.Add(dirY)
		close(yDone)
	}()

	// dirY completes while dirX is still blocked inside its walk.
	select {
	case <-yDone:
	case <-time.After(5 * time.Second):
		t.Fatal("add of a disjoint tree was serialized")
	}
	close(gate)
	<-xDone
	qt.Assert(t, m.Close(), qt.IsNil)
}

func TestEventDrivenSubtree(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	m, err := New(rec)
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()
	qt.Assert(t, m.Add(dir), qt.IsNil)

	// A directory created with contents is picked up as a whole.
	sub := filepath.Join(dir, "sub")
	mkdir(t, sub)
	writefile(t, filepath.Join(sub, "nested.txt"), "n")

	waitFor(t, func() bool {
		return rec.count("addfile "+filepath.Join(sub, "nested.txt")) == 1
	}, "nested file never reported")

	// Deleting the subtree reports children before their parent.
	err = os.RemoveAll(sub)
	qt.Assert(t, err, qt.IsNil)
	waitFor(t, func() bool { return rec.count("rmdir "+sub) == 1 }, "removal never reported")

	calls := rec.snapshot()
	fileAt, dirAt := -1, -1
	for i, c := range calls {
		switch c {
		case "rmfile " + filepath.Join(sub, "nested.txt"):
			fileAt = i
		case "rmdir " + sub:
			dirAt = i
		}
	}
	if fileAt >= 0 {
		qt.Assert(t, fileAt < dirAt, qt.IsTrue, qt.Commentf("file removal must precede its directory's"))
	}
}

func TestChangeReported(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	writefile(t, file, "a")

	rec := &recorder{}
	m, err := New(rec)
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()
	qt.Assert(t, m.Add(dir), qt.IsNil)

	writefile(t, file, "changed")
	waitFor(t, func() bool { return rec.count("changefile "+file) >= 1 }, "change never reported")
}

func TestGlobExcludes(t *testing.T) {
	dir := t.TempDir()
	writefile(t, filepath.Join(dir, "keep.txt"), "k")
	writefile(t, filepath.Join(dir, "skip.log"), "s")

	m, err := New(NopHandler{}, WithGlobExcludes("**.log"))
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()
	qt.Assert(t, m.Add(dir), qt.IsNil)

	paths, err := m.Paths()
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, paths, qt.DeepEquals, []string{dir, filepath.Join(dir, "keep.txt")})
}

func TestDispatchFailureReachesErrorHook(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()

	boom := errors.New("boom")
	type failure struct {
		path string
		err  error
	}
	failures := make(chan failure, 4)
	var goodAdded int32
	h := &FuncHandler{
		AddFile: func(path string) error {
			if strings.HasSuffix(path, "bad.txt") {
				return boom
			}
			atomic.AddInt32(&goodAdded, 1)
			return nil
		},
		Error: func(path string, err error) {
			failures <- failure{path, err}
		},
	}
	m, err := New(h)
	qt.Assert(t, err, qt.IsNil)
	defer m.Close()
	qt.Assert(t, m.Add(dir), qt.IsNil)

	writefile(t, filepath.Join(dir, "bad.txt"), "x")
	select {
	case f := <-failures:
		qt.Assert(t, f.path, qt.Equals, filepath.Join(dir, "bad.txt"))
		qt.Assert(t, errors.Is(f.err, boom), qt.IsTrue)
	case <-time.After(5 * time.Second):
		t.Fatal("callback failure never reached the error hook")
	}

	// A failed event does not stop the pool; later events still land.
	writefile(t, filepath.Join(dir, "good.txt"), "x")
	waitFor(t, func() bool { return atomic.LoadInt32(&goodAdded) == 1 }, "later event not processed")
}

func TestCloseWithPendingEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()

	entered := make(chan struct{})
	gate := make(chan struct{})
	var calls int32
	h := &FuncHandler{
		AddFile: func(path string) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(entered)
				<-gate
			}
			return nil
		},
	}
	m, err := New(h, WithWorkers(1))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, m.Add(dir), qt.IsNil)

	// Stall the only worker on the first event and queue more behind it.
	for i := 0; i < 4; i++ {
		writefile(t, filepath.Join(dir, fmt.Sprintf("f%d.txt", i)), "x")
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first event never reached the handler")
	}

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()
	close(gate)
	qt.Assert(t, <-closed, qt.IsNil)

	// Once Close has returned no further callbacks may fire.
	n := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	qt.Assert(t, atomic.LoadInt32(&calls), qt.Equals, n)
}

func TestCloseDrainsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)
	dir := t.TempDir()
	writefile(t, filepath.Join(dir, "a.txt"), "a")

	m, err := New(NopHandler{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, m.Add(dir), qt.IsNil)

	qt.Assert(t, m.Close(), qt.IsNil)
	qt.Assert(t, m.Close(), qt.IsNil, qt.Commentf("close must be idempotent"))

	qt.Assert(t, errors.Is(m.Add(dir), ErrClosed), qt.IsTrue)
	qt.Assert(t, errors.Is(m.Remove(dir), ErrClosed), qt.IsTrue)
	_, err = m.Paths()
	qt.Assert(t, errors.Is(err, ErrClosed), qt.IsTrue)
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(NopHandler{}, WithWorkers(0))
	qt.Assert(t, err, qt.IsNotNil)
	_, err = New(NopHandler{}, WithGlobExcludes("["))
	qt.Assert(t, err, qt.IsNotNil)
}
