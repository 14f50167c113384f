// Package pqueue provides the kind-ordered queue that sits between the
// raw notification reader and the event dispatcher.
package pqueue

import (
	"container/heap"
	"sync"
)

// Item is a queued filesystem event. Items with a lower Kind are
// dequeued first; items of equal Kind are dequeued in insertion order.
type Item struct {
	Kind int
	Path string

	seq uint64
}

// Queue is a concurrency-safe priority queue of Items. The zero value
// is not usable; call New.
type Queue struct {
	mu    sync.Mutex
	seq   uint64
	items itemHeap
	ready chan struct{}
}

func New() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
	}
}

// Push adds an item to the queue. It never blocks.
func (q *Queue) Push(it Item) {
	q.mu.Lock()
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
	q.mu.Unlock()
	q.signal()
}

// Pop removes and returns the highest-priority item, blocking until an
// item is available or stop is closed. The second return value is false
// only if the wait was aborted via stop.
func (q *Queue) Pop(stop <-chan struct{}) (Item, bool) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(Item)
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				// Re-arm the signal for any other waiter.
				q.signal()
			}
			return it, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-stop:
			return Item{}, false
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Kind != h[j].Kind {
		return h[i].Kind < h[j].Kind
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
