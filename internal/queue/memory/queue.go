// Package memory provides the in-process pending task queue.
package memory

import "sync"

// Queue is an unbounded FIFO of pending URLs. A URL can appear at most once
// among pending entries; the check uses exact string equality. URLs that were
// dequeued are forgotten, so an in-flight URL may be enqueued again.
type Queue struct {
	mu      sync.Mutex
	items   []string
	pending map[string]struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		pending: make(map[string]struct{}),
	}
}

// Enqueue appends url unless an identical URL is already pending and reports
// whether it was added.
func (q *Queue) Enqueue(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.pending[url]; dup {
		return false
	}
	q.pending[url] = struct{}{}
	q.items = append(q.items, url)
	return true
}

// Requeue puts url back at the head of the queue unless an identical URL is
// already pending. It is used to return a dequeued task that could not be
// dispatched, so it keeps its place ahead of later arrivals.
func (q *Queue) Requeue(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.pending[url]; dup {
		return false
	}
	q.pending[url] = struct{}{}
	q.items = append([]string{url}, q.items...)
	return true
}

// Dequeue removes and returns the oldest pending URL.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	url := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	delete(q.pending, url)
	if len(q.items) == 0 {
		// release the backing array once drained
		q.items = nil
	}
	return url, true
}

// Len returns the number of pending URLs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
