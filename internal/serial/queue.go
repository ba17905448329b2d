// Package serial runs tasks one at a time per key, in submission order.
// Tasks for different keys run concurrently.
package serial

import "sync"

// Queue is a per-key FIFO of tasks. Each active key owns one goroutine which
// exits when its backlog drains. The zero value is ready to use.
type Queue[K comparable] struct {
	mu      sync.Mutex
	pending map[K][]func()
	closed  bool
	wg      sync.WaitGroup
}

// Submit enqueues fn behind earlier tasks for key. It returns false after Close.
func (q *Queue[K]) Submit(key K, fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.pending == nil {
		q.pending = make(map[K][]func())
	}
	backlog, running := q.pending[key]
	q.pending[key] = append(backlog, fn)
	if !running {
		q.wg.Add(1)
		go q.drain(key)
	}
	return true
}

func (q *Queue[K]) drain(key K) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		backlog := q.pending[key]
		if len(backlog) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		fn := backlog[0]
		backlog[0] = nil
		q.pending[key] = backlog[1:]
		q.mu.Unlock()

		fn()
	}
}

// Active returns the number of keys with queued or running work.
func (q *Queue[K]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting tasks and waits for queued ones to finish.
func (q *Queue[K]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
