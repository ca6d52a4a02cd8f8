// Package dispatch serializes callbacks onto a single execution context.
package dispatch

import (
	"context"
	"sync"
)

// Executor runs fn on its execution context.
type Executor interface {
	Post(fn func())
}

// Inline runs posted work immediately on the caller's goroutine. It suits
// callers that already own a single goroutine, and tests.
type Inline struct{}

func (Inline) Post(fn func()) {
	if fn != nil {
		fn()
	}
}

// Queue is a FIFO executor drained by one goroutine calling Run.
type Queue struct {
	mu     sync.Mutex
	items  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. Work posted after Close is dropped.
func (q *Queue) Post(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done or Close is called. Work queued
// before Close still runs.
func (q *Queue) Run(ctx context.Context) error {
	for {
		for {
			fn, ok := q.next()
			if !ok {
				break
			}
			fn()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			// Drain anything posted between the last pass and Close.
			for {
				fn, ok := q.next()
				if !ok {
					return nil
				}
				fn()
			}
		case <-q.wake:
		}
	}
}

// Do posts fn and blocks until it has run or ctx is done.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	q.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain runs queued work on the calling goroutine until the queue is empty,
// including work posted while draining. It returns how many functions ran.
// Use it from hosts that own their loop; it must not race with Run.
func (q *Queue) Drain() int {
	n := 0
	for {
		fn, ok := q.next()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Close stops accepting work and lets Run return once the queue is empty.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}
