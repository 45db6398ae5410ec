// Package queue implements the bounded-concurrency FIFO task queue the
// kernel uses for cooperative background work: LLM plan rewrites, lean field
// fallbacks, session plan-cache writes, and auto-refresh tasks.
//
// Tasks start in submission order up to the concurrency limit. A task error
// fails only that task's handle and never halts the queue. Idle waiters are
// released exactly when pending and in-flight reach zero simultaneously.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type (
	// Task is a unit of queued work.
	Task func(ctx context.Context) error

	// Handle tracks an enqueued task. Wait blocks until the task settles.
	Handle struct {
		done chan struct{}
		err  error
	}

	// Metrics is a point-in-time snapshot of queue state.
	Metrics struct {
		Pending        int
		InFlight       int
		Completed      int64
		Failed         int64
		LastError      string
		LastDurationMs int64
	}

	// Options configures a Queue.
	Options struct {
		// Concurrency bounds simultaneous tasks. Values below one default to
		// one.
		Concurrency int
		// OnError is invoked on each task failure, for observability only.
		OnError func(err error)
	}

	// Queue is a bounded-concurrency FIFO. The zero value is not usable;
	// construct with New.
	Queue struct {
		mu       sync.Mutex
		pending  []*item
		inFlight int

		concurrency int
		onError     func(error)

		completed int64
		failed    int64
		lastErr   string
		lastDurMs int64

		idleWaiters []chan struct{}

		baseCtx context.Context
	}

	item struct {
		task   Task
		handle *Handle
	}
)

// New constructs a queue with the given options. Tasks run with the
// background context; cancellation is the caller's concern via the contexts
// they capture in their closures.
func New(opts Options) *Queue {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Queue{
		concurrency: opts.Concurrency,
		onError:     opts.OnError,
		baseCtx:     context.Background(),
	}
}

// Enqueue appends the task and returns a handle that settles when the task
// completes. Submission order is execution order up to the concurrency bound.
func (q *Queue) Enqueue(task Task) *Handle {
	h := &Handle{done: make(chan struct{})}
	q.mu.Lock()
	q.pending = append(q.pending, &item{task: task, handle: h})
	q.dispatchLocked()
	q.mu.Unlock()
	return h
}

// Size returns the number of pending (not yet started) tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Metrics returns a snapshot of queue counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Pending:        len(q.pending),
		InFlight:       q.inFlight,
		Completed:      q.completed,
		Failed:         q.failed,
		LastError:      q.lastErr,
		LastDurationMs: q.lastDurMs,
	}
}

// OnIdle blocks until the queue is simultaneously empty and quiescent, or the
// context is done.
func (q *Queue) OnIdle(ctx context.Context) error {
	q.mu.Lock()
	if len(q.pending) == 0 && q.inFlight == 0 {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.idleWaiters = append(q.idleWaiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the task settles or the context is done, and returns the
// task error if any.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the settle channel for select-based callers.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task error once the handle has settled; before settlement
// it returns nil.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// dispatchLocked starts queued tasks while capacity remains. Callers hold q.mu.
func (q *Queue) dispatchLocked() {
	for q.inFlight < q.concurrency && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight++
		go q.run(next)
	}
}

func (q *Queue) run(it *item) {
	start := time.Now()
	err := safeInvoke(q.baseCtx, it.task)
	it.handle.err = err
	close(it.handle.done)

	q.mu.Lock()
	q.inFlight--
	q.lastDurMs = time.Since(start).Milliseconds()
	if err != nil {
		q.failed++
		q.lastErr = err.Error()
	} else {
		q.completed++
	}
	q.dispatchLocked()
	idle := len(q.pending) == 0 && q.inFlight == 0
	var waiters []chan struct{}
	if idle {
		waiters = q.idleWaiters
		q.idleWaiters = nil
	}
	onError := q.onError
	q.mu.Unlock()

	if err != nil && onError != nil {
		onError(err)
	}
	for _, ch := range waiters {
		close(ch)
	}
}

// safeInvoke shields the queue from panicking tasks; a panic settles the
// handle with an error instead of crashing the worker.
func safeInvoke(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(ctx)
}
