// Package queue implements the per-target admission and dispatch engine.
//
// Each target gets a bounded FIFO queue, created lazily on first use.  At
// most one item per target executes at a time; the rest wait in admission
// order.  A single deadline covers both the waiting and the executing phase
// of an item, so time spent queued counts against the request budget.  Every
// admitted item completes in exactly one of four ways: resolved with the
// executor's value, rejected with ErrTimeout, rejected with the executor's
// error, or rejected with ErrShutdown.
//
// Back-pressure is fully isolated between targets: queues share nothing but
// the engine's target→queue map, and mutations of one queue happen under that
// queue's own critical section.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors delivered to enqueue callers.
var (
	// ErrQueueFull is returned immediately when the target's waiting list is
	// at capacity; the item is never admitted.
	ErrQueueFull = errors.New("queue: target queue is full")
	// ErrTimeout is delivered when the deadline elapses, whether the item was
	// still waiting or already executing.
	ErrTimeout = errors.New("queue: deadline exceeded")
	// ErrShutdown is delivered to every pending item when the engine stops.
	ErrShutdown = errors.New("queue: engine is shut down")
	// ErrInternal wraps a panic recovered from an executor.
	ErrInternal = errors.New("queue: executor failure")
)

// Executor performs the upstream call for one admitted item.  It must honor
// ctx: when the deadline fires mid-flight or the engine shuts down, ctx is
// cancelled and the executor is expected to abort its I/O and return.
type Executor func(ctx context.Context) (any, error)

// Result carries the executor's value and the two timing phases of a
// successfully executed item.
type Result struct {
	Value any
	// QueueWait is the interval from admission to executor entry.
	QueueWait time.Duration
	// Upstream is the interval from executor entry to executor return.
	Upstream time.Duration
	// Executed reports whether the executor ran at all; when false the
	// timings are meaningless.
	Executed bool
}

// Stats is a point-in-time snapshot of one target queue.
type Stats struct {
	Waiting  int
	Inflight int
}

// Engine owns all per-target queues.  Construct one per server; Shutdown
// rejects everything pending and refuses further enqueues.
type Engine struct {
	maxQueue    int
	maxInflight int
	timeout     time.Duration

	mu     sync.Mutex
	queues map[string]*targetQueue
	down   bool
}

// New creates an engine with the given per-target limits.  maxInflight is 1
// in every deployed configuration; the structures tolerate larger values but
// ordering guarantees assume serial execution.
func New(maxQueue, maxInflight int, timeout time.Duration) *Engine {
	return &Engine{
		maxQueue:    maxQueue,
		maxInflight: maxInflight,
		timeout:     timeout,
		queues:      make(map[string]*targetQueue),
	}
}

// targetQueue is the state for a single target.  All fields after eng are
// guarded by mu.
type targetQueue struct {
	eng *Engine

	mu       sync.Mutex
	waiting  []*item
	inflight int
	active   map[*item]struct{}
}

// item is one admitted request.
type item struct {
	exec       Executor
	enqueuedAt time.Time
	timer      *time.Timer
	ctx        context.Context
	cancel     context.CancelFunc

	// dequeued flips exactly once, under the queue's mu, when the item
	// leaves the waiting list for any reason.  It is the single guard that
	// makes the deadline timer and queue promotion mutually exclusive.
	dequeued bool
	// reason records why ctx was cancelled (ErrTimeout or ErrShutdown) so a
	// cancellation-induced executor error is attributed correctly.  Written
	// under the queue's mu before cancel is called.
	reason error

	// done receives the single completion.  Buffered so neither the timer
	// goroutine nor the runner ever blocks on delivery.
	done chan outcome
}

type outcome struct {
	res Result
	err error
}

// Enqueue admits an item for the target and blocks until it completes.  The
// target's queue is created on first use.  On admission failure the error is
// ErrQueueFull and the executor is never invoked.
func (e *Engine) Enqueue(target string, exec Executor) (Result, error) {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return Result{}, ErrShutdown
	}
	q, ok := e.queues[target]
	if !ok {
		q = &targetQueue{eng: e, active: make(map[*item]struct{})}
		e.queues[target] = q
	}
	e.mu.Unlock()

	it := &item{
		exec:       exec,
		enqueuedAt: time.Now(),
		done:       make(chan outcome, 1),
	}
	it.ctx, it.cancel = context.WithCancel(context.Background())

	q.mu.Lock()
	if q.inflight >= e.maxInflight && len(q.waiting) >= e.maxQueue {
		q.mu.Unlock()
		it.cancel()
		return Result{}, ErrQueueFull
	}
	it.timer = time.AfterFunc(e.timeout, func() { q.expire(it) })
	if q.inflight < e.maxInflight {
		it.dequeued = true
		q.startLocked(it)
	} else {
		q.waiting = append(q.waiting, it)
	}
	q.mu.Unlock()

	out := <-it.done
	return out.res, out.err
}

// Shutdown cancels every active executor, rejects every waiter with
// ErrShutdown, and clears the queues map.  It initiates cancellation and
// returns without waiting for executors to unblock; the HTTP server's own
// shutdown drains the connections.  Subsequent Enqueue calls are refused.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return
	}
	e.down = true
	queues := e.queues
	e.queues = make(map[string]*targetQueue)
	e.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		waiting := q.waiting
		q.waiting = nil
		for _, it := range waiting {
			// Take the items out of the timer's reach before rejecting.
			it.dequeued = true
		}
		actives := make([]*item, 0, len(q.active))
		for it := range q.active {
			it.reason = ErrShutdown
			actives = append(actives, it)
		}
		q.mu.Unlock()

		for _, it := range actives {
			it.cancel()
		}
		for _, it := range waiting {
			it.timer.Stop()
			it.cancel()
			it.done <- outcome{err: ErrShutdown}
		}
	}
}

// Snapshot returns per-target queue depths for targets with live queues.
func (e *Engine) Snapshot() map[string]Stats {
	e.mu.Lock()
	queues := make(map[string]*targetQueue, len(e.queues))
	for id, q := range e.queues {
		queues[id] = q
	}
	e.mu.Unlock()

	out := make(map[string]Stats, len(queues))
	for id, q := range queues {
		q.mu.Lock()
		out[id] = Stats{Waiting: len(q.waiting), Inflight: q.inflight}
		q.mu.Unlock()
	}
	return out
}

// startLocked moves it into execution.  The caller holds q.mu and has set
// it.dequeued.
func (q *targetQueue) startLocked(it *item) {
	q.inflight++
	q.active[it] = struct{}{}
	go q.run(it)
}

// run executes one item, delivers its completion, and promotes the next
// waiter.
func (q *targetQueue) run(it *item) {
	started := time.Now()
	wait := started.Sub(it.enqueuedAt)

	value, err := q.safeExec(it)

	upstream := time.Since(started)
	it.timer.Stop()

	q.mu.Lock()
	delete(q.active, it)
	q.inflight--
	reason := it.reason
	if len(q.waiting) > 0 && q.inflight < q.eng.maxInflight {
		next := q.waiting[0]
		q.waiting = q.waiting[1:]
		next.dequeued = true
		q.startLocked(next)
	}
	q.mu.Unlock()

	it.cancel()

	res := Result{Value: value, QueueWait: wait, Upstream: upstream, Executed: true}
	if err != nil && reason != nil && it.ctx.Err() != nil {
		// The executor failed after we cancelled it; report why we cancelled
		// rather than the executor's own rendering of the interruption.
		err = reason
	}
	if err != nil {
		it.done <- outcome{res: res, err: err}
		return
	}
	it.done <- outcome{res: res}
}

// safeExec invokes the executor, converting a panic into ErrInternal so a
// misbehaving upstream adapter cannot take down the engine.
func (q *targetQueue) safeExec(it *item) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInternal, r)
		}
	}()
	return it.exec(it.ctx)
}

// expire fires when an item's deadline elapses.  For an item still waiting it
// removes it from the queue and rejects it without ever running the executor.
// For an item already dequeued it records the timeout and cancels the
// executor's context; the runner delivers the completion.
func (q *targetQueue) expire(it *item) {
	q.mu.Lock()
	if it.dequeued {
		it.reason = ErrTimeout
		q.mu.Unlock()
		it.cancel()
		return
	}
	it.dequeued = true
	for i, w := range q.waiting {
		if w == it {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	it.cancel()
	it.done <- outcome{err: ErrTimeout}
}
