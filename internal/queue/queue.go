// Package queue provides a generic rendezvous/buffer channel with
// cancellation and backpressure. It is the concurrency primitive behind the
// pubsub fan-out and the RTSP relay.
//
// Items and waiting consumers are kept in two FIFOs which are never both
// non-empty: a submitted item is handed straight to the oldest waiter when
// one exists, otherwise it is buffered.
package queue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/jmylchreest/hubstream/internal/streamerr"
)

type entry[T any] struct {
	item    T
	done    chan error
	settled bool
	stop    func() bool
}

// settle completes the backpressure signal exactly once. Callers hold q.mu.
func (e *entry[T]) settle(err error) {
	if e.settled {
		return
	}
	e.settled = true
	if e.stop != nil {
		e.stop()
	}
	e.done <- err
}

type result[T any] struct {
	item T
	err  error
}

// Queue is an unbounded FIFO with blocking consumers. The zero value is not
// usable; create one with New.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []*entry[T]
	waiters []chan result[T]
	endErr  error
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Submit adds item without waiting for it to be consumed. It returns false
// if the queue has already ended. If ctx is cancelled while the item is still
// buffered, the item is removed.
func (q *Queue[T]) Submit(ctx context.Context, item T) bool {
	_, ok := q.push(ctx, item)
	return ok
}

// Enqueue adds item and blocks until a consumer takes it. It returns
// (false, nil) if the queue had already ended, (true, nil) once the item was
// dequeued or cleared, and (false, err) if the item was removed by
// cancellation or rejected by Clear/Abort.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) (bool, error) {
	e, ok := q.push(ctx, item)
	if !ok {
		return false, nil
	}
	if err := <-e.done; err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue[T]) push(ctx context.Context, item T) (*entry[T], bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.endErr != nil {
		return nil, false
	}

	e := &entry[T]{item: item, done: make(chan error, 1)}

	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		w <- result[T]{item: item}
		e.settle(nil)
		return e, true
	}

	q.items = append(q.items, e)
	if ctx.Done() != nil {
		e.stop = context.AfterFunc(ctx, func() {
			q.cancel(ctx, e)
		})
	}
	return e, true
}

// cancel removes a still-buffered entry. Once the entry was handed to a
// consumer it is no longer in q.items and this is a no-op.
func (q *Queue[T]) cancel(ctx context.Context, e *entry[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := slices.Index(q.items, e)
	if i < 0 {
		return
	}
	q.items = slices.Delete(q.items, i, i+1)
	e.settle(fmt.Errorf("%w: %w", streamerr.ErrCancelled, context.Cause(ctx)))
}

// Dequeue returns the oldest item, blocking until one is available. Once the
// queue has ended and every buffered item was taken, it returns the end cause
// (streamerr.ErrEnded for a clean end). A nil ctx never cancels, as in
// Submit and Enqueue.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if len(q.items) > 0 {
		e := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		e.settle(nil)
		q.mu.Unlock()
		return e.item, nil
	}
	if q.endErr != nil {
		err := q.endErr
		q.mu.Unlock()
		var zero T
		return zero, err
	}

	w := make(chan result[T], 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case r := <-w:
		return r.item, r.err
	case <-ctx.Done():
		q.mu.Lock()
		i := slices.Index(q.waiters, w)
		if i >= 0 {
			q.waiters = slices.Delete(q.waiters, i, i+1)
		}
		q.mu.Unlock()
		if i < 0 {
			// Served between the cancel and taking the lock.
			r := <-w
			return r.item, r.err
		}
		var zero T
		return zero, fmt.Errorf("%w: %w", streamerr.ErrCancelled, ctx.Err())
	}
}

// TryDequeue returns the oldest buffered item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	e.settle(nil)
	return e.item, true
}

// Clear drains every buffered item without waiting. A nil cause completes the
// items' backpressure signals as if they had been consumed; a non-nil cause
// fails them with it.
func (q *Queue[T]) Clear(cause error) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, len(q.items))
	for _, e := range q.items {
		e.settle(cause)
		out = append(out, e.item)
	}
	q.items = nil
	return out
}

// End permanently closes the queue. Buffered items stay dequeueable; blocked
// consumers are released with the cause. A nil cause is a clean end. Only the
// first call has an effect, and it reports true.
func (q *Queue[T]) End(cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.endErr != nil {
		return false
	}
	if cause == nil {
		cause = streamerr.ErrEnded
	}
	q.endErr = cause
	for _, w := range q.waiters {
		w <- result[T]{err: cause}
	}
	q.waiters = nil
	return true
}

// Abort ends the queue and rejects every buffered item with the end cause.
func (q *Queue[T]) Abort(cause error) []T {
	q.End(cause)
	return q.Clear(q.Err())
}

// Err returns the end cause, or nil while the queue is open.
func (q *Queue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.endErr
}

// Ended reports whether End has been called.
func (q *Queue[T]) Ended() bool {
	return q.Err() != nil
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Seq returns a lazy view over the queue. The sequence stops silently on the
// clean end cause and yields any other end cause (or ctx cancellation) as a
// final error.
func (q *Queue[T]) Seq(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := q.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, streamerr.ErrEnded) {
					return
				}
				var zero T
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}
