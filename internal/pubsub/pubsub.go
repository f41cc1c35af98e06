// Package pubsub fans one stream of items out to any number of subscribers.
package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jmylchreest/hubstream/internal/queue"
	"github.com/jmylchreest/hubstream/internal/streamerr"
)

// DefaultMaxPending is the backlog at which a subscriber is evicted.
const DefaultMaxPending = 4096

// Subscription is one subscriber's private view of the broadcast.
type Subscription[T any] struct {
	ID string
	q  *queue.Queue[T]
	b  *Broadcaster[T]
}

// Next blocks until the next published item. It fails with
// streamerr.ErrEnded once the broadcaster closes cleanly, or
// streamerr.ErrLagging if this subscriber fell too far behind.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	return s.q.Dequeue(ctx)
}

// Pending returns the number of items waiting for this subscriber.
func (s *Subscription[T]) Pending() int {
	return s.q.Len()
}

// Close unsubscribes.
func (s *Subscription[T]) Close() {
	s.b.remove(s.ID, nil)
}

// Broadcaster delivers every published item to every current subscriber in
// publish order. Subscribers only see items published after they joined.
type Broadcaster[T any] struct {
	maxPending int

	mu     sync.RWMutex
	subs   map[string]*queue.Queue[T]
	closed error
}

// New creates a broadcaster. A maxPending of zero uses DefaultMaxPending.
func New[T any](maxPending int) *Broadcaster[T] {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Broadcaster[T]{
		maxPending: maxPending,
		subs:       make(map[string]*queue.Queue[T]),
	}
}

// Subscribe registers a new subscriber. On a closed broadcaster the
// subscription is already ended with the close cause.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	q := queue.New[T]()
	sub := &Subscription[T]{ID: uuid.NewString(), q: q, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed != nil {
		q.End(b.closed)
		return sub
	}
	b.subs[sub.ID] = q
	return sub
}

// Publish hands item to every subscriber without blocking. Subscribers whose
// backlog already reached the limit are evicted with streamerr.ErrLagging. It
// returns the number of subscribers the item was delivered to.
func (b *Broadcaster[T]) Publish(item T) int {
	var lagging []string
	delivered := 0

	b.mu.RLock()
	for id, q := range b.subs {
		if q.Len() >= b.maxPending {
			lagging = append(lagging, id)
			continue
		}
		if q.Submit(context.Background(), item) {
			delivered++
		}
	}
	b.mu.RUnlock()

	for _, id := range lagging {
		b.remove(id, streamerr.ErrLagging)
	}
	return delivered
}

// Len returns the number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster[T]) remove(id string, cause error) {
	b.mu.Lock()
	q, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	if cause != nil {
		q.Abort(cause)
	} else {
		q.End(nil)
	}
}

// Close ends every subscription. Buffered items stay readable; a nil cause
// is a clean end.
func (b *Broadcaster[T]) Close(cause error) {
	if cause == nil {
		cause = streamerr.ErrEnded
	}

	b.mu.Lock()
	if b.closed != nil {
		b.mu.Unlock()
		return
	}
	b.closed = cause
	subs := b.subs
	b.subs = make(map[string]*queue.Queue[T])
	b.mu.Unlock()

	for _, q := range subs {
		q.End(cause)
	}
}
