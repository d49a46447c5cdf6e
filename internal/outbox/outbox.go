// Package outbox implements the bounded outbound queue that sits between
// producers (router, presence, typing) and a connection's writer goroutine.
package outbox

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrOverflow = errors.New("outbox overflow")
	ErrClosed   = errors.New("outbox closed")
)

type Policy int

const (
	// PolicyClose rejects a push into a full queue. The owner is expected
	// to close the connection.
	PolicyClose Policy = iota
	// PolicyDropOldest discards the oldest queued item to make room.
	PolicyDropOldest
)

// Outbox is a fixed-capacity FIFO ring buffer. Push never blocks.
type Outbox[T any] struct {
	items  []T
	head   int // index of the oldest item
	count  int
	policy Policy
	closed bool

	dropped uint64
	onDrop  func(T)
	notify  chan struct{}
	mux     sync.Mutex
}

func New[T any](capacity int, policy Policy) *Outbox[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbox[T]{
		items:  make([]T, capacity),
		policy: policy,
		notify: make(chan struct{}, 1),
	}
}

// OnDrop sets a function called with every item PolicyDropOldest discards.
// It runs on the pushing goroutine, outside the lock.
func (o *Outbox[T]) OnDrop(fn func(T)) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.onDrop = fn
}

// Push appends an item.
func (o *Outbox[T]) Push(item T) error {
	evicted, dropped, onDrop, err := o.push(item)
	if dropped && onDrop != nil {
		onDrop(evicted)
	}
	return err
}

func (o *Outbox[T]) push(item T) (evicted T, dropped bool, onDrop func(T), err error) {
	o.mux.Lock()
	defer o.mux.Unlock()

	if o.closed {
		return evicted, false, nil, ErrClosed
	}

	if o.count == len(o.items) {
		if o.policy != PolicyDropOldest {
			return evicted, false, nil, ErrOverflow
		}
		var zero T
		evicted, dropped = o.items[o.head], true
		o.items[o.head] = zero
		o.head = (o.head + 1) % len(o.items)
		o.count--
		o.dropped++
	}

	o.items[(o.head+o.count)%len(o.items)] = item
	o.count++

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return evicted, dropped, o.onDrop, nil
}

// Drain removes and returns everything queued, oldest first.
func (o *Outbox[T]) Drain() []T {
	o.mux.Lock()
	defer o.mux.Unlock()

	if o.count == 0 {
		return nil
	}

	result := make([]T, o.count)
	if o.head+o.count <= len(o.items) {
		copy(result, o.items[o.head:o.head+o.count])
	} else {
		n1 := len(o.items) - o.head
		copy(result, o.items[o.head:])
		copy(result[n1:], o.items[:o.count-n1])
	}

	clear(o.items)
	o.head = 0
	o.count = 0
	return result
}

// Wait blocks until at least one item may be available or ctx is done.
func (o *Outbox[T]) Wait(ctx context.Context) error {
	select {
	case <-o.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further pushes. Items already queued can still be drained.
func (o *Outbox[T]) Close() {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.closed = true
}

func (o *Outbox[T]) Len() int {
	o.mux.Lock()
	defer o.mux.Unlock()
	return o.count
}

// Dropped reports how many items PolicyDropOldest has discarded.
func (o *Outbox[T]) Dropped() uint64 {
	o.mux.Lock()
	defer o.mux.Unlock()
	return o.dropped
}
