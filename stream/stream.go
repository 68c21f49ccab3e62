// Package stream provides the small event-stream primitives used across the
// SDK: a multi-subscriber broadcast with lag-drop semantics and a seeded
// watch that always converges to the latest value.
//
// These are signal streams, not queues: a slow subscriber loses intermediate
// values rather than back-pressuring the producer. That trade-off is
// deliberate for connectivity and token state, where only the latest value
// matters.
package stream

import "sync"

// Subscription is one receiver attached to a Broadcast or Watch.
type Subscription[T any] struct {
	ch     chan T
	cancel func()
	once   sync.Once
}

// C returns the receive channel. It is closed when the source closes or the
// subscription is cancelled.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Cancel detaches the subscription from its source (idempotent).
func (s *Subscription[T]) Cancel() {
	s.once.Do(s.cancel)
}

// Broadcast fans values out to every active subscriber.
//
// Sends never block: when a subscriber's buffer is full, the oldest buffered
// value is dropped to make room for the newest.
type Broadcast[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	next   uint64
	buf    int
	closed bool
}

// NewBroadcast constructs a Broadcast whose subscribers buffer up to buf
// values. buf <= 0 defaults to 16.
func NewBroadcast[T any](buf int) *Broadcast[T] {
	if buf <= 0 {
		buf = 16
	}
	return &Broadcast[T]{
		subs: make(map[uint64]*Subscription[T]),
		buf:  buf,
	}
}

// Subscribe attaches a new receiver. Subscribing to a closed Broadcast
// returns a subscription whose channel is already closed.
func (b *Broadcast[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buf)
	if b.closed {
		close(ch)
		return &Subscription[T]{ch: ch, cancel: func() {}}
	}

	id := b.next
	b.next++

	sub := &Subscription[T]{ch: ch}
	sub.cancel = func() { b.remove(id) }
	b.subs[id] = sub
	return sub
}

func (b *Broadcast[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Send delivers v to every subscriber without blocking. Slow subscribers lose
// their oldest buffered value. Sending on a closed Broadcast is a no-op.
func (b *Broadcast[T]) Send(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		deliver(sub.ch, v)
	}
}

// Close closes every subscriber channel. Further Send/Subscribe calls are
// safe no-ops.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// deliver performs the non-blocking lag-drop send.
// The channel is only ever closed under the owning mutex, so the second
// attempt cannot race a close.
func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	// Buffer full: drop the oldest value, then retry once.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Watch holds a current value and notifies subscribers of changes.
//
// A new subscription observes the current value first, then updates. Updates
// conflate under lag: a slow subscriber skips intermediates but always ends
// at the latest value.
type Watch[T any] struct {
	mu     sync.Mutex
	cur    T
	closed bool
	inner  *Broadcast[T]
}

// NewWatch constructs a Watch seeded with initial.
func NewWatch[T any](initial T) *Watch[T] {
	return &Watch[T]{
		cur: initial,
		// Buffer 1 gives conflated latest-value delivery.
		inner: NewBroadcast[T](1),
	}
}

// Get returns the current value.
func (w *Watch[T]) Get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Set installs v as the current value and notifies subscribers.
func (w *Watch[T]) Set(v T) {
	w.mu.Lock()
	w.cur = v
	w.mu.Unlock()
	w.inner.Send(v)
}

// Subscribe attaches a receiver seeded with the current value. Subscribing
// to a closed Watch returns a subscription whose channel is already closed.
func (w *Watch[T]) Subscribe() *Subscription[T] {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub := w.inner.Subscribe()
	if !w.closed {
		deliver(sub.ch, w.cur)
	}
	return sub
}

// Close closes all subscriber channels. Further Set/Subscribe calls are safe
// no-ops.
func (w *Watch[T]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.inner.Close()
}
