// Package broadcast provides a single-slot, latest-value-wins publication
// channel: publishers replace the current value, never queue behind it, and
// any number of subscribers observe a lazy sequence of "latest at time of
// observation" values. A subscriber that is not waiting across several
// publishes sees only the last one; that is load shedding by design.
package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Subscription.Next once the broadcaster is closed
// and no value remains pending for that subscriber.
var ErrClosed = errors.New("broadcast: closed")

// Broadcaster is a single-slot overwrite channel. The zero value is not
// usable; use New.
type Broadcaster[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	current T
	primed  bool
	closed  bool
	done    chan struct{}

	onSupersede func(T)
}

// Option configures a Broadcaster.
type Option[T any] func(*Broadcaster[T])

// WithOnSupersede installs a hook invoked exactly once for each value that
// gets replaced in (or discarded by) the slot. Consumers that need to release
// superseded resources on a particular execution context do so inside the
// hook. The hook runs outside the publish lock.
func WithOnSupersede[T any](fn func(T)) Option[T] {
	return func(b *Broadcaster[T]) {
		b.onSupersede = fn
	}
}

// New creates an empty broadcaster.
func New[T any](opts ...Option[T]) *Broadcaster[T] {
	b := &Broadcaster[T]{
		subs: make(map[*Subscription[T]]struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish replaces the current value. It never blocks and never fails; a
// publish to a closed broadcaster discards the value through the supersede
// hook. Each waiting subscriber observes the value exactly once; a
// subscriber with an unconsumed older value has it overwritten.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	if b.closed {
		hook := b.onSupersede
		b.mu.Unlock()
		if hook != nil {
			hook(v)
		}
		return
	}

	old, primed := b.current, b.primed
	b.current, b.primed = v, true

	for s := range b.subs {
		// Drop the stale value, if any, then hand over the new one.
		// The slot is guaranteed free: publishes are serialized here
		// and subscribers only ever drain their channel.
		select {
		case <-s.ch:
		default:
		}
		s.ch <- v
	}
	hook := b.onSupersede
	b.mu.Unlock()

	if primed && hook != nil {
		hook(old)
	}
}

// Subscribe registers a new consumer. If a value has already been published,
// the subscription is seeded with the current value so a late subscriber
// observes the freshest snapshot immediately.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription[T]{
		b:      b,
		ch:     make(chan T, 1),
		cancel: make(chan struct{}),
	}
	if b.closed {
		return s
	}
	if b.primed {
		s.ch <- b.current
	}
	b.subs[s] = struct{}{}
	return s
}

// Close marks the publishing side as permanently done. Pending values remain
// observable; subsequent waits end with ErrClosed. Close is idempotent.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs = make(map[*Subscription[T]]struct{})
	close(b.done)
}

// Subscription is one consumer's view of the broadcaster. It is not safe for
// concurrent use by multiple goroutines.
type Subscription[T any] struct {
	b        *Broadcaster[T]
	ch       chan T
	cancel   chan struct{}
	canceled sync.Once
}

// Next blocks until a value is available, the broadcaster is closed, or the
// context ends. A value published while the caller was away supersedes any
// earlier unconsumed value.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T

	// A value delivered before close is still observable.
	select {
	case v := <-s.ch:
		return v, nil
	default:
	}

	select {
	case v := <-s.ch:
		return v, nil
	case <-s.b.done:
		return zero, ErrClosed
	case <-s.cancel:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Cancel detaches the subscription. Further Next calls report ErrClosed once
// any pending value has been consumed. Cancel is idempotent.
func (s *Subscription[T]) Cancel() {
	s.canceled.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.cancel)
	})
}
