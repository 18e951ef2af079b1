// Package stream provides the small push primitives the session graph is
// built from: a share-latest value that replays to late subscribers, and a
// supersede-on-change runner.
package stream

import (
	"context"
	"sync"
)

// Latest holds the most recent value published to it. Subscribers receive
// the current value on subscription, then every later value. A slow
// subscriber only ever sees the newest value, never a backlog.
type Latest[T any] struct {
	mu    sync.Mutex
	val   T
	has   bool
	subs  map[chan T]struct{}
	equal func(a, b T) bool
}

// NewLatest returns an empty Latest. If equal is non-nil, publishing a value
// equal to the current one is a no-op.
func NewLatest[T any](equal func(a, b T) bool) *Latest[T] {
	return &Latest[T]{
		subs:  make(map[chan T]struct{}),
		equal: equal,
	}
}

// Publish stores v and forwards it to every subscriber.
func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.has && l.equal != nil && l.equal(l.val, v) {
		return
	}
	l.val = v
	l.has = true

	for ch := range l.subs {
		offer(ch, v)
	}
}

// Get returns the current value and whether one has been published.
func (l *Latest[T]) Get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.val, l.has
}

// Subscribe returns a channel carrying the current value (if any) and every
// later one. The channel is closed once ctx is done.
func (l *Latest[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	l.mu.Lock()
	l.subs[ch] = struct{}{}
	if l.has {
		ch <- l.val
	}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		close(ch)
		l.mu.Unlock()
	}()

	return ch
}

// offer replaces whatever is buffered in ch with v. Callers hold l.mu, which
// makes the drain-then-send pair atomic with respect to other publishers.
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
