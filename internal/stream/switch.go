package stream

import (
	"context"
	"sync"
)

// Switch runs fn for the latest value received on in. When a new value
// arrives the previous run is cancelled and Switch waits for it to return
// before starting the next one, so no two runs ever overlap and a superseded
// run cannot publish after its successor has started.
//
// Switch returns when ctx is done or in is closed, after the last run exits.
func Switch[T any](ctx context.Context, in <-chan T, fn func(ctx context.Context, v T)) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)

	stop := func() {
		if cancel != nil {
			cancel()
			wg.Wait()
			cancel = nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-in:
			if !ok {
				return
			}
			stop()

			runCtx, runCancel := context.WithCancel(ctx)
			cancel = runCancel
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(runCtx, v)
			}()
		}
	}
}

// Pair is a combined value of two feeds.
type Pair[A, B any] struct {
	First  A
	Second B
}

// CombineLatest publishes a Pair every time either feed changes, once both
// have produced a value. It returns when ctx is done.
func CombineLatest[A, B any](ctx context.Context, a *Latest[A], b *Latest[B], out *Latest[Pair[A, B]]) {
	ach := a.Subscribe(ctx)
	bch := b.Subscribe(ctx)

	var (
		av   A
		bv   B
		hasA bool
		hasB bool
	)

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ach:
			if !ok {
				return
			}
			av, hasA = v, true
		case v, ok := <-bch:
			if !ok {
				return
			}
			bv, hasB = v, true
		}

		if hasA && hasB {
			out.Publish(Pair[A, B]{First: av, Second: bv})
		}
	}
}
