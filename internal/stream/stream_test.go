package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "expected channel to be open")
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

func TestLatest(t *testing.T) {
	t.Run("replays current value to late subscribers", func(t *testing.T) {
		l := NewLatest[int](nil)
		l.Publish(1)
		l.Publish(2)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch := l.Subscribe(ctx)
		assert.Equal(t, 2, receive(t, ch), "expected latest value to be replayed")

		l.Publish(3)
		assert.Equal(t, 3, receive(t, ch), "expected published value")
	})

	t.Run("slow subscriber sees only the newest value", func(t *testing.T) {
		l := NewLatest[int](nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch := l.Subscribe(ctx)
		for i := 0; i < 10; i++ {
			l.Publish(i)
		}

		assert.Equal(t, 9, receive(t, ch), "expected only the newest value")
		select {
		case v := <-ch:
			t.Errorf("unexpected backlog value %d", v)
		default:
		}
	})

	t.Run("equal values are not republished", func(t *testing.T) {
		l := NewLatest(func(a, b string) bool { return a == b })

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		l.Publish("a")
		ch := l.Subscribe(ctx)
		assert.Equal(t, "a", receive(t, ch))

		l.Publish("a")
		select {
		case v := <-ch:
			t.Errorf("unexpected republish of %q", v)
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("subscription closes with its context", func(t *testing.T) {
		l := NewLatest[int](nil)
		ctx, cancel := context.WithCancel(context.Background())
		ch := l.Subscribe(ctx)
		cancel()

		select {
		case _, ok := <-ch:
			assert.False(t, ok, "expected channel to be closed")
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for close")
		}
	})

	t.Run("get before publish", func(t *testing.T) {
		l := NewLatest[int](nil)
		_, ok := l.Get()
		assert.False(t, ok, "expected no value before first publish")
	})
}

func TestSwitch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan string)
	var (
		mu      sync.Mutex
		running = map[string]bool{}
		overlap bool
	)
	started := make(chan string, 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		Switch(ctx, in, func(ctx context.Context, v string) {
			mu.Lock()
			if len(running) > 0 {
				overlap = true
			}
			running[v] = true
			mu.Unlock()

			started <- v
			<-ctx.Done()

			mu.Lock()
			delete(running, v)
			mu.Unlock()
		})
	}()

	in <- "a"
	assert.Equal(t, "a", receive(t, started))
	in <- "b"
	assert.Equal(t, "b", receive(t, started))
	in <- "c"
	assert.Equal(t, "c", receive(t, started))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Switch to return")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap, "expected runs never to overlap")
	assert.Empty(t, running, "expected every run to have exited")
}

func TestCombineLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewLatest[string](nil)
	b := NewLatest[int](nil)
	out := NewLatest[Pair[string, int]](nil)
	go CombineLatest(ctx, a, b, out)

	ch := out.Subscribe(ctx)

	a.Publish("room")
	select {
	case p := <-ch:
		t.Fatalf("unexpected pair %v before both feeds produced", p)
	case <-time.After(20 * time.Millisecond):
	}

	b.Publish(1)
	assert.Equal(t, Pair[string, int]{First: "room", Second: 1}, receive(t, ch))

	a.Publish("other")
	assert.Equal(t, Pair[string, int]{First: "other", Second: 1}, receive(t, ch))
}
