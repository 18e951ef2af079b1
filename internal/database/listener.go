package database

import (
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = 10 * time.Second
)

type pgWatcher struct {
	notify    chan struct{}
	interrupt chan error
}

// pgListener fans document notifications out to the watches of this
// process. A dropped listener connection interrupts every watch, since
// notifications sent while disconnected are lost.
type pgListener struct {
	l        *pq.Listener
	log      zerolog.Logger
	mu       sync.Mutex
	watchers map[string]map[*pgWatcher]struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func newPgListener(dsn string, log zerolog.Logger) (*pgListener, error) {
	pl := &pgListener{
		log:      log,
		watchers: make(map[string]map[*pgWatcher]struct{}),
		done:     make(chan struct{}),
	}

	pl.l = pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, pl.onEvent)
	if err := pl.l.Listen(notifyChannel); err != nil {
		pl.l.Close()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	pl.wg.Add(1)
	go pl.run()

	return pl, nil
}

func (pl *pgListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		pl.log.Warn().Err(err).Msg("listener disconnected")
		pl.interruptAll(fmt.Errorf("%w: listener disconnected", ErrWatchInterrupted))
	case pq.ListenerEventReconnected:
		pl.log.Info().Msg("listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		pl.log.Warn().Err(err).Msg("listener reconnect failed")
	}
}

func (pl *pgListener) run() {
	defer pl.wg.Done()

	for {
		select {
		case <-pl.done:
			return
		case n, ok := <-pl.l.Notify:
			if !ok {
				return
			}
			// nil is sent after a reconnect; watches were already interrupted.
			if n == nil {
				continue
			}
			pl.dispatch(n.Extra)
		}
	}
}

func (pl *pgListener) dispatch(path string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for w := range pl.watchers[path] {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (pl *pgListener) interruptAll(err error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for _, ws := range pl.watchers {
		for w := range ws {
			select {
			case w.interrupt <- err:
			default:
			}
		}
	}
}

func (pl *pgListener) register(path string) *pgWatcher {
	w := &pgWatcher{
		notify:    make(chan struct{}, 1),
		interrupt: make(chan error, 1),
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.watchers[path] == nil {
		pl.watchers[path] = make(map[*pgWatcher]struct{})
	}
	pl.watchers[path][w] = struct{}{}

	return w
}

func (pl *pgListener) deregister(path string, w *pgWatcher) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	delete(pl.watchers[path], w)
	if len(pl.watchers[path]) == 0 {
		delete(pl.watchers, path)
	}
}

func (pl *pgListener) close() error {
	close(pl.done)
	err := pl.l.Close()
	pl.wg.Wait()
	pl.interruptAll(fmt.Errorf("%w: store closed", ErrWatchInterrupted))
	return err
}
