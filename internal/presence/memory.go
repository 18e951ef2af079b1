package presence

import (
	"context"
	"sync"

	"github.com/npezzotti/story-pointer/internal/stream"
)

type removalSub struct {
	ctx context.Context
	ch  chan string
}

// MemoryStore is an in-process Store for tests and single-process runs.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*memoryConn
	subs map[*removalSub]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*memoryConn),
		subs: make(map[*removalSub]struct{}),
	}
}

func (s *MemoryStore) Connect(ctx context.Context) (Conn, error) {
	c := &memoryConn{
		store:      s,
		connected:  stream.NewLatest[bool](equalBool),
		registered: make(map[string]struct{}),
	}
	c.connected.Publish(true)
	return c, nil
}

// Has reports whether key is present.
func (s *MemoryStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// Remove deletes key as an administrator would, bypassing any connection.
func (s *MemoryStore) Remove(key string) {
	s.mu.Lock()
	_, ok := s.keys[key]
	delete(s.keys, key)
	s.mu.Unlock()

	if ok {
		s.emit(key)
	}
}

// Removals delivers removed keys until ctx is done, then closes the
// channel.
func (s *MemoryStore) Removals(ctx context.Context) (<-chan string, error) {
	sub := &removalSub{ctx: ctx, ch: make(chan string, 16)}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, sub)
		close(sub.ch)
		s.mu.Unlock()
	}()

	return sub.ch, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// emit sends under s.mu so a subscription cannot be closed mid-send.
func (s *MemoryStore) emit(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		for sub := range s.subs {
			select {
			case sub.ch <- key:
			case <-sub.ctx.Done():
			}
		}
	}
}

// removeOwned deletes the registered keys still owned by c.
func (s *MemoryStore) removeOwned(c *memoryConn, keys []string) {
	var removed []string

	s.mu.Lock()
	for _, key := range keys {
		if owner, ok := s.keys[key]; ok && owner == c {
			delete(s.keys, key)
			removed = append(removed, key)
		}
	}
	s.mu.Unlock()

	s.emit(removed...)
}

type memoryConn struct {
	store     *MemoryStore
	connected *stream.Latest[bool]

	mu         sync.Mutex
	registered map[string]struct{}
	dropped    bool
	closed     bool
}

func (c *memoryConn) Connected() *stream.Latest[bool] {
	return c.connected
}

func (c *memoryConn) OnDisconnectRemove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.registered[key] = struct{}{}
	return nil
}

func (c *memoryConn) Set(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.dropped {
		return errDropped
	}

	c.store.mu.Lock()
	c.store.keys[key] = c
	c.store.mu.Unlock()
	return nil
}

// Drop simulates the server losing this connection: registered keys are
// removed and Connected reports false until Restore.
func (c *memoryConn) Drop() {
	c.mu.Lock()
	c.dropped = true
	keys := c.registeredKeys()
	c.mu.Unlock()

	c.connected.Publish(false)
	c.store.removeOwned(c, keys)
}

// Restore reconnects a dropped connection.
func (c *memoryConn) Restore() {
	c.mu.Lock()
	c.dropped = false
	c.mu.Unlock()

	c.connected.Publish(true)
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	keys := c.registeredKeys()
	c.mu.Unlock()

	c.connected.Publish(false)
	c.store.removeOwned(c, keys)
	return nil
}

func (c *memoryConn) registeredKeys() []string {
	keys := make([]string, 0, len(c.registered))
	for key := range c.registered {
		keys = append(keys, key)
	}
	return keys
}

// Droppable is implemented by memory connections.
type Droppable interface {
	Drop()
	Restore()
}

var _ Droppable = (*memoryConn)(nil)
