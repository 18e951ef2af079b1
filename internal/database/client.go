package database

import (
	"context"
	"sync"
)

type pendingBatch struct {
	ops   []op
	paths []string
	now   string
	// acked is the commit version, zero until the store acknowledges.
	acked int64
}

func (pb *pendingBatch) touches(path string) bool {
	for _, p := range pb.paths {
		if p == path {
			return true
		}
	}
	return false
}

func (pb *pendingBatch) opsFor(path string) []op {
	var out []op
	for _, o := range pb.ops {
		if o.path == path {
			out = append(out, o)
		}
	}
	return out
}

type clientWatcher struct {
	path    string
	notify  chan struct{}
	hasBase bool
	base    Snapshot
	mu      sync.Mutex
	view    Snapshot
}

func (w *clientWatcher) push(s Snapshot) {
	w.mu.Lock()
	w.view = s
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *clientWatcher) take() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view
}

// Client is one participant's view of a Store. Writes committed through it
// show up in its own watches immediately, with HasPendingWrites set, and
// stay overlaid until the store delivers a snapshot at or past the commit
// version. A failed commit is rolled back out of the overlay. Other Clients
// never see these pending writes.
type Client struct {
	store Store

	mu       sync.Mutex
	pending  []*pendingBatch
	watchers map[string]map[*clientWatcher]struct{}
}

func NewClient(store Store) *Client {
	return &Client{
		store:    store,
		watchers: make(map[string]map[*clientWatcher]struct{}),
	}
}

func (c *Client) Store() Store {
	return c.store
}

func (c *Client) Get(ctx context.Context, path string) (Snapshot, error) {
	return c.store.Get(ctx, path)
}

func (c *Client) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	return c.store.Add(ctx, collection, fields)
}

func (c *Client) Query(ctx context.Context, collection, field, value string) ([]Snapshot, error) {
	return c.store.Query(ctx, collection, field, value)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close drops pending state. The underlying store is shared and is not
// closed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	return nil
}

func (c *Client) Commit(ctx context.Context, b *Batch) (int64, error) {
	pb := &pendingBatch{
		ops:   append([]op(nil), b.ops...),
		paths: b.Paths(),
		now:   commitTime(),
	}

	c.mu.Lock()
	c.pending = append(c.pending, pb)
	c.refreshLocked(pb.paths)
	c.mu.Unlock()

	version, err := c.store.Commit(ctx, b)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.removeLocked(pb)
	} else {
		pb.acked = version
		c.collectLocked()
	}
	c.refreshLocked(pb.paths)

	return version, err
}

// Pending reports how many batches are still overlaid.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) Watch(ctx context.Context, path string, fn func(Snapshot)) error {
	if _, err := collectionOf(path); err != nil {
		return err
	}

	w := &clientWatcher{path: path, notify: make(chan struct{}, 1)}
	c.mu.Lock()
	if c.watchers[path] == nil {
		c.watchers[path] = make(map[*clientWatcher]struct{})
	}
	c.watchers[path][w] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.watchers[path], w)
		if len(c.watchers[path]) == 0 {
			delete(c.watchers, path)
		}
		c.collectLocked()
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- c.store.Watch(ctx, path, func(s Snapshot) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.hasBase = true
			w.base = s
			c.collectLocked()
			w.push(c.viewLocked(w))
		})
	}()

	for {
		select {
		case err := <-errc:
			return err
		case <-w.notify:
			fn(w.take())
		}
	}
}

func (c *Client) refreshLocked(paths []string) {
	for _, path := range paths {
		for w := range c.watchers[path] {
			if w.hasBase {
				w.push(c.viewLocked(w))
			}
		}
	}
}

func (c *Client) viewLocked(w *clientWatcher) Snapshot {
	st := docState{data: w.base.Data, exists: w.base.Exists}
	pending := false

	for _, pb := range c.pending {
		if !pb.touches(w.path) {
			continue
		}
		if pb.acked != 0 && pb.acked <= w.base.Version {
			continue
		}
		cur := st
		res, err := applyOps(pb.opsFor(w.path), func(string) (docState, error) {
			return cur, nil
		}, pb.now, false)
		if err != nil {
			continue
		}
		st = res[w.path]
		pending = true
	}

	snap := Snapshot{
		Path:             w.path,
		Exists:           st.exists,
		Version:          w.base.Version,
		HasPendingWrites: pending,
	}
	if st.exists {
		snap.Data = st.data
	}
	return snap
}

// collectLocked drops acknowledged batches every watched path has caught up
// with.
func (c *Client) collectLocked() {
	kept := c.pending[:0]
	for _, pb := range c.pending {
		if pb.acked == 0 || !c.confirmedLocked(pb) {
			kept = append(kept, pb)
		}
	}
	for i := len(kept); i < len(c.pending); i++ {
		c.pending[i] = nil
	}
	c.pending = kept
}

func (c *Client) confirmedLocked(pb *pendingBatch) bool {
	for _, path := range pb.paths {
		for w := range c.watchers[path] {
			if !w.hasBase || w.base.Version < pb.acked {
				return false
			}
		}
	}
	return true
}

func (c *Client) removeLocked(pb *pendingBatch) {
	for i, p := range c.pending {
		if p == pb {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}
