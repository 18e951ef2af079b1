package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/teris-io/shortid"
)

var errStoreClosed = errors.New("store closed")

type memDoc struct {
	data    Fields
	exists  bool
	version int64
}

type memWatcher struct {
	notify    chan struct{}
	interrupt chan error
	mu        sync.Mutex
	latest    Snapshot
}

func (w *memWatcher) push(s Snapshot) {
	w.mu.Lock()
	w.latest = s
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *memWatcher) take() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// MemoryStore is an in-process Store. It keeps the same commit, watch and
// query semantics as PgStore and backs tests and single-process demos.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]memDoc
	seq      int64
	watchers map[string]map[*memWatcher]struct{}
	closed   bool

	// generateID is swapped in tests for deterministic ids.
	generateID func() (string, error)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:       make(map[string]memDoc),
		watchers:   make(map[string]map[*memWatcher]struct{}),
		generateID: shortid.Generate,
	}
}

func (m *MemoryStore) snapshotLocked(path string) Snapshot {
	d, ok := m.docs[path]
	if !ok || !d.exists {
		return Snapshot{Path: path, Version: d.version}
	}
	data, _ := normalize(d.data)
	return Snapshot{Path: path, Exists: true, Data: data, Version: d.version}
}

func (m *MemoryStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if _, err := collectionOf(path); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Snapshot{}, errStoreClosed
	}
	return m.snapshotLocked(path), nil
}

func (m *MemoryStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id, err := m.generateID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}

	if _, err := m.Commit(ctx, NewBatch().Create(Doc(collection, id), fields)); err != nil {
		return "", err
	}
	return id, nil
}

func (m *MemoryStore) Commit(ctx context.Context, b *Batch) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errStoreClosed
	}

	results, err := applyOps(b.ops, func(path string) (docState, error) {
		d := m.docs[path]
		return docState{data: d.data, exists: d.exists}, nil
	}, commitTime(), true)
	if err != nil {
		return 0, err
	}

	m.seq++
	for path, st := range results {
		data, err := normalize(st.data)
		if err != nil {
			return 0, err
		}
		m.docs[path] = memDoc{data: data, exists: st.exists, version: m.seq}
	}

	for path := range results {
		snap := m.snapshotLocked(path)
		for w := range m.watchers[path] {
			w.push(snap)
		}
	}

	return m.seq, nil
}

func (m *MemoryStore) Watch(ctx context.Context, path string, fn func(Snapshot)) error {
	if _, err := collectionOf(path); err != nil {
		return err
	}

	w := &memWatcher{
		notify:    make(chan struct{}, 1),
		interrupt: make(chan error, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrWatchInterrupted, errStoreClosed)
	}
	if m.watchers[path] == nil {
		m.watchers[path] = make(map[*memWatcher]struct{})
	}
	m.watchers[path][w] = struct{}{}
	w.push(m.snapshotLocked(path))
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.watchers[path], w)
		if len(m.watchers[path]) == 0 {
			delete(m.watchers, path)
		}
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-w.interrupt:
			return err
		case <-w.notify:
			fn(w.take())
		}
	}
}

// Interrupt breaks every open watch on path, as a dropped subscription
// would.
func (m *MemoryStore) Interrupt(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for w := range m.watchers[path] {
		select {
		case w.interrupt <- ErrWatchInterrupted:
		default:
		}
	}
}

// Watchers reports how many watches are open on path.
func (m *MemoryStore) Watchers(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers[path])
}

func (m *MemoryStore) Query(ctx context.Context, collection, field, value string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errStoreClosed
	}

	var out []Snapshot
	for path, d := range m.docs {
		if !d.exists {
			continue
		}
		if c, err := collectionOf(path); err != nil || c != collection {
			continue
		}
		arr, _ := d.data[field].([]any)
		if contains(arr, value) {
			out = append(out, m.snapshotLocked(path))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errStoreClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ws := range m.watchers {
		for w := range ws {
			select {
			case w.interrupt <- fmt.Errorf("%w: %w", ErrWatchInterrupted, errStoreClosed):
			default:
			}
		}
	}
	return nil
}
