package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/story-pointer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) last() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func (r *snapshotRecorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func startWatch(t *testing.T, s Store, path string) (*snapshotRecorder, context.CancelFunc, <-chan error) {
	t.Helper()
	rec := &snapshotRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- s.Watch(ctx, path, rec.record)
	}()
	testutil.Eventually(t, func() bool {
		_, ok := rec.last()
		return ok
	}, "initial snapshot for "+path)
	t.Cleanup(cancel)
	return rec, cancel, errc
}

func TestMemoryStore_Commit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	v1, err := s.Commit(ctx, NewBatch().Set("rooms/r1", Fields{"members": []string{}}))
	require.NoError(t, err, "expected no error creating room")

	t.Run("failed batch writes nothing", func(t *testing.T) {
		_, err := s.Commit(ctx, NewBatch().
			Update("rooms/r1", Fields{"voteCount": Increment(1)}).
			Update("rooms/r1/ledger/tally", Fields{"votes.3": Increment(1)}))
		assert.ErrorIs(t, err, ErrNotFound, "expected missing ledger to fail the batch")

		var nf *NotFoundError
		require.True(t, errors.As(err, &nf), "expected NotFoundError")
		assert.Equal(t, "rooms/r1/ledger/tally", nf.Path, "expected failing path")

		snap, err := s.Get(ctx, "rooms/r1")
		require.NoError(t, err)
		assert.NotContains(t, snap.Data, "voteCount", "expected room untouched")
		assert.Equal(t, v1, snap.Version, "expected version unchanged")
	})

	t.Run("versions increase", func(t *testing.T) {
		v2, err := s.Commit(ctx, NewBatch().Update("rooms/r1", Fields{"members": ArrayUnion("u1")}))
		require.NoError(t, err)
		assert.Greater(t, v2, v1, "expected later commit to have a higher version")
	})

	t.Run("delete keeps a version", func(t *testing.T) {
		v, err := s.Commit(ctx, NewBatch().Delete("rooms/r1"))
		require.NoError(t, err)

		snap, err := s.Get(ctx, "rooms/r1")
		require.NoError(t, err)
		assert.False(t, snap.Exists, "expected room deleted")
		assert.Equal(t, v, snap.Version, "expected deletion version")
	})
}

func TestMemoryStore_Add(t *testing.T) {
	s := NewMemoryStore()
	s.generateID = func() (string, error) { return "abc123", nil }

	id, err := s.Add(context.Background(), "rooms", Fields{"members": []string{}})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id, "expected generated id")

	_, err = s.Add(context.Background(), "rooms", Fields{})
	assert.ErrorIs(t, err, ErrAlreadyExists, "expected id collision to fail")
}

func TestMemoryStore_Watch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, cancel, errc := startWatch(t, s, "rooms/r1")
	first, _ := rec.last()
	assert.False(t, first.Exists, "expected initial snapshot of missing document")

	_, err := s.Commit(ctx, NewBatch().Set("rooms/r1", Fields{"members": []string{"u1"}}))
	require.NoError(t, err)

	testutil.Eventually(t, func() bool {
		snap, _ := rec.last()
		return snap.Exists
	}, "snapshot after create")

	snap, _ := rec.last()
	assert.Equal(t, []any{"u1"}, snap.Data["members"], "expected members in snapshot")
	assert.False(t, snap.HasPendingWrites, "expected confirmed snapshot")

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled, "expected watch to end with ctx error")
	case <-time.After(time.Second):
		t.Fatal("timeout: watch did not return after cancel")
	}
	testutil.Eventually(t, func() bool { return s.Watchers("rooms/r1") == 0 }, "watcher removed")
}

func TestMemoryStore_Interrupt(t *testing.T) {
	s := NewMemoryStore()
	_, _, errc := startWatch(t, s, "rooms/r1")

	s.Interrupt("rooms/r1")
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrWatchInterrupted, "expected interrupted watch")
	case <-time.After(time.Second):
		t.Fatal("timeout: watch did not return after interrupt")
	}
}

func TestMemoryStore_Close(t *testing.T) {
	s := NewMemoryStore()
	_, _, errc := startWatch(t, s, "users/u1")

	require.NoError(t, s.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrWatchInterrupted, "expected close to interrupt watches")
	case <-time.After(time.Second):
		t.Fatal("timeout: watch did not return after close")
	}

	assert.Error(t, s.Ping(context.Background()), "expected ping to fail after close")
}

func TestMemoryStore_Query(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Commit(ctx, NewBatch().
		Set("rooms/b", Fields{"members": []string{"u1", "u2"}}).
		Set("rooms/a", Fields{"members": []string{"u1"}}).
		Set("rooms/c", Fields{"members": []string{"u2"}}).
		Set("users/u1", Fields{"members": []string{"u1"}}))
	require.NoError(t, err)

	snaps, err := s.Query(ctx, "rooms", "members", "u1")
	require.NoError(t, err)

	var ids []string
	for _, snap := range snaps {
		ids = append(ids, snap.ID())
	}
	assert.Equal(t, []string{"a", "b"}, ids, "expected rooms containing u1 in path order")
}
