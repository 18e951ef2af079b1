package database

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/npezzotti/story-pointer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedStore holds commits until released so the pending window can be
// observed.
type gatedStore struct {
	*MemoryStore
	mu   sync.Mutex
	gate chan struct{}
	err  error
}

func (g *gatedStore) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
}

func (g *gatedStore) release(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
	close(g.gate)
	g.gate = nil
}

func (g *gatedStore) Commit(ctx context.Context, b *Batch) (int64, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()

	if gate != nil {
		<-gate
		g.mu.Lock()
		err := g.err
		g.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}
	return g.MemoryStore.Commit(ctx, b)
}

func TestClient_pendingWrites(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{MemoryStore: NewMemoryStore()}
	_, err := store.Commit(ctx, NewBatch().Set("rooms/r1", Fields{"members": []string{"u1"}}))
	require.NoError(t, err)

	mine := NewClient(store)
	theirs := NewClient(store)
	mineRec, _, _ := startWatch(t, mine, "rooms/r1")
	theirRec, _, _ := startWatch(t, theirs, "rooms/r1")

	store.hold()
	done := make(chan error, 1)
	go func() {
		_, err := mine.Commit(ctx, NewBatch().Update("rooms/r1", Fields{"voteCount": Increment(1)}))
		done <- err
	}()

	testutil.Eventually(t, func() bool {
		snap, _ := mineRec.last()
		return snap.HasPendingWrites
	}, "local write visible")

	snap, _ := mineRec.last()
	n, _ := AsInt(snap.Data["voteCount"])
	assert.Equal(t, int64(1), n, "expected overlaid voteCount")

	for _, s := range theirRec.all() {
		assert.False(t, s.HasPendingWrites, "expected other client to see no pending writes")
		assert.NotContains(t, s.Data, "voteCount", "expected other client not to see the write yet")
	}

	store.release(nil)
	require.NoError(t, <-done)

	testutil.Eventually(t, func() bool {
		snap, _ := mineRec.last()
		return !snap.HasPendingWrites && snap.Data["voteCount"] != nil
	}, "confirmed snapshot")
	testutil.Eventually(t, func() bool { return mine.Pending() == 0 }, "pending batch collected")

	testutil.Eventually(t, func() bool {
		snap, _ := theirRec.last()
		return snap.Data["voteCount"] != nil
	}, "other client sees the write")
}

func TestClient_rollback(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{MemoryStore: NewMemoryStore()}
	_, err := store.Commit(ctx, NewBatch().Set("users/u1", Fields{"vote": "3"}))
	require.NoError(t, err)

	c := NewClient(store)
	rec, _, _ := startWatch(t, c, "users/u1")

	store.hold()
	done := make(chan error, 1)
	go func() {
		_, err := c.Commit(ctx, NewBatch().Merge("users/u1", Fields{"vote": "5"}))
		done <- err
	}()

	testutil.Eventually(t, func() bool {
		snap, _ := rec.last()
		return snap.Data["vote"] == "5"
	}, "local vote visible")

	failure := errors.New("permission denied")
	store.release(failure)
	assert.ErrorIs(t, <-done, failure, "expected commit error returned")

	testutil.Eventually(t, func() bool {
		snap, _ := rec.last()
		return snap.Data["vote"] == "3" && !snap.HasPendingWrites
	}, "local vote rolled back")
	assert.Equal(t, 0, c.Pending(), "expected no pending batches")
}

func TestClient_deleteIsConfirmed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Commit(ctx, NewBatch().Create("rooms/r1/ledger/tally", Fields{"for": "3"}))
	require.NoError(t, err)

	c := NewClient(store)
	rec, _, _ := startWatch(t, c, "rooms/r1/ledger/tally")

	_, err = c.Commit(ctx, NewBatch().Delete("rooms/r1/ledger/tally"))
	require.NoError(t, err)

	testutil.Eventually(t, func() bool {
		snap, _ := rec.last()
		return !snap.Exists && !snap.HasPendingWrites
	}, "confirmed deletion")
	assert.Equal(t, 0, c.Pending(), "expected deletion batch collected")
}
