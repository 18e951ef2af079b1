package pruner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/presence"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/npezzotti/story-pointer/internal/stats"
	"github.com/npezzotti/story-pointer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testPolicy = retry.Policy{Delay: 10 * time.Millisecond}

func seedRooms(t *testing.T, store database.Store) {
	t.Helper()
	_, err := store.Commit(context.Background(), database.NewBatch().
		Set("rooms/a", database.Fields{"members": []string{"u1", "u2"}}).
		Set("rooms/b", database.Fields{"members": []string{"u2"}}).
		Set("rooms/c", database.Fields{"members": []string{"u1"}}))
	require.NoError(t, err, "expected rooms to be seeded")
}

func members(t *testing.T, store database.Store, path string) []any {
	t.Helper()
	snap, err := store.Get(context.Background(), path)
	require.NoError(t, err)
	m, _ := snap.Data["members"].([]any)
	return m
}

func TestPruner_Prune(t *testing.T) {
	store := database.NewMemoryStore()
	seedRooms(t, store)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MembersPruned).Twice()
	defer su.AssertExpectations(t)

	p := New(presence.NewMemoryStore(), store, su, testPolicy, testutil.TestLogger(t))
	n, err := p.Prune(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "expected two rooms pruned")

	assert.Equal(t, []any{"u1"}, members(t, store, "rooms/a"), "expected u2 removed from a")
	assert.Empty(t, members(t, store, "rooms/b"), "expected u2 removed from b")
	assert.Equal(t, []any{"u1"}, members(t, store, "rooms/c"), "expected c untouched")
}

func TestPruner_PruneErrors(t *testing.T) {
	t.Run("query fails", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("Query", mock.Anything, "rooms", "members", "u1").Return(nil, errors.New("boom"))

		p := New(presence.NewMemoryStore(), store, &stats.MockStatsUpdater{}, testPolicy, testutil.TestLogger(t))
		_, err := p.Prune(context.Background(), "u1")
		assert.Error(t, err, "expected query error")
	})

	t.Run("one room fails", func(t *testing.T) {
		store := &database.MockStore{}
		store.On("Query", mock.Anything, "rooms", "members", "u1").Return([]database.Snapshot{
			{Path: "rooms/a", Exists: true},
			{Path: "rooms/b", Exists: true},
			{Path: "rooms/c", Exists: true},
		}, nil)
		store.On("Commit", mock.Anything, mock.Anything).Return(int64(1), nil).Once()
		store.On("Commit", mock.Anything, mock.Anything).Return(int64(0), errors.New("unavailable")).Once()
		store.On("Commit", mock.Anything, mock.Anything).Return(int64(0), &database.NotFoundError{Path: "rooms/c"}).Once()

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.MembersPruned).Once()

		p := New(presence.NewMemoryStore(), store, su, testPolicy, testutil.TestLogger(t))
		n, err := p.Prune(context.Background(), "u1")
		assert.Error(t, err, "expected the failed room to be reported")
		assert.Equal(t, 1, n, "expected one room pruned")
		su.AssertExpectations(t)
	})
}

func TestPruner_Run(t *testing.T) {
	store := database.NewMemoryStore()
	seedRooms(t, store)
	pres := presence.NewMemoryStore()

	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.MembersPruned)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(pres, store, su, testPolicy, testutil.TestLogger(t))
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	conn, err := pres.Connect(ctx)
	require.NoError(t, err)
	key := presence.UserKey("u1")
	require.NoError(t, conn.OnDisconnectRemove(ctx, key))
	require.NoError(t, conn.Set(ctx, key))

	// Removals only flow once the pruner has subscribed.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Set(ctx, "presence/rooms/a"))
	pres.Remove("presence/rooms/a")
	conn.(presence.Droppable).Drop()

	testutil.Eventually(t, func() bool {
		return len(members(t, store, "rooms/c")) == 0
	}, "u1 pruned from c")
	assert.Equal(t, []any{"u2"}, members(t, store, "rooms/a"), "expected u1 pruned from a")
	assert.Equal(t, []any{"u2"}, members(t, store, "rooms/b"), "expected b untouched")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled, "expected run to stop on cancel")
	case <-time.After(time.Second):
		t.Fatal("timeout: pruner did not stop")
	}
}

func TestPruner_neverPresent(t *testing.T) {
	store := database.NewMemoryStore()
	seedRooms(t, store)
	pres := presence.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(pres, store, &stats.MockStatsUpdater{}, testPolicy, testutil.TestLogger(t))
	go p.Run(ctx)

	// A connection that never set presence leaves nothing to remove.
	conn, err := pres.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.OnDisconnectRemove(ctx, presence.UserKey("u1")))
	require.NoError(t, conn.Close())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []any{"u1", "u2"}, members(t, store, "rooms/a"), "expected u1 kept")
}
