package poker

import (
	"context"
	"testing"

	"github.com/npezzotti/story-pointer/internal/presence"
	"github.com/npezzotti/story-pointer/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestPresenceTracker_Run(t *testing.T) {
	store := presence.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := store.Connect(ctx)
	require.NoError(t, err)

	tracker := NewPresenceTracker(testPolicy, testutil.TestLogger(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		tracker.Run(ctx, conn, "u1")
	}()

	key := presence.UserKey("u1")
	testutil.Eventually(t, func() bool { return store.Has(key) }, "presence set once connected")

	conn.(presence.Droppable).Drop()
	testutil.Eventually(t, func() bool { return !store.Has(key) }, "presence removed on drop")

	conn.(presence.Droppable).Restore()
	testutil.Eventually(t, func() bool { return store.Has(key) }, "presence restored on reconnect")

	cancel()
	<-done
	require.NoError(t, conn.Close())
	require.False(t, store.Has(key), "expected presence removed on close")
}
