package poker

import (
	"context"
	"errors"

	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/rs/zerolog"
)

// Membership joins users into rooms and keeps a live subscription to the
// joined room.
type Membership struct {
	db     database.Store
	dir    *Directory
	policy retry.Policy
	log    zerolog.Logger
}

func NewMembership(db database.Store, dir *Directory, policy retry.Policy, log zerolog.Logger) *Membership {
	return &Membership{db: db, dir: dir, policy: policy, log: log}
}

// Join adds userID to the room's members and records the room on the user,
// in one batch. It fails with database.ErrNotFound if the room is missing.
func (m *Membership) Join(ctx context.Context, roomID, userID string) error {
	if roomID == "" {
		return ErrNoRoom
	}
	if userID == "" {
		return ErrNotSignedIn
	}

	b := database.NewBatch().
		Update(roomPath(roomID), database.Fields{"members": database.ArrayUnion(userID)}).
		Merge(userPath(userID), database.Fields{"forRoom": roomID})

	_, err := m.db.Commit(ctx, b)
	return err
}

// JoinWithRetry retries Join with the configured policy. A missing room is
// only reported, as ErrRoomNotFound, once the directory confirms it does
// not exist; until then it is treated like any other transient failure.
func (m *Membership) JoinWithRetry(ctx context.Context, roomID, userID string) error {
	return m.policy.Do(ctx, m.log, "join", func() error {
		err := m.Join(ctx, roomID, userID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNoRoom), errors.Is(err, ErrNotSignedIn):
			return retry.Permanent(err)
		case errors.Is(err, database.ErrNotFound):
			exists, derr := m.dir.RoomExists(ctx, roomID)
			if derr == nil && !exists {
				return retry.Permanent(ErrRoomNotFound)
			}
		}
		return err
	})
}

// Feed joins the room and then delivers every snapshot of it to fn. A
// failed subscription may mean the membership was lost, so the join is
// replayed before subscribing again. If the room does not exist Feed keeps
// watching it and joins once it appears.
//
// Feed returns when ctx is done or the join gives up.
func (m *Membership) Feed(ctx context.Context, roomID, userID string, fn func(database.Snapshot)) error {
	log := m.log.With().Str("room_id", roomID).Str("user_id", userID).Logger()

	for {
		err := m.JoinWithRetry(ctx, roomID, userID)
		switch {
		case errors.Is(err, ErrRoomNotFound):
			log.Info().Msg("room does not exist, waiting for it")
			err = m.awaitRoom(ctx, roomID, fn)
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("room watch failed")
				err = m.policy.Wait(ctx)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		case err != nil:
			return err
		}

		err = m.db.Watch(ctx, roomPath(roomID), fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("room watch failed, rejoining")

		if err := m.policy.Wait(ctx); err != nil {
			return err
		}
	}
}

var errRoomAppeared = errors.New("room appeared")

// awaitRoom forwards snapshots of a missing room until it exists.
func (m *Membership) awaitRoom(ctx context.Context, roomID string, fn func(database.Snapshot)) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	err := m.db.Watch(ctx, roomPath(roomID), func(snap database.Snapshot) {
		if snap.Exists {
			cancel(errRoomAppeared)
			return
		}
		fn(snap)
	})
	if errors.Is(context.Cause(ctx), errRoomAppeared) {
		return nil
	}
	return err
}
