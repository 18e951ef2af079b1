package poker

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/rs/zerolog"
)

// VoterState is what a vote is computed from: the room and user at call
// time and the user's current vote, empty if none.
type VoterState struct {
	RoomID string
	UserID string
	Vote   string
}

// Ledger records votes. The room carries voteCount, the room's ledger
// document carries one counter per option, and each user carries their own
// vote. Every write touches all three in one batch.
type Ledger struct {
	db  database.Store
	log zerolog.Logger
}

func NewLedger(db database.Store, log zerolog.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

func (st VoterState) validate() error {
	if st.RoomID == "" {
		return ErrNoRoom
	}
	if st.UserID == "" {
		return ErrNotSignedIn
	}
	return nil
}

// Vote casts option for the voter. Changing a vote happens in two commits:
// the old vote is retracted, and only once that has settled is the new one
// applied. Voting for the option already held does nothing.
func (l *Ledger) Vote(ctx context.Context, st VoterState, option string) error {
	if !ValidOption(option) {
		return fmt.Errorf("%w: %q", ErrInvalidOption, option)
	}
	if err := st.validate(); err != nil {
		return err
	}
	if st.Vote == option {
		return nil
	}

	if st.Vote != "" {
		if err := l.Retract(ctx, st); err != nil {
			return fmt.Errorf("retract %q: %w", st.Vote, err)
		}
	}

	return l.apply(ctx, st.RoomID, st.UserID, option)
}

func applyBatch(roomID, userID, option string) *database.Batch {
	return database.NewBatch().
		Update(roomPath(roomID), database.Fields{"voteCount": database.Increment(1)}).
		Update(ledgerPath(roomID), database.Fields{
			"votes." + option: database.Increment(1),
			"for":             option,
		}).
		Merge(userPath(userID), database.Fields{"vote": option, "forRoom": roomID})
}

// createBatch is the first vote of a room. Create fails if another voter got
// there first, so nobody's tally is overwritten.
func createBatch(roomID, userID, option string) *database.Batch {
	return database.NewBatch().
		Update(roomPath(roomID), database.Fields{"voteCount": 1}).
		Create(ledgerPath(roomID), database.Fields{
			"votes": map[string]any{option: 1},
			"for":   option,
		}).
		Merge(userPath(userID), database.Fields{"vote": option, "forRoom": roomID})
}

func (l *Ledger) apply(ctx context.Context, roomID, userID, option string) error {
	_, err := l.db.Commit(ctx, applyBatch(roomID, userID, option))
	if !ledgerMissing(err, roomID) {
		return err
	}

	l.log.Debug().Str("room_id", roomID).Msg("creating ledger")
	_, err = l.db.Commit(ctx, createBatch(roomID, userID, option))
	if errors.Is(err, database.ErrAlreadyExists) {
		l.log.Debug().Str("room_id", roomID).Msg("ledger created concurrently, applying vote")
		_, err = l.db.Commit(ctx, applyBatch(roomID, userID, option))
	}
	return err
}

// Retract removes the voter's current vote.
func (l *Ledger) Retract(ctx context.Context, st VoterState) error {
	if err := st.validate(); err != nil {
		return err
	}
	if st.Vote == "" {
		return nil
	}

	b := database.NewBatch().
		Update(roomPath(st.RoomID), database.Fields{"voteCount": database.Increment(-1)}).
		Update(ledgerPath(st.RoomID), database.Fields{
			"votes." + st.Vote: database.Increment(-1),
			"for":              st.Vote,
		}).
		Merge(userPath(st.UserID), database.Fields{"vote": database.DeleteField()})

	_, err := l.db.Commit(ctx, b)
	if !ledgerMissing(err, st.RoomID) && !docMissing(err, roomPath(st.RoomID)) {
		return err
	}

	// The room was reset or removed under us; there is no tally left to
	// decrement.
	l.log.Debug().Str("room_id", st.RoomID).Msg("ledger gone, clearing stale vote")
	_, err = l.db.Commit(ctx, database.NewBatch().
		Merge(userPath(st.UserID), database.Fields{"vote": database.DeleteField()}))
	return err
}

// Reset clears every vote of the room in one batch: the room's voteCount,
// the ledger and the vote of each member.
func (l *Ledger) Reset(ctx context.Context, roomID string, members []string) error {
	if roomID == "" {
		return ErrNoRoom
	}

	b := database.NewBatch().
		Update(roomPath(roomID), database.Fields{"voteCount": database.DeleteField()}).
		Delete(ledgerPath(roomID))
	for _, uid := range members {
		b.Merge(userPath(uid), database.Fields{"vote": database.DeleteField()})
	}

	_, err := l.db.Commit(ctx, b)
	return err
}

// Revealed reports whether a room's votes are shown: once any vote exists
// and there are no more members than votes. Members who leave after voting
// keep their vote counted.
func Revealed(members []string, voteCount *int64) bool {
	return voteCount != nil && int64(len(members)) <= *voteCount
}

func ledgerMissing(err error, roomID string) bool {
	return docMissing(err, ledgerPath(roomID))
}

func docMissing(err error, path string) bool {
	var nf *database.NotFoundError
	return errors.As(err, &nf) && nf.Path == path
}
